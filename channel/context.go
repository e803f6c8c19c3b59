package channel

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightninglabs/feather/electrum"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lnwire"
)

// Signer signs channel transactions. It is the only collaborator a channel
// transition touches, and its operations are deterministic for a given
// transaction, which keeps transitions effectively pure.
type Signer interface {
	// SignCommitment signs a commitment transaction spending the given
	// funding output.
	SignCommitment(tx *wire.MsgTx, fundingScript []byte,
		amount btcutil.Amount) (lnwire.Sig, error)

	// SignFundingInput produces the witness for one of our contributed
	// inputs of a funding or splice transaction.
	SignFundingInput(tx *wire.MsgTx, inputIndex int,
		amount btcutil.Amount) ([][]byte, error)
}

// Context carries the ambient data every transition may consult: who we are,
// who the peer is, the chain tip, the current feerates and a logger. It is
// assembled by the orchestrator for each Process call.
type Context struct {
	// LocalNodeID is our node public key.
	LocalNodeID *btcec.PublicKey

	// RemoteNodeID is the peer's node public key.
	RemoteNodeID *btcec.PublicKey

	// ChainHash is the genesis hash of the chain we operate on.
	ChainHash chainhash.Hash

	// BlockHeight is the current chain tip height.
	BlockHeight uint32

	// Feerates is the current on-chain feerate set.
	Feerates electrum.FeeratesPerKw

	// KeyRing derives channel and backup keys.
	KeyRing keychain.KeyRing

	// Signer signs funding inputs and commitments.
	Signer Signer

	// Logger is the channel-scoped logger.
	Logger btclog.Logger
}
