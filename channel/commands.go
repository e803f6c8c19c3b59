package channel

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
	"github.com/lightninglabs/feather/electrum"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/lnwire"
)

// Command is the input alphabet of the channel state machine. It is a sealed
// sum: every concrete command lives in this package.
type Command interface {
	cmdSealed()
}

// InitRestore hydrates a channel from its persisted state after a restart.
// The restored channel starts Offline.
type InitRestore struct {
	// State is the deserialized persisted state.
	State ChannelState
}

func (c *InitRestore) cmdSealed() {}

// InitInitiator starts a channel open with us as the funder.
type InitInitiator struct {
	// TemporaryChannelID addresses the channel until funding is known.
	TemporaryChannelID lnwire.ChannelID

	// FundingAmount is our contribution to the funding output.
	FundingAmount btcutil.Amount

	// PushAmount is value unconditionally given to the remote.
	PushAmount lnwire.MilliSatoshi

	// WalletInputs are the UTXOs we will contribute.
	WalletInputs []FundingInput

	// CommitmentFeerate is the initial commitment feerate.
	CommitmentFeerate chainfee.SatPerKWeight

	// FundingFeerate is the funding transaction feerate.
	FundingFeerate chainfee.SatPerKWeight
}

func (c *InitInitiator) cmdSealed() {}

// InitNonInitiator starts a channel open with the remote as the funder,
// usually in response to our own PleaseOpenChannel.
type InitNonInitiator struct {
	// TemporaryChannelID addresses the channel until funding is known.
	TemporaryChannelID lnwire.ChannelID

	// WalletInputs are the UTXOs we will contribute to the dual-funded
	// open, if any.
	WalletInputs []FundingInput

	// FundingContribution is the total value of WalletInputs minus our
	// share of the funding fee.
	FundingContribution btcutil.Amount
}

func (c *InitNonInitiator) cmdSealed() {}

// Connected tells the channel the transport to the peer is established. It
// unwraps Offline/Syncing and triggers channel_reestablish where applicable.
type Connected struct {
	// LocalInit is the init message we sent.
	LocalInit *lnwire.Init

	// RemoteInit is the init message the peer sent.
	RemoteInit *lnwire.Init
}

func (c *Connected) cmdSealed() {}

// Disconnected tells the channel the transport is gone. States carrying
// commitments wrap themselves in Offline.
type Disconnected struct{}

func (c *Disconnected) cmdSealed() {}

// MessageReceived wraps any peer message addressed to this channel.
type MessageReceived struct {
	// Msg is the decoded wire message.
	Msg lnwire.Message
}

func (c *MessageReceived) cmdSealed() {}

// WatchReceived wraps a blockchain watch notification addressed to this
// channel.
type WatchReceived struct {
	// Event is the watch event.
	Event electrum.WatchEvent
}

func (c *WatchReceived) cmdSealed() {}

// Sign asks the channel to commit to all proposed changes by sending
// commitment_signed.
type Sign struct{}

func (c *Sign) cmdSealed() {}

// CheckHtlcTimeout asks the channel to verify that no in-flight HTLC is close
// enough to its expiry to require a force close.
type CheckHtlcTimeout struct{}

func (c *CheckHtlcTimeout) cmdSealed() {}

// AddHtlc offers a new outgoing HTLC.
type AddHtlc struct {
	// Amount is the HTLC value.
	Amount lnwire.MilliSatoshi

	// PaymentHash is the hash the HTLC is locked to.
	PaymentHash lntypes.Hash

	// Expiry is the absolute block height timeout.
	Expiry uint32

	// OnionBlob is the onion packet for the next hop.
	OnionBlob []byte

	// PaymentID and PartID tie the HTLC to the outgoing payment part
	// that produced it.
	PaymentID uuid.UUID
	PartID    uuid.UUID

	// Commit, if set, triggers an immediate Sign after the add.
	Commit bool
}

func (c *AddHtlc) cmdSealed() {}

// FulfillHtlc settles an incoming HTLC with its preimage.
type FulfillHtlc struct {
	// ID is the HTLC id assigned by the remote.
	ID uint64

	// Preimage is the payment preimage.
	Preimage lntypes.Preimage

	// Commit, if set, triggers an immediate Sign after the fulfill.
	Commit bool
}

func (c *FulfillHtlc) cmdSealed() {}

// FailHtlc fails an incoming HTLC.
type FailHtlc struct {
	// ID is the HTLC id assigned by the remote.
	ID uint64

	// Reason is the encrypted failure reason to return upstream.
	Reason []byte

	// Commit, if set, triggers an immediate Sign after the fail.
	Commit bool
}

func (c *FailHtlc) cmdSealed() {}

// SpliceIn describes funds entering the channel through a splice.
type SpliceIn struct {
	// WalletInputs are the UTXOs contributing the new funds.
	WalletInputs []FundingInput
}

// SpliceOut describes funds leaving the channel through a splice.
type SpliceOut struct {
	// Amount is the value leaving the channel.
	Amount btcutil.Amount

	// PkScript is the destination script.
	PkScript []byte
}

// SpliceRequest asks the channel to initiate a splice. Exactly one of
// SpliceIn/SpliceOut may be nil.
type SpliceRequest struct {
	// SpliceIn, if set, adds funds.
	SpliceIn *SpliceIn

	// SpliceOut, if set, removes funds.
	SpliceOut *SpliceOut

	// FeeratePerKw is the splice transaction feerate.
	FeeratePerKw chainfee.SatPerKWeight
}

func (c *SpliceRequest) cmdSealed() {}

// Close starts a mutual close.
type Close struct {
	// ScriptPubKey, if set, overrides the default final script.
	ScriptPubKey []byte

	// FeeratePerKw is not read when the close is negotiated: the closing
	// fee always follows the context's mutual close feerate.
	FeeratePerKw chainfee.SatPerKWeight
}

func (c *Close) cmdSealed() {}

// ForceClose publishes our latest commitment unilaterally.
type ForceClose struct{}

func (c *ForceClose) cmdSealed() {}

// GetHtlcInfosResponse delivers the stored HTLC records needed to build a
// penalty transaction for a revoked commitment, in response to a
// GetHtlcInfos action.
type GetHtlcInfosResponse struct {
	// RevokedCommitTxid is the txid of the published revoked commitment.
	RevokedCommitTxid chainhash.Hash

	// Htlcs are the stored HTLC records for that commitment number.
	Htlcs []HtlcInfo
}

func (c *GetHtlcInfosResponse) cmdSealed() {}
