package electrum

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// BlockHeader pairs a header with the height it was mined at. It is the unit
// yielded by the header subscription.
type BlockHeader struct {
	// Height is the block height of the header.
	Height uint32

	// Header is the raw block header.
	Header *wire.BlockHeader
}

// Client is the subset of the Electrum protocol that the node relies on.
// TCPClient in this package implements it; the fee estimator and everything
// above this package program against this interface.
type Client interface {
	// SubscribeHeaders returns a channel over which each new chain tip is
	// delivered, starting with the current one.
	SubscribeHeaders(ctx context.Context) (<-chan *BlockHeader, error)

	// EstimateFee returns the estimated feerate for the given
	// confirmation target. A nil result means the server could not
	// produce an estimate for that target.
	EstimateFee(ctx context.Context, numBlocks uint32) (
		*chainfee.SatPerKWeight, error)

	// Broadcast publishes the transaction to the network.
	Broadcast(ctx context.Context, tx *wire.MsgTx) error

	// GetTx fetches the transaction with the given txid.
	GetTx(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error)

	// WatchSpent registers a watch for the spend of the given outpoint.
	// The notification is delivered on the watch channel passed at
	// construction time.
	WatchSpent(ctx context.Context, op wire.OutPoint,
		pkScript []byte) error

	// WatchConfirmed registers a watch for the confirmation of the given
	// txid at the requested depth.
	WatchConfirmed(ctx context.Context, txid chainhash.Hash,
		pkScript []byte, numConfs uint32) error
}

// WatchEvent is the notification produced by a previously registered watch.
// It is a sealed sum: exactly one of the concrete types below.
type WatchEvent interface {
	watchSealed()
}

// TxConfirmed is delivered once a watched transaction has reached its
// requested depth.
type TxConfirmed struct {
	// Txid is the watched transaction id.
	Txid chainhash.Hash

	// BlockHeight is the height the transaction confirmed at.
	BlockHeight uint32

	// Tx is the confirmed transaction.
	Tx *wire.MsgTx
}

func (t *TxConfirmed) watchSealed() {}

// OutPointSpent is delivered once a watched outpoint has been spent.
type OutPointSpent struct {
	// OutPoint is the watched outpoint.
	OutPoint wire.OutPoint

	// SpendingTx is the transaction that spent the outpoint.
	SpendingTx *wire.MsgTx
}

func (o *OutPointSpent) watchSealed() {}
