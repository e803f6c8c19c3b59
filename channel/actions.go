package channel

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

// Action is the output alphabet of the channel state machine: a side effect
// the orchestrator must perform on the channel's behalf. It is a sealed sum.
type Action interface {
	actionSealed()
}

// SendMessage instructs the orchestrator to send a wire message to the peer.
type SendMessage struct {
	// Msg is the message to send.
	Msg lnwire.Message
}

func (a *SendMessage) actionSealed() {}

// SendToSelf re-queues a command for this same channel, to be processed after
// the current transition's actions.
type SendToSelf struct {
	// Cmd is the command to requeue.
	Cmd Command
}

func (a *SendToSelf) actionSealed() {}

// Watch describes a blockchain watch to register. It is a sealed sum.
type Watch interface {
	watchReqSealed()
}

// WatchConfirmed requests a notification once a transaction reaches the
// given depth.
type WatchConfirmed struct {
	// Txid is the transaction to watch.
	Txid chainhash.Hash

	// PkScript is the script of the watched output.
	PkScript []byte

	// MinDepth is the requested confirmation depth.
	MinDepth uint32
}

func (w *WatchConfirmed) watchReqSealed() {}

// WatchSpent requests a notification once an outpoint is spent.
type WatchSpent struct {
	// OutPoint is the outpoint to watch.
	OutPoint wire.OutPoint

	// PkScript is the script of the watched output.
	PkScript []byte
}

func (w *WatchSpent) watchReqSealed() {}

// SendWatch instructs the orchestrator to register a blockchain watch.
type SendWatch struct {
	// Watch is the watch to register.
	Watch Watch
}

func (a *SendWatch) actionSealed() {}

// PublishTx instructs the orchestrator to broadcast a transaction.
type PublishTx struct {
	// Tx is the transaction to broadcast.
	Tx *wire.MsgTx

	// Label is attached to the broadcast for logging.
	Label string
}

func (a *PublishTx) actionSealed() {}

// StoreState instructs the orchestrator to persist the channel state before
// processing any further command for this channel.
type StoreState struct {
	// State is the state to persist. It must be a persistable state.
	State ChannelState
}

func (a *StoreState) actionSealed() {}

// RemoveChannel instructs the orchestrator to delete the channel from
// storage.
type RemoveChannel struct {
	// ChannelID is the channel to delete.
	ChannelID lnwire.ChannelID
}

func (a *RemoveChannel) actionSealed() {}

// StoreHtlcInfos instructs the orchestrator to persist the HTLC records of a
// newly signed remote commitment, keyed by commitment number. They are needed
// later to claim HTLC outputs of that commitment should it be revoked and
// published.
type StoreHtlcInfos struct {
	// Htlcs are the records to persist.
	Htlcs []HtlcInfo
}

func (a *StoreHtlcInfos) actionSealed() {}

// GetHtlcInfos asks the orchestrator to load the stored HTLC records for a
// revoked commitment and respond with GetHtlcInfosResponse.
type GetHtlcInfos struct {
	// CommitmentNumber is the revoked commitment number.
	CommitmentNumber uint64

	// RevokedCommitTxid is the txid of the published revoked commitment.
	RevokedCommitTxid chainhash.Hash
}

func (a *GetHtlcInfos) actionSealed() {}

// StoreIncomingPayment instructs the orchestrator to record a payment that
// was delivered through a channel open or splice rather than a plain HTLC.
type StoreIncomingPayment struct {
	// Preimage is the payment preimage.
	Preimage lntypes.Preimage

	// Amount is the value received, fees already deducted.
	Amount lnwire.MilliSatoshi

	// ServiceFee is the fee the peer charged for the open.
	ServiceFee lnwire.MilliSatoshi

	// MiningFee is our share of the on-chain fees.
	MiningFee btcutil.Amount

	// FundingTxid is the funding transaction that delivered the funds.
	FundingTxid chainhash.Hash
}

func (a *StoreIncomingPayment) actionSealed() {}

// OnChainPaymentKind classifies on-chain outgoing payment records.
type OnChainPaymentKind uint8

const (
	// KindSplice records the mining fees of a splice.
	KindSplice OnChainPaymentKind = iota

	// KindSpliceCpfp records the mining fees of a CPFP of a splice.
	KindSpliceCpfp

	// KindClose records a channel close.
	KindClose
)

// StoreOutgoingPayment instructs the orchestrator to record the on-chain
// payment resulting from a splice or close.
type StoreOutgoingPayment struct {
	// Kind classifies the record.
	Kind OnChainPaymentKind

	// Amount is the value leaving the channel, mining fee included.
	Amount btcutil.Amount

	// MiningFee is the on-chain fee paid.
	MiningFee btcutil.Amount

	// Txid is the on-chain transaction.
	Txid chainhash.Hash
}

func (a *StoreOutgoingPayment) actionSealed() {}

// SetLocked instructs the orchestrator to mark an on-chain payment's
// transaction as confirmed in the payments store.
type SetLocked struct {
	// Txid is the confirmed transaction.
	Txid chainhash.Hash
}

func (a *SetLocked) actionSealed() {}

// ProcessIncomingHtlc hands a fully committed incoming HTLC to the incoming
// payment handler.
type ProcessIncomingHtlc struct {
	// Add is the committed HTLC.
	Add lnwire.UpdateAddHTLC
}

func (a *ProcessIncomingHtlc) actionSealed() {}

// AddFailed reports that an AddHtlc command was rejected locally before
// reaching the wire.
type AddFailed struct {
	// Cmd is the rejected command.
	Cmd *AddHtlc

	// Reason is why the add was rejected.
	Reason error
}

func (a *AddFailed) actionSealed() {}

// AddSettledFulfill reports that an outgoing HTLC was settled with its
// preimage by the remote.
type AddSettledFulfill struct {
	// Htlc is the settled HTLC.
	Htlc Htlc

	// Preimage is the revealed preimage.
	Preimage lntypes.Preimage
}

func (a *AddSettledFulfill) actionSealed() {}

// AddSettledFail reports that an outgoing HTLC was failed by the remote.
type AddSettledFail struct {
	// Htlc is the failed HTLC.
	Htlc Htlc

	// Reason is the encrypted failure reason, to be decoded against the
	// onion shared secrets.
	Reason []byte
}

func (a *AddSettledFail) actionSealed() {}

// NotExecuted reports that a command was not executable in the current
// state, without being fatal to the channel.
type NotExecuted struct {
	// Cmd is the command that was dropped.
	Cmd Command

	// Reason is why it could not run.
	Reason error
}

func (a *NotExecuted) actionSealed() {}

// IDAssigned reports the one-time transition from the temporary channel id to
// the final one so the orchestrator can fix its routing table.
type IDAssigned struct {
	// Temporary is the retiring id.
	Temporary lnwire.ChannelID

	// Final is the permanent id.
	Final lnwire.ChannelID
}

func (a *IDAssigned) actionSealed() {}

// EmitEvent publishes a domain event on the node's event bus.
type EmitEvent struct {
	// Event is the event to publish.
	Event Event
}

func (a *EmitEvent) actionSealed() {}
