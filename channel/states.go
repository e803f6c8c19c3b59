package channel

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/feather/fwire"
	"github.com/lightningnetwork/lnd/lnwire"
)

// ChannelState is the sealed sum of every state the channel automaton can
// occupy.
type ChannelState interface {
	stateSealed()

	// Name returns the state's name for logging.
	Name() string
}

// PersistedChannelState is the subset of states that carry a Commitments
// record and are written to storage. Only states from WaitForFundingSigned
// onward qualify.
type PersistedChannelState interface {
	ChannelState

	// Commitments returns the durable channel core.
	Commitments() *Commitments
}

// WaitForInit is the empty starting state of every channel instance.
type WaitForInit struct{}

func (s *WaitForInit) stateSealed() {}

// Name returns the state's name.
func (s *WaitForInit) Name() string { return "WaitForInit" }

// WaitForOpenChannel is the non-initiator waiting for the peer's
// open_channel2.
type WaitForOpenChannel struct {
	// TemporaryChannelID is the id we expect the open to use.
	TemporaryChannelID lnwire.ChannelID

	// WalletInputs are the UTXOs we will contribute.
	WalletInputs []FundingInput

	// FundingContribution is the net amount we bring, fee share already
	// deducted.
	FundingContribution btcutil.Amount
}

func (s *WaitForOpenChannel) stateSealed() {}

// Name returns the state's name.
func (s *WaitForOpenChannel) Name() string { return "WaitForOpenChannel" }

// WaitForAcceptChannel is the initiator waiting for accept_channel2.
type WaitForAcceptChannel struct {
	// Init is the initiator command that started the open.
	Init *InitInitiator

	// LastSent is the open_channel2 we sent.
	LastSent *fwire.OpenChannel2
}

func (s *WaitForAcceptChannel) stateSealed() {}

// Name returns the state's name.
func (s *WaitForAcceptChannel) Name() string { return "WaitForAcceptChannel" }

// WaitForFundingCreated is either side inside the interactive construction
// session, before commitments exist.
type WaitForFundingCreated struct {
	// TemporaryChannelID addresses the channel during construction.
	TemporaryChannelID lnwire.ChannelID

	// Params are the parameters agreed so far.
	Params ChannelParams

	// Session is the interactive construction session.
	Session *InteractiveTxSession

	// LocalBalance and RemoteBalance are the balances the channel will
	// start with.
	LocalBalance  lnwire.MilliSatoshi
	RemoteBalance lnwire.MilliSatoshi

	// CommitmentFeerate is the initial commitment feerate.
	CommitmentFeerate uint32

	// Origin, if set, correlates the open with a PleaseOpenChannel,
	// carrying the fees to record once locked.
	Origin *fwire.ChannelOrigin
}

func (s *WaitForFundingCreated) stateSealed() {}

// Name returns the state's name.
func (s *WaitForFundingCreated) Name() string { return "WaitForFundingCreated" }

// WaitForFundingSigned has a complete funding transaction and exchanged
// commitment signatures; we are waiting for tx_signatures. First persisted
// state.
type WaitForFundingSigned struct {
	// Commits is the durable channel core.
	Commits *Commitments

	// Session is the completed construction session.
	Session *InteractiveTxSession

	// RemoteTxSigs is set once the peer's tx_signatures arrived.
	RemoteTxSigs *fwire.TxSignatures

	// Origin, if set, correlates the open with a PleaseOpenChannel.
	Origin *fwire.ChannelOrigin
}

func (s *WaitForFundingSigned) stateSealed() {}

// Name returns the state's name.
func (s *WaitForFundingSigned) Name() string { return "WaitForFundingSigned" }

// Commitments returns the durable channel core.
func (s *WaitForFundingSigned) Commitments() *Commitments { return s.Commits }

// WaitForFundingConfirmed is waiting for the funding transaction to reach
// MinDepth.
type WaitForFundingConfirmed struct {
	// Commits is the durable channel core.
	Commits *Commitments

	// FundingTx is the fully signed funding transaction, re-broadcast on
	// every reconnection until confirmed.
	FundingTx *wire.MsgTx

	// Origin, if set, correlates the open with a PleaseOpenChannel.
	Origin *fwire.ChannelOrigin

	// EarlyReady holds a channel_ready that arrived before our own
	// confirmation.
	EarlyReady *lnwire.ChannelReady
}

func (s *WaitForFundingConfirmed) stateSealed() {}

// Name returns the state's name.
func (s *WaitForFundingConfirmed) Name() string {
	return "WaitForFundingConfirmed"
}

// Commitments returns the durable channel core.
func (s *WaitForFundingConfirmed) Commitments() *Commitments { return s.Commits }

// LegacyWaitForFundingConfirmed is WaitForFundingConfirmed for channels
// created by the legacy single-funder protocol, kept so restored wallets can
// still finish their confirmation.
type LegacyWaitForFundingConfirmed struct {
	// Commits is the durable channel core.
	Commits *Commitments

	// FundingTx is the fully signed funding transaction.
	FundingTx *wire.MsgTx
}

func (s *LegacyWaitForFundingConfirmed) stateSealed() {}

// Name returns the state's name.
func (s *LegacyWaitForFundingConfirmed) Name() string {
	return "LegacyWaitForFundingConfirmed"
}

// Commitments returns the durable channel core.
func (s *LegacyWaitForFundingConfirmed) Commitments() *Commitments {
	return s.Commits
}

// WaitForChannelReady has a confirmed funding transaction and waits for the
// channel_ready exchange to complete.
type WaitForChannelReady struct {
	// Commits is the durable channel core.
	Commits *Commitments

	// ShortChannelID encodes where the funding confirmed.
	ShortChannelID lnwire.ShortChannelID

	// RemoteReady is set once the peer's channel_ready arrived.
	RemoteReady *lnwire.ChannelReady
}

func (s *WaitForChannelReady) stateSealed() {}

// Name returns the state's name.
func (s *WaitForChannelReady) Name() string { return "WaitForChannelReady" }

// Commitments returns the durable channel core.
func (s *WaitForChannelReady) Commitments() *Commitments { return s.Commits }

// SpliceStatus tracks an in-progress splice negotiation on a Normal channel.
type SpliceStatus struct {
	// Init is the splice_init we sent or received.
	Init *fwire.SpliceInit

	// Session is the interactive construction session for the splice
	// transaction, nil until splice_ack.
	Session *InteractiveTxSession

	// SpliceIn and SpliceOut describe our requested balance change.
	SpliceIn  *SpliceIn
	SpliceOut *SpliceOut

	// PendingTx is the fully constructed splice transaction awaiting
	// signatures.
	PendingTx *wire.MsgTx
}

// Normal is the operating state: HTLCs flow, splices may be negotiated.
type Normal struct {
	// Commits is the durable channel core.
	Commits *Commitments

	// ShortChannelID encodes where the active funding confirmed.
	ShortChannelID lnwire.ShortChannelID

	// RemoteChannelUpdate is the peer's most recent channel_update,
	// consulted when building invoice routing hints.
	RemoteChannelUpdate *lnwire.ChannelUpdate1

	// Splice, if set, is the splice negotiation in progress.
	Splice *SpliceStatus

	// LocalShutdown and RemoteShutdown are set once either side has
	// asked to close.
	LocalShutdown  *lnwire.Shutdown
	RemoteShutdown *lnwire.Shutdown

	// pendingFails buffers outgoing-HTLC failures until they are
	// irrevocably committed.
	pendingFails []*AddSettledFail

	// spliceLockedSent and spliceLockedReceived track the splice_locked
	// exchange for the head funding.
	spliceLockedSent     bool
	spliceLockedReceived bool

	// origins maps HTLC ids to their origins, per direction.
	origins map[Direction]map[uint64]HtlcOrigin
}

func (s *Normal) stateSealed() {}

// Name returns the state's name.
func (s *Normal) Name() string { return "Normal" }

// Commitments returns the durable channel core.
func (s *Normal) Commitments() *Commitments { return s.Commits }

// ShuttingDown has exchanged shutdown but still has in-flight HTLCs to
// resolve before fee negotiation can start.
type ShuttingDown struct {
	// Commits is the durable channel core.
	Commits *Commitments

	// LocalShutdown and RemoteShutdown are the exchanged shutdown
	// messages.
	LocalShutdown  *lnwire.Shutdown
	RemoteShutdown *lnwire.Shutdown
}

func (s *ShuttingDown) stateSealed() {}

// Name returns the state's name.
func (s *ShuttingDown) Name() string { return "ShuttingDown" }

// Commitments returns the durable channel core.
func (s *ShuttingDown) Commitments() *Commitments { return s.Commits }

// Negotiating is the mutual close fee negotiation.
type Negotiating struct {
	// Commits is the durable channel core.
	Commits *Commitments

	// LocalShutdown and RemoteShutdown are the exchanged shutdown
	// messages.
	LocalShutdown  *lnwire.Shutdown
	RemoteShutdown *lnwire.Shutdown

	// LastProposedFee is the fee in our most recent closing_signed.
	LastProposedFee btcutil.Amount
}

func (s *Negotiating) stateSealed() {}

// Name returns the state's name.
func (s *Negotiating) Name() string { return "Negotiating" }

// Commitments returns the durable channel core.
func (s *Negotiating) Commitments() *Commitments { return s.Commits }

// RevokedCommitPublished tracks a penalty claim against a revoked remote
// commitment.
type RevokedCommitPublished struct {
	// CommitTx is the revoked commitment that appeared on chain.
	CommitTx *wire.MsgTx

	// CommitmentNumber is the revoked commitment's number.
	CommitmentNumber uint64

	// RemotePerCommitmentSecret is the revocation secret for it.
	RemotePerCommitmentSecret [32]byte

	// PenaltyTx is the transaction claiming every output, nil until the
	// HTLC records have been loaded.
	PenaltyTx *wire.MsgTx
}

// Closing has one or more closing transactions in flight and waits for
// confirmation.
type Closing struct {
	// Commits is the durable channel core.
	Commits *Commitments

	// MutualClosePublished are mutual close transactions awaiting
	// confirmation.
	MutualClosePublished []*wire.MsgTx

	// LocalCommitPublished is our published commitment, if any.
	LocalCommitPublished *wire.MsgTx

	// RemoteCommitPublished is the remote's published commitment, if
	// any.
	RemoteCommitPublished *wire.MsgTx

	// RevokedCommitPublished tracks penalty claims, one per revoked
	// commitment the remote published.
	RevokedCommitPublished []*RevokedCommitPublished

	// Cause classifies the close.
	Cause CloseCause
}

func (s *Closing) stateSealed() {}

// Name returns the state's name.
func (s *Closing) Name() string { return "Closing" }

// Commitments returns the durable channel core.
func (s *Closing) Commitments() *Commitments { return s.Commits }

// Closed is terminal: the closing transaction is deeply confirmed. The state
// is kept in memory until the orchestrator forgets the channel.
type Closed struct {
	// Inner is the Closing state that completed.
	Inner *Closing
}

func (s *Closed) stateSealed() {}

// Name returns the state's name.
func (s *Closed) Name() string { return "Closed" }

// Commitments returns the durable channel core.
func (s *Closed) Commitments() *Commitments { return s.Inner.Commits }

// Aborted is terminal: the channel was abandoned before any commitment was
// signed. Nothing is at stake on chain.
type Aborted struct{}

func (s *Aborted) stateSealed() {}

// Name returns the state's name.
func (s *Aborted) Name() string { return "Aborted" }

// Offline wraps the state of a channel whose peer connection is down.
type Offline struct {
	// Inner is the wrapped state.
	Inner PersistedChannelState
}

func (s *Offline) stateSealed() {}

// Name returns the state's name.
func (s *Offline) Name() string { return "Offline(" + s.Inner.Name() + ")" }

// Commitments returns the durable channel core.
func (s *Offline) Commitments() *Commitments { return s.Inner.Commitments() }

// Syncing wraps the state of a channel that is mid channel_reestablish.
type Syncing struct {
	// Inner is the wrapped state.
	Inner PersistedChannelState

	// ReestablishSent is true once we have sent our channel_reestablish.
	ReestablishSent bool
}

func (s *Syncing) stateSealed() {}

// Name returns the state's name.
func (s *Syncing) Name() string { return "Syncing(" + s.Inner.Name() + ")" }

// Commitments returns the durable channel core.
func (s *Syncing) Commitments() *Commitments { return s.Inner.Commitments() }
