package channel

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnwire"
)

// Event is a domain event emitted by the channel state machine through the
// EmitEvent action. It is a sealed sum.
type Event interface {
	eventSealed()
}

// ChannelOpened is emitted once the initial funding transaction is locked and
// the channel enters Normal.
type ChannelOpened struct {
	// ChannelID is the channel that opened.
	ChannelID lnwire.ChannelID

	// FundingTxid is the confirmed funding transaction.
	FundingTxid chainhash.Hash
}

func (e *ChannelOpened) eventSealed() {}

// CloseCause classifies why a channel is closing.
type CloseCause uint8

const (
	// CauseMutual is a cooperative close.
	CauseMutual CloseCause = iota

	// CauseLocalForce is a unilateral close we initiated.
	CauseLocalForce

	// CauseRemoteForce is the remote publishing its commitment.
	CauseRemoteForce

	// CauseRevokedCommit is the remote publishing a revoked commitment.
	CauseRevokedCommit

	// CauseHtlcTimeout is a force close to resolve an expiring HTLC.
	CauseHtlcTimeout

	// CauseProtocolError is a force close after a protocol violation.
	CauseProtocolError
)

// String returns a human readable close cause.
func (c CloseCause) String() string {
	switch c {
	case CauseMutual:
		return "mutual"
	case CauseLocalForce:
		return "local force close"
	case CauseRemoteForce:
		return "remote force close"
	case CauseRevokedCommit:
		return "revoked commitment"
	case CauseHtlcTimeout:
		return "htlc timeout"
	case CauseProtocolError:
		return "protocol error"
	default:
		return "unknown"
	}
}

// ChannelClosing is emitted when a closing transaction enters the mempool or
// we decide to force close.
type ChannelClosing struct {
	// ChannelID is the channel closing.
	ChannelID lnwire.ChannelID

	// Cause classifies the close.
	Cause CloseCause
}

func (e *ChannelClosing) eventSealed() {}

// ChannelClosed is emitted once the closing transaction is deeply confirmed
// and the channel is stored in its Closed state; the record is not removed.
type ChannelClosed struct {
	// ChannelID is the channel that closed.
	ChannelID lnwire.ChannelID

	// ClosingTxid is the confirmed closing transaction.
	ClosingTxid chainhash.Hash
}

func (e *ChannelClosed) eventSealed() {}

// UpgradeRequired is emitted when the peer's channel backup was written by a
// newer version of the software than this one. The channel is left untouched;
// the user must upgrade.
type UpgradeRequired struct {
	// ChannelID is the channel whose backup could not be read.
	ChannelID lnwire.ChannelID
}

func (e *UpgradeRequired) eventSealed() {}

// SpliceLockedIn is emitted once a splice transaction is locked on both
// sides.
type SpliceLockedIn struct {
	// ChannelID is the spliced channel.
	ChannelID lnwire.ChannelID

	// FundingTxid is the new funding transaction.
	FundingTxid chainhash.Hash
}

func (e *SpliceLockedIn) eventSealed() {}
