package paymentsdb

import (
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
	"github.com/lightninglabs/feather/channel"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

var (
	// ErrDuplicatePaymentHash is returned when an incoming payment is
	// added for a hash that already has a row.
	ErrDuplicatePaymentHash = errors.New("payment hash already exists")

	// ErrDuplicatePaymentID is returned when a payment or part id is
	// reused.
	ErrDuplicatePaymentID = errors.New("payment id already exists")

	// ErrPaymentNotFound is returned when the requested payment does not
	// exist.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrPartNotFound is returned when the requested part does not
	// exist.
	ErrPartNotFound = errors.New("payment part not found")

	// ErrChannelNotFound is returned when the requested channel does not
	// exist.
	ErrChannelNotFound = errors.New("channel not found")
)

// PaymentsDb is the persistence contract of the node. Implementations must
// make every method atomic; the orchestrator serializes all calls, so no
// additional locking discipline is demanded of callers.
type PaymentsDb interface {
	IncomingStore
	OutgoingStore
	ChannelStore
}

// IncomingStore persists incoming payments.
type IncomingStore interface {
	// AddIncomingPayment registers a new expected payment. It fails
	// with ErrDuplicatePaymentHash if the hash already has a row.
	AddIncomingPayment(preimage lntypes.Preimage, origin IncomingOrigin,
		createdAt time.Time) (*IncomingPayment, error)

	// GetIncomingPayment fetches the payment with the given hash.
	GetIncomingPayment(hash lntypes.Hash) (*IncomingPayment, error)

	// ReceivePayment appends parts to the payment's Received record and
	// updates its timestamp. Receiving on the same hash is additive.
	ReceivePayment(hash lntypes.Hash, parts []ReceivedWith,
		receivedAt time.Time) error
}

// OutgoingStore persists outgoing payments and their parts.
type OutgoingStore interface {
	// AddOutgoingPayment inserts a new payment with its initial parts.
	// It fails with ErrDuplicatePaymentID if the parent id or any part
	// id is reused.
	AddOutgoingPayment(payment *LightningOutgoingPayment) error

	// AddOutgoingLightningParts appends retry parts to an existing
	// payment.
	AddOutgoingLightningParts(parentID uuid.UUID, parts []*Part) error

	// CompleteOutgoingLightningPart transitions one part to a terminal
	// status.
	CompleteOutgoingLightningPart(partID uuid.UUID,
		status PartStatus) error

	// CompleteOutgoingPaymentOffchain transitions the payment itself to
	// a terminal status. On success only succeeded parts are retained.
	CompleteOutgoingPaymentOffchain(parentID uuid.UUID,
		status OutgoingStatus) error

	// GetLightningOutgoingPayment fetches a payment by parent id.
	GetLightningOutgoingPayment(
		id uuid.UUID) (*LightningOutgoingPayment, error)

	// GetLightningOutgoingPaymentFromPartID fetches the payment owning
	// the given part.
	GetLightningOutgoingPaymentFromPartID(
		partID uuid.UUID) (*LightningOutgoingPayment, error)

	// ListLightningOutgoingPayments lists every payment to the given
	// hash.
	ListLightningOutgoingPayments(
		hash lntypes.Hash) ([]*LightningOutgoingPayment, error)

	// AddOnChainOutgoingPayment records the on-chain cost of a splice
	// or close.
	AddOnChainOutgoingPayment(payment *OnChainOutgoingPayment) error

	// SetLocked marks the on-chain payment with the given txid as
	// confirmed.
	SetLocked(txid chainhash.Hash, lockedAt time.Time) error
}

// ChannelStore persists channel state and the HTLC records needed for
// penalty claims.
type ChannelStore interface {
	// AddOrUpdateChannel stores the serialized channel state.
	AddOrUpdateChannel(channelID lnwire.ChannelID, state []byte) error

	// RemoveChannel deletes a channel.
	RemoveChannel(channelID lnwire.ChannelID) error

	// ListLocalChannels returns every stored channel state.
	ListLocalChannels() (map[lnwire.ChannelID][]byte, error)

	// AddHtlcInfo stores one HTLC record of a signed remote commitment.
	AddHtlcInfo(info channel.HtlcInfo) error

	// ListHtlcInfos returns the HTLC records of the given commitment.
	ListHtlcInfos(channelID lnwire.ChannelID,
		commitmentNumber uint64) ([]channel.HtlcInfo, error)
}
