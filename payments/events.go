package payments

import (
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"

	"github.com/lightninglabs/feather/paymentsdb"
)

// Event is a payment domain event published on the node's event bus.
type Event interface {
	paymentEventSealed()
}

// PaymentReceived is emitted when an incoming payment completes.
type PaymentReceived struct {
	// PaymentHash identifies the payment.
	PaymentHash lntypes.Hash

	// Amount is the total received, fees deducted.
	Amount lnwire.MilliSatoshi
}

func (e *PaymentReceived) paymentEventSealed() {}

// PaymentProgress is emitted when a part of an outgoing payment settles but
// the payment is not yet complete.
type PaymentProgress struct {
	// PaymentID is the parent payment.
	PaymentID uuid.UUID

	// PartsSettled is how many parts have settled so far.
	PartsSettled int
}

func (e *PaymentProgress) paymentEventSealed() {}

// PaymentSent is emitted when an outgoing payment completes successfully.
type PaymentSent struct {
	// PaymentID is the parent payment.
	PaymentID uuid.UUID

	// Preimage proves the settlement.
	Preimage lntypes.Preimage

	// Fees is the total fee paid.
	Fees lnwire.MilliSatoshi
}

func (e *PaymentSent) paymentEventSealed() {}

// PartFailure is the diagnostic record of one failed attempt.
type PartFailure struct {
	// PartID is the failed attempt.
	PartID uuid.UUID

	// Message describes the failure.
	Message string
}

// PaymentNotSent is emitted when an outgoing payment terminally fails.
type PaymentNotSent struct {
	// PaymentID is the parent payment.
	PaymentID uuid.UUID

	// Reason is the terminal classification.
	Reason paymentsdb.FinalFailure

	// PartFailures lists the per-attempt failures that led here.
	PartFailures []PartFailure
}

func (e *PaymentNotSent) paymentEventSealed() {}
