package paymentsdb

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

// IncomingOrigin says what caused an incoming payment to exist. It is a
// sealed sum.
type IncomingOrigin interface {
	incomingOriginSealed()
}

// InvoiceOrigin is a payment against one of our Bolt 11 invoices.
type InvoiceOrigin struct {
	// PaymentRequest is the encoded invoice.
	PaymentRequest string
}

func (o *InvoiceOrigin) incomingOriginSealed() {}

// SwapInOrigin is an on-chain deposit promoted into Lightning liquidity.
type SwapInOrigin struct {
	// Address is the on-chain address the funds arrived on.
	Address string
}

func (o *SwapInOrigin) incomingOriginSealed() {}

// ReceivedWith is one part of a received payment. It is a sealed sum.
type ReceivedWith interface {
	// Amount is the value received by this part, fees already deducted.
	Amount() lnwire.MilliSatoshi

	// Fees is the fee paid for this part.
	Fees() lnwire.MilliSatoshi
}

// LightningPart is a plain HTLC part.
type LightningPart struct {
	// AmountMsat is the HTLC value.
	AmountMsat lnwire.MilliSatoshi

	// ChannelID is the channel the HTLC arrived on.
	ChannelID lnwire.ChannelID

	// HtlcID is the HTLC id within that channel.
	HtlcID uint64
}

// Amount returns the value received by this part.
func (p *LightningPart) Amount() lnwire.MilliSatoshi { return p.AmountMsat }

// Fees returns zero: plain HTLC parts cost the receiver nothing.
func (p *LightningPart) Fees() lnwire.MilliSatoshi { return 0 }

// NewChannelPart is a part delivered through a pay-to-open channel open or
// splice, net of the peer's fees.
type NewChannelPart struct {
	// AmountMsat is the value credited to us, fees already deducted.
	AmountMsat lnwire.MilliSatoshi

	// ServiceFee is the fee the peer charged for the open.
	ServiceFee lnwire.MilliSatoshi

	// MiningFee is our share of the on-chain fees.
	MiningFee btcutil.Amount

	// ChannelID is the channel that was opened or spliced.
	ChannelID lnwire.ChannelID

	// Txid is the funding transaction.
	Txid chainhash.Hash
}

// Amount returns the value received by this part.
func (p *NewChannelPart) Amount() lnwire.MilliSatoshi { return p.AmountMsat }

// Fees returns the service fee plus the mining fee.
func (p *NewChannelPart) Fees() lnwire.MilliSatoshi {
	return p.ServiceFee + lnwire.NewMSatFromSatoshis(p.MiningFee)
}

// Received is the aggregated reception record of an incoming payment.
type Received struct {
	// Parts are the received parts in arrival order.
	Parts []ReceivedWith

	// ReceivedAt is the time of the most recent part.
	ReceivedAt time.Time
}

// IncomingPayment is one expected or settled payment towards us, keyed by
// payment hash.
type IncomingPayment struct {
	// Preimage is the payment preimage.
	Preimage lntypes.Preimage

	// Origin says why the payment exists.
	Origin IncomingOrigin

	// CreatedAt is when the payment was registered.
	CreatedAt time.Time

	// Received is nil until the first part arrives.
	Received *Received
}

// PaymentHash is the sha256 of the preimage.
func (p *IncomingPayment) PaymentHash() lntypes.Hash {
	return p.Preimage.Hash()
}

// Amount is the total received value, zero while unpaid.
func (p *IncomingPayment) Amount() lnwire.MilliSatoshi {
	if p.Received == nil {
		return 0
	}

	var total lnwire.MilliSatoshi
	for _, part := range p.Received.Parts {
		total += part.Amount()
	}

	return total
}

// Fees is the total fees paid to receive the payment.
func (p *IncomingPayment) Fees() lnwire.MilliSatoshi {
	if p.Received == nil {
		return 0
	}

	var total lnwire.MilliSatoshi
	for _, part := range p.Received.Parts {
		total += part.Fees()
	}

	return total
}

// FinalFailure is the terminal classification of a failed outgoing payment.
type FinalFailure uint8

const (
	// FailureNoRouteToRecipient means every attempted route failed.
	FailureNoRouteToRecipient FinalFailure = iota

	// FailureRecipientUnreachable means the recipient rejected or never
	// settled the payment.
	FailureRecipientUnreachable

	// FailureInsufficientBalance means our channels cannot carry the
	// amount.
	FailureInsufficientBalance

	// FailureInvalidPaymentRequest means the invoice failed validation.
	FailureInvalidPaymentRequest

	// FailureWalletRestarted means the wallet restarted while the
	// payment was in flight.
	FailureWalletRestarted

	// FailureUnknown is everything else.
	FailureUnknown
)

// String returns a human readable failure classification.
func (f FinalFailure) String() string {
	switch f {
	case FailureNoRouteToRecipient:
		return "no route to recipient"
	case FailureRecipientUnreachable:
		return "recipient unreachable"
	case FailureInsufficientBalance:
		return "insufficient balance"
	case FailureInvalidPaymentRequest:
		return "invalid payment request"
	case FailureWalletRestarted:
		return "wallet restarted during payment"
	default:
		return "unknown error"
	}
}

// PartStatus is the status of one outgoing payment part. It is a sealed sum
// over PartPending, PartSucceeded and PartFailed.
type PartStatus interface {
	partStatusSealed()
}

// PartPending is a part still in flight.
type PartPending struct{}

func (s *PartPending) partStatusSealed() {}

// PartSucceeded is a part settled with a preimage.
type PartSucceeded struct {
	// Preimage is the revealed preimage.
	Preimage lntypes.Preimage

	// CompletedAt is the settlement time.
	CompletedAt time.Time
}

func (s *PartSucceeded) partStatusSealed() {}

// PartFailed is a part the network failed.
type PartFailed struct {
	// FailureCode is the onion failure code, if one was decoded.
	FailureCode *uint16

	// Message is a human readable failure description.
	Message string

	// CompletedAt is the failure time.
	CompletedAt time.Time
}

func (s *PartFailed) partStatusSealed() {}

// Part is one HTLC attempt of an outgoing payment.
type Part struct {
	// ID is the attempt's unique id.
	ID uuid.UUID

	// AmountMsat is the attempt's value, routing fees included.
	AmountMsat lnwire.MilliSatoshi

	// Route describes the attempted route for diagnostics.
	Route string

	// Status is the attempt's current status.
	Status PartStatus

	// CreatedAt is when the attempt was made.
	CreatedAt time.Time
}

// OutgoingDetails carries the kind-specific data of an outgoing payment. It
// is a sealed sum.
type OutgoingDetails interface {
	outgoingDetailsSealed()
}

// NormalDetails is a plain invoice payment.
type NormalDetails struct {
	// PaymentRequest is the encoded invoice being paid.
	PaymentRequest string
}

func (d *NormalDetails) outgoingDetailsSealed() {}

// SwapOutDetails is a payment that converts Lightning funds to on-chain
// funds through the peer's swap service.
type SwapOutDetails struct {
	// Address is the on-chain destination.
	Address string

	// SwapFee is the service fee, mining fee included.
	SwapFee btcutil.Amount
}

func (d *SwapOutDetails) outgoingDetailsSealed() {}

// OutgoingStatus is the overall status of an outgoing payment. It is a
// sealed sum over OutgoingPending, OutgoingSucceeded and OutgoingFailed.
type OutgoingStatus interface {
	outgoingStatusSealed()
}

// OutgoingPending is a payment with attempts still in flight.
type OutgoingPending struct{}

func (s *OutgoingPending) outgoingStatusSealed() {}

// OutgoingSucceeded is a payment settled off-chain.
type OutgoingSucceeded struct {
	// Preimage proves the settlement.
	Preimage lntypes.Preimage

	// CompletedAt is the settlement time.
	CompletedAt time.Time
}

func (s *OutgoingSucceeded) outgoingStatusSealed() {}

// OutgoingFailed is a payment that terminally failed.
type OutgoingFailed struct {
	// Reason classifies the failure.
	Reason FinalFailure

	// CompletedAt is the failure time.
	CompletedAt time.Time
}

func (s *OutgoingFailed) outgoingStatusSealed() {}

// LightningOutgoingPayment is one payment we sent, with all its attempts.
type LightningOutgoingPayment struct {
	// ID is the parent payment id. Never reused.
	ID uuid.UUID

	// RecipientAmount is what the recipient receives.
	RecipientAmount lnwire.MilliSatoshi

	// RecipientNodeID is the recipient's node id, serialized compressed.
	RecipientNodeID [33]byte

	// PaymentHash is the hash being paid.
	PaymentHash lntypes.Hash

	// Details carries the kind-specific data.
	Details OutgoingDetails

	// Parts are the attempts. After a success only succeeded parts are
	// retained.
	Parts []*Part

	// Status is the overall status.
	Status OutgoingStatus

	// CreatedAt is when the payment was initiated.
	CreatedAt time.Time
}

// Amount is the sum of the relevant parts: succeeded parts once any part
// succeeded, otherwise all parts.
func (p *LightningOutgoingPayment) Amount() lnwire.MilliSatoshi {
	var total, succeeded lnwire.MilliSatoshi
	var anySucceeded bool

	for _, part := range p.Parts {
		total += part.AmountMsat
		if _, ok := part.Status.(*PartSucceeded); ok {
			succeeded += part.AmountMsat
			anySucceeded = true
		}
	}

	if anySucceeded {
		return succeeded
	}

	return total
}

// Fees is everything the payment cost beyond what the recipient received:
// routing fees, plus the swap fee for swap-outs.
func (p *LightningOutgoingPayment) Fees() lnwire.MilliSatoshi {
	fees := p.Amount() - p.RecipientAmount
	if swapOut, ok := p.Details.(*SwapOutDetails); ok {
		fees += lnwire.NewMSatFromSatoshis(swapOut.SwapFee)
	}

	return fees
}

// OnChainKind classifies on-chain outgoing payment records.
type OnChainKind uint8

const (
	// OnChainSplice is the mining fee of a splice.
	OnChainSplice OnChainKind = iota

	// OnChainSpliceCpfp is the mining fee of a splice CPFP.
	OnChainSpliceCpfp

	// OnChainClose is a channel close.
	OnChainClose
)

// OnChainOutgoingPayment records the on-chain cost of a splice or close.
type OnChainOutgoingPayment struct {
	// ID is the record id.
	ID uuid.UUID

	// Kind classifies the record.
	Kind OnChainKind

	// Amount is the value leaving the channel, mining fee included.
	Amount btcutil.Amount

	// MiningFee is the on-chain fee paid.
	MiningFee btcutil.Amount

	// Txid is the on-chain transaction.
	Txid chainhash.Hash

	// CreatedAt is when the transaction was published.
	CreatedAt time.Time

	// ConfirmedAt is set once the transaction is locked in.
	ConfirmedAt *time.Time
}
