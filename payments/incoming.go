package payments

import (
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightninglabs/feather/fwire"
	"github.com/lightninglabs/feather/paymentsdb"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

const (
	// DefaultMppTimeout is how long the handler holds partial MPP sets
	// before failing them back.
	DefaultMppTimeout = 60 * time.Second

	// DefaultInvoiceExpiry is the expiry encoded in invoices when the
	// caller does not specify one.
	DefaultInvoiceExpiry = time.Hour
)

var (
	// ErrInvoiceExpired is returned when an HTLC pays an invoice past
	// its expiry.
	ErrInvoiceExpired = errors.New("invoice expired")

	// ErrPaymentSecretMismatch is returned when the payment secret in
	// the onion does not match the invoice.
	ErrPaymentSecretMismatch = errors.New("payment secret mismatch")

	// ErrAmountTooLow is returned when the HTLC set underpays the
	// invoice.
	ErrAmountTooLow = errors.New("amount below invoice amount")

	// ErrChannelInitializing is returned when a pay-to-open arrives
	// while a channel open is already in flight.
	ErrChannelInitializing = errors.New("channel initializing")

	// ErrRejectedByPolicy is returned when the user's liquidity policy
	// declines a pay-to-open.
	ErrRejectedByPolicy = errors.New("rejected by liquidity policy")
)

// LiquidityPolicy is the user's standing decision on paying for inbound
// liquidity.
type LiquidityPolicy struct {
	// Disabled, if set, declines every pay-to-open.
	Disabled bool

	// MaxAbsoluteFee caps the total fee per open.
	MaxAbsoluteFee btcutil.Amount

	// MaxRelativeFeeBasisPoints caps the fee relative to the amount
	// received.
	MaxRelativeFeeBasisPoints uint32
}

// Accepts decides whether the policy tolerates paying the given fee to
// receive the given amount.
func (p *LiquidityPolicy) Accepts(amount lnwire.MilliSatoshi,
	fee lnwire.MilliSatoshi) bool {

	if p.Disabled {
		return false
	}
	if fee > lnwire.NewMSatFromSatoshis(p.MaxAbsoluteFee) {
		return false
	}
	if amount == 0 {
		return false
	}

	relative := uint64(fee) * 10_000 / uint64(amount)
	return relative <= uint64(p.MaxRelativeFeeBasisPoints)
}

// RoutingHintDefaults are the fallback values for invoice routing hints
// when no remote channel update has been observed yet.
type RoutingHintDefaults struct {
	// FeeBase is the fallback base fee.
	FeeBase lnwire.MilliSatoshi

	// FeeProportionalMillionths is the fallback proportional fee.
	FeeProportionalMillionths uint32

	// CltvExpiryDelta is the fallback cltv delta.
	CltvExpiryDelta uint16
}

// FinalPayload is the decoded final-hop payload of an incoming HTLC.
type FinalPayload struct {
	// PaymentSecret authenticates the payer against invoice probing.
	PaymentSecret [32]byte

	// TotalAmount is the full payment amount across all MPP parts.
	TotalAmount lnwire.MilliSatoshi
}

// HtlcPart is one HTLC waiting for its MPP siblings.
type HtlcPart struct {
	// ChannelID is the channel the HTLC arrived on.
	ChannelID lnwire.ChannelID

	// Add is the HTLC itself.
	Add lnwire.UpdateAddHTLC

	// Payload is the decoded final payload.
	Payload FinalPayload

	// ArrivedAt is when the part arrived.
	ArrivedAt time.Time
}

// AcceptDecision is what the orchestrator must do with a now-complete HTLC
// set: fulfill every part with the preimage.
type AcceptDecision struct {
	// Preimage settles every part.
	Preimage lntypes.Preimage

	// Parts are the HTLCs to fulfill, in arrival order.
	Parts []HtlcPart
}

// RejectDecision is what the orchestrator must do with a failed HTLC: fail
// it back with the given reason.
type RejectDecision struct {
	// Part is the HTLC to fail.
	Part HtlcPart

	// Reason is why.
	Reason error
}

// IncomingHandler validates incoming HTLCs and pay-to-open requests against
// the invoice store, aggregates multi-part sets, and decides settlement. It
// is driven entirely by the orchestrator loop.
type IncomingHandler struct {
	// ChainParams is the chain we encode invoices for.
	ChainParams *chaincfg.Params

	// NodeKey is our node public key, embedded in invoices.
	NodeKey *btcec.PublicKey

	// SignInvoice signs invoice data with the node key.
	SignInvoice func(msg []byte) ([]byte, error)

	// Db is the incoming payment store.
	Db paymentsdb.IncomingStore

	// Clock supplies time, swappable in tests.
	Clock clock.Clock

	// HintDefaults seed the routing hint when no channel update is
	// known.
	HintDefaults RoutingHintDefaults

	// MppTimeout bounds how long a partial HTLC set may wait.
	MppTimeout time.Duration

	// pending aggregates HTLC parts by payment hash.
	pending map[lntypes.Hash][]HtlcPart
}

// NewIncomingHandler creates an incoming payment handler.
func NewIncomingHandler(chainParams *chaincfg.Params,
	nodeKey *btcec.PublicKey, signInvoice func([]byte) ([]byte, error),
	db paymentsdb.IncomingStore) *IncomingHandler {

	return &IncomingHandler{
		ChainParams: chainParams,
		NodeKey:     nodeKey,
		SignInvoice: signInvoice,
		Db:          db,
		Clock:       clock.NewDefaultClock(),
		HintDefaults: RoutingHintDefaults{
			FeeBase:                   1_000,
			FeeProportionalMillionths: 100,
			CltvExpiryDelta:           144,
		},
		MppTimeout: DefaultMppTimeout,
		pending:    make(map[lntypes.Hash][]HtlcPart),
	}
}

// InvoiceRequest carries everything needed to create an invoice.
type InvoiceRequest struct {
	// Preimage is the payment preimage to commit to.
	Preimage lntypes.Preimage

	// Amount is the requested amount; nil leaves the invoice open.
	Amount *lnwire.MilliSatoshi

	// Description is the human readable description.
	Description string

	// DescriptionHash, if set, replaces the description.
	DescriptionHash *lntypes.Hash

	// Expiry overrides DefaultInvoiceExpiry when non-zero.
	Expiry time.Duration

	// RemoteChannelUpdates are the peer's channel updates across all
	// our channels; the routing hint takes the maximum of each
	// parameter so the first payment attempt succeeds regardless of
	// which channel the peer routes through.
	RemoteChannelUpdates []*lnwire.ChannelUpdate1

	// PaymentSecret authenticates payers.
	PaymentSecret [32]byte
}

// CreateInvoice encodes and signs a Bolt 11 invoice and registers the
// expected payment.
func (h *IncomingHandler) CreateInvoice(req *InvoiceRequest) (string, error) {
	hash := req.Preimage.Hash()
	now := h.Clock.Now()

	expiry := req.Expiry
	if expiry == 0 {
		expiry = DefaultInvoiceExpiry
	}

	options := []func(*zpay32.Invoice){
		zpay32.Expiry(expiry),
		zpay32.PaymentAddr(req.PaymentSecret),
		zpay32.RouteHint([]zpay32.HopHint{h.routingHint(
			req.RemoteChannelUpdates,
		)}),
	}
	if req.Amount != nil {
		options = append(options, zpay32.Amount(*req.Amount))
	}
	if req.DescriptionHash != nil {
		descHash := [32]byte(*req.DescriptionHash)
		options = append(options, zpay32.DescriptionHash(descHash))
	} else {
		options = append(options, zpay32.Description(req.Description))
	}

	invoice, err := zpay32.NewInvoice(
		h.ChainParams, [32]byte(hash), now, options...,
	)
	if err != nil {
		return "", err
	}

	encoded, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: h.SignInvoice,
	})
	if err != nil {
		return "", err
	}

	if _, err := h.Db.AddIncomingPayment(
		req.Preimage, &paymentsdb.InvoiceOrigin{
			PaymentRequest: encoded,
		}, now,
	); err != nil {
		return "", err
	}

	log.Infof("Created invoice %v for %v", hash, req.Amount)

	return encoded, nil
}

// routingHint synthesizes the single virtual hop through our peer,
// maximizing each parameter over all known remote channel updates so that
// whichever channel the peer picks, the hint's budget is sufficient.
func (h *IncomingHandler) routingHint(
	updates []*lnwire.ChannelUpdate1) zpay32.HopHint {

	feeBase := uint32(h.HintDefaults.FeeBase)
	feeProportional := h.HintDefaults.FeeProportionalMillionths
	cltvDelta := h.HintDefaults.CltvExpiryDelta

	var scid uint64
	for _, update := range updates {
		if update.BaseFee > feeBase {
			feeBase = update.BaseFee
		}
		if update.FeeRate > feeProportional {
			feeProportional = update.FeeRate
		}
		if update.TimeLockDelta > cltvDelta {
			cltvDelta = update.TimeLockDelta
		}
		scid = update.ShortChannelID.ToUint64()
	}

	return zpay32.HopHint{
		NodeID:                    h.NodeKey,
		ChannelID:                 scid,
		FeeBaseMSat:               feeBase,
		FeeProportionalMillionths: feeProportional,
		CLTVExpiryDelta:           cltvDelta,
	}
}

// ProcessAddHtlc validates one incoming HTLC part. It returns an accept
// decision once the HTLC set covers the invoice, a reject decision on
// validation failure, and (nil, nil) while more parts are awaited.
func (h *IncomingHandler) ProcessAddHtlc(channelID lnwire.ChannelID,
	add lnwire.UpdateAddHTLC, payload FinalPayload) (*AcceptDecision,
	*RejectDecision) {

	hash := lntypes.Hash(add.PaymentHash)
	part := HtlcPart{
		ChannelID: channelID,
		Add:       add,
		Payload:   payload,
		ArrivedAt: h.Clock.Now(),
	}

	payment, err := h.Db.GetIncomingPayment(hash)
	if err != nil {
		return nil, &RejectDecision{
			Part:   part,
			Reason: paymentsdb.ErrPaymentNotFound,
		}
	}

	invoice, amount, secret, err := h.invoiceTerms(payment)
	if err != nil {
		return nil, &RejectDecision{Part: part, Reason: err}
	}

	if invoice != nil && h.invoiceExpired(invoice) {
		return nil, &RejectDecision{
			Part:   part,
			Reason: ErrInvoiceExpired,
		}
	}

	if secret.IsSome() &&
		secret.UnwrapOr([32]byte{}) != payload.PaymentSecret {

		return nil, &RejectDecision{
			Part:   part,
			Reason: ErrPaymentSecretMismatch,
		}
	}

	// Aggregate with any waiting siblings.
	parts := append(h.pending[hash], part)

	var total lnwire.MilliSatoshi
	for _, p := range parts {
		total += p.Add.Amount
	}

	if amount != 0 && total < amount {
		// Not enough yet: hold the set within the MPP window.
		h.pending[hash] = parts
		return nil, nil
	}

	delete(h.pending, hash)

	// Persist the aggregated reception before releasing the preimage.
	received := make([]paymentsdb.ReceivedWith, 0, len(parts))
	for _, p := range parts {
		received = append(received, &paymentsdb.LightningPart{
			AmountMsat: p.Add.Amount,
			ChannelID:  p.ChannelID,
			HtlcID:     p.Add.ID,
		})
	}
	if err := h.Db.ReceivePayment(
		hash, received, h.Clock.Now(),
	); err != nil {
		log.Errorf("Unable to persist reception of %v: %v", hash, err)
		return nil, &RejectDecision{Part: part, Reason: err}
	}

	log.Infof("Received payment %v: %v over %d parts", hash, total,
		len(parts))

	return &AcceptDecision{
		Preimage: payment.Preimage,
		Parts:    parts,
	}, nil
}

// invoiceTerms extracts the validation data from a stored payment.
func (h *IncomingHandler) invoiceTerms(
	payment *paymentsdb.IncomingPayment) (*zpay32.Invoice,
	lnwire.MilliSatoshi, fn.Option[[32]byte], error) {

	origin, ok := payment.Origin.(*paymentsdb.InvoiceOrigin)
	if !ok {
		// Swap-in payments have no invoice to validate against.
		return nil, 0, fn.None[[32]byte](), nil
	}

	invoice, err := zpay32.Decode(origin.PaymentRequest, h.ChainParams)
	if err != nil {
		return nil, 0, fn.None[[32]byte](), err
	}

	var amount lnwire.MilliSatoshi
	if invoice.MilliSat != nil {
		amount = *invoice.MilliSat
	}

	return invoice, amount, invoice.PaymentAddr, nil
}

// invoiceExpired reports whether the invoice's expiry has passed.
func (h *IncomingHandler) invoiceExpired(invoice *zpay32.Invoice) bool {
	return h.Clock.Now().After(
		invoice.Timestamp.Add(invoice.Expiry()),
	)
}

// CheckPaymentsTimeout sweeps partial MPP sets past the timeout and returns
// the parts to fail back. Driven by the orchestrator's 10 second sweep.
func (h *IncomingHandler) CheckPaymentsTimeout() []RejectDecision {
	now := h.Clock.Now()

	var rejected []RejectDecision
	for hash, parts := range h.pending {
		if len(parts) == 0 {
			delete(h.pending, hash)
			continue
		}
		if now.Sub(parts[0].ArrivedAt) < h.MppTimeout {
			continue
		}

		log.Warnf("MPP timeout for %v with %d parts", hash,
			len(parts))

		for _, part := range parts {
			rejected = append(rejected, RejectDecision{
				Part:   part,
				Reason: ErrAmountTooLow,
			})
		}
		delete(h.pending, hash)
	}

	return rejected
}

// ChannelSummary is the orchestrator's view of channel readiness, consulted
// by the pay-to-open path.
type ChannelSummary struct {
	// HasNormal is true if at least one channel is operational.
	HasNormal bool

	// HasInitializing is true if a channel open is in flight
	// (WaitForFunding*/WaitForChannelReady).
	HasInitializing bool
}

// ProcessPayToOpen decides a pay-to-open request: accept reveals the
// preimage in the response, reject carries a failure for the peer to
// forward upstream.
func (h *IncomingHandler) ProcessPayToOpen(req *fwire.PayToOpenRequest,
	policy *LiquidityPolicy,
	channels ChannelSummary) (*fwire.PayToOpenResponse, error) {

	hash := lntypes.Hash(req.PaymentHash)

	reject := func(reason error) (*fwire.PayToOpenResponse, error) {
		log.Warnf("Rejecting pay-to-open for %v: %v", hash, reason)
		return &fwire.PayToOpenResponse{
			ChainHash:     req.ChainHash,
			PaymentHash:   req.PaymentHash,
			FailureReason: []byte(reason.Error()),
		}, reason
	}

	// While a channel open is already in flight the funds would collide
	// with the pending open; the payer retries shortly.
	if !channels.HasNormal && channels.HasInitializing {
		return reject(ErrChannelInitializing)
	}

	payment, err := h.Db.GetIncomingPayment(hash)
	if err != nil {
		return reject(paymentsdb.ErrPaymentNotFound)
	}

	var fundingFee lnwire.MilliSatoshi
	if funding := lnwire.NewMSatFromSatoshis(
		req.FundingAmount,
	); funding > req.Amount {

		fundingFee = funding - req.Amount
	}
	if policy != nil && !policy.Accepts(req.Amount, fundingFee) {
		return reject(ErrRejectedByPolicy)
	}

	log.Infof("Accepting pay-to-open for %v: %v", hash, req.Amount)

	return &fwire.PayToOpenResponse{
		ChainHash:   req.ChainHash,
		PaymentHash: req.PaymentHash,
		Preimage:    [32]byte(payment.Preimage),
	}, nil
}
