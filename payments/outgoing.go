package payments

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lightninglabs/feather/channel"
	"github.com/lightninglabs/feather/paymentsdb"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

var (
	// ErrNoUsableChannel is returned when no channel can carry the
	// payment.
	ErrNoUsableChannel = errors.New("no usable channel")

	// ErrPaymentPending is returned when a send reuses the id of an
	// in-flight payment.
	ErrPaymentPending = errors.New("payment already pending")
)

// TrampolineFees is one rung of the trampoline fee ladder. Each retry climbs
// to the next rung, paying the trampoline node more for a better chance of
// routing.
type TrampolineFees struct {
	// FeeBase is the flat fee.
	FeeBase lnwire.MilliSatoshi

	// FeeProportionalMillionths is the proportional fee.
	FeeProportionalMillionths uint64

	// CltvExpiryDelta is the cltv budget granted to the trampoline.
	CltvExpiryDelta uint16
}

// DefaultTrampolineFees is the ladder used when the caller does not override
// it: start free (the trampoline may route for free to its direct peers),
// then climb.
var DefaultTrampolineFees = []TrampolineFees{
	{FeeBase: 0, FeeProportionalMillionths: 0, CltvExpiryDelta: 576},
	{FeeBase: 1_000, FeeProportionalMillionths: 100, CltvExpiryDelta: 576},
	{FeeBase: 3_000, FeeProportionalMillionths: 100, CltvExpiryDelta: 576},
	{FeeBase: 5_000, FeeProportionalMillionths: 500, CltvExpiryDelta: 576},
	{FeeBase: 5_000, FeeProportionalMillionths: 1_000, CltvExpiryDelta: 576},
	{FeeBase: 5_000, FeeProportionalMillionths: 1_200, CltvExpiryDelta: 576},
}

// Fee computes the trampoline fee for the given amount at this rung.
func (t *TrampolineFees) Fee(amount lnwire.MilliSatoshi) lnwire.MilliSatoshi {
	return t.FeeBase + lnwire.MilliSatoshi(
		uint64(amount)*t.FeeProportionalMillionths/1_000_000,
	)
}

// SendPaymentRequest is a user request to pay an invoice.
type SendPaymentRequest struct {
	// PaymentID is the caller-chosen parent id. Never reused.
	PaymentID uuid.UUID

	// Amount is the amount to deliver to the recipient.
	Amount lnwire.MilliSatoshi

	// Invoice is the decoded invoice being paid.
	Invoice *zpay32.Invoice

	// PaymentRequest is the encoded form, persisted for diagnostics.
	PaymentRequest string

	// TrampolineFeesOverride replaces the default ladder when non-nil.
	TrampolineFeesOverride []TrampolineFees
}

// BuildOnion constructs the trampoline onion for one attempt. It is
// injected by the orchestrator, which owns the sphinx router.
type BuildOnion func(invoice *zpay32.Invoice, amount lnwire.MilliSatoshi,
	fees TrampolineFees, expiry uint32) ([]byte, error)

// Attempt is the channel command produced for one payment part. The
// orchestrator dispatches it to the channel.
type Attempt struct {
	// ChannelID is the channel to send over.
	ChannelID lnwire.ChannelID

	// Cmd is the add command carrying part id, amount and onion.
	Cmd *channel.AddHtlc
}

// ChannelCandidate is one channel the handler may route a part through.
type ChannelCandidate struct {
	// ChannelID identifies the channel.
	ChannelID lnwire.ChannelID

	// AvailableForSend is the spendable balance after the reserve.
	AvailableForSend lnwire.MilliSatoshi
}

// inflightPayment is the handler's view of one in-flight payment.
type inflightPayment struct {
	request SendPaymentRequest
	fees    []TrampolineFees

	// attempt is the index into fees of the current rung.
	attempt int

	// failures collects per-attempt diagnostics.
	failures []PartFailure
}

// OutgoingHandler splits sends into attempts, walks the trampoline fee
// ladder on retryable failures, and settles payment rows. It is driven
// entirely by the orchestrator loop.
type OutgoingHandler struct {
	// Db is the outgoing payment store.
	Db paymentsdb.OutgoingStore

	// Clock supplies time, swappable in tests.
	Clock clock.Clock

	// BuildOnion constructs attempt onions.
	BuildOnion BuildOnion

	// inflight tracks pending payments by parent id.
	inflight map[uuid.UUID]*inflightPayment
}

// NewOutgoingHandler creates an outgoing payment handler.
func NewOutgoingHandler(db paymentsdb.OutgoingStore,
	buildOnion BuildOnion) *OutgoingHandler {

	return &OutgoingHandler{
		Db:         db,
		Clock:      clock.NewDefaultClock(),
		BuildOnion: buildOnion,
		inflight:   make(map[uuid.UUID]*inflightPayment),
	}
}

// SendPayment inserts the parent payment row and produces the first
// attempt.
func (h *OutgoingHandler) SendPayment(req SendPaymentRequest,
	channels []ChannelCandidate, blockHeight uint32) (*Attempt, error) {

	if _, ok := h.inflight[req.PaymentID]; ok {
		return nil, ErrPaymentPending
	}

	if h.Clock.Now().After(
		req.Invoice.Timestamp.Add(req.Invoice.Expiry()),
	) {
		return nil, h.failNew(req, paymentsdb.FailureInvalidPaymentRequest)
	}

	fees := req.TrampolineFeesOverride
	if fees == nil {
		fees = DefaultTrampolineFees
	}

	inflight := &inflightPayment{request: req, fees: fees}

	var recipient [33]byte
	copy(recipient[:], req.Invoice.Destination.SerializeCompressed())

	payment := &paymentsdb.LightningOutgoingPayment{
		ID:              req.PaymentID,
		RecipientAmount: req.Amount,
		RecipientNodeID: recipient,
		PaymentHash:     lntypes.Hash(*req.Invoice.PaymentHash),
		Details: &paymentsdb.NormalDetails{
			PaymentRequest: req.PaymentRequest,
		},
		Status:    &paymentsdb.OutgoingPending{},
		CreatedAt: h.Clock.Now(),
	}
	if err := h.Db.AddOutgoingPayment(payment); err != nil {
		return nil, err
	}

	h.inflight[req.PaymentID] = inflight

	attempt, err := h.nextAttempt(inflight, channels, blockHeight)
	if err != nil {
		return nil, h.fail(inflight, classifyLocal(err))
	}

	return attempt, nil
}

// nextAttempt builds one attempt at the current fee rung.
func (h *OutgoingHandler) nextAttempt(inflight *inflightPayment,
	channels []ChannelCandidate, blockHeight uint32) (*Attempt, error) {

	req := inflight.request
	fees := inflight.fees[inflight.attempt]
	total := req.Amount + fees.Fee(req.Amount)

	// Single-part attempt through the deepest channel that can carry
	// it; the amount is not split across channels.
	chosen, err := chooseChannel(channels, total)
	if err != nil {
		return nil, err
	}

	expiry := blockHeight + uint32(fees.CltvExpiryDelta)

	var onion []byte
	if h.BuildOnion != nil {
		onion, err = h.BuildOnion(req.Invoice, total, fees, expiry)
		if err != nil {
			return nil, err
		}
	}

	part := &paymentsdb.Part{
		ID:         uuid.New(),
		AmountMsat: total,
		Route:      fmt.Sprintf("trampoline(rung=%d)", inflight.attempt),
		Status:     &paymentsdb.PartPending{},
		CreatedAt:  h.Clock.Now(),
	}
	if err := h.Db.AddOutgoingLightningParts(
		req.PaymentID, []*paymentsdb.Part{part},
	); err != nil {
		return nil, err
	}

	log.Debugf("Payment %v attempt %d: %v over channel %v",
		req.PaymentID, inflight.attempt, total, chosen)

	return &Attempt{
		ChannelID: chosen,
		Cmd: &channel.AddHtlc{
			Amount:      total,
			PaymentHash: lntypes.Hash(*req.Invoice.PaymentHash),
			Expiry:      expiry,
			OnionBlob:   onion,
			PaymentID:   req.PaymentID,
			PartID:      part.ID,
			Commit:      true,
		},
	}, nil
}

// chooseChannel picks the candidate with the most headroom that can carry
// the amount.
func chooseChannel(channels []ChannelCandidate,
	amount lnwire.MilliSatoshi) (lnwire.ChannelID, error) {

	var best *ChannelCandidate
	for i := range channels {
		candidate := &channels[i]
		if candidate.AvailableForSend < amount {
			continue
		}
		if best == nil ||
			candidate.AvailableForSend > best.AvailableForSend {

			best = candidate
		}
	}

	if best == nil {
		return lnwire.ChannelID{}, ErrNoUsableChannel
	}

	return best.ChannelID, nil
}

// OnAddFailed reacts to a local rejection of an attempt: retry on another
// rung if possible, otherwise fail the payment.
func (h *OutgoingHandler) OnAddFailed(result *channel.AddFailed,
	channels []ChannelCandidate, blockHeight uint32) (*Attempt, Event) {

	inflight, ok := h.inflight[result.Cmd.PaymentID]
	if !ok {
		log.Warnf("AddFailed for unknown payment %v",
			result.Cmd.PaymentID)
		return nil, nil
	}

	h.completePart(result.Cmd.PartID, &paymentsdb.PartFailed{
		Message:     result.Reason.Error(),
		CompletedAt: h.Clock.Now(),
	})
	inflight.failures = append(inflight.failures, PartFailure{
		PartID:  result.Cmd.PartID,
		Message: result.Reason.Error(),
	})

	// A local rejection does not consume a fee rung; a different
	// channel may still work. But with a single trampoline peer there
	// is nothing else to try unless balance allows a smaller split, so
	// classify and fail.
	return nil, h.failEvent(inflight, classifyLocal(result.Reason))
}

// OnAddSettledFail reacts to the peer failing an attempt: walk the fee
// ladder.
func (h *OutgoingHandler) OnAddSettledFail(result *channel.AddSettledFail,
	channels []ChannelCandidate, blockHeight uint32) (*Attempt, Event) {

	origin, ok := result.Htlc.Origin.(*channel.PaymentOrigin)
	if !ok {
		log.Warnf("Settled fail for htlc with no payment origin")
		return nil, nil
	}

	inflight, exists := h.inflight[origin.PaymentID]
	if !exists {
		log.Warnf("Settled fail for unknown payment %v",
			origin.PaymentID)
		return nil, nil
	}

	message := "payment failed by remote"
	if len(result.Reason) > 0 {
		message = fmt.Sprintf("remote failure (%d bytes)",
			len(result.Reason))
	}

	h.completePart(origin.PartID, &paymentsdb.PartFailed{
		Message:     message,
		CompletedAt: h.Clock.Now(),
	})
	inflight.failures = append(inflight.failures, PartFailure{
		PartID:  origin.PartID,
		Message: message,
	})

	// Temporary failures climb the ladder; once exhausted the payment
	// terminally fails.
	inflight.attempt++
	if inflight.attempt >= len(inflight.fees) {
		return nil, h.failEvent(
			inflight, paymentsdb.FailureNoRouteToRecipient,
		)
	}

	attempt, err := h.nextAttempt(inflight, channels, blockHeight)
	if err != nil {
		return nil, h.failEvent(inflight, classifyLocal(err))
	}

	return attempt, nil
}

// OnAddSettledFulfill reacts to a settled attempt: complete the part, and
// the payment once every non-failed part has settled.
func (h *OutgoingHandler) OnAddSettledFulfill(
	result *channel.AddSettledFulfill) Event {

	origin, ok := result.Htlc.Origin.(*channel.PaymentOrigin)
	if !ok {
		log.Warnf("Settled fulfill for htlc with no payment origin")
		return nil
	}

	_, exists := h.inflight[origin.PaymentID]
	if !exists {
		log.Warnf("Settled fulfill for unknown payment %v",
			origin.PaymentID)
		return nil
	}

	now := h.Clock.Now()
	h.completePart(origin.PartID, &paymentsdb.PartSucceeded{
		Preimage:    result.Preimage,
		CompletedAt: now,
	})

	payment, err := h.Db.GetLightningOutgoingPayment(origin.PaymentID)
	if err != nil {
		log.Errorf("Unable to load payment %v: %v", origin.PaymentID,
			err)
		return nil
	}

	// Any part still pending means the payment is mid-flight.
	settled := 0
	for _, part := range payment.Parts {
		switch part.Status.(type) {
		case *paymentsdb.PartPending:
			return &PaymentProgress{
				PaymentID:    origin.PaymentID,
				PartsSettled: settled,
			}
		case *paymentsdb.PartSucceeded:
			settled++
		}
	}

	if err := h.Db.CompleteOutgoingPaymentOffchain(
		origin.PaymentID, &paymentsdb.OutgoingSucceeded{
			Preimage:    result.Preimage,
			CompletedAt: now,
		},
	); err != nil {
		log.Errorf("Unable to complete payment %v: %v",
			origin.PaymentID, err)
		return nil
	}
	delete(h.inflight, origin.PaymentID)

	completed, err := h.Db.GetLightningOutgoingPayment(origin.PaymentID)
	if err != nil {
		log.Errorf("Unable to reload payment %v: %v",
			origin.PaymentID, err)
		return nil
	}

	log.Infof("Payment %v sent: amount=%v fees=%v", origin.PaymentID,
		completed.Amount(), completed.Fees())

	return &PaymentSent{
		PaymentID: origin.PaymentID,
		Preimage:  result.Preimage,
		Fees:      completed.Fees(),
	}
}

// completePart records a part's terminal status, tolerating a missing row.
func (h *OutgoingHandler) completePart(partID uuid.UUID,
	status paymentsdb.PartStatus) {

	if err := h.Db.CompleteOutgoingLightningPart(
		partID, status,
	); err != nil {
		log.Errorf("Unable to complete part %v: %v", partID, err)
	}
}

// failNew fails a payment that never got a row inserted.
func (h *OutgoingHandler) failNew(req SendPaymentRequest,
	reason paymentsdb.FinalFailure) error {

	log.Warnf("Payment %v rejected up front: %v", req.PaymentID, reason)

	return fmt.Errorf("payment rejected: %v", reason)
}

// fail marks the payment failed and returns an error for the caller.
func (h *OutgoingHandler) fail(inflight *inflightPayment,
	reason paymentsdb.FinalFailure) error {

	h.failEvent(inflight, reason)

	return fmt.Errorf("payment failed: %v", reason)
}

// failEvent marks the payment failed and builds the PaymentNotSent event.
func (h *OutgoingHandler) failEvent(inflight *inflightPayment,
	reason paymentsdb.FinalFailure) Event {

	paymentID := inflight.request.PaymentID

	if err := h.Db.CompleteOutgoingPaymentOffchain(
		paymentID, &paymentsdb.OutgoingFailed{
			Reason:      reason,
			CompletedAt: h.Clock.Now(),
		},
	); err != nil {
		log.Errorf("Unable to fail payment %v: %v", paymentID, err)
	}
	delete(h.inflight, paymentID)

	log.Warnf("Payment %v not sent: %v", paymentID, reason)

	return &PaymentNotSent{
		PaymentID:    paymentID,
		Reason:       reason,
		PartFailures: inflight.failures,
	}
}

// classifyLocal maps a local error to the user-visible taxonomy.
func classifyLocal(err error) paymentsdb.FinalFailure {
	switch {
	case errors.Is(err, ErrNoUsableChannel),
		errors.Is(err, channel.ErrInsufficientBalance):

		return paymentsdb.FailureInsufficientBalance

	case errors.Is(err, channel.ErrTooManyHtlcs),
		errors.Is(err, channel.ErrHtlcValueTooHigh):

		return paymentsdb.FailureNoRouteToRecipient

	case errors.Is(err, channel.ErrChannelOffline):
		return paymentsdb.FailureRecipientUnreachable

	default:
		return paymentsdb.FailureUnknown
	}
}

// RestorePending fails over any payments left pending by a previous run:
// after a restart we cannot retry them safely, so they are closed out as
// WalletRestarted.
func (h *OutgoingHandler) RestorePending(
	payments []*paymentsdb.LightningOutgoingPayment) []Event {

	var events []Event
	for _, payment := range payments {
		if _, pending := payment.Status.(*paymentsdb.OutgoingPending); !pending {
			continue
		}

		if err := h.Db.CompleteOutgoingPaymentOffchain(
			payment.ID, &paymentsdb.OutgoingFailed{
				Reason:      paymentsdb.FailureWalletRestarted,
				CompletedAt: h.Clock.Now(),
			},
		); err != nil {
			log.Errorf("Unable to close out payment %v: %v",
				payment.ID, err)
			continue
		}

		events = append(events, &PaymentNotSent{
			PaymentID: payment.ID,
			Reason:    paymentsdb.FailureWalletRestarted,
		})
	}

	return events
}
