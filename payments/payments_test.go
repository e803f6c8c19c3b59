package payments

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
	"github.com/lightninglabs/feather/channel"
	"github.com/lightninglabs/feather/fwire"
	"github.com/lightninglabs/feather/paymentsdb"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/stretchr/testify/require"
)

var testChanID = lnwire.ChannelID{0x42}

// testSigner returns a SignCompact closure over a fresh node key.
func testSigner(t *testing.T) (*btcec.PrivateKey,
	func([]byte) ([]byte, error)) {

	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return priv, func(msg []byte) ([]byte, error) {
		hash := chainhash.HashB(msg)
		return ecdsa.SignCompact(priv, hash, true), nil
	}
}

// newIncomingHandler builds a handler over a fresh store with a test clock.
func newIncomingHandler(t *testing.T) (*IncomingHandler,
	*paymentsdb.MemoryStore, *clock.TestClock) {

	t.Helper()

	store := paymentsdb.NewMemoryStore()
	priv, signer := testSigner(t)

	handler := NewIncomingHandler(
		&chaincfg.RegressionNetParams, priv.PubKey(), signer, store,
	)
	testClock := clock.NewTestClock(time.Unix(1_000_000, 0))
	handler.Clock = testClock

	return handler, store, testClock
}

// createTestInvoice creates a 150 000 msat invoice through the handler.
func createTestInvoice(t *testing.T, handler *IncomingHandler,
	preimage lntypes.Preimage, secret [32]byte) string {

	t.Helper()

	amount := lnwire.MilliSatoshi(150_000)
	encoded, err := handler.CreateInvoice(&InvoiceRequest{
		Preimage:      preimage,
		Amount:        &amount,
		Description:   "test",
		PaymentSecret: secret,
	})
	require.NoError(t, err)

	return encoded
}

// addFor builds the incoming HTLC paying the given amount towards the hash.
func addFor(preimage lntypes.Preimage, id uint64,
	amount lnwire.MilliSatoshi) lnwire.UpdateAddHTLC {

	return lnwire.UpdateAddHTLC{
		ChanID:      testChanID,
		ID:          id,
		Amount:      amount,
		PaymentHash: [32]byte(preimage.Hash()),
		Expiry:      800,
	}
}

// TestIncomingMppAggregation asserts the preimage is released only once the
// HTLC set covers the invoice, and the reception is persisted additively.
func TestIncomingMppAggregation(t *testing.T) {
	t.Parallel()

	handler, store, _ := newIncomingHandler(t)

	preimage := lntypes.Preimage{0x01}
	secret := [32]byte{0xaa}
	createTestInvoice(t, handler, preimage, secret)

	payload := FinalPayload{
		PaymentSecret: secret,
		TotalAmount:   150_000,
	}

	accept, reject := handler.ProcessAddHtlc(
		testChanID, addFor(preimage, 1, 90_000), payload,
	)
	require.Nil(t, accept, "partial set must not settle")
	require.Nil(t, reject)

	accept, reject = handler.ProcessAddHtlc(
		testChanID, addFor(preimage, 2, 60_000), payload,
	)
	require.Nil(t, reject)
	require.NotNil(t, accept)
	require.Equal(t, preimage, accept.Preimage)
	require.Len(t, accept.Parts, 2)

	stored, err := store.GetIncomingPayment(preimage.Hash())
	require.NoError(t, err)
	require.EqualValues(t, 150_000, stored.Amount())
	require.Len(t, stored.Received.Parts, 2)
}

// TestIncomingWrongSecretRejected asserts the payment secret gate.
func TestIncomingWrongSecretRejected(t *testing.T) {
	t.Parallel()

	handler, _, _ := newIncomingHandler(t)

	preimage := lntypes.Preimage{0x02}
	createTestInvoice(t, handler, preimage, [32]byte{0xaa})

	accept, reject := handler.ProcessAddHtlc(
		testChanID, addFor(preimage, 1, 150_000), FinalPayload{
			PaymentSecret: [32]byte{0xbb},
			TotalAmount:   150_000,
		},
	)
	require.Nil(t, accept)
	require.NotNil(t, reject)
	require.ErrorIs(t, reject.Reason, ErrPaymentSecretMismatch)
}

// TestIncomingUnknownHashRejected asserts HTLCs for unknown hashes fail.
func TestIncomingUnknownHashRejected(t *testing.T) {
	t.Parallel()

	handler, _, _ := newIncomingHandler(t)

	accept, reject := handler.ProcessAddHtlc(
		testChanID, addFor(lntypes.Preimage{0x03}, 1, 1_000),
		FinalPayload{},
	)
	require.Nil(t, accept)
	require.NotNil(t, reject)
	require.ErrorIs(t, reject.Reason, paymentsdb.ErrPaymentNotFound)
}

// TestIncomingMppTimeout asserts stale partial sets are failed back.
func TestIncomingMppTimeout(t *testing.T) {
	t.Parallel()

	handler, _, testClock := newIncomingHandler(t)

	preimage := lntypes.Preimage{0x04}
	createTestInvoice(t, handler, preimage, [32]byte{0xaa})

	accept, reject := handler.ProcessAddHtlc(
		testChanID, addFor(preimage, 1, 10_000), FinalPayload{
			PaymentSecret: [32]byte{0xaa},
			TotalAmount:   150_000,
		},
	)
	require.Nil(t, accept)
	require.Nil(t, reject)

	// Nothing to sweep before the window closes.
	require.Empty(t, handler.CheckPaymentsTimeout())

	testClock.SetTime(testClock.Now().Add(2 * DefaultMppTimeout))

	rejected := handler.CheckPaymentsTimeout()
	require.Len(t, rejected, 1)
	require.EqualValues(t, 1, rejected[0].Part.Add.ID)
}

// TestPayToOpenChannelInitializing asserts the initializing-channel
// rejection path.
func TestPayToOpenChannelInitializing(t *testing.T) {
	t.Parallel()

	handler, _, _ := newIncomingHandler(t)

	preimage := lntypes.Preimage{0x05}
	createTestInvoice(t, handler, preimage, [32]byte{0xaa})

	_, err := handler.ProcessPayToOpen(
		&fwire.PayToOpenRequest{
			PaymentHash: [32]byte(preimage.Hash()),
			Amount:      100_000,
		},
		&LiquidityPolicy{
			MaxAbsoluteFee:            5_000,
			MaxRelativeFeeBasisPoints: 3_000,
		},
		ChannelSummary{HasNormal: false, HasInitializing: true},
	)
	require.ErrorIs(t, err, ErrChannelInitializing)
}

// TestPayToOpenAccepted asserts the accept path reveals the preimage.
func TestPayToOpenAccepted(t *testing.T) {
	t.Parallel()

	handler, _, _ := newIncomingHandler(t)

	preimage := lntypes.Preimage{0x06}
	createTestInvoice(t, handler, preimage, [32]byte{0xaa})

	resp, err := handler.ProcessPayToOpen(
		&fwire.PayToOpenRequest{
			PaymentHash:   [32]byte(preimage.Hash()),
			Amount:        100_000_000,
			FundingAmount: 100_000,
		},
		&LiquidityPolicy{
			MaxAbsoluteFee:            5_000,
			MaxRelativeFeeBasisPoints: 3_000,
		},
		ChannelSummary{HasNormal: true},
	)
	require.NoError(t, err)
	require.True(t, resp.Accepted())
	require.Equal(t, [32]byte(preimage), resp.Preimage)
}

// outgoingFixture builds an outgoing handler plus a decoded invoice to pay.
func outgoingFixture(t *testing.T) (*OutgoingHandler,
	*paymentsdb.MemoryStore, *zpay32.Invoice, string) {

	t.Helper()

	store := paymentsdb.NewMemoryStore()
	handler := NewOutgoingHandler(store, nil)
	handler.Clock = clock.NewTestClock(time.Unix(2_000_000, 0))

	// The invoice is issued by a third party; sign it with its own key.
	priv, signer := testSigner(t)

	preimage := lntypes.Preimage{0x99}
	amount := lnwire.MilliSatoshi(180_000)
	invoice, err := zpay32.NewInvoice(
		&chaincfg.RegressionNetParams, [32]byte(preimage.Hash()),
		time.Unix(2_000_000, 0).Add(-time.Minute),
		zpay32.Amount(amount),
		zpay32.Description("fixture"),
		zpay32.Expiry(24*time.Hour),
		zpay32.PaymentAddr([32]byte{0xcc}),
		zpay32.Destination(priv.PubKey()),
	)
	require.NoError(t, err)

	encoded, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: signer,
	})
	require.NoError(t, err)

	decoded, err := zpay32.Decode(encoded, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	return handler, store, decoded, encoded
}

// candidates is a single well-funded channel.
func candidates() []ChannelCandidate {
	return []ChannelCandidate{{
		ChannelID:        testChanID,
		AvailableForSend: 10_000_000,
	}}
}

// settledHtlc rebuilds the channel-layer settle result for an attempt.
func settledHtlc(attempt *Attempt) channel.Htlc {
	return channel.Htlc{
		Direction: channel.Outgoing,
		Add: lnwire.UpdateAddHTLC{
			ID:     7,
			Amount: attempt.Cmd.Amount,
		},
		Origin: &channel.PaymentOrigin{
			PaymentID: attempt.Cmd.PaymentID,
			PartID:    attempt.Cmd.PartID,
		},
	}
}

// TestOutgoingSendAndFulfill walks the happy path: one attempt, one
// fulfill, payment completed with correct fee accounting.
func TestOutgoingSendAndFulfill(t *testing.T) {
	t.Parallel()

	handler, store, invoice, encoded := outgoingFixture(t)

	paymentID := uuid.New()
	attempt, err := handler.SendPayment(SendPaymentRequest{
		PaymentID:      paymentID,
		Amount:         180_000,
		Invoice:        invoice,
		PaymentRequest: encoded,
	}, candidates(), 100)
	require.NoError(t, err)
	require.NotNil(t, attempt)
	require.Equal(t, testChanID, attempt.ChannelID)
	require.True(t, attempt.Cmd.Commit)

	// Rung zero of the default ladder is free.
	require.EqualValues(t, 180_000, attempt.Cmd.Amount)

	event := handler.OnAddSettledFulfill(&channel.AddSettledFulfill{
		Htlc:     settledHtlc(attempt),
		Preimage: lntypes.Preimage{0x99},
	})

	sent, ok := event.(*PaymentSent)
	require.True(t, ok, "expected PaymentSent, got %T", event)
	require.Equal(t, paymentID, sent.PaymentID)

	stored, err := store.GetLightningOutgoingPayment(paymentID)
	require.NoError(t, err)
	require.IsType(t, &paymentsdb.OutgoingSucceeded{}, stored.Status)
	require.EqualValues(t, 180_000, stored.Amount())
	require.EqualValues(t, 0, stored.Fees())
}

// TestOutgoingRetryLadder asserts remote failures climb the trampoline fee
// ladder and eventually fail the payment.
func TestOutgoingRetryLadder(t *testing.T) {
	t.Parallel()

	handler, store, invoice, encoded := outgoingFixture(t)

	ladder := []TrampolineFees{
		{FeeBase: 0, CltvExpiryDelta: 576},
		{FeeBase: 1_000, FeeProportionalMillionths: 100,
			CltvExpiryDelta: 576},
	}

	paymentID := uuid.New()
	attempt, err := handler.SendPayment(SendPaymentRequest{
		PaymentID:              paymentID,
		Amount:                 180_000,
		Invoice:                invoice,
		PaymentRequest:         encoded,
		TrampolineFeesOverride: ladder,
	}, candidates(), 100)
	require.NoError(t, err)

	// First remote failure: retry at rung one, which costs
	// 1000 + 180000*100/1e6 = 1018 msat extra.
	retry, event := handler.OnAddSettledFail(&channel.AddSettledFail{
		Htlc: settledHtlc(attempt),
	}, candidates(), 100)
	require.Nil(t, event)
	require.NotNil(t, retry)
	require.EqualValues(t, 181_018, retry.Cmd.Amount)

	// Second failure exhausts the ladder.
	retry2, event := handler.OnAddSettledFail(&channel.AddSettledFail{
		Htlc: settledHtlc(retry),
	}, candidates(), 100)
	require.Nil(t, retry2)

	notSent, ok := event.(*PaymentNotSent)
	require.True(t, ok, "expected PaymentNotSent, got %T", event)
	require.Equal(t, paymentsdb.FailureNoRouteToRecipient, notSent.Reason)
	require.Len(t, notSent.PartFailures, 2)

	stored, err := store.GetLightningOutgoingPayment(paymentID)
	require.NoError(t, err)
	require.IsType(t, &paymentsdb.OutgoingFailed{}, stored.Status)
}

// TestOutgoingNoUsableChannel asserts the insufficient-balance
// classification.
func TestOutgoingNoUsableChannel(t *testing.T) {
	t.Parallel()

	handler, store, invoice, encoded := outgoingFixture(t)

	paymentID := uuid.New()
	_, err := handler.SendPayment(SendPaymentRequest{
		PaymentID:      paymentID,
		Amount:         180_000,
		Invoice:        invoice,
		PaymentRequest: encoded,
	}, []ChannelCandidate{{
		ChannelID:        testChanID,
		AvailableForSend: 1_000,
	}}, 100)
	require.Error(t, err)

	stored, dbErr := store.GetLightningOutgoingPayment(paymentID)
	require.NoError(t, dbErr)
	failed, ok := stored.Status.(*paymentsdb.OutgoingFailed)
	require.True(t, ok)
	require.Equal(t, paymentsdb.FailureInsufficientBalance, failed.Reason)
}

// TestOutgoingDuplicateSendRejected asserts in-flight ids cannot be reused.
func TestOutgoingDuplicateSendRejected(t *testing.T) {
	t.Parallel()

	handler, _, invoice, encoded := outgoingFixture(t)

	req := SendPaymentRequest{
		PaymentID:      uuid.New(),
		Amount:         180_000,
		Invoice:        invoice,
		PaymentRequest: encoded,
	}

	_, err := handler.SendPayment(req, candidates(), 100)
	require.NoError(t, err)

	_, err = handler.SendPayment(req, candidates(), 100)
	require.ErrorIs(t, err, ErrPaymentPending)
}
