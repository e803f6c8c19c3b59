package paymentsdb

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
)

func testPreimage(b byte) lntypes.Preimage {
	var preimage lntypes.Preimage
	preimage[0] = b
	return preimage
}

// TestIncomingSingleHtlcReceive covers a simple single-HTLC receive where
// the payer overpays the invoice amount.
func TestIncomingSingleHtlcReceive(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	preimage := testPreimage(0x01)

	_, err := store.AddIncomingPayment(
		preimage, &InvoiceOrigin{PaymentRequest: "lnbcrt1500n1..."},
		time.Unix(100, 0),
	)
	require.NoError(t, err)

	err = store.ReceivePayment(preimage.Hash(), []ReceivedWith{
		&LightningPart{
			AmountMsat: 200_000,
			ChannelID:  lnwire.ChannelID{0x01},
			HtlcID:     1,
		},
	}, time.Unix(110, 0))
	require.NoError(t, err)

	payment, err := store.GetIncomingPayment(preimage.Hash())
	require.NoError(t, err)
	require.EqualValues(t, 200_000, payment.Amount())
	require.EqualValues(t, 0, payment.Fees())
	require.Len(t, payment.Received.Parts, 1)
}

// TestIncomingMultiPartReceive covers an MPP receive completed by a
// pay-to-open part carrying a service fee.
func TestIncomingMultiPartReceive(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	preimage := testPreimage(0x02)

	_, err := store.AddIncomingPayment(
		preimage, &InvoiceOrigin{}, time.Unix(100, 0),
	)
	require.NoError(t, err)

	parts := []ReceivedWith{
		&LightningPart{AmountMsat: 57_000, HtlcID: 1},
		&LightningPart{AmountMsat: 43_000, HtlcID: 2},
		&NewChannelPart{AmountMsat: 99_000, ServiceFee: 1_000},
	}
	err = store.ReceivePayment(preimage.Hash(), parts, time.Unix(120, 0))
	require.NoError(t, err)

	payment, err := store.GetIncomingPayment(preimage.Hash())
	require.NoError(t, err)
	require.EqualValues(t, 199_000, payment.Amount())
	require.EqualValues(t, 1_000, payment.Fees())
	require.Len(t, payment.Received.Parts, 3)

	// Parts retain input order.
	require.Equal(t, parts, payment.Received.Parts)
}

// TestIncomingAdditiveReceive asserts that receiving twice on the same hash
// appends parts and advances the timestamp.
func TestIncomingAdditiveReceive(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	preimage := testPreimage(0x03)

	_, err := store.AddIncomingPayment(
		preimage, &InvoiceOrigin{}, time.Unix(100, 0),
	)
	require.NoError(t, err)

	partA := &LightningPart{AmountMsat: 200_000, HtlcID: 1}
	partB := &LightningPart{AmountMsat: 100_000, HtlcID: 2}

	require.NoError(t, store.ReceivePayment(
		preimage.Hash(), []ReceivedWith{partA}, time.Unix(110, 0),
	))
	require.NoError(t, store.ReceivePayment(
		preimage.Hash(), []ReceivedWith{partB}, time.Unix(150, 0),
	))

	payment, err := store.GetIncomingPayment(preimage.Hash())
	require.NoError(t, err)
	require.EqualValues(t, 300_000, payment.Amount())
	require.Equal(t, time.Unix(150, 0), payment.Received.ReceivedAt)
	require.Equal(t, []ReceivedWith{partA, partB},
		payment.Received.Parts)
}

// TestIncomingDuplicateHashRejected asserts at most one row per payment
// hash.
func TestIncomingDuplicateHashRejected(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	preimage := testPreimage(0x04)

	_, err := store.AddIncomingPayment(
		preimage, &InvoiceOrigin{}, time.Unix(100, 0),
	)
	require.NoError(t, err)

	_, err = store.AddIncomingPayment(
		preimage, &SwapInOrigin{}, time.Unix(101, 0),
	)
	require.ErrorIs(t, err, ErrDuplicatePaymentHash)
}

// TestOutgoingNormalPaymentFees covers the two-part payment fee arithmetic.
func TestOutgoingNormalPaymentFees(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	preimage := testPreimage(0x05)

	payment := &LightningOutgoingPayment{
		ID:              uuid.New(),
		RecipientAmount: 180_000,
		PaymentHash:     preimage.Hash(),
		Details:         &NormalDetails{},
		Parts: []*Part{
			{
				ID:         uuid.New(),
				AmountMsat: 115_000,
				Status:     &PartPending{},
			},
			{
				ID:         uuid.New(),
				AmountMsat: 75_000,
				Status:     &PartPending{},
			},
		},
		Status: &OutgoingPending{},
	}
	require.NoError(t, store.AddOutgoingPayment(payment))

	for _, part := range payment.Parts {
		require.NoError(t, store.CompleteOutgoingLightningPart(
			part.ID, &PartSucceeded{
				Preimage:    preimage,
				CompletedAt: time.Unix(200, 0),
			},
		))
	}
	require.NoError(t, store.CompleteOutgoingPaymentOffchain(
		payment.ID, &OutgoingSucceeded{
			Preimage:    preimage,
			CompletedAt: time.Unix(200, 0),
		},
	))

	stored, err := store.GetLightningOutgoingPayment(payment.ID)
	require.NoError(t, err)
	require.EqualValues(t, 190_000, stored.Amount())
	require.EqualValues(t, 10_000, stored.Fees())
}

// TestOutgoingSwapOutFees covers the swap-out fee arithmetic, where the
// service fee is paid on-chain but accounted against the payment.
func TestOutgoingSwapOutFees(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	preimage := testPreimage(0x06)

	payment := &LightningOutgoingPayment{
		ID:              uuid.New(),
		RecipientAmount: 150_000,
		PaymentHash:     preimage.Hash(),
		Details: &SwapOutDetails{
			Address: "bcrt1q...",
			SwapFee: 15,
		},
		Parts: []*Part{{
			ID:         uuid.New(),
			AmountMsat: 157_000,
			Status:     &PartPending{},
		}},
		Status: &OutgoingPending{},
	}
	require.NoError(t, store.AddOutgoingPayment(payment))

	require.NoError(t, store.CompleteOutgoingLightningPart(
		payment.Parts[0].ID, &PartSucceeded{
			Preimage:    preimage,
			CompletedAt: time.Unix(300, 0),
		},
	))
	require.NoError(t, store.CompleteOutgoingPaymentOffchain(
		payment.ID, &OutgoingSucceeded{
			Preimage:    preimage,
			CompletedAt: time.Unix(300, 0),
		},
	))

	stored, err := store.GetLightningOutgoingPayment(payment.ID)
	require.NoError(t, err)
	require.EqualValues(t, 157_000, stored.Amount())
	require.EqualValues(t, 22_000, stored.Fees())
}

// TestOutgoingSuccessDropsFailedParts asserts the parts view after success.
func TestOutgoingSuccessDropsFailedParts(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	preimage := testPreimage(0x07)

	failed := &Part{
		ID:         uuid.New(),
		AmountMsat: 50_000,
		Status:     &PartPending{},
	}
	succeeded := &Part{
		ID:         uuid.New(),
		AmountMsat: 51_000,
		Status:     &PartPending{},
	}

	payment := &LightningOutgoingPayment{
		ID:              uuid.New(),
		RecipientAmount: 50_000,
		PaymentHash:     preimage.Hash(),
		Details:         &NormalDetails{},
		Parts:           []*Part{failed, succeeded},
		Status:          &OutgoingPending{},
	}
	require.NoError(t, store.AddOutgoingPayment(payment))

	require.NoError(t, store.CompleteOutgoingLightningPart(
		failed.ID, &PartFailed{Message: "temporary channel failure"},
	))
	require.NoError(t, store.CompleteOutgoingLightningPart(
		succeeded.ID, &PartSucceeded{Preimage: preimage},
	))
	require.NoError(t, store.CompleteOutgoingPaymentOffchain(
		payment.ID, &OutgoingSucceeded{Preimage: preimage},
	))

	stored, err := store.GetLightningOutgoingPayment(payment.ID)
	require.NoError(t, err)
	require.Len(t, stored.Parts, 1)
	require.Equal(t, succeeded.ID, stored.Parts[0].ID)

	// The failed part id is forgotten entirely.
	_, err = store.GetLightningOutgoingPaymentFromPartID(failed.ID)
	require.ErrorIs(t, err, ErrPartNotFound)
}

// TestOutgoingDuplicateIDsRejected asserts parent and part id uniqueness.
func TestOutgoingDuplicateIDsRejected(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()

	parentID := uuid.New()
	partID := uuid.New()

	payment := &LightningOutgoingPayment{
		ID:      parentID,
		Details: &NormalDetails{},
		Parts:   []*Part{{ID: partID, Status: &PartPending{}}},
		Status:  &OutgoingPending{},
	}
	require.NoError(t, store.AddOutgoingPayment(payment))

	// Reusing the parent id fails.
	err := store.AddOutgoingPayment(&LightningOutgoingPayment{
		ID:      parentID,
		Details: &NormalDetails{},
		Status:  &OutgoingPending{},
	})
	require.ErrorIs(t, err, ErrDuplicatePaymentID)

	// Reusing a part id fails.
	err = store.AddOutgoingLightningParts(parentID, []*Part{
		{ID: partID, Status: &PartPending{}},
	})
	require.ErrorIs(t, err, ErrDuplicatePaymentID)

	// Appending to an unknown parent fails.
	err = store.AddOutgoingLightningParts(uuid.New(), []*Part{
		{ID: uuid.New(), Status: &PartPending{}},
	})
	require.ErrorIs(t, err, ErrPaymentNotFound)
}
