package offers

import (
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

// testOffer builds a two-path offer signed by a fresh node key.
func testOffer(t *testing.T) (*Offer, *btcec.PrivateKey) {
	t.Helper()

	nodeKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	blindingKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	blindedKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return &Offer{
		Chains:      nil,
		Amount:      21_000,
		Description: "coffee",
		Issuer:      "feather test shop",
		NodeID:      nodeKey.PubKey(),
		Paths: []*Path{
			{
				IntroNode:     nodeKey.PubKey(),
				BlindingPoint: blindingKey.PubKey(),
				Hops: []*PathHop{{
					BlindedNodeID: blindedKey.PubKey(),
					EncryptedData: []byte{0x01, 0x02},
				}},
			},
			{
				UseSCID:       true,
				IntroSCID:     0x0001020304050607,
				Direction:     0x01,
				BlindingPoint: blindingKey.PubKey(),
				Hops: []*PathHop{{
					BlindedNodeID: blindedKey.PubKey(),
					EncryptedData: []byte{0x03},
				}},
			},
		},
	}, nodeKey
}

// TestOfferRoundTrip asserts decode(encode(offer)) == offer.
func TestOfferRoundTrip(t *testing.T) {
	t.Parallel()

	offer, _ := testOffer(t)

	encoded, err := offer.Encode()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(encoded, HrpOffer+"1"))

	decoded, err := DecodeOffer(encoded)
	require.NoError(t, err)
	require.Equal(t, offer, decoded)
}

// TestOfferMissingDescriptionFails asserts mandatory-field validation.
func TestOfferMissingDescriptionFails(t *testing.T) {
	t.Parallel()

	nodeKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	w := &recordWriter{}
	w.add(typeNodeID, nodeKey.PubKey().SerializeCompressed())
	require.NoError(t, w.err)

	encoded, err := EncodeNoChecksum(HrpOffer, w.bytes())
	require.NoError(t, err)

	_, err = DecodeOffer(encoded)
	require.ErrorIs(t, err, ErrMissingField)
}

// TestInvoiceRequestSignatureRoundTrip asserts the payer signature scheme.
func TestInvoiceRequestSignatureRoundTrip(t *testing.T) {
	t.Parallel()

	offer, _ := testOffer(t)

	payerKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	request := &InvoiceRequest{
		Offer:     *offer,
		PayerID:   payerKey.PubKey(),
		PayerNote: "keep the change",
	}
	require.NoError(t, request.Sign(payerKey))

	encoded, err := request.Encode()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(encoded, HrpInvoiceRequest+"1"))

	decoded, err := DecodeInvoiceRequest(encoded)
	require.NoError(t, err)
	require.Equal(t, request.PayerNote, decoded.PayerNote)
	require.Equal(t, request.Signature, decoded.Signature)
}

// TestInvoiceSignedByOfferNode asserts the invoice verifies against the
// offer node id and that tampering breaks it.
func TestInvoiceSignedByOfferNode(t *testing.T) {
	t.Parallel()

	offer, nodeKey := testOffer(t)

	payerKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	request := InvoiceRequest{Offer: *offer, PayerID: payerKey.PubKey()}
	require.NoError(t, request.Sign(payerKey))

	invoice := &Invoice{
		Request:        request,
		CreatedAt:      time.Unix(1_700_000_000, 0),
		RelativeExpiry: 3600,
		PaymentHash:    [32]byte{0xab},
		Amount:         21_000,
	}
	require.NoError(t, invoice.Sign(nodeKey))

	encoded, err := invoice.Encode()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(encoded, HrpInvoice+"1"))

	decoded, err := DecodeInvoice(encoded)
	require.NoError(t, err)
	require.Equal(t, invoice.PaymentHash, decoded.PaymentHash)
	require.Equal(t, invoice.Amount, decoded.Amount)

	// Flip one bit of the amount record: the signature must now fail.
	tampered := *invoice
	tampered.Amount++
	tamperedEncoded, err := tampered.Encode()
	require.NoError(t, err)
	_, err = DecodeInvoice(tamperedEncoded)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

// TestBech32LineWrapping asserts the `+` continuation tolerance.
func TestBech32LineWrapping(t *testing.T) {
	t.Parallel()

	offer, _ := testOffer(t)

	encoded, err := offer.Encode()
	require.NoError(t, err)

	// Re-wrap the string the way a printed medium might.
	wrapped := encoded[:20] + "+\n  " + encoded[20:]

	decoded, err := DecodeOffer(wrapped)
	require.NoError(t, err)
	require.Equal(t, offer, decoded)
}

// TestMerkleRootStability asserts the root only depends on non-signature
// records.
func TestMerkleRootStability(t *testing.T) {
	t.Parallel()

	w := &recordWriter{}
	w.add(typeDescription, []byte("stable"))
	w.add(typeAmount, varIntBytes(42))
	require.NoError(t, w.err)

	rootWithoutSig := MerkleRoot(w.records)

	w.add(typeSignature, make([]byte, 64))
	require.NoError(t, w.err)

	rootWithSig := MerkleRoot(w.records)
	require.Equal(t, rootWithoutSig, rootWithSig)

	// Changing a covered record changes the root.
	w2 := &recordWriter{}
	w2.add(typeDescription, []byte("different"))
	w2.add(typeAmount, varIntBytes(42))
	require.NoError(t, w2.err)
	require.NotEqual(t, rootWithoutSig, MerkleRoot(w2.records))
}
