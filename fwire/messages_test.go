package fwire

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
)

// randPubKey generates a fresh public key for use in test messages.
func randPubKey(t *testing.T) *btcec.PublicKey {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return priv.PubKey()
}

// TestExtensionMessageRoundTrip asserts that decode(encode(m)) == m for every
// extension message this package defines.
func TestExtensionMessageRoundTrip(t *testing.T) {
	t.Parallel()

	var (
		chanID  = lnwire.ChannelID{1, 2, 3}
		hash    = chainhash.Hash{4, 5, 6}
		payHash = [32]byte{7, 8, 9}
		reqID   = [32]byte{0xaa, 0xbb}
	)

	msgs := []Message{
		&OpenChannel2{
			ChainHash:             hash,
			TemporaryChannelID:    chanID,
			FundingFeerate:        2500,
			CommitmentFeerate:     753,
			FundingAmount:         250_000,
			DustLimit:             546,
			MaxValueInFlight:      200_000_000,
			HtlcMinimum:           1,
			ToSelfDelay:           720,
			MaxAcceptedHTLCs:      30,
			Locktime:              820_000,
			FundingKey:            randPubKey(t),
			RevocationPoint:       randPubKey(t),
			PaymentPoint:          randPubKey(t),
			DelayedPaymentPoint:   randPubKey(t),
			HtlcPoint:             randPubKey(t),
			FirstCommitmentPoint:  randPubKey(t),
			SecondCommitmentPoint: randPubKey(t),
			ChannelFlags:          0,
			PushAmount:            42_000,
			Origin: &ChannelOrigin{
				RequestID:  reqID,
				ServiceFee: 1_000_000,
				MiningFee:  2_500,
			},
		},
		&AcceptChannel2{
			TemporaryChannelID:    chanID,
			FundingAmount:         100_000,
			DustLimit:             354,
			MaxValueInFlight:      150_000_000,
			HtlcMinimum:           1_000,
			MinDepth:              3,
			ToSelfDelay:           144,
			MaxAcceptedHTLCs:      10,
			FundingKey:            randPubKey(t),
			RevocationPoint:       randPubKey(t),
			PaymentPoint:          randPubKey(t),
			DelayedPaymentPoint:   randPubKey(t),
			HtlcPoint:             randPubKey(t),
			FirstCommitmentPoint:  randPubKey(t),
			SecondCommitmentPoint: randPubKey(t),
		},
		&TxAddInput{
			ChannelID:  chanID,
			SerialID:   2,
			PrevTx:     []byte{0x02, 0x00, 0x00, 0x00},
			PrevTxVout: 1,
			Sequence:   0xfffffffd,
		},
		&TxAddOutput{
			ChannelID: chanID,
			SerialID:  4,
			Amount:    330_000,
			PkScript:  []byte{0x00, 0x20, 0xde, 0xad},
		},
		&TxRemoveInput{ChannelID: chanID, SerialID: 2},
		&TxRemoveOutput{ChannelID: chanID, SerialID: 4},
		&TxComplete{ChannelID: chanID},
		&TxSignatures{
			ChannelID: chanID,
			TxHash:    hash,
			Witnesses: []Witness{
				{{0x01}, {0x02, 0x03}},
				{{0x04}},
			},
		},
		&TxAbort{ChannelID: chanID, Data: []byte("insufficient fees")},
		&SpliceInit{
			ChannelID:           chanID,
			FundingContribution: -25_000,
			FundingFeerate:      3000,
			Locktime:            820_001,
			FundingKey:          randPubKey(t),
		},
		&SpliceAck{
			ChannelID:           chanID,
			FundingContribution: 10_000,
			FundingKey:          randPubKey(t),
		},
		&SpliceLocked{ChannelID: chanID, FundingTxid: hash},
		&OnionMessage{
			PathKey:   randPubKey(t),
			OnionBlob: []byte{0xba, 0xdc, 0x0f, 0xfe},
		},
		&FCMToken{Token: []byte("fcm-token-xyz")},
		&UnsetFCMToken{},
		&PayToOpenRequest{
			ChainHash:          hash,
			FundingAmount:      120_000,
			Amount:             99_000_000,
			PayToOpenMinAmount: 10_000_000,
			PaymentHash:        payHash,
			ExpirySeconds:      600,
			FinalPacket:        []byte{0x00, 0x01, 0x02},
		},
		&PayToOpenResponse{
			ChainHash:   hash,
			PaymentHash: payHash,
			Preimage:    [32]byte{1},
		},
		&LegacyInfo{LegacyNodeID: randPubKey(t), HasChannels: true},
		&PleaseOpenChannel{
			ChainHash:          hash,
			RequestID:          reqID,
			LocalFundingAmount: 333_333,
			NumInputs:          2,
			TotalInputWeight:   1_224,
			Grandparents: []wire.OutPoint{
				{Hash: hash, Index: 0},
				{Hash: hash, Index: 3},
			},
		},
	}

	for _, msg := range msgs {
		msg := msg
		t.Run(msg.MsgType().String(), func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			require.NoError(t, WriteMessage(&buf, msg))

			decoded, err := ReadMessage(&buf)
			require.NoError(t, err)

			require.Equal(t, msg, decoded)
		})
	}
}

// TestOpenChannel2NoOrigin asserts that the optional origin extension can be
// absent.
func TestOpenChannel2NoOrigin(t *testing.T) {
	t.Parallel()

	msg := &OpenChannel2{
		FundingKey:            randPubKey(t),
		RevocationPoint:       randPubKey(t),
		PaymentPoint:          randPubKey(t),
		DelayedPaymentPoint:   randPubKey(t),
		HtlcPoint:             randPubKey(t),
		FirstCommitmentPoint:  randPubKey(t),
		SecondCommitmentPoint: randPubKey(t),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, msg))

	decoded, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Nil(t, decoded.(*OpenChannel2).Origin)
}

// TestReadMessageUpstream asserts that base protocol messages pass through to
// lnwire untouched.
func TestReadMessageUpstream(t *testing.T) {
	t.Parallel()

	ping := &lnwire.Ping{
		NumPongBytes: 10,
		PaddingBytes: []byte{0x00, 0x00},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, ping))

	decoded, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, ping, decoded)
}

// TestChannelDataRoundTrip asserts that the channel_data TLV survives the
// pack/extract cycle and that absence is reported as such.
func TestChannelDataRoundTrip(t *testing.T) {
	t.Parallel()

	blob := []byte{0xde, 0xad, 0xbe, 0xef}

	extra, err := EncodeChannelData(blob)
	require.NoError(t, err)

	got, ok, err := DecodeChannelData(extra)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, blob, got)

	_, ok, err = DecodeChannelData(nil)
	require.NoError(t, err)
	require.False(t, ok)
}
