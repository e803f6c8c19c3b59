package electrum

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/stretchr/testify/require"
)

// stubClient answers fee estimates from a fixed table and fails everything
// else.
type stubClient struct {
	Client

	estimates map[uint32]chainfee.SatPerKWeight
}

func (s *stubClient) EstimateFee(_ context.Context,
	numBlocks uint32) (*chainfee.SatPerKWeight, error) {

	rate, ok := s.estimates[numBlocks]
	if !ok {
		return nil, nil
	}

	return &rate, nil
}

// TestRefreshMapsTargets asserts the 2/6/18/144 targets map onto the
// feerate set and that missing targets fall back.
func TestRefreshMapsTargets(t *testing.T) {
	t.Parallel()

	estimator := NewFeeEstimator(&stubClient{
		estimates: map[uint32]chainfee.SatPerKWeight{
			2:  20_000,
			6:  10_000,
			18: 5_000,
			// 144 missing: falls back.
		},
	})

	rates := estimator.Refresh(context.Background())
	require.Equal(t, chainfee.SatPerKWeight(20_000), rates.Funding)
	require.Equal(t, chainfee.SatPerKWeight(10_000), rates.MutualClose)
	require.Equal(t, chainfee.SatPerKWeight(5_000), rates.ClaimMain)
	require.Equal(t, FallbackFastFeerate, rates.Fast)

	require.Equal(t, rates, estimator.Current())
}

// TestCPFPFeerate asserts the child rate lifts the whole package to the
// target.
func TestCPFPFeerate(t *testing.T) {
	t.Parallel()

	// Parent: 1000 WU paying 250 sats (250 sat/kw). Target 1000 sat/kw
	// over a 2000 WU package needs 2000 sats total, so the 1000 WU
	// child must pay 1750 sats, i.e. 1750 sat/kw.
	rate := CPFPFeerate(1_000, 1_000, 250, 1_000)
	require.Equal(t, chainfee.SatPerKWeight(1_750), rate)

	// A parent already above target needs only the floor.
	rate = CPFPFeerate(1_000, 1_000, 5_000, 1_000)
	require.Equal(t, chainfee.FeePerKwFloor, rate)
}

// TestScriptHash asserts the Electrum script hash convention: sha256,
// byte-reversed, hex.
func TestScriptHash(t *testing.T) {
	t.Parallel()

	script := []byte{0x00, 0x14, 0xde, 0xad}
	digest := scriptHash(script)
	require.Len(t, digest, 64)

	// Reversing twice round-trips.
	parsed, err := chainhash.NewHashFromStr(digest)
	require.NoError(t, err)
	require.NotNil(t, parsed)
	require.Equal(t, chainhash.Hash(sha256.Sum256(script)), *parsed)
}

// TestWatchEventSum asserts both event kinds flow through the sum.
func TestWatchEventSum(t *testing.T) {
	t.Parallel()

	events := []WatchEvent{
		&TxConfirmed{BlockHeight: 100},
		&OutPointSpent{SpendingTx: wire.NewMsgTx(2)},
	}
	require.Len(t, events, 2)
}
