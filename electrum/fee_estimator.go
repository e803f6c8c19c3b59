package electrum

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

const (
	// defaultRequestTimeout is the default timeout for Electrum requests.
	defaultRequestTimeout = 30 * time.Second
)

// Fallback feerates used when the server cannot produce an estimate for a
// given target.
const (
	// FallbackFundingFeerate is the fallback for the 2-block target.
	FallbackFundingFeerate = chainfee.SatPerKWeight(12500)

	// FallbackMutualCloseFeerate is the fallback for the 6-block target.
	FallbackMutualCloseFeerate = chainfee.SatPerKWeight(5000)

	// FallbackClaimMainFeerate is the fallback for the 18-block target.
	FallbackClaimMainFeerate = chainfee.SatPerKWeight(2500)

	// FallbackFastFeerate is the fallback for the 144-block target, used
	// when claiming time-sensitive outputs.
	FallbackFastFeerate = chainfee.SatPerKWeight(25000)
)

// FeeratesPerKw holds the feerates the node cares about, one per use case.
// Each rate maps to a fixed confirmation target requested from the Electrum
// server: funding at 2 blocks, mutual close at 6, claim-main at 18, and fast
// (time-sensitive sweeps) at 144 blocks, raised to the funding rate when that
// one is higher.
type FeeratesPerKw struct {
	// Funding is the feerate used when contributing to a funding or
	// splice transaction.
	Funding chainfee.SatPerKWeight

	// MutualClose is the feerate proposed for cooperative closes.
	MutualClose chainfee.SatPerKWeight

	// ClaimMain is the feerate used to sweep our main output after a
	// unilateral close.
	ClaimMain chainfee.SatPerKWeight

	// Fast is the feerate used for time-sensitive claims such as HTLC
	// sweeps and penalty transactions.
	Fast chainfee.SatPerKWeight
}

// FeeEstimator caches the node's feerate set and refreshes it from an
// Electrum server on demand. The orchestrator triggers a refresh on every
// reconnection.
type FeeEstimator struct {
	client Client

	mtx   sync.RWMutex
	rates FeeratesPerKw
}

// NewFeeEstimator creates a new Electrum-backed fee estimator seeded with the
// fallback rates.
func NewFeeEstimator(client Client) *FeeEstimator {
	return &FeeEstimator{
		client: client,
		rates: FeeratesPerKw{
			Funding:     FallbackFundingFeerate,
			MutualClose: FallbackMutualCloseFeerate,
			ClaimMain:   FallbackClaimMainFeerate,
			Fast:        FallbackFastFeerate,
		},
	}
}

// Refresh requests estimates for the 2, 6, 18 and 144 block targets and maps
// them onto the feerate set. A target the server cannot estimate keeps its
// previous value, falling back to the package constants on first use.
func (e *FeeEstimator) Refresh(ctx context.Context) FeeratesPerKw {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	fetch := func(target uint32,
		fallback chainfee.SatPerKWeight) chainfee.SatPerKWeight {

		rate, err := e.client.EstimateFee(ctx, target)
		if err != nil {
			log.Warnf("Unable to estimate fee for target=%v: %v",
				target, err)
			return fallback
		}
		if rate == nil {
			log.Debugf("No fee estimate for target=%v, using "+
				"fallback %v", target, fallback)
			return fallback
		}

		return *rate
	}

	rates := FeeratesPerKw{
		Funding:     fetch(2, FallbackFundingFeerate),
		MutualClose: fetch(6, FallbackMutualCloseFeerate),
		ClaimMain:   fetch(18, FallbackClaimMainFeerate),
		Fast:        fetch(144, FallbackFastFeerate),
	}

	// The fast rate tracks the most aggressive target we queried.
	if rates.Funding > rates.Fast {
		rates.Fast = rates.Funding
	}

	e.mtx.Lock()
	e.rates = rates
	e.mtx.Unlock()

	log.Infof("Refreshed on-chain feerates: funding=%v mutual_close=%v "+
		"claim_main=%v fast=%v", rates.Funding, rates.MutualClose,
		rates.ClaimMain, rates.Fast)

	return rates
}

// Current returns the most recently refreshed feerate set.
func (e *FeeEstimator) Current() FeeratesPerKw {
	e.mtx.RLock()
	defer e.mtx.RUnlock()

	return e.rates
}

// CPFPFeerate computes the feerate a child transaction of the given weight
// must pay so that the whole ancestor package reaches targetFeerate. The
// ancestor set is described by its total weight and the fees it already pays.
func CPFPFeerate(targetFeerate chainfee.SatPerKWeight, ancestorWeight int64,
	ancestorFees int64, childWeight int64) chainfee.SatPerKWeight {

	packageWeight := ancestorWeight + childWeight
	wantFees := int64(targetFeerate) * packageWeight / 1000

	missing := wantFees - ancestorFees
	if missing <= 0 {
		return chainfee.FeePerKwFloor
	}

	rate := chainfee.SatPerKWeight(missing * 1000 / childWeight)
	if rate < chainfee.FeePerKwFloor {
		rate = chainfee.FeePerKwFloor
	}

	return rate
}
