package swapin

import (
	"crypto/rand"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/feather/channel"
)

// Params bounds which UTXOs are eligible for a swap-in.
type Params struct {
	// MinConfirmations is the depth a UTXO needs before we trust it
	// enough to commit it to a channel.
	MinConfirmations uint32

	// MaxConfirmations is the depth past which a UTXO is considered too
	// close to its refund path to swap safely.
	MaxConfirmations uint32

	// RefundDelay is the relative timelock after which a swap-in UTXO
	// becomes unilaterally refundable to the user.
	RefundDelay uint32
}

// RequestChannelOpen asks the orchestrator to turn the selected wallet
// inputs into Lightning liquidity, by splice-in if a usable channel exists
// or by asking the peer to open one otherwise.
type RequestChannelOpen struct {
	// RequestID correlates the eventual open_channel2 with this request.
	RequestID [32]byte

	// WalletInputs are the UTXOs to contribute.
	WalletInputs []channel.FundingInput

	// OutPoints are the reserved outpoints backing WalletInputs, passed
	// back to UnlockWalletInputs if the attempt dies.
	OutPoints []wire.OutPoint
}

// Manager decides when to promote confirmed on-chain funds into Lightning
// liquidity, and guarantees no UTXO is offered to two concurrent funding
// attempts. It is driven entirely by the orchestrator loop and needs no
// locking of its own.
type Manager struct {
	// reservedUtxos are outpoints already committed to an in-flight
	// funding attempt.
	reservedUtxos map[wire.OutPoint]struct{}
}

// NewManager creates a swap-in manager with an empty reservation set.
func NewManager() *Manager {
	return &Manager{
		reservedUtxos: make(map[wire.OutPoint]struct{}),
	}
}

// TrySwapIn examines the wallet snapshot and either produces a single
// channel-open request covering every eligible UTXO, or nil if nothing can
// be swapped right now.
//
// channelUtxos must contain every outpoint referenced by any known funding
// transaction, confirmed or not; the orchestrator derives it from all
// channel commitments. trustedTxs bypasses the confirmation rules for
// migration transactions whose outputs we already consider ours.
func (m *Manager) TrySwapIn(currentBlockHeight uint32, wallet *WalletState,
	params Params, trustedTxs map[chainhash.Hash]struct{},
	channelUtxos []wire.OutPoint) *RequestChannelOpen {

	if !wallet.Consistent() {
		log.Debugf("Skipping swap-in on inconsistent wallet snapshot")
		return nil
	}

	inChannel := make(map[wire.OutPoint]struct{}, len(channelUtxos))
	for _, op := range channelUtxos {
		inChannel[op] = struct{}{}
	}

	var selected []channel.FundingInput
	var selectedOutPoints []wire.OutPoint

	for _, utxo := range wallet.Utxos() {
		op := utxo.OutPoint()

		// Rule 1: never offer a UTXO twice.
		if _, ok := m.reservedUtxos[op]; ok {
			continue
		}
		if _, ok := inChannel[op]; ok {
			continue
		}

		// Rule 2/3: deep enough, and far enough from the refund
		// path. Migration transactions we already trust skip both.
		if _, trusted := trustedTxs[utxo.ParentTxid]; !trusted {
			confs := confirmations(currentBlockHeight, &utxo)

			if confs < params.MinConfirmations {
				continue
			}
			if confs > params.MaxConfirmations {
				continue
			}
			if params.RefundDelay <= confs {
				continue
			}
		}

		parent := wallet.Parents[utxo.ParentTxid]
		selected = append(selected, channel.FundingInput{
			PrevTx:      parent,
			OutputIndex: utxo.OutputIndex,
			Amount:      utxo.Amount,
		})
		selectedOutPoints = append(selectedOutPoints, op)
	}

	if len(selected) == 0 {
		return nil
	}

	var requestID [32]byte
	if _, err := rand.Read(requestID[:]); err != nil {
		log.Errorf("Unable to generate swap-in request id: %v", err)
		return nil
	}

	// Reserve only once we know the request will be issued.
	for _, op := range selectedOutPoints {
		m.reservedUtxos[op] = struct{}{}
	}

	log.Infof("Swap-in request %x: %d utxos at height %d", requestID[:8],
		len(selected), currentBlockHeight)

	return &RequestChannelOpen{
		RequestID:    requestID,
		WalletInputs: selected,
		OutPoints:    selectedOutPoints,
	}
}

// UnlockWalletInputs releases outpoints reserved by an earlier TrySwapIn,
// called when a funding attempt aborts or a splice fails. It is idempotent.
func (m *Manager) UnlockWalletInputs(outPoints []wire.OutPoint) {
	for _, op := range outPoints {
		delete(m.reservedUtxos, op)
	}
}

// confirmations computes a UTXO's depth at the given tip; an unconfirmed
// parent (height zero) counts as zero.
func confirmations(currentBlockHeight uint32, utxo *UnspentItem) uint32 {
	if utxo.BlockHeight == 0 {
		return 0
	}
	if utxo.BlockHeight > currentBlockHeight {
		return 0
	}

	return currentBlockHeight - utxo.BlockHeight + 1
}
