package swapin

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// testParams mirrors the defaults used by the daemon.
var testParams = Params{
	MinConfirmations: 3,
	MaxConfirmations: 720,
	RefundDelay:      25920,
}

// walletWith builds a snapshot holding the given UTXOs under one address,
// with parent transactions synthesized so the snapshot is consistent.
func walletWith(utxos ...UnspentItem) *WalletState {
	wallet := &WalletState{
		Addresses: map[string][]UnspentItem{},
		Parents:   map[chainhash.Hash]*wire.MsgTx{},
	}

	for i := range utxos {
		utxo := utxos[i]

		parent := wire.NewMsgTx(2)
		for j := uint32(0); j <= utxo.OutputIndex; j++ {
			parent.AddTxOut(wire.NewTxOut(
				int64(utxo.Amount), []byte{0x00, 0x14},
			))
		}
		// The caller-specified txid wins over the synthetic one so
		// tests can build stable outpoints.
		wallet.Parents[utxo.ParentTxid] = parent
		wallet.Addresses["bcrt1qtest"] = append(
			wallet.Addresses["bcrt1qtest"], utxo,
		)
	}

	return wallet
}

func utxoAt(id byte, height uint32, amount btcutil.Amount) UnspentItem {
	return UnspentItem{
		ParentTxid:  chainhash.Hash{id},
		OutputIndex: 0,
		Amount:      amount,
		BlockHeight: height,
	}
}

// TestSwapInRespectsConfirmations asserts the selection window: deeply
// confirmed yes, freshly confirmed no.
func TestSwapInRespectsConfirmations(t *testing.T) {
	t.Parallel()

	manager := NewManager()

	deep := utxoAt(0x01, 100, 250_000)
	shallow := utxoAt(0x02, 149, 150_000)
	wallet := walletWith(deep, shallow)

	req := manager.TrySwapIn(150, wallet, testParams, nil, nil)
	require.NotNil(t, req)
	require.Len(t, req.WalletInputs, 1)
	require.Equal(t, deep.Amount, req.WalletInputs[0].Amount)
}

// TestSwapInBoundaries asserts each rejection rule yields no request.
func TestSwapInBoundaries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		height uint32
		utxo   UnspentItem
		params Params
	}{
		{
			name:   "below min confirmations",
			height: 150,
			utxo:   utxoAt(0x01, 149, 100_000),
			params: testParams,
		},
		{
			name:   "unconfirmed",
			height: 150,
			utxo:   utxoAt(0x01, 0, 100_000),
			params: testParams,
		},
		{
			name:   "above max confirmations",
			height: 10_000,
			utxo:   utxoAt(0x01, 100, 100_000),
			params: Params{
				MinConfirmations: 3,
				MaxConfirmations: 720,
				RefundDelay:      25920,
			},
		},
		{
			name:   "refund delay reachable",
			height: 30_000,
			utxo:   utxoAt(0x01, 100, 100_000),
			params: Params{
				MinConfirmations: 3,
				MaxConfirmations: 40_000,
				RefundDelay:      25920,
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			manager := NewManager()
			wallet := walletWith(tc.utxo)

			req := manager.TrySwapIn(
				tc.height, wallet, tc.params, nil, nil,
			)
			require.Nil(t, req)
		})
	}
}

// TestSwapInReservation asserts a UTXO is offered at most once until
// unlocked.
func TestSwapInReservation(t *testing.T) {
	t.Parallel()

	manager := NewManager()
	wallet := walletWith(utxoAt(0x01, 100, 250_000))

	first := manager.TrySwapIn(150, wallet, testParams, nil, nil)
	require.NotNil(t, first)

	second := manager.TrySwapIn(150, wallet, testParams, nil, nil)
	require.Nil(t, second, "reserved utxo must not be offered twice")

	manager.UnlockWalletInputs(first.OutPoints)

	// Unlocking twice is harmless.
	manager.UnlockWalletInputs(first.OutPoints)

	third := manager.TrySwapIn(150, wallet, testParams, nil, nil)
	require.NotNil(t, third)
}

// TestSwapInSkipsChannelUtxos asserts funding inputs of known channels are
// never reused.
func TestSwapInSkipsChannelUtxos(t *testing.T) {
	t.Parallel()

	manager := NewManager()
	utxo := utxoAt(0x01, 100, 250_000)
	wallet := walletWith(utxo)

	req := manager.TrySwapIn(150, wallet, testParams, nil,
		[]wire.OutPoint{utxo.OutPoint()})
	require.Nil(t, req)
}

// TestSwapInTrustedTxBypassesConfirmations asserts the migration exception:
// outputs of trusted transactions swap even unconfirmed.
func TestSwapInTrustedTxBypassesConfirmations(t *testing.T) {
	t.Parallel()

	manager := NewManager()
	utxo := utxoAt(0x01, 0, 250_000)
	wallet := walletWith(utxo)

	trusted := map[chainhash.Hash]struct{}{
		utxo.ParentTxid: {},
	}

	req := manager.TrySwapIn(150, wallet, testParams, trusted, nil)
	require.NotNil(t, req)
	require.Len(t, req.WalletInputs, 1)
}

// TestSwapInInconsistentWallet asserts a snapshot with a missing parent is
// skipped entirely.
func TestSwapInInconsistentWallet(t *testing.T) {
	t.Parallel()

	manager := NewManager()
	wallet := walletWith(utxoAt(0x01, 100, 250_000))
	delete(wallet.Parents, chainhash.Hash{0x01})

	req := manager.TrySwapIn(150, wallet, testParams, nil, nil)
	require.Nil(t, req)
}
