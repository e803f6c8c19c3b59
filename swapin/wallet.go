package swapin

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// UnspentItem is one unspent output of the on-chain wallet.
type UnspentItem struct {
	// ParentTxid is the transaction that created the output.
	ParentTxid chainhash.Hash

	// OutputIndex is the output's index within the parent.
	OutputIndex uint32

	// Amount is the output's value.
	Amount btcutil.Amount

	// BlockHeight is the height the parent confirmed at, or zero while
	// unconfirmed.
	BlockHeight uint32
}

// OutPoint returns the outpoint of the unspent output.
func (u *UnspentItem) OutPoint() wire.OutPoint {
	return wire.OutPoint{Hash: u.ParentTxid, Index: u.OutputIndex}
}

// WalletState is a snapshot of the on-chain wallet: unspent outputs grouped
// by address, plus the parent transactions they came from.
type WalletState struct {
	// Addresses maps each wallet address to its unspent outputs.
	Addresses map[string][]UnspentItem

	// Parents maps txids to the full parent transactions.
	Parents map[chainhash.Hash]*wire.MsgTx
}

// Utxos flattens the snapshot into a single list.
func (w *WalletState) Utxos() []UnspentItem {
	var utxos []UnspentItem
	for _, items := range w.Addresses {
		utxos = append(utxos, items...)
	}

	return utxos
}

// TotalBalance sums every unspent output in the snapshot.
func (w *WalletState) TotalBalance() btcutil.Amount {
	var total btcutil.Amount
	for _, utxo := range w.Utxos() {
		total += utxo.Amount
	}

	return total
}

// Consistent reports whether every referenced parent transaction is present
// in the snapshot. Snapshots arrive address by address from the chain
// backend, so a mid-update snapshot can be transiently inconsistent.
func (w *WalletState) Consistent() bool {
	for _, utxo := range w.Utxos() {
		if _, ok := w.Parents[utxo.ParentTxid]; !ok {
			return false
		}
	}

	return true
}
