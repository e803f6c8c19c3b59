package main

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/feather/channel"
	"github.com/lightningnetwork/lnd/lnwire"
)

// nodeSigner signs channel transactions with the node key. A production
// deployment points this at the platform key manager instead.
type nodeSigner struct {
	priv *btcec.PrivateKey
}

// A compile time check to ensure nodeSigner implements channel.Signer.
var _ channel.Signer = (*nodeSigner)(nil)

// SignCommitment signs a commitment (or closing) transaction spending the
// funding output.
func (s *nodeSigner) SignCommitment(tx *wire.MsgTx, fundingScript []byte,
	amount btcutil.Amount) (lnwire.Sig, error) {

	fetcher := txscript.NewCannedPrevOutputFetcher(
		fundingScript, int64(amount),
	)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	digest, err := txscript.CalcWitnessSigHash(
		fundingScript, sigHashes, txscript.SigHashAll, tx, 0,
		int64(amount),
	)
	if err != nil {
		return lnwire.Sig{}, err
	}

	return lnwire.NewSigFromSignature(ecdsa.Sign(s.priv, digest))
}

// SignFundingInput produces the witness for one of our contributed inputs.
func (s *nodeSigner) SignFundingInput(tx *wire.MsgTx, inputIndex int,
	amount btcutil.Amount) ([][]byte, error) {

	pkScript, err := txscript.PayToAddrScript(s.address())
	if err != nil {
		return nil, err
	}

	fetcher := txscript.NewCannedPrevOutputFetcher(
		pkScript, int64(amount),
	)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	witness, err := txscript.WitnessSignature(
		tx, sigHashes, inputIndex, int64(amount), pkScript,
		txscript.SigHashAll, s.priv, true,
	)
	if err != nil {
		return nil, err
	}

	return witness, nil
}

// address is the p2wpkh address of the node key, which the simplified
// wallet funds swap-ins from.
func (s *nodeSigner) address() btcutil.Address {
	hash := btcutil.Hash160(s.priv.PubKey().SerializeCompressed())

	// The address is only used to rebuild the pkScript; network choice
	// does not affect the script bytes.
	addr, _ := btcutil.NewAddressWitnessPubKeyHash(
		hash, activeNetParams,
	)

	return addr
}
