package main

import (
	"bytes"

	"github.com/btcsuite/btcd/btcec/v2"
	sphinx "github.com/lightningnetwork/lightning-onion"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"

	"github.com/lightninglabs/feather/payments"
)

// buildTrampolineOnion returns the BuildOnion hook for outgoing payments:
// a sphinx onion whose single hop is our trampoline peer, carrying the
// trampolinePayload fields (amount, expiry and the invoice's destination node
// id). The fee budget passed in is not encoded into the onion.
func buildTrampolineOnion(peerKey *btcec.PublicKey) payments.BuildOnion {
	return func(invoice *zpay32.Invoice, amount lnwire.MilliSatoshi,
		fees payments.TrampolineFees, expiry uint32) ([]byte, error) {

		payload, err := trampolinePayload(invoice, amount, expiry)
		if err != nil {
			return nil, err
		}

		hopPayload, err := sphinx.NewTLVHopPayload(payload)
		if err != nil {
			return nil, err
		}

		var path sphinx.PaymentPath
		path[0] = sphinx.OnionHop{
			NodePub:    *peerKey,
			HopPayload: hopPayload,
		}

		sessionKey, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, err
		}

		pkt, err := sphinx.NewOnionPacket(
			&path, sessionKey, invoice.PaymentHash[:],
			sphinx.DeterministicPacketFiller,
		)
		if err != nil {
			return nil, err
		}

		var b bytes.Buffer
		if err := pkt.Encode(&b); err != nil {
			return nil, err
		}

		return b.Bytes(), nil
	}
}

// trampolinePayload serializes the trampoline hop payload: total amount,
// outgoing expiry and the recipient node id.
func trampolinePayload(invoice *zpay32.Invoice, amount lnwire.MilliSatoshi,
	expiry uint32) ([]byte, error) {

	var b bytes.Buffer

	var amt [8]byte
	for i := 0; i < 8; i++ {
		amt[i] = byte(uint64(amount) >> (56 - 8*i))
	}
	b.Write(amt[:])

	var exp [4]byte
	for i := 0; i < 4; i++ {
		exp[i] = byte(expiry >> (24 - 8*i))
	}
	b.Write(exp[:])

	b.Write(invoice.Destination.SerializeCompressed())

	return b.Bytes(), nil
}
