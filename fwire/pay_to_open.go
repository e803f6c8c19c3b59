package fwire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwire"
)

// PleaseOpenChannel asks the remote peer to initiate a channel open (or
// splice) funded partly by wallet inputs that we will contribute during the
// interactive construction that follows. The peer answers with an
// OpenChannel2 whose origin TLV echoes RequestID.
type PleaseOpenChannel struct {
	// ChainHash is the genesis hash of the chain the channel lives on.
	ChainHash chainhash.Hash

	// RequestID correlates the peer's OpenChannel2 with this request.
	RequestID [32]byte

	// LocalFundingAmount is the total value of the wallet inputs we are
	// offering to contribute.
	LocalFundingAmount btcutil.Amount

	// NumInputs is how many wallet inputs we will add.
	NumInputs uint16

	// TotalInputWeight is the total satisfied weight of those inputs,
	// which the peer needs to compute our share of the funding fee.
	TotalInputWeight uint32

	// Grandparents lists the outpoints spent by the parents of our
	// inputs, letting the peer score ancestor feerates for zero-conf
	// handling.
	Grandparents []wire.OutPoint
}

// A compile time check to ensure PleaseOpenChannel implements the
// lnwire.Message interface.
var _ Message = (*PleaseOpenChannel)(nil)

// Decode deserializes a serialized PleaseOpenChannel stored in the passed
// io.Reader.
//
// This is part of the lnwire.Message interface.
func (p *PleaseOpenChannel) Decode(r io.Reader, _ uint32) error {
	err := readElements(r,
		&p.ChainHash, &p.RequestID, &p.LocalFundingAmount,
		&p.NumInputs, &p.TotalInputWeight,
	)
	if err != nil {
		return err
	}

	var numGrandparents uint16
	if err := readElement(r, &numGrandparents); err != nil {
		return err
	}
	p.Grandparents = make([]wire.OutPoint, numGrandparents)
	for i := range p.Grandparents {
		if err := readElement(r, &p.Grandparents[i]); err != nil {
			return err
		}
	}

	return nil
}

// Encode serializes the target PleaseOpenChannel into the passed buffer.
//
// This is part of the lnwire.Message interface.
func (p *PleaseOpenChannel) Encode(w *bytes.Buffer, _ uint32) error {
	err := writeElements(w,
		p.ChainHash, p.RequestID, p.LocalFundingAmount, p.NumInputs,
		p.TotalInputWeight,
	)
	if err != nil {
		return err
	}

	if err := writeElement(w, uint16(len(p.Grandparents))); err != nil {
		return err
	}
	for _, op := range p.Grandparents {
		if err := writeElement(w, op); err != nil {
			return err
		}
	}

	return nil
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (p *PleaseOpenChannel) MsgType() MessageType {
	return MsgPleaseOpenChannel
}

// PayToOpenRequest is sent by the peer when it holds an incoming HTLC for us
// but no channel (or no channel with capacity) exists to deliver it. The
// node answers with a PayToOpenResponse after consulting the user's
// liquidity policy.
type PayToOpenRequest struct {
	// ChainHash is the genesis hash of the chain the channel lives on.
	ChainHash chainhash.Hash

	// FundingAmount is the capacity of the channel the peer proposes to
	// open.
	FundingAmount btcutil.Amount

	// Amount is the value of the pending payment, fees not yet deducted.
	Amount lnwire.MilliSatoshi

	// PayToOpenMinAmount is the smallest payment for which the peer is
	// willing to open a channel.
	PayToOpenMinAmount lnwire.MilliSatoshi

	// PaymentHash identifies the pending payment.
	PaymentHash [32]byte

	// ExpirySeconds is how long the peer will hold the HTLC.
	ExpirySeconds uint32

	// FinalPacket is the onion packet addressed to us, carrying the
	// payment secret and any MPP records.
	FinalPacket []byte
}

// A compile time check to ensure PayToOpenRequest implements the
// lnwire.Message interface.
var _ Message = (*PayToOpenRequest)(nil)

// Decode deserializes a serialized PayToOpenRequest stored in the passed
// io.Reader.
//
// This is part of the lnwire.Message interface.
func (p *PayToOpenRequest) Decode(r io.Reader, _ uint32) error {
	return readElements(r,
		&p.ChainHash, &p.FundingAmount, &p.Amount,
		&p.PayToOpenMinAmount, &p.PaymentHash, &p.ExpirySeconds,
		&p.FinalPacket,
	)
}

// Encode serializes the target PayToOpenRequest into the passed buffer.
//
// This is part of the lnwire.Message interface.
func (p *PayToOpenRequest) Encode(w *bytes.Buffer, _ uint32) error {
	return writeElements(w,
		p.ChainHash, p.FundingAmount, p.Amount, p.PayToOpenMinAmount,
		p.PaymentHash, p.ExpirySeconds, p.FinalPacket,
	)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (p *PayToOpenRequest) MsgType() MessageType {
	return MsgPayToOpenRequest
}

// PayToOpenResponse accepts or rejects a PayToOpenRequest. Acceptance
// reveals the payment preimage, which the peer needs to settle the HTLC it
// holds on our behalf; rejection carries an encrypted failure reason to
// forward upstream.
type PayToOpenResponse struct {
	// ChainHash is the genesis hash of the chain the channel lives on.
	ChainHash chainhash.Hash

	// PaymentHash identifies the pending payment.
	PaymentHash [32]byte

	// Preimage is the payment preimage. It is all zeroes on rejection.
	Preimage [32]byte

	// FailureReason is the encrypted failure to forward upstream on
	// rejection. Empty on acceptance.
	FailureReason []byte
}

// A compile time check to ensure PayToOpenResponse implements the
// lnwire.Message interface.
var _ Message = (*PayToOpenResponse)(nil)

// Accepted returns true if the response reveals a preimage.
func (p *PayToOpenResponse) Accepted() bool {
	return p.Preimage != [32]byte{}
}

// Decode deserializes a serialized PayToOpenResponse stored in the passed
// io.Reader.
//
// This is part of the lnwire.Message interface.
func (p *PayToOpenResponse) Decode(r io.Reader, _ uint32) error {
	return readElements(r,
		&p.ChainHash, &p.PaymentHash, &p.Preimage, &p.FailureReason,
	)
}

// Encode serializes the target PayToOpenResponse into the passed buffer.
//
// This is part of the lnwire.Message interface.
func (p *PayToOpenResponse) Encode(w *bytes.Buffer, _ uint32) error {
	return writeElements(w,
		p.ChainHash, p.PaymentHash, p.Preimage, p.FailureReason,
	)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (p *PayToOpenResponse) MsgType() MessageType {
	return MsgPayToOpenResponse
}
