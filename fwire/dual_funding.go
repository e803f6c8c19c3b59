package fwire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnwire"
)

// ChannelOrigin identifies the request that caused the remote peer to
// initiate a channel open on our behalf. It rides in a TLV extension of
// OpenChannel2 so the non-initiator can correlate the open with its earlier
// PleaseOpenChannel.
type ChannelOrigin struct {
	// RequestID is the id of the PleaseOpenChannel that triggered this
	// open.
	RequestID [32]byte

	// ServiceFee is the fee the peer charges for the open, expressed in
	// millisatoshi.
	ServiceFee lnwire.MilliSatoshi

	// MiningFee is the share of on-chain fees attributed to us.
	MiningFee btcutil.Amount
}

// OpenChannel2 initiates a dual-funded channel open. Both sides may
// contribute inputs and outputs to the funding transaction that the
// interactive construction protocol assembles.
type OpenChannel2 struct {
	// ChainHash is the genesis hash of the chain the channel lives on.
	ChainHash chainhash.Hash

	// TemporaryChannelID identifies the channel until the funding
	// transaction is known.
	TemporaryChannelID lnwire.ChannelID

	// FundingFeerate is the sat/kw feerate for the funding transaction.
	FundingFeerate uint32

	// CommitmentFeerate is the sat/kw feerate for commitment
	// transactions.
	CommitmentFeerate uint32

	// FundingAmount is the initiator's contribution to the channel.
	FundingAmount btcutil.Amount

	// DustLimit is the threshold below which outputs are trimmed from
	// commitment transactions.
	DustLimit btcutil.Amount

	// MaxValueInFlight caps the total millisatoshi value of outstanding
	// HTLCs.
	MaxValueInFlight lnwire.MilliSatoshi

	// HtlcMinimum is the smallest HTLC the initiator will accept.
	HtlcMinimum lnwire.MilliSatoshi

	// ToSelfDelay is the CSV delay imposed on the initiator's
	// commitment outputs.
	ToSelfDelay uint16

	// MaxAcceptedHTLCs bounds the number of HTLCs the initiator will
	// hold.
	MaxAcceptedHTLCs uint16

	// Locktime is the nLockTime of the funding transaction.
	Locktime uint32

	// FundingKey is the initiator's key in the 2-of-2 funding output.
	FundingKey *btcec.PublicKey

	// RevocationPoint, PaymentPoint, DelayedPaymentPoint and HtlcPoint
	// are the initiator's channel basepoints.
	RevocationPoint     *btcec.PublicKey
	PaymentPoint        *btcec.PublicKey
	DelayedPaymentPoint *btcec.PublicKey
	HtlcPoint           *btcec.PublicKey

	// FirstCommitmentPoint is the per-commitment point for the first
	// commitment transaction.
	FirstCommitmentPoint *btcec.PublicKey

	// SecondCommitmentPoint is the per-commitment point for the second
	// commitment transaction.
	SecondCommitmentPoint *btcec.PublicKey

	// ChannelFlags holds the announce-channel bit, always unset for this
	// node.
	ChannelFlags uint8

	// PushAmount is the amount the initiator unconditionally gives to the
	// non-initiator, used by the pay-to-open flow to deliver the pending
	// payment minus fees.
	PushAmount lnwire.MilliSatoshi

	// Origin, if set, carries the PleaseOpenChannel correlation data.
	Origin *ChannelOrigin
}

// A compile time check to ensure OpenChannel2 implements the lnwire.Message
// interface.
var _ Message = (*OpenChannel2)(nil)

// Decode deserializes a serialized OpenChannel2 stored in the passed
// io.Reader.
//
// This is part of the lnwire.Message interface.
func (o *OpenChannel2) Decode(r io.Reader, _ uint32) error {
	err := readElements(r,
		&o.ChainHash,
		&o.TemporaryChannelID,
		&o.FundingFeerate,
		&o.CommitmentFeerate,
		&o.FundingAmount,
		&o.DustLimit,
		&o.MaxValueInFlight,
		&o.HtlcMinimum,
		&o.ToSelfDelay,
		&o.MaxAcceptedHTLCs,
		&o.Locktime,
		&o.FundingKey,
		&o.RevocationPoint,
		&o.PaymentPoint,
		&o.DelayedPaymentPoint,
		&o.HtlcPoint,
		&o.FirstCommitmentPoint,
		&o.SecondCommitmentPoint,
		&o.ChannelFlags,
		&o.PushAmount,
	)
	if err != nil {
		return err
	}

	// The origin TLV is optional: its presence is signalled by a single
	// marker byte so old peers can omit it entirely.
	var present bool
	if err := readElement(r, &present); err != nil {
		// No trailing bytes at all.
		if err == io.EOF {
			return nil
		}
		return err
	}
	if !present {
		return nil
	}

	var origin ChannelOrigin
	err = readElements(r,
		&origin.RequestID, &origin.ServiceFee, &origin.MiningFee,
	)
	if err != nil {
		return err
	}
	o.Origin = &origin

	return nil
}

// Encode serializes the target OpenChannel2 into the passed buffer.
//
// This is part of the lnwire.Message interface.
func (o *OpenChannel2) Encode(w *bytes.Buffer, _ uint32) error {
	err := writeElements(w,
		o.ChainHash,
		o.TemporaryChannelID,
		o.FundingFeerate,
		o.CommitmentFeerate,
		o.FundingAmount,
		o.DustLimit,
		o.MaxValueInFlight,
		o.HtlcMinimum,
		o.ToSelfDelay,
		o.MaxAcceptedHTLCs,
		o.Locktime,
		o.FundingKey,
		o.RevocationPoint,
		o.PaymentPoint,
		o.DelayedPaymentPoint,
		o.HtlcPoint,
		o.FirstCommitmentPoint,
		o.SecondCommitmentPoint,
		o.ChannelFlags,
		o.PushAmount,
	)
	if err != nil {
		return err
	}

	if o.Origin == nil {
		return writeElement(w, false)
	}

	return writeElements(w,
		true, o.Origin.RequestID, o.Origin.ServiceFee,
		o.Origin.MiningFee,
	)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (o *OpenChannel2) MsgType() MessageType {
	return MsgOpenChannel2
}

// AcceptChannel2 is the non-initiator's response to OpenChannel2, carrying
// its own contribution and channel basepoints.
type AcceptChannel2 struct {
	// TemporaryChannelID echoes the id from OpenChannel2.
	TemporaryChannelID lnwire.ChannelID

	// FundingAmount is the non-initiator's contribution.
	FundingAmount btcutil.Amount

	// DustLimit is the non-initiator's dust threshold.
	DustLimit btcutil.Amount

	// MaxValueInFlight caps outstanding HTLC value towards the
	// non-initiator.
	MaxValueInFlight lnwire.MilliSatoshi

	// HtlcMinimum is the smallest HTLC the non-initiator will accept.
	HtlcMinimum lnwire.MilliSatoshi

	// MinDepth is the number of confirmations required before
	// channel_ready.
	MinDepth uint32

	// ToSelfDelay is the CSV delay imposed on the non-initiator's
	// commitment outputs.
	ToSelfDelay uint16

	// MaxAcceptedHTLCs bounds the number of HTLCs the non-initiator will
	// hold.
	MaxAcceptedHTLCs uint16

	// FundingKey is the non-initiator's key in the funding output.
	FundingKey *btcec.PublicKey

	// RevocationPoint, PaymentPoint, DelayedPaymentPoint and HtlcPoint
	// are the non-initiator's channel basepoints.
	RevocationPoint     *btcec.PublicKey
	PaymentPoint        *btcec.PublicKey
	DelayedPaymentPoint *btcec.PublicKey
	HtlcPoint           *btcec.PublicKey

	// FirstCommitmentPoint is the per-commitment point for the first
	// commitment transaction.
	FirstCommitmentPoint *btcec.PublicKey

	// SecondCommitmentPoint is the per-commitment point for the second
	// commitment transaction.
	SecondCommitmentPoint *btcec.PublicKey
}

// A compile time check to ensure AcceptChannel2 implements the lnwire.Message
// interface.
var _ Message = (*AcceptChannel2)(nil)

// Decode deserializes a serialized AcceptChannel2 stored in the passed
// io.Reader.
//
// This is part of the lnwire.Message interface.
func (a *AcceptChannel2) Decode(r io.Reader, _ uint32) error {
	return readElements(r,
		&a.TemporaryChannelID,
		&a.FundingAmount,
		&a.DustLimit,
		&a.MaxValueInFlight,
		&a.HtlcMinimum,
		&a.MinDepth,
		&a.ToSelfDelay,
		&a.MaxAcceptedHTLCs,
		&a.FundingKey,
		&a.RevocationPoint,
		&a.PaymentPoint,
		&a.DelayedPaymentPoint,
		&a.HtlcPoint,
		&a.FirstCommitmentPoint,
		&a.SecondCommitmentPoint,
	)
}

// Encode serializes the target AcceptChannel2 into the passed buffer.
//
// This is part of the lnwire.Message interface.
func (a *AcceptChannel2) Encode(w *bytes.Buffer, _ uint32) error {
	return writeElements(w,
		a.TemporaryChannelID,
		a.FundingAmount,
		a.DustLimit,
		a.MaxValueInFlight,
		a.HtlcMinimum,
		a.MinDepth,
		a.ToSelfDelay,
		a.MaxAcceptedHTLCs,
		a.FundingKey,
		a.RevocationPoint,
		a.PaymentPoint,
		a.DelayedPaymentPoint,
		a.HtlcPoint,
		a.FirstCommitmentPoint,
		a.SecondCommitmentPoint,
	)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (a *AcceptChannel2) MsgType() MessageType {
	return MsgAcceptChannel2
}
