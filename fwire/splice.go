package fwire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnwire"
)

// SpliceInit proposes replacing the channel's funding output in place. The
// new funding transaction spends the current funding output and may add
// (positive contribution) or remove (negative contribution) the sender's
// funds. It is only legal when neither side has pending channel updates.
type SpliceInit struct {
	// ChannelID identifies the channel to splice.
	ChannelID lnwire.ChannelID

	// FundingContribution is the signed net change, in satoshi, that the
	// sender makes to its channel balance.
	FundingContribution int64

	// FundingFeerate is the sat/kw feerate for the splice transaction.
	FundingFeerate uint32

	// Locktime is the nLockTime of the splice transaction.
	Locktime uint32

	// FundingKey is the sender's key in the new funding output.
	FundingKey *btcec.PublicKey
}

// A compile time check to ensure SpliceInit implements the lnwire.Message
// interface.
var _ Message = (*SpliceInit)(nil)

// Decode deserializes a serialized SpliceInit stored in the passed io.Reader.
//
// This is part of the lnwire.Message interface.
func (s *SpliceInit) Decode(r io.Reader, _ uint32) error {
	return readElements(r,
		&s.ChannelID, &s.FundingContribution, &s.FundingFeerate,
		&s.Locktime, &s.FundingKey,
	)
}

// Encode serializes the target SpliceInit into the passed buffer.
//
// This is part of the lnwire.Message interface.
func (s *SpliceInit) Encode(w *bytes.Buffer, _ uint32) error {
	return writeElements(w,
		s.ChannelID, s.FundingContribution, s.FundingFeerate,
		s.Locktime, s.FundingKey,
	)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (s *SpliceInit) MsgType() MessageType {
	return MsgSpliceInit
}

// SpliceAck accepts a proposed splice and states the receiver's own net
// contribution. A new interactive construction session follows.
type SpliceAck struct {
	// ChannelID identifies the channel being spliced.
	ChannelID lnwire.ChannelID

	// FundingContribution is the signed net change, in satoshi, that the
	// sender of the ack makes to its channel balance.
	FundingContribution int64

	// FundingKey is the sender's key in the new funding output.
	FundingKey *btcec.PublicKey
}

// A compile time check to ensure SpliceAck implements the lnwire.Message
// interface.
var _ Message = (*SpliceAck)(nil)

// Decode deserializes a serialized SpliceAck stored in the passed io.Reader.
//
// This is part of the lnwire.Message interface.
func (s *SpliceAck) Decode(r io.Reader, _ uint32) error {
	return readElements(r,
		&s.ChannelID, &s.FundingContribution, &s.FundingKey,
	)
}

// Encode serializes the target SpliceAck into the passed buffer.
//
// This is part of the lnwire.Message interface.
func (s *SpliceAck) Encode(w *bytes.Buffer, _ uint32) error {
	return writeElements(w,
		s.ChannelID, s.FundingContribution, s.FundingKey,
	)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (s *SpliceAck) MsgType() MessageType {
	return MsgSpliceAck
}

// SpliceLocked signals that the sender has seen the splice transaction reach
// its required depth. Once both sides have sent it, the previous funding
// becomes inactive and is eligible for pruning.
type SpliceLocked struct {
	// ChannelID identifies the channel being spliced.
	ChannelID lnwire.ChannelID

	// FundingTxid is the txid of the locked splice transaction.
	FundingTxid chainhash.Hash
}

// A compile time check to ensure SpliceLocked implements the lnwire.Message
// interface.
var _ Message = (*SpliceLocked)(nil)

// Decode deserializes a serialized SpliceLocked stored in the passed
// io.Reader.
//
// This is part of the lnwire.Message interface.
func (s *SpliceLocked) Decode(r io.Reader, _ uint32) error {
	return readElements(r, &s.ChannelID, &s.FundingTxid)
}

// Encode serializes the target SpliceLocked into the passed buffer.
//
// This is part of the lnwire.Message interface.
func (s *SpliceLocked) Encode(w *bytes.Buffer, _ uint32) error {
	return writeElements(w, s.ChannelID, s.FundingTxid)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (s *SpliceLocked) MsgType() MessageType {
	return MsgSpliceLocked
}
