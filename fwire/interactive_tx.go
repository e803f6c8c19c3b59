package fwire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnwire"
)

// TxAddInput adds an input to the transaction under interactive construction.
// Serial ids are even for the initiator and odd for the non-initiator, which
// yields a deterministic input ordering both sides can reproduce.
type TxAddInput struct {
	// ChannelID identifies the construction session.
	ChannelID lnwire.ChannelID

	// SerialID orders this input within the shared transaction.
	SerialID uint64

	// PrevTx is the serialized transaction containing the output being
	// spent. Sharing the whole parent lets the peer verify the amount.
	PrevTx []byte

	// PrevTxVout is the index of the output being spent.
	PrevTxVout uint32

	// Sequence is the nSequence to assign to the input.
	Sequence uint32
}

// A compile time check to ensure TxAddInput implements the lnwire.Message
// interface.
var _ Message = (*TxAddInput)(nil)

// Decode deserializes a serialized TxAddInput stored in the passed io.Reader.
//
// This is part of the lnwire.Message interface.
func (t *TxAddInput) Decode(r io.Reader, _ uint32) error {
	return readElements(r,
		&t.ChannelID, &t.SerialID, &t.PrevTx, &t.PrevTxVout,
		&t.Sequence,
	)
}

// Encode serializes the target TxAddInput into the passed buffer.
//
// This is part of the lnwire.Message interface.
func (t *TxAddInput) Encode(w *bytes.Buffer, _ uint32) error {
	return writeElements(w,
		t.ChannelID, t.SerialID, t.PrevTx, t.PrevTxVout, t.Sequence,
	)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (t *TxAddInput) MsgType() MessageType {
	return MsgTxAddInput
}

// TxAddOutput adds an output to the transaction under interactive
// construction.
type TxAddOutput struct {
	// ChannelID identifies the construction session.
	ChannelID lnwire.ChannelID

	// SerialID orders this output within the shared transaction.
	SerialID uint64

	// Amount is the value of the output.
	Amount btcutil.Amount

	// PkScript is the script of the output.
	PkScript []byte
}

// A compile time check to ensure TxAddOutput implements the lnwire.Message
// interface.
var _ Message = (*TxAddOutput)(nil)

// Decode deserializes a serialized TxAddOutput stored in the passed
// io.Reader.
//
// This is part of the lnwire.Message interface.
func (t *TxAddOutput) Decode(r io.Reader, _ uint32) error {
	return readElements(r,
		&t.ChannelID, &t.SerialID, &t.Amount, &t.PkScript,
	)
}

// Encode serializes the target TxAddOutput into the passed buffer.
//
// This is part of the lnwire.Message interface.
func (t *TxAddOutput) Encode(w *bytes.Buffer, _ uint32) error {
	return writeElements(w, t.ChannelID, t.SerialID, t.Amount, t.PkScript)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (t *TxAddOutput) MsgType() MessageType {
	return MsgTxAddOutput
}

// TxRemoveInput removes a previously added input from the transaction under
// construction. Only the side that added an input may remove it.
type TxRemoveInput struct {
	// ChannelID identifies the construction session.
	ChannelID lnwire.ChannelID

	// SerialID is the serial id of the input to remove.
	SerialID uint64
}

// A compile time check to ensure TxRemoveInput implements the lnwire.Message
// interface.
var _ Message = (*TxRemoveInput)(nil)

// Decode deserializes a serialized TxRemoveInput stored in the passed
// io.Reader.
//
// This is part of the lnwire.Message interface.
func (t *TxRemoveInput) Decode(r io.Reader, _ uint32) error {
	return readElements(r, &t.ChannelID, &t.SerialID)
}

// Encode serializes the target TxRemoveInput into the passed buffer.
//
// This is part of the lnwire.Message interface.
func (t *TxRemoveInput) Encode(w *bytes.Buffer, _ uint32) error {
	return writeElements(w, t.ChannelID, t.SerialID)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (t *TxRemoveInput) MsgType() MessageType {
	return MsgTxRemoveInput
}

// TxRemoveOutput removes a previously added output from the transaction under
// construction.
type TxRemoveOutput struct {
	// ChannelID identifies the construction session.
	ChannelID lnwire.ChannelID

	// SerialID is the serial id of the output to remove.
	SerialID uint64
}

// A compile time check to ensure TxRemoveOutput implements the lnwire.Message
// interface.
var _ Message = (*TxRemoveOutput)(nil)

// Decode deserializes a serialized TxRemoveOutput stored in the passed
// io.Reader.
//
// This is part of the lnwire.Message interface.
func (t *TxRemoveOutput) Decode(r io.Reader, _ uint32) error {
	return readElements(r, &t.ChannelID, &t.SerialID)
}

// Encode serializes the target TxRemoveOutput into the passed buffer.
//
// This is part of the lnwire.Message interface.
func (t *TxRemoveOutput) Encode(w *bytes.Buffer, _ uint32) error {
	return writeElements(w, t.ChannelID, t.SerialID)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (t *TxRemoveOutput) MsgType() MessageType {
	return MsgTxRemoveOutput
}

// TxComplete signals that the sender has no more inputs or outputs to add.
// The construction phase ends once both sides have sent it consecutively.
type TxComplete struct {
	// ChannelID identifies the construction session.
	ChannelID lnwire.ChannelID
}

// A compile time check to ensure TxComplete implements the lnwire.Message
// interface.
var _ Message = (*TxComplete)(nil)

// Decode deserializes a serialized TxComplete stored in the passed io.Reader.
//
// This is part of the lnwire.Message interface.
func (t *TxComplete) Decode(r io.Reader, _ uint32) error {
	return readElement(r, &t.ChannelID)
}

// Encode serializes the target TxComplete into the passed buffer.
//
// This is part of the lnwire.Message interface.
func (t *TxComplete) Encode(w *bytes.Buffer, _ uint32) error {
	return writeElement(w, t.ChannelID)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (t *TxComplete) MsgType() MessageType {
	return MsgTxComplete
}

// Witness is the witness stack for a single input of the shared transaction.
type Witness [][]byte

// TxSignatures carries the sender's witnesses for the inputs it contributed.
// The side that contributed strictly less input value sends first; the other
// side withholds its signatures until the peer's commitment_signed has been
// validated.
type TxSignatures struct {
	// ChannelID identifies the construction session.
	ChannelID lnwire.ChannelID

	// TxHash is the txid both sides must agree on.
	TxHash chainhash.Hash

	// Witnesses holds one witness stack per contributed input, in serial
	// id order.
	Witnesses []Witness
}

// A compile time check to ensure TxSignatures implements the lnwire.Message
// interface.
var _ Message = (*TxSignatures)(nil)

// Decode deserializes a serialized TxSignatures stored in the passed
// io.Reader.
//
// This is part of the lnwire.Message interface.
func (t *TxSignatures) Decode(r io.Reader, _ uint32) error {
	if err := readElements(r, &t.ChannelID, &t.TxHash); err != nil {
		return err
	}

	var numWitnesses uint16
	if err := readElement(r, &numWitnesses); err != nil {
		return err
	}

	t.Witnesses = make([]Witness, numWitnesses)
	for i := range t.Witnesses {
		var numItems uint16
		if err := readElement(r, &numItems); err != nil {
			return err
		}

		witness := make(Witness, numItems)
		for j := range witness {
			if err := readElement(r, &witness[j]); err != nil {
				return err
			}
		}
		t.Witnesses[i] = witness
	}

	return nil
}

// Encode serializes the target TxSignatures into the passed buffer.
//
// This is part of the lnwire.Message interface.
func (t *TxSignatures) Encode(w *bytes.Buffer, _ uint32) error {
	if err := writeElements(w, t.ChannelID, t.TxHash); err != nil {
		return err
	}

	if err := writeElement(w, uint16(len(t.Witnesses))); err != nil {
		return err
	}
	for _, witness := range t.Witnesses {
		if err := writeElement(w, uint16(len(witness))); err != nil {
			return err
		}
		for _, item := range witness {
			if err := writeElement(w, item); err != nil {
				return err
			}
		}
	}

	return nil
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (t *TxSignatures) MsgType() MessageType {
	return MsgTxSignatures
}

// TxAbort terminates the interactive construction session. Any wallet inputs
// the receiver had locked for the session must be released.
type TxAbort struct {
	// ChannelID identifies the construction session.
	ChannelID lnwire.ChannelID

	// Data is a human readable reason for the abort.
	Data []byte
}

// A compile time check to ensure TxAbort implements the lnwire.Message
// interface.
var _ Message = (*TxAbort)(nil)

// Decode deserializes a serialized TxAbort stored in the passed io.Reader.
//
// This is part of the lnwire.Message interface.
func (t *TxAbort) Decode(r io.Reader, _ uint32) error {
	return readElements(r, &t.ChannelID, &t.Data)
}

// Encode serializes the target TxAbort into the passed buffer.
//
// This is part of the lnwire.Message interface.
func (t *TxAbort) Encode(w *bytes.Buffer, _ uint32) error {
	return writeElements(w, t.ChannelID, t.Data)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (t *TxAbort) MsgType() MessageType {
	return MsgTxAbort
}
