package fwire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
)

// OnionMessage carries an onion-routed message that is not associated with a
// payment. The path key is the route blinding ephemeral point the receiver
// needs to unwrap its hop.
type OnionMessage struct {
	// PathKey is the route blinding ephemeral public key.
	PathKey *btcec.PublicKey

	// OnionBlob is the serialized mix header.
	OnionBlob []byte
}

// NewOnionMessage creates a new OnionMessage.
func NewOnionMessage(pathKey *btcec.PublicKey, onionBlob []byte) *OnionMessage {
	return &OnionMessage{
		PathKey:   pathKey,
		OnionBlob: onionBlob,
	}
}

// A compile time check to ensure OnionMessage implements the lnwire.Message
// interface.
var _ Message = (*OnionMessage)(nil)

// Decode deserializes a serialized OnionMessage stored in the passed
// io.Reader.
//
// This is part of the lnwire.Message interface.
func (o *OnionMessage) Decode(r io.Reader, _ uint32) error {
	return readElements(r, &o.PathKey, &o.OnionBlob)
}

// Encode serializes the target OnionMessage into the passed buffer.
//
// This is part of the lnwire.Message interface.
func (o *OnionMessage) Encode(w *bytes.Buffer, _ uint32) error {
	return writeElements(w, o.PathKey, o.OnionBlob)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (o *OnionMessage) MsgType() MessageType {
	return MsgOnionMessage
}
