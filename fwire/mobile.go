package fwire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
)

// FCMToken registers a push notification token with the peer so that it can
// wake the wallet when a payment or channel event is pending while the app is
// in the background.
type FCMToken struct {
	// Token is the platform push token.
	Token []byte
}

// A compile time check to ensure FCMToken implements the lnwire.Message
// interface.
var _ Message = (*FCMToken)(nil)

// Decode deserializes a serialized FCMToken stored in the passed io.Reader.
//
// This is part of the lnwire.Message interface.
func (f *FCMToken) Decode(r io.Reader, _ uint32) error {
	return readElement(r, &f.Token)
}

// Encode serializes the target FCMToken into the passed buffer.
//
// This is part of the lnwire.Message interface.
func (f *FCMToken) Encode(w *bytes.Buffer, _ uint32) error {
	return writeElement(w, f.Token)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (f *FCMToken) MsgType() MessageType {
	return MsgFCMToken
}

// UnsetFCMToken removes a previously registered push token.
type UnsetFCMToken struct{}

// A compile time check to ensure UnsetFCMToken implements the lnwire.Message
// interface.
var _ Message = (*UnsetFCMToken)(nil)

// Decode deserializes a serialized UnsetFCMToken stored in the passed
// io.Reader.
//
// This is part of the lnwire.Message interface.
func (f *UnsetFCMToken) Decode(io.Reader, uint32) error {
	return nil
}

// Encode serializes the target UnsetFCMToken into the passed buffer.
//
// This is part of the lnwire.Message interface.
func (f *UnsetFCMToken) Encode(*bytes.Buffer, uint32) error {
	return nil
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (f *UnsetFCMToken) MsgType() MessageType {
	return MsgUnsetFCMToken
}

// LegacyInfo is sent by the peer during migration from the legacy wallet. It
// states whether the legacy node id still has channels that need to be
// drained before migration can complete.
type LegacyInfo struct {
	// LegacyNodeID is the node id of the legacy wallet.
	LegacyNodeID *btcec.PublicKey

	// HasChannels is true if the legacy node still has open channels.
	HasChannels bool
}

// A compile time check to ensure LegacyInfo implements the lnwire.Message
// interface.
var _ Message = (*LegacyInfo)(nil)

// Decode deserializes a serialized LegacyInfo stored in the passed io.Reader.
//
// This is part of the lnwire.Message interface.
func (l *LegacyInfo) Decode(r io.Reader, _ uint32) error {
	return readElements(r, &l.LegacyNodeID, &l.HasChannels)
}

// Encode serializes the target LegacyInfo into the passed buffer.
//
// This is part of the lnwire.Message interface.
func (l *LegacyInfo) Encode(w *bytes.Buffer, _ uint32) error {
	return writeElements(w, l.LegacyNodeID, l.HasChannels)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (l *LegacyInfo) MsgType() MessageType {
	return MsgLegacyInfo
}
