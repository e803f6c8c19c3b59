package fwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lightningnetwork/lnd/lnwire"
)

// MessageType aliases the lnwire message type so that extension messages and
// upstream messages share one numbering space.
type MessageType = lnwire.MessageType

// The message types defined by the extensions this node speaks on top of the
// base protocol. The interactive-tx and splice messages use their assigned
// numbers; the node-specific extensions live in the odd custom range so that
// peers that do not understand them will ignore them.
const (
	// Dual funding (interactive transaction construction).
	MsgOpenChannel2   MessageType = 64
	MsgAcceptChannel2 MessageType = 65
	MsgTxAddInput     MessageType = 66
	MsgTxAddOutput    MessageType = 67
	MsgTxRemoveInput  MessageType = 68
	MsgTxRemoveOutput MessageType = 69
	MsgTxComplete     MessageType = 70
	MsgTxSignatures   MessageType = 71
	MsgTxAbort        MessageType = 74

	// Splicing.
	MsgSpliceInit   MessageType = 75
	MsgSpliceAck    MessageType = 76
	MsgSpliceLocked MessageType = 77

	// Onion messages.
	MsgOnionMessage MessageType = 513

	// Node-specific extensions, odd types in the custom range.
	MsgFCMToken          MessageType = 35017
	MsgUnsetFCMToken     MessageType = 35019
	MsgPayToOpenRequest  MessageType = 35021
	MsgPayToOpenResponse MessageType = 35023
	MsgLegacyInfo        MessageType = 35025
	MsgPleaseOpenChannel MessageType = 36001
)

// Message is the interface implemented by every extension message. It is the
// same interface as lnwire.Message so both kinds of messages flow through the
// same transport write path.
type Message = lnwire.Message

// makeEmptyMessage creates a new empty extension message of the proper
// concrete type based on the passed message type.
func makeEmptyMessage(msgType MessageType) (Message, error) {
	var msg Message

	switch msgType {
	case MsgOpenChannel2:
		msg = &OpenChannel2{}
	case MsgAcceptChannel2:
		msg = &AcceptChannel2{}
	case MsgTxAddInput:
		msg = &TxAddInput{}
	case MsgTxAddOutput:
		msg = &TxAddOutput{}
	case MsgTxRemoveInput:
		msg = &TxRemoveInput{}
	case MsgTxRemoveOutput:
		msg = &TxRemoveOutput{}
	case MsgTxComplete:
		msg = &TxComplete{}
	case MsgTxSignatures:
		msg = &TxSignatures{}
	case MsgTxAbort:
		msg = &TxAbort{}
	case MsgSpliceInit:
		msg = &SpliceInit{}
	case MsgSpliceAck:
		msg = &SpliceAck{}
	case MsgSpliceLocked:
		msg = &SpliceLocked{}
	case MsgOnionMessage:
		msg = &OnionMessage{}
	case MsgFCMToken:
		msg = &FCMToken{}
	case MsgUnsetFCMToken:
		msg = &UnsetFCMToken{}
	case MsgPayToOpenRequest:
		msg = &PayToOpenRequest{}
	case MsgPayToOpenResponse:
		msg = &PayToOpenResponse{}
	case MsgLegacyInfo:
		msg = &LegacyInfo{}
	case MsgPleaseOpenChannel:
		msg = &PleaseOpenChannel{}
	default:
		return nil, fmt.Errorf("unknown extension message type: %v",
			msgType)
	}

	return msg, nil
}

// IsExtensionType returns true if the given message type is one of the
// extension messages defined by this package.
func IsExtensionType(msgType MessageType) bool {
	_, err := makeEmptyMessage(msgType)
	return err == nil
}

// ReadMessage reads, validates, and parses the next message from r. Types
// this package does not define are handed off to lnwire.
func ReadMessage(r io.Reader) (Message, error) {
	// Peek the 2-byte big-endian type so we can decide which codec owns
	// the message.
	var mType [2]byte
	if _, err := io.ReadFull(r, mType[:]); err != nil {
		return nil, err
	}

	msgType := MessageType(binary.BigEndian.Uint16(mType[:]))
	if !IsExtensionType(msgType) {
		// Re-assemble the full frame for lnwire's reader.
		payload, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		frame := append(mType[:], payload...)

		return lnwire.ReadMessage(bytes.NewReader(frame), 0)
	}

	msg, err := makeEmptyMessage(msgType)
	if err != nil {
		return nil, err
	}
	if err := msg.Decode(r, 0); err != nil {
		return nil, err
	}

	return msg, nil
}

// WriteMessage writes any message, extension or upstream, to the buffer with
// its 2-byte type prefix.
func WriteMessage(buf *bytes.Buffer, msg Message) error {
	_, err := lnwire.WriteMessage(buf, msg, 0)
	return err
}
