package channel

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/feather/fwire"
	"github.com/lightningnetwork/lnd/lnwire"
)

var (
	// ErrDuplicateSerialID is returned when the peer reuses a serial id.
	ErrDuplicateSerialID = errors.New("duplicate serial id")

	// ErrWrongSerialParity is returned when the peer uses a serial id
	// with our parity.
	ErrWrongSerialParity = errors.New("serial id has wrong parity")

	// ErrUnknownSerialID is returned when removing an id that was never
	// added.
	ErrUnknownSerialID = errors.New("unknown serial id")

	// ErrSessionNotComplete is returned when the funding transaction is
	// requested before both sides sent tx_complete.
	ErrSessionNotComplete = errors.New("interactive session not complete")
)

// InteractiveTxSession is one run of the interactive transaction construction
// protocol, used both for dual-funded opens and for splices. Both sides add
// inputs and outputs in alternating turns; serial ids (even for the
// initiator, odd for the other side) give the transaction a deterministic
// shape both can reproduce.
type InteractiveTxSession struct {
	// ChannelID is the id the session messages are addressed with.
	ChannelID lnwire.ChannelID

	// IsInitiator is true if we initiated the open or splice.
	IsInitiator bool

	// FundingFeerate is the sat/kw feerate of the shared transaction.
	FundingFeerate uint32

	// Locktime is the shared transaction's nLockTime.
	Locktime uint32

	// FundingAmount is the value of the shared funding output.
	FundingAmount btcutil.Amount

	// FundingScript is the pkScript of the shared funding output.
	FundingScript []byte

	// LocalInputs are the wallet UTXOs we contribute.
	LocalInputs []FundingInput

	// SharedInput is the previous funding outpoint for a splice, nil for
	// an initial open.
	SharedInput *wire.OutPoint

	// SharedInputAmount is the value of SharedInput.
	SharedInputAmount btcutil.Amount

	// LocalOutputs are additional outputs we add (splice-out).
	LocalOutputs []*wire.TxOut

	// remote side contributions, keyed by serial id.
	remoteInputs  map[uint64]*fwire.TxAddInput
	remoteOutputs map[uint64]*fwire.TxAddOutput

	// local progress counters.
	nextInput      int
	nextOutput     int
	fundingAdded   bool
	localComplete  bool
	remoteComplete bool

	// nextSerial is the next serial id we will use.
	nextSerial uint64

	// localSerials tracks which serial id each of our contributions got,
	// in the order (inputs..., funding output, outputs...).
	localInputSerials  []uint64
	localOutputSerials []uint64
}

// NewInteractiveTxSession creates a session. For splices, sharedInput is the
// active funding outpoint which the new transaction must spend.
func NewInteractiveTxSession(channelID lnwire.ChannelID, isInitiator bool,
	feerate uint32, locktime uint32, fundingAmount btcutil.Amount,
	fundingScript []byte, localInputs []FundingInput,
	sharedInput *wire.OutPoint,
	sharedInputAmount btcutil.Amount) *InteractiveTxSession {

	firstSerial := uint64(1)
	if isInitiator {
		firstSerial = 0
	}

	return &InteractiveTxSession{
		ChannelID:         channelID,
		IsInitiator:       isInitiator,
		FundingFeerate:    feerate,
		Locktime:          locktime,
		FundingAmount:     fundingAmount,
		FundingScript:     fundingScript,
		LocalInputs:       localInputs,
		SharedInput:       sharedInput,
		SharedInputAmount: sharedInputAmount,
		remoteInputs:      make(map[uint64]*fwire.TxAddInput),
		remoteOutputs:     make(map[uint64]*fwire.TxAddOutput),
		nextSerial:        firstSerial,
	}
}

// takeSerial returns the next serial id with our parity.
func (s *InteractiveTxSession) takeSerial() uint64 {
	serial := s.nextSerial
	s.nextSerial += 2
	return serial
}

// ourParity returns 0 if we are the initiator, 1 otherwise.
func (s *InteractiveTxSession) ourParity() uint64 {
	if s.IsInitiator {
		return 0
	}
	return 1
}

// NextLocalMessage returns the next construction message it is our turn to
// send: first our inputs, then the shared funding output (initiator only),
// then our extra outputs, and finally tx_complete.
func (s *InteractiveTxSession) NextLocalMessage() fwire.Message {
	// The splice initiator contributes the shared input first.
	if s.SharedInput != nil && s.IsInitiator && s.nextInput == 0 &&
		len(s.localInputSerials) == 0 {

		serial := s.takeSerial()
		s.localInputSerials = append(s.localInputSerials, serial)

		// The shared input is identified by outpoint only; the peer
		// already knows the funding transaction.
		return &fwire.TxAddInput{
			ChannelID:  s.ChannelID,
			SerialID:   serial,
			PrevTxVout: s.SharedInput.Index,
			Sequence:   wire.MaxTxInSequenceNum - 1,
			PrevTx:     sharedInputMarker(s.SharedInput),
		}
	}

	if s.nextInput < len(s.LocalInputs) {
		input := s.LocalInputs[s.nextInput]
		s.nextInput++

		serial := s.takeSerial()
		s.localInputSerials = append(s.localInputSerials, serial)

		var prevTx bytes.Buffer
		_ = input.PrevTx.Serialize(&prevTx)

		return &fwire.TxAddInput{
			ChannelID:  s.ChannelID,
			SerialID:   serial,
			PrevTx:     prevTx.Bytes(),
			PrevTxVout: input.OutputIndex,
			Sequence:   wire.MaxTxInSequenceNum - 1,
		}
	}

	if s.IsInitiator && !s.fundingAdded {
		s.fundingAdded = true

		serial := s.takeSerial()
		s.localOutputSerials = append(s.localOutputSerials, serial)

		return &fwire.TxAddOutput{
			ChannelID: s.ChannelID,
			SerialID:  serial,
			Amount:    s.FundingAmount,
			PkScript:  s.FundingScript,
		}
	}

	if s.nextOutput < len(s.LocalOutputs) {
		out := s.LocalOutputs[s.nextOutput]
		s.nextOutput++

		serial := s.takeSerial()
		s.localOutputSerials = append(s.localOutputSerials, serial)

		return &fwire.TxAddOutput{
			ChannelID: s.ChannelID,
			SerialID:  serial,
			Amount:    btcutil.Amount(out.Value),
			PkScript:  out.PkScript,
		}
	}

	s.localComplete = true
	return &fwire.TxComplete{ChannelID: s.ChannelID}
}

// ReceiveAddInput records a remote tx_add_input.
func (s *InteractiveTxSession) ReceiveAddInput(msg *fwire.TxAddInput) error {
	if msg.SerialID%2 == s.ourParity() {
		return ErrWrongSerialParity
	}
	if _, ok := s.remoteInputs[msg.SerialID]; ok {
		return ErrDuplicateSerialID
	}

	s.remoteInputs[msg.SerialID] = msg
	s.remoteComplete = false

	return nil
}

// ReceiveAddOutput records a remote tx_add_output.
func (s *InteractiveTxSession) ReceiveAddOutput(msg *fwire.TxAddOutput) error {
	if msg.SerialID%2 == s.ourParity() {
		return ErrWrongSerialParity
	}
	if _, ok := s.remoteOutputs[msg.SerialID]; ok {
		return ErrDuplicateSerialID
	}

	s.remoteOutputs[msg.SerialID] = msg
	s.remoteComplete = false

	return nil
}

// ReceiveRemoveInput records a remote tx_remove_input.
func (s *InteractiveTxSession) ReceiveRemoveInput(
	msg *fwire.TxRemoveInput) error {

	if _, ok := s.remoteInputs[msg.SerialID]; !ok {
		return ErrUnknownSerialID
	}
	delete(s.remoteInputs, msg.SerialID)

	return nil
}

// ReceiveRemoveOutput records a remote tx_remove_output.
func (s *InteractiveTxSession) ReceiveRemoveOutput(
	msg *fwire.TxRemoveOutput) error {

	if _, ok := s.remoteOutputs[msg.SerialID]; !ok {
		return ErrUnknownSerialID
	}
	delete(s.remoteOutputs, msg.SerialID)

	return nil
}

// ReceiveComplete records a remote tx_complete.
func (s *InteractiveTxSession) ReceiveComplete() {
	s.remoteComplete = true
}

// Done reports whether both sides have sent tx_complete consecutively.
func (s *InteractiveTxSession) Done() bool {
	return s.localComplete && s.remoteComplete
}

// indexedInput pairs a serial id with a built transaction input.
type indexedInput struct {
	serial uint64
	txIn   *wire.TxIn
}

// indexedOutput pairs a serial id with a built transaction output.
type indexedOutput struct {
	serial uint64
	txOut  *wire.TxOut
}

// BuildFundingTx assembles the shared transaction from both sides'
// contributions, ordered by serial id, and returns it together with the
// index of the shared funding output.
func (s *InteractiveTxSession) BuildFundingTx() (*wire.MsgTx, uint32, error) {
	if !s.Done() {
		return nil, 0, ErrSessionNotComplete
	}

	var inputs []indexedInput
	var outputs []indexedOutput

	// Our inputs: optional shared input first, then wallet inputs, in
	// the order they were assigned serials.
	serialIdx := 0
	if s.SharedInput != nil && s.IsInitiator {
		inputs = append(inputs, indexedInput{
			serial: s.localInputSerials[serialIdx],
			txIn: &wire.TxIn{
				PreviousOutPoint: *s.SharedInput,
				Sequence:         wire.MaxTxInSequenceNum - 1,
			},
		})
		serialIdx++
	}
	for i, input := range s.LocalInputs {
		inputs = append(inputs, indexedInput{
			serial: s.localInputSerials[serialIdx+i],
			txIn: &wire.TxIn{
				PreviousOutPoint: input.OutPoint(),
				Sequence:         wire.MaxTxInSequenceNum - 1,
			},
		})
	}

	// Remote inputs.
	for serial, msg := range s.remoteInputs {
		txIn, err := remoteTxIn(msg)
		if err != nil {
			return nil, 0, err
		}
		inputs = append(inputs, indexedInput{serial: serial, txIn: txIn})
	}

	// Our outputs: funding output (initiator) then extras.
	outIdx := 0
	if s.IsInitiator {
		outputs = append(outputs, indexedOutput{
			serial: s.localOutputSerials[outIdx],
			txOut: wire.NewTxOut(
				int64(s.FundingAmount), s.FundingScript,
			),
		})
		outIdx++
	}
	for i, out := range s.LocalOutputs {
		outputs = append(outputs, indexedOutput{
			serial: s.localOutputSerials[outIdx+i],
			txOut:  out,
		})
	}

	// Remote outputs.
	for serial, msg := range s.remoteOutputs {
		outputs = append(outputs, indexedOutput{
			serial: serial,
			txOut: wire.NewTxOut(
				int64(msg.Amount), msg.PkScript,
			),
		})
	}

	sort.Slice(inputs, func(i, j int) bool {
		return inputs[i].serial < inputs[j].serial
	})
	sort.Slice(outputs, func(i, j int) bool {
		return outputs[i].serial < outputs[j].serial
	})

	tx := wire.NewMsgTx(2)
	tx.LockTime = s.Locktime
	for _, input := range inputs {
		tx.AddTxIn(input.txIn)
	}

	fundingIndex := uint32(0)
	for i, output := range outputs {
		if bytes.Equal(output.txOut.PkScript, s.FundingScript) {
			fundingIndex = uint32(i)
		}
		tx.AddTxOut(output.txOut)
	}

	return tx, fundingIndex, nil
}

// LocalInputIndices returns the indices, within the built transaction's
// input list, of the wallet inputs we must sign.
func (s *InteractiveTxSession) LocalInputIndices(tx *wire.MsgTx) []int {
	indices := make([]int, 0, len(s.LocalInputs))
	for _, input := range s.LocalInputs {
		op := input.OutPoint()
		for i, txIn := range tx.TxIn {
			if txIn.PreviousOutPoint == op {
				indices = append(indices, i)
				break
			}
		}
	}

	return indices
}

// remoteTxIn converts a remote tx_add_input to a transaction input,
// validating the referenced parent transaction when one was shared.
func remoteTxIn(msg *fwire.TxAddInput) (*wire.TxIn, error) {
	// A shared-input marker carries the outpoint directly.
	if op, ok := parseSharedInputMarker(msg.PrevTx); ok {
		return &wire.TxIn{
			PreviousOutPoint: *op,
			Sequence:         msg.Sequence,
		}, nil
	}

	var prevTx wire.MsgTx
	if err := prevTx.Deserialize(bytes.NewReader(msg.PrevTx)); err != nil {
		return nil, fmt.Errorf("invalid prev tx in tx_add_input: %w",
			err)
	}
	if msg.PrevTxVout >= uint32(len(prevTx.TxOut)) {
		return nil, fmt.Errorf("tx_add_input vout %d out of range",
			msg.PrevTxVout)
	}

	return &wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  prevTx.TxHash(),
			Index: msg.PrevTxVout,
		},
		Sequence: msg.Sequence,
	}, nil
}

// sharedInputMarker encodes a splice's shared input as a 36-byte outpoint
// marker instead of a full parent transaction.
func sharedInputMarker(op *wire.OutPoint) []byte {
	marker := make([]byte, 0, 36)
	marker = append(marker, op.Hash[:]...)
	marker = append(marker,
		byte(op.Index>>24), byte(op.Index>>16),
		byte(op.Index>>8), byte(op.Index),
	)

	return marker
}

// parseSharedInputMarker is the inverse of sharedInputMarker.
func parseSharedInputMarker(b []byte) (*wire.OutPoint, bool) {
	if len(b) != 36 {
		return nil, false
	}

	var op wire.OutPoint
	copy(op.Hash[:], b[:32])
	op.Index = uint32(b[32])<<24 | uint32(b[33])<<16 |
		uint32(b[34])<<8 | uint32(b[35])

	return &op, true
}
