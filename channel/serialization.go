package channel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/lnwire"
)

// State tags used by the persisted encoding.
const (
	tagWaitForFundingSigned uint8 = iota + 1
	tagWaitForFundingConfirmed
	tagLegacyWaitForFundingConfirmed
	tagWaitForChannelReady
	tagNormal
	tagShuttingDown
	tagNegotiating
	tagClosing
	tagClosed
)

// ErrUnknownStateTag is returned when deserializing a state written by an
// unknown tag. Callers log it and drop the state like any other decoding
// error; it does not raise UpgradeRequired.
var ErrUnknownStateTag = errors.New("unknown channel state tag")

// SerializeState encodes a persistable channel state. Offline and Syncing
// are unwrapped first: connectivity is not a durable property.
func SerializeState(state PersistedChannelState) ([]byte, error) {
	switch s := state.(type) {
	case *Offline:
		return SerializeState(s.Inner)
	case *Syncing:
		return SerializeState(s.Inner)
	}

	var b bytes.Buffer

	tag, err := stateTag(state)
	if err != nil {
		return nil, err
	}
	b.WriteByte(tag)

	if err := serializeCommitments(&b, state.Commitments()); err != nil {
		return nil, err
	}

	// State-specific extras.
	switch s := state.(type) {
	case *WaitForFundingConfirmed:
		if err := serializeTx(&b, s.FundingTx); err != nil {
			return nil, err
		}

	case *LegacyWaitForFundingConfirmed:
		if err := serializeTx(&b, s.FundingTx); err != nil {
			return nil, err
		}

	case *WaitForChannelReady:
		writeUint64(&b, s.ShortChannelID.ToUint64())

	case *Normal:
		writeUint64(&b, s.ShortChannelID.ToUint64())
	}

	return b.Bytes(), nil
}

// stateTag maps a state to its persisted tag.
func stateTag(state PersistedChannelState) (uint8, error) {
	switch state.(type) {
	case *WaitForFundingSigned:
		return tagWaitForFundingSigned, nil
	case *WaitForFundingConfirmed:
		return tagWaitForFundingConfirmed, nil
	case *LegacyWaitForFundingConfirmed:
		return tagLegacyWaitForFundingConfirmed, nil
	case *WaitForChannelReady:
		return tagWaitForChannelReady, nil
	case *Normal:
		return tagNormal, nil
	case *ShuttingDown:
		return tagShuttingDown, nil
	case *Negotiating:
		return tagNegotiating, nil
	case *Closing:
		return tagClosing, nil
	case *Closed:
		return tagClosed, nil
	default:
		return 0, fmt.Errorf("state %s is not persistable",
			state.Name())
	}
}

// DeserializeState decodes a state produced by SerializeState.
func DeserializeState(b []byte) (PersistedChannelState, error) {
	r := bytes.NewReader(b)

	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return nil, err
	}

	commitments, err := deserializeCommitments(r)
	if err != nil {
		return nil, err
	}

	switch tag[0] {
	case tagWaitForFundingSigned:
		return &WaitForFundingSigned{Commits: commitments}, nil

	case tagWaitForFundingConfirmed:
		tx, err := deserializeTx(r)
		if err != nil {
			return nil, err
		}
		return &WaitForFundingConfirmed{
			Commits:   commitments,
			FundingTx: tx,
		}, nil

	case tagLegacyWaitForFundingConfirmed:
		tx, err := deserializeTx(r)
		if err != nil {
			return nil, err
		}
		return &LegacyWaitForFundingConfirmed{
			Commits:   commitments,
			FundingTx: tx,
		}, nil

	case tagWaitForChannelReady:
		scid, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		return &WaitForChannelReady{
			Commits:        commitments,
			ShortChannelID: lnwire.NewShortChanIDFromInt(scid),
		}, nil

	case tagNormal:
		scid, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		return &Normal{
			Commits:        commitments,
			ShortChannelID: lnwire.NewShortChanIDFromInt(scid),
		}, nil

	case tagShuttingDown:
		return &ShuttingDown{Commits: commitments}, nil

	case tagNegotiating:
		return &Negotiating{Commits: commitments}, nil

	case tagClosing:
		return &Closing{Commits: commitments}, nil

	case tagClosed:
		return &Closed{Inner: &Closing{Commits: commitments}}, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownStateTag, tag[0])
	}
}

// serializeCommitments writes the durable channel core.
func serializeCommitments(b *bytes.Buffer, c *Commitments) error {
	b.Write(c.ChannelID[:])

	if err := serializeParams(b, &c.Params); err != nil {
		return err
	}

	if err := serializeCommitmentList(b, c.Active); err != nil {
		return err
	}
	if err := serializeCommitmentList(b, c.Inactive); err != nil {
		return err
	}

	writeUint64(b, c.LocalNextHtlcID)
	writeUint64(b, c.RemoteNextHtlcID)
	b.Write(c.LocalShaSeed[:])
	writeOptPubKey(b, c.RemoteNextPerCommitmentPoint)

	writeUint16(b, uint16(len(c.RemotePerCommitmentSecrets)))
	for index, secret := range c.RemotePerCommitmentSecrets {
		writeUint64(b, index)
		b.Write(secret[:])
	}

	return nil
}

// deserializeCommitments reads the durable channel core.
func deserializeCommitments(r *bytes.Reader) (*Commitments, error) {
	c := &Commitments{
		RemotePerCommitmentSecrets: make(map[uint64][32]byte),
	}

	if _, err := io.ReadFull(r, c.ChannelID[:]); err != nil {
		return nil, err
	}

	params, err := deserializeParams(r)
	if err != nil {
		return nil, err
	}
	c.Params = *params

	if c.Active, err = deserializeCommitmentList(r); err != nil {
		return nil, err
	}
	if c.Inactive, err = deserializeCommitmentList(r); err != nil {
		return nil, err
	}

	if c.LocalNextHtlcID, err = readUint64(r); err != nil {
		return nil, err
	}
	if c.RemoteNextHtlcID, err = readUint64(r); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, c.LocalShaSeed[:]); err != nil {
		return nil, err
	}
	if c.RemoteNextPerCommitmentPoint, err = readOptPubKey(r); err != nil {
		return nil, err
	}

	numSecrets, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(numSecrets); i++ {
		index, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		var secret [32]byte
		if _, err := io.ReadFull(r, secret[:]); err != nil {
			return nil, err
		}
		c.RemotePerCommitmentSecrets[index] = secret
	}

	if len(c.Active) == 0 {
		return nil, errors.New("persisted state has no active " +
			"commitment")
	}

	return c, nil
}

// serializeParams writes the static channel parameters.
func serializeParams(b *bytes.Buffer, p *ChannelParams) error {
	for _, key := range []*btcec.PublicKey{
		p.LocalNodeID, p.RemoteNodeID, p.LocalFundingKey,
		p.RemoteFundingKey,
	} {
		if key == nil {
			return errors.New("missing channel key")
		}
		b.Write(key.SerializeCompressed())
	}

	writeUint64(b, uint64(p.DustLimit))
	writeUint64(b, uint64(p.ChannelReserve))
	writeUint64(b, uint64(p.MaxValueInFlight))
	writeUint16(b, p.MaxAcceptedHTLCs)
	writeUint16(b, p.ToSelfDelay)
	writeUint32(b, p.MinDepth)

	return nil
}

// deserializeParams reads the static channel parameters.
func deserializeParams(r *bytes.Reader) (*ChannelParams, error) {
	p := &ChannelParams{}

	keys := []**btcec.PublicKey{
		&p.LocalNodeID, &p.RemoteNodeID, &p.LocalFundingKey,
		&p.RemoteFundingKey,
	}
	for _, key := range keys {
		var raw [btcec.PubKeyBytesLenCompressed]byte
		if _, err := io.ReadFull(r, raw[:]); err != nil {
			return nil, err
		}
		parsed, err := btcec.ParsePubKey(raw[:])
		if err != nil {
			return nil, err
		}
		*key = parsed
	}

	dust, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	p.DustLimit = btcutil.Amount(dust)

	reserve, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	p.ChannelReserve = btcutil.Amount(reserve)

	inFlight, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	p.MaxValueInFlight = lnwire.MilliSatoshi(inFlight)

	if p.MaxAcceptedHTLCs, err = readUint16(r); err != nil {
		return nil, err
	}
	if p.ToSelfDelay, err = readUint16(r); err != nil {
		return nil, err
	}
	if p.MinDepth, err = readUint32(r); err != nil {
		return nil, err
	}

	return p, nil
}

// serializeCommitmentList writes a list of fundings with their commitment
// pairs.
func serializeCommitmentList(b *bytes.Buffer, list []Commitment) error {
	writeUint16(b, uint16(len(list)))
	for i := range list {
		if err := serializeCommitment(b, &list[i]); err != nil {
			return err
		}
	}

	return nil
}

// deserializeCommitmentList reads a list of fundings.
func deserializeCommitmentList(r *bytes.Reader) ([]Commitment, error) {
	count, err := readUint16(r)
	if err != nil {
		return nil, err
	}

	list := make([]Commitment, count)
	for i := range list {
		commitment, err := deserializeCommitment(r)
		if err != nil {
			return nil, err
		}
		list[i] = *commitment
	}

	return list, nil
}

// serializeCommitment writes one funding and its commitment pair.
func serializeCommitment(b *bytes.Buffer, c *Commitment) error {
	b.Write(c.FundingTxOut.Hash[:])
	writeUint32(b, c.FundingTxOut.Index)
	writeUint64(b, uint64(c.FundingAmount))
	writeBytes(b, c.FundingScript)

	writeUint16(b, uint16(len(c.FundingTxInputs)))
	for _, op := range c.FundingTxInputs {
		b.Write(op.Hash[:])
		writeUint32(b, op.Index)
	}

	writeUint64(b, c.LocalCommit.Index)
	if err := serializeSpec(b, &c.LocalCommit.Spec); err != nil {
		return err
	}
	if err := serializeTx(b, c.LocalCommit.Tx); err != nil {
		return err
	}
	b.Write(c.LocalCommit.RemoteSig.RawBytes())

	writeUint64(b, c.RemoteCommit.Index)
	if err := serializeSpec(b, &c.RemoteCommit.Spec); err != nil {
		return err
	}
	b.Write(c.RemoteCommit.Txid[:])
	writeOptPubKey(b, c.RemoteCommit.RemotePerCommitmentPoint)

	writeBool(b, c.Locked)

	return nil
}

// deserializeCommitment reads one funding and its commitment pair.
func deserializeCommitment(r *bytes.Reader) (*Commitment, error) {
	c := &Commitment{}

	if _, err := io.ReadFull(r, c.FundingTxOut.Hash[:]); err != nil {
		return nil, err
	}
	index, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	c.FundingTxOut.Index = index

	amount, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	c.FundingAmount = btcutil.Amount(amount)

	if c.FundingScript, err = readBytes(r); err != nil {
		return nil, err
	}

	numInputs, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	c.FundingTxInputs = make([]wire.OutPoint, numInputs)
	for i := range c.FundingTxInputs {
		op := &c.FundingTxInputs[i]
		if _, err := io.ReadFull(r, op.Hash[:]); err != nil {
			return nil, err
		}
		if op.Index, err = readUint32(r); err != nil {
			return nil, err
		}
	}

	if c.LocalCommit.Index, err = readUint64(r); err != nil {
		return nil, err
	}
	spec, err := deserializeSpec(r)
	if err != nil {
		return nil, err
	}
	c.LocalCommit.Spec = *spec
	if c.LocalCommit.Tx, err = deserializeTx(r); err != nil {
		return nil, err
	}

	var rawSig [64]byte
	if _, err := io.ReadFull(r, rawSig[:]); err != nil {
		return nil, err
	}
	if sig, err := lnwire.NewSigFromWireECDSA(rawSig[:]); err == nil {
		c.LocalCommit.RemoteSig = sig
	}

	if c.RemoteCommit.Index, err = readUint64(r); err != nil {
		return nil, err
	}
	remoteSpec, err := deserializeSpec(r)
	if err != nil {
		return nil, err
	}
	c.RemoteCommit.Spec = *remoteSpec
	if _, err := io.ReadFull(r, c.RemoteCommit.Txid[:]); err != nil {
		return nil, err
	}
	point, err := readOptPubKey(r)
	if err != nil {
		return nil, err
	}
	c.RemoteCommit.RemotePerCommitmentPoint = point

	if c.Locked, err = readBool(r); err != nil {
		return nil, err
	}

	return c, nil
}

// serializeSpec writes the balances and HTLCs of a commitment revision.
func serializeSpec(b *bytes.Buffer, s *Spec) error {
	writeUint64(b, uint64(s.ToLocal))
	writeUint64(b, uint64(s.ToRemote))
	writeUint64(b, uint64(s.FeeratePerKw))

	writeUint16(b, uint16(len(s.Htlcs)))
	for _, htlc := range s.Htlcs {
		b.WriteByte(byte(htlc.Direction))
		writeUint64(b, htlc.Add.ID)
		writeUint64(b, uint64(htlc.Add.Amount))
		b.Write(htlc.Add.PaymentHash[:])
		writeUint32(b, htlc.Add.Expiry)
	}

	return nil
}

// deserializeSpec reads a commitment revision.
func deserializeSpec(r *bytes.Reader) (*Spec, error) {
	s := &Spec{}

	toLocal, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	s.ToLocal = lnwire.MilliSatoshi(toLocal)

	toRemote, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	s.ToRemote = lnwire.MilliSatoshi(toRemote)

	feerate, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	s.FeeratePerKw = chainfee.SatPerKWeight(feerate)

	numHtlcs, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	s.Htlcs = make([]Htlc, numHtlcs)
	for i := range s.Htlcs {
		htlc := &s.Htlcs[i]

		direction, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		htlc.Direction = Direction(direction)

		if htlc.Add.ID, err = readUint64(r); err != nil {
			return nil, err
		}
		amount, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		htlc.Add.Amount = lnwire.MilliSatoshi(amount)
		if _, err := io.ReadFull(r, htlc.Add.PaymentHash[:]); err != nil {
			return nil, err
		}
		if htlc.Add.Expiry, err = readUint32(r); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// serializeTx writes an optional transaction with a length prefix.
func serializeTx(b *bytes.Buffer, tx *wire.MsgTx) error {
	if tx == nil {
		writeUint32(b, 0)
		return nil
	}

	var txBuf bytes.Buffer
	if err := tx.Serialize(&txBuf); err != nil {
		return err
	}

	writeUint32(b, uint32(txBuf.Len()))
	b.Write(txBuf.Bytes())

	return nil
}

// deserializeTx reads an optional transaction.
func deserializeTx(r *bytes.Reader) (*wire.MsgTx, error) {
	length, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}

	raw := make([]byte, length)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}

	return tx, nil
}

func writeUint16(b *bytes.Buffer, v uint16) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	b.Write(buf[:])
}

func writeUint32(b *bytes.Buffer, v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	b.Write(buf[:])
}

func writeUint64(b *bytes.Buffer, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	b.Write(buf[:])
}

func writeBool(b *bytes.Buffer, v bool) {
	if v {
		b.WriteByte(1)
	} else {
		b.WriteByte(0)
	}
}

func writeBytes(b *bytes.Buffer, v []byte) {
	writeUint16(b, uint16(len(v)))
	b.Write(v)
}

func writeOptPubKey(b *bytes.Buffer, key *btcec.PublicKey) {
	if key == nil {
		b.WriteByte(0)
		return
	}
	b.WriteByte(1)
	b.Write(key.SerializeCompressed())
}

func readUint16(r *bytes.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	length, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readOptPubKey(r *bytes.Reader) (*btcec.PublicKey, error) {
	present, err := readBool(r)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}

	var raw [btcec.PubKeyBytesLenCompressed]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return nil, err
	}

	return btcec.ParsePubKey(raw[:])
}
