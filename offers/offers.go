package offers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/tlv"
)

// Human readable prefixes of the offers family.
const (
	// HrpOffer prefixes offers.
	HrpOffer = "lno"

	// HrpInvoiceRequest prefixes invoice requests.
	HrpInvoiceRequest = "lnr"

	// HrpInvoice prefixes Bolt 12 invoices.
	HrpInvoice = "lni"
)

// TLV types of the offers family.
const (
	typeChains      tlv.Type = 2
	typeAmount      tlv.Type = 8
	typeDescription tlv.Type = 10
	typePaths       tlv.Type = 16
	typeIssuer      tlv.Type = 18
	typeNodeID      tlv.Type = 22
	typePayerID     tlv.Type = 88
	typePayerNote   tlv.Type = 89
	typeCreatedAt   tlv.Type = 164
	typeRelExpiry   tlv.Type = 166
	typePaymentHash tlv.Type = 168
	typeInvAmount   tlv.Type = 170
	typeSignature   tlv.Type = 240
)

var (
	// ErrWrongHrp is returned when decoding with an unexpected prefix.
	ErrWrongHrp = errors.New("wrong bech32 prefix")

	// ErrMissingField is returned when a mandatory TLV is absent.
	ErrMissingField = errors.New("missing mandatory field")

	// ErrInvalidSignature is returned when a signature does not verify
	// against the TLV merkle root.
	ErrInvalidSignature = errors.New("invalid signature")
)

// PathHop is one hop of a compact blinded path.
type PathHop struct {
	// BlindedNodeID is the hop's blinded identity.
	BlindedNodeID *btcec.PublicKey

	// EncryptedData is the route data sealed to the hop.
	EncryptedData []byte
}

// Path is a compact blinded path. The introduction point is either a plain
// node id or a short_channel_id plus a one-byte direction flag, whichever is
// shorter to encode.
type Path struct {
	// IntroNode is the introduction node id; nil when UseSCID.
	IntroNode *btcec.PublicKey

	// IntroSCID and Direction identify the introduction point by
	// channel when UseSCID is set.
	IntroSCID uint64
	Direction byte
	UseSCID   bool

	// BlindingPoint starts the path unwinding.
	BlindingPoint *btcec.PublicKey

	// Hops are the blinded hops.
	Hops []*PathHop
}

// Offer is a reusable payment identifier.
type Offer struct {
	// Chains restricts the chains the offer is payable on; empty means
	// Bitcoin mainnet.
	Chains []chainhash.Hash

	// Amount is the amount per item, zero for "any amount".
	Amount lnwire.MilliSatoshi

	// Description is the mandatory human readable description.
	Description string

	// Issuer identifies the merchant.
	Issuer string

	// NodeID is the mandatory signing identity of the offer.
	NodeID *btcec.PublicKey

	// Paths are optional blinded paths towards the node.
	Paths []*Path
}

// InvoiceRequest asks the offer's maker for an invoice.
type InvoiceRequest struct {
	// Offer echoes the offer's fields.
	Offer Offer

	// PayerID is the payer's transient identity, which signs the
	// request.
	PayerID *btcec.PublicKey

	// PayerNote is a free-form note to the merchant.
	PayerNote string

	// Signature is the payer's schnorr signature over the TLV merkle
	// root.
	Signature [64]byte
}

// Invoice is the maker's signed answer to an invoice request.
type Invoice struct {
	// Request echoes the request's fields.
	Request InvoiceRequest

	// CreatedAt is the invoice creation time.
	CreatedAt time.Time

	// RelativeExpiry is the validity window in seconds.
	RelativeExpiry uint32

	// PaymentHash is the hash to pay.
	PaymentHash [32]byte

	// Amount is the exact amount to pay.
	Amount lnwire.MilliSatoshi

	// Signature is the maker's schnorr signature over the TLV merkle
	// root, by the offer's node id.
	Signature [64]byte
}

// recordWriter accumulates serialized TLV records in type order.
type recordWriter struct {
	records []rawRecord
	err     error
}

// add serializes one record: BigSize type, BigSize length, value.
func (w *recordWriter) add(recordType tlv.Type, value []byte) {
	if w.err != nil || value == nil {
		return
	}

	var b bytes.Buffer
	var scratch [8]byte
	if err := tlv.WriteVarInt(&b, uint64(recordType),
		&scratch); err != nil {

		w.err = err
		return
	}
	if err := tlv.WriteVarInt(&b, uint64(len(value)),
		&scratch); err != nil {

		w.err = err
		return
	}
	b.Write(value)

	w.records = append(w.records, rawRecord{
		Type:    uint64(recordType),
		Encoded: b.Bytes(),
	})
}

// bytes concatenates all records.
func (w *recordWriter) bytes() []byte {
	var b bytes.Buffer
	for _, record := range w.records {
		b.Write(record.Encoded)
	}

	return b.Bytes()
}

// parseRecords splits a serialized stream back into raw records with their
// values.
func parseRecords(data []byte) ([]rawRecord, map[uint64][]byte, error) {
	r := bytes.NewReader(data)
	var scratch [8]byte

	var records []rawRecord
	values := make(map[uint64][]byte)

	for r.Len() > 0 {
		start := len(data) - r.Len()

		recordType, err := tlv.ReadVarInt(r, &scratch)
		if err != nil {
			return nil, nil, err
		}
		length, err := tlv.ReadVarInt(r, &scratch)
		if err != nil {
			return nil, nil, err
		}

		value := make([]byte, length)
		if _, err := io.ReadFull(r, value); err != nil {
			return nil, nil, err
		}

		end := len(data) - r.Len()
		records = append(records, rawRecord{
			Type:    recordType,
			Encoded: data[start:end],
		})

		if _, dup := values[recordType]; dup {
			return nil, nil, fmt.Errorf("duplicate tlv type %d",
				recordType)
		}
		values[recordType] = value
	}

	return records, values, nil
}

// offerRecords serializes the offer's fields.
func offerRecords(w *recordWriter, o *Offer) {
	if len(o.Chains) > 0 {
		var b bytes.Buffer
		for _, chain := range o.Chains {
			b.Write(chain[:])
		}
		w.add(typeChains, b.Bytes())
	}
	if o.Amount > 0 {
		w.add(typeAmount, varIntBytes(uint64(o.Amount)))
	}
	w.add(typeDescription, []byte(o.Description))
	if len(o.Paths) > 0 {
		encoded, err := encodePaths(o.Paths)
		if err != nil {
			w.err = err
			return
		}
		w.add(typePaths, encoded)
	}
	if o.Issuer != "" {
		w.add(typeIssuer, []byte(o.Issuer))
	}
	if o.NodeID != nil {
		w.add(typeNodeID, o.NodeID.SerializeCompressed())
	}
}

// decodeOfferFields populates an offer from parsed TLV values.
func decodeOfferFields(values map[uint64][]byte) (*Offer, error) {
	offer := &Offer{}

	if chains, ok := values[uint64(typeChains)]; ok {
		if len(chains)%32 != 0 {
			return nil, fmt.Errorf("malformed chains record")
		}
		for i := 0; i+32 <= len(chains); i += 32 {
			var chain chainhash.Hash
			copy(chain[:], chains[i:i+32])
			offer.Chains = append(offer.Chains, chain)
		}
	}

	if amount, ok := values[uint64(typeAmount)]; ok {
		value, err := varIntValue(amount)
		if err != nil {
			return nil, err
		}
		offer.Amount = lnwire.MilliSatoshi(value)
	}

	description, ok := values[uint64(typeDescription)]
	if !ok {
		return nil, fmt.Errorf("%w: description", ErrMissingField)
	}
	offer.Description = string(description)

	if issuer, ok := values[uint64(typeIssuer)]; ok {
		offer.Issuer = string(issuer)
	}

	nodeID, ok := values[uint64(typeNodeID)]
	if !ok {
		return nil, fmt.Errorf("%w: node id", ErrMissingField)
	}
	parsed, err := btcec.ParsePubKey(nodeID)
	if err != nil {
		return nil, err
	}
	offer.NodeID = parsed

	if paths, ok := values[uint64(typePaths)]; ok {
		decoded, err := decodePaths(paths)
		if err != nil {
			return nil, err
		}
		offer.Paths = decoded
	}

	return offer, nil
}

// Encode serializes and bech32-encodes the offer.
func (o *Offer) Encode() (string, error) {
	w := &recordWriter{}
	offerRecords(w, o)
	if w.err != nil {
		return "", w.err
	}

	return EncodeNoChecksum(HrpOffer, w.bytes())
}

// DecodeOffer parses an lno string.
func DecodeOffer(encoded string) (*Offer, error) {
	hrp, data, err := DecodeNoChecksum(encoded)
	if err != nil {
		return nil, err
	}
	if hrp != HrpOffer {
		return nil, fmt.Errorf("%w: got %q", ErrWrongHrp, hrp)
	}

	_, values, err := parseRecords(data)
	if err != nil {
		return nil, err
	}

	return decodeOfferFields(values)
}

// Encode serializes and bech32-encodes the request. It does not sign: the
// signature record is included only when Sign has set one.
func (r *InvoiceRequest) Encode() (string, error) {
	w := &recordWriter{}
	r.records(w)
	if w.err != nil {
		return "", w.err
	}

	return EncodeNoChecksum(HrpInvoiceRequest, w.bytes())
}

// records serializes the request's fields, signature included.
func (r *InvoiceRequest) records(w *recordWriter) {
	offerRecords(w, &r.Offer)
	if r.PayerID != nil {
		w.add(typePayerID, r.PayerID.SerializeCompressed())
	}
	if r.PayerNote != "" {
		w.add(typePayerNote, []byte(r.PayerNote))
	}
	if r.Signature != ([64]byte{}) {
		w.add(typeSignature, r.Signature[:])
	}
}

// Sign computes the payer's signature over the request's merkle root.
func (r *InvoiceRequest) Sign(payerKey *btcec.PrivateKey) error {
	w := &recordWriter{}
	r.Signature = [64]byte{}
	r.records(w)
	if w.err != nil {
		return w.err
	}

	root := MerkleRoot(w.records)
	digest := SignatureHash("invoice_request", "signature", root)

	sig, err := schnorr.Sign(payerKey, digest[:])
	if err != nil {
		return err
	}
	copy(r.Signature[:], sig.Serialize())

	return nil
}

// DecodeInvoiceRequest parses an lnr string and verifies its signature.
func DecodeInvoiceRequest(encoded string) (*InvoiceRequest, error) {
	hrp, data, err := DecodeNoChecksum(encoded)
	if err != nil {
		return nil, err
	}
	if hrp != HrpInvoiceRequest {
		return nil, fmt.Errorf("%w: got %q", ErrWrongHrp, hrp)
	}

	records, values, err := parseRecords(data)
	if err != nil {
		return nil, err
	}

	offer, err := decodeOfferFields(values)
	if err != nil {
		return nil, err
	}

	request := &InvoiceRequest{Offer: *offer}

	payerID, ok := values[uint64(typePayerID)]
	if !ok {
		return nil, fmt.Errorf("%w: payer id", ErrMissingField)
	}
	if request.PayerID, err = btcec.ParsePubKey(payerID); err != nil {
		return nil, err
	}

	if note, ok := values[uint64(typePayerNote)]; ok {
		request.PayerNote = string(note)
	}

	signature, ok := values[uint64(typeSignature)]
	if !ok || len(signature) != 64 {
		return nil, fmt.Errorf("%w: signature", ErrMissingField)
	}
	copy(request.Signature[:], signature)

	root := MerkleRoot(records)
	digest := SignatureHash("invoice_request", "signature", root)
	if err := verifySchnorr(
		request.Signature, digest, request.PayerID,
	); err != nil {
		return nil, err
	}

	return request, nil
}

// records serializes the invoice's fields, signature included. The
// request's own signature is not carried: the maker's signature covers the
// whole stream, and TLV streams must stay monotonic in type.
func (i *Invoice) records(w *recordWriter) {
	request := i.Request
	request.Signature = [64]byte{}
	request.records(w)
	w.add(typeCreatedAt, varIntBytes(uint64(i.CreatedAt.Unix())))
	if i.RelativeExpiry > 0 {
		w.add(typeRelExpiry, varIntBytes(uint64(i.RelativeExpiry)))
	}
	w.add(typePaymentHash, i.PaymentHash[:])
	w.add(typeInvAmount, varIntBytes(uint64(i.Amount)))
	if i.Signature != ([64]byte{}) {
		w.add(typeSignature, i.Signature[:])
	}
}

// Sign computes the maker's signature over the invoice's merkle root.
func (i *Invoice) Sign(nodeKey *btcec.PrivateKey) error {
	// records leaves out the request's signature; ours covers every
	// other record.
	w := &recordWriter{}
	i.Signature = [64]byte{}
	i.records(w)
	if w.err != nil {
		return w.err
	}

	root := MerkleRoot(w.records)
	digest := SignatureHash("invoice", "signature", root)

	sig, err := schnorr.Sign(nodeKey, digest[:])
	if err != nil {
		return err
	}
	copy(i.Signature[:], sig.Serialize())

	return nil
}

// Encode serializes and bech32-encodes the invoice.
func (i *Invoice) Encode() (string, error) {
	w := &recordWriter{}
	i.records(w)
	if w.err != nil {
		return "", w.err
	}

	return EncodeNoChecksum(HrpInvoice, w.bytes())
}

// DecodeInvoice parses an lni string and verifies the maker's signature
// against the offer node id.
func DecodeInvoice(encoded string) (*Invoice, error) {
	hrp, data, err := DecodeNoChecksum(encoded)
	if err != nil {
		return nil, err
	}
	if hrp != HrpInvoice {
		return nil, fmt.Errorf("%w: got %q", ErrWrongHrp, hrp)
	}

	records, values, err := parseRecords(data)
	if err != nil {
		return nil, err
	}

	offer, err := decodeOfferFields(values)
	if err != nil {
		return nil, err
	}

	invoice := &Invoice{Request: InvoiceRequest{Offer: *offer}}

	if payerID, ok := values[uint64(typePayerID)]; ok {
		if invoice.Request.PayerID, err = btcec.ParsePubKey(
			payerID,
		); err != nil {
			return nil, err
		}
	}

	createdAt, ok := values[uint64(typeCreatedAt)]
	if !ok {
		return nil, fmt.Errorf("%w: created_at", ErrMissingField)
	}
	createdAtValue, err := varIntValue(createdAt)
	if err != nil {
		return nil, err
	}
	invoice.CreatedAt = time.Unix(int64(createdAtValue), 0)

	if expiry, ok := values[uint64(typeRelExpiry)]; ok {
		value, err := varIntValue(expiry)
		if err != nil {
			return nil, err
		}
		invoice.RelativeExpiry = uint32(value)
	}

	paymentHash, ok := values[uint64(typePaymentHash)]
	if !ok || len(paymentHash) != 32 {
		return nil, fmt.Errorf("%w: payment hash", ErrMissingField)
	}
	copy(invoice.PaymentHash[:], paymentHash)

	amount, ok := values[uint64(typeInvAmount)]
	if !ok {
		return nil, fmt.Errorf("%w: amount", ErrMissingField)
	}
	amountValue, err := varIntValue(amount)
	if err != nil {
		return nil, err
	}
	invoice.Amount = lnwire.MilliSatoshi(amountValue)

	signature, ok := values[uint64(typeSignature)]
	if !ok || len(signature) != 64 {
		return nil, fmt.Errorf("%w: signature", ErrMissingField)
	}
	copy(invoice.Signature[:], signature)

	root := MerkleRoot(records)
	digest := SignatureHash("invoice", "signature", root)
	if err := verifySchnorr(
		invoice.Signature, digest, invoice.Request.Offer.NodeID,
	); err != nil {
		return nil, err
	}

	return invoice, nil
}

// verifySchnorr checks a 64-byte schnorr signature over digest by the
// x-only form of the given key.
func verifySchnorr(signature [64]byte, digest [32]byte,
	key *btcec.PublicKey) error {

	sig, err := schnorr.ParseSignature(signature[:])
	if err != nil {
		return err
	}

	xOnly, err := schnorr.ParsePubKey(
		key.SerializeCompressed()[1:33],
	)
	if err != nil {
		return err
	}

	if !sig.Verify(digest[:], xOnly) {
		return ErrInvalidSignature
	}

	return nil
}

// varIntBytes encodes a BigSize integer standalone.
func varIntBytes(v uint64) []byte {
	var b bytes.Buffer
	var scratch [8]byte
	_ = tlv.WriteVarInt(&b, v, &scratch)

	return b.Bytes()
}

// varIntValue decodes a standalone BigSize integer.
func varIntValue(b []byte) (uint64, error) {
	var scratch [8]byte
	return tlv.ReadVarInt(bytes.NewReader(b), &scratch)
}

// encodePaths serializes compact blinded paths. The introduction point
// starts with a discriminating byte: 0x00 or 0x01 is a direction flag
// followed by an 8-byte short_channel_id, 0x02 or 0x03 begins a compressed
// node id.
func encodePaths(paths []*Path) ([]byte, error) {
	var b bytes.Buffer

	b.WriteByte(byte(len(paths)))
	for _, path := range paths {
		if path.UseSCID {
			b.WriteByte(path.Direction)
			var scid [8]byte
			for i := 0; i < 8; i++ {
				scid[i] = byte(path.IntroSCID >> (56 - 8*i))
			}
			b.Write(scid[:])
		} else {
			if path.IntroNode == nil {
				return nil, errors.New("path missing intro")
			}
			b.Write(path.IntroNode.SerializeCompressed())
		}

		b.Write(path.BlindingPoint.SerializeCompressed())

		b.WriteByte(byte(len(path.Hops)))
		for _, hop := range path.Hops {
			b.Write(hop.BlindedNodeID.SerializeCompressed())
			b.WriteByte(byte(len(hop.EncryptedData) >> 8))
			b.WriteByte(byte(len(hop.EncryptedData)))
			b.Write(hop.EncryptedData)
		}
	}

	return b.Bytes(), nil
}

// decodePaths is the inverse of encodePaths.
func decodePaths(data []byte) ([]*Path, error) {
	r := bytes.NewReader(data)

	readKey := func() (*btcec.PublicKey, error) {
		var raw [btcec.PubKeyBytesLenCompressed]byte
		if _, err := io.ReadFull(r, raw[:]); err != nil {
			return nil, err
		}
		return btcec.ParsePubKey(raw[:])
	}

	numPaths, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	var paths []*Path
	for p := 0; p < int(numPaths); p++ {
		path := &Path{}

		first, err := r.ReadByte()
		if err != nil {
			return nil, err
		}

		switch first {
		case 0x00, 0x01:
			path.UseSCID = true
			path.Direction = first

			var scid [8]byte
			if _, err := io.ReadFull(r, scid[:]); err != nil {
				return nil, err
			}
			for i := 0; i < 8; i++ {
				path.IntroSCID |= uint64(scid[i]) <<
					(56 - 8*i)
			}

		case 0x02, 0x03:
			var raw [btcec.PubKeyBytesLenCompressed]byte
			raw[0] = first
			if _, err := io.ReadFull(r, raw[1:]); err != nil {
				return nil, err
			}
			if path.IntroNode, err = btcec.ParsePubKey(
				raw[:],
			); err != nil {
				return nil, err
			}

		default:
			return nil, fmt.Errorf("invalid path intro byte %x",
				first)
		}

		if path.BlindingPoint, err = readKey(); err != nil {
			return nil, err
		}

		numHops, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		for h := 0; h < int(numHops); h++ {
			blinded, err := readKey()
			if err != nil {
				return nil, err
			}

			hi, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			lo, err := r.ReadByte()
			if err != nil {
				return nil, err
			}

			encrypted := make([]byte, int(hi)<<8|int(lo))
			if _, err := io.ReadFull(r, encrypted); err != nil {
				return nil, err
			}

			path.Hops = append(path.Hops, &PathHop{
				BlindedNodeID: blinded,
				EncryptedData: encrypted,
			})
		}

		paths = append(paths, path)
	}

	return paths, nil
}
