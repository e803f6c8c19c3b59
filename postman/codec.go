package postman

import (
	"bytes"
	"errors"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

// TLV types of the per-hop route data sealed by the path builder.
const (
	// typeNextNodeID names the node to relay to.
	typeNextNodeID tlv.Type = 4

	// typeRoutePathID marks the final hop with its conversation id.
	typeRoutePathID tlv.Type = 6
)

// routeData is the decoded route data of one hop.
type routeData struct {
	// nextNode is nil at the final hop.
	nextNode *btcec.PublicKey

	// pathID is set at the final hop.
	pathID []byte
}

// encodeRouteData encodes one hop's route data: either a relay instruction
// or a terminal path id.
func encodeRouteData(nextNode *btcec.PublicKey, pathID []byte) ([]byte,
	error) {

	var records []tlv.Record

	var nodeBytes []byte
	if nextNode != nil {
		nodeBytes = nextNode.SerializeCompressed()
		records = append(records, tlv.MakePrimitiveRecord(
			typeNextNodeID, &nodeBytes,
		))
	}
	if pathID != nil {
		records = append(records, tlv.MakePrimitiveRecord(
			typeRoutePathID, &pathID,
		))
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// decodeRouteData is the inverse of encodeRouteData.
func decodeRouteData(data []byte) (*routeData, error) {
	var nodeBytes, pathID []byte

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeNextNodeID, &nodeBytes),
		tlv.MakePrimitiveRecord(typeRoutePathID, &pathID),
	)
	if err != nil {
		return nil, err
	}

	if _, err := stream.DecodeWithParsedTypes(
		bytes.NewReader(data),
	); err != nil {
		return nil, err
	}

	route := &routeData{pathID: pathID}
	if len(nodeBytes) > 0 {
		node, err := btcec.ParsePubKey(nodeBytes)
		if err != nil {
			return nil, err
		}
		route.nextNode = node
	}

	return route, nil
}

// encodeLayers serializes the onion blob: u16 layer count, then per layer
// u16-prefixed route data and payload.
func encodeLayers(layers []onionLayer) ([]byte, error) {
	var b bytes.Buffer

	writeU16 := func(v int) {
		b.WriteByte(byte(v >> 8))
		b.WriteByte(byte(v))
	}

	if len(layers) > 65535 {
		return nil, errors.New("too many onion layers")
	}

	writeU16(len(layers))
	for _, layer := range layers {
		if len(layer.routeData) > 65535 ||
			len(layer.payload) > 65535 {

			return nil, errors.New("onion layer too large")
		}

		writeU16(len(layer.routeData))
		b.Write(layer.routeData)
		writeU16(len(layer.payload))
		b.Write(layer.payload)
	}

	return b.Bytes(), nil
}

// decodeLayers is the inverse of encodeLayers.
func decodeLayers(blob []byte) ([]onionLayer, error) {
	r := bytes.NewReader(blob)

	readU16 := func() (int, error) {
		hi, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		lo, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		return int(hi)<<8 | int(lo), nil
	}

	readChunk := func() ([]byte, error) {
		length, err := readU16()
		if err != nil {
			return nil, err
		}
		chunk := make([]byte, length)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, err
		}
		return chunk, nil
	}

	count, err := readU16()
	if err != nil {
		return nil, err
	}

	layers := make([]onionLayer, count)
	for i := range layers {
		if layers[i].routeData, err = readChunk(); err != nil {
			return nil, err
		}
		if layers[i].payload, err = readChunk(); err != nil {
			return nil, err
		}
	}

	return layers, nil
}

// encodeBlindedPath serializes a blinded path for the reply_path TLV.
func encodeBlindedPath(path *BlindedPath) ([]byte, error) {
	var b bytes.Buffer

	b.Write(path.IntroductionNode.SerializeCompressed())
	b.Write(path.BlindingPoint.SerializeCompressed())

	if len(path.Hops) > 255 {
		return nil, errors.New("too many blinded hops")
	}
	b.WriteByte(byte(len(path.Hops)))

	for _, hop := range path.Hops {
		b.Write(hop.BlindedNodeID.SerializeCompressed())
		if len(hop.EncryptedData) > 65535 {
			return nil, errors.New("hop data too large")
		}
		b.WriteByte(byte(len(hop.EncryptedData) >> 8))
		b.WriteByte(byte(len(hop.EncryptedData)))
		b.Write(hop.EncryptedData)
	}

	return b.Bytes(), nil
}

// decodeBlindedPath is the inverse of encodeBlindedPath.
func decodeBlindedPath(data []byte) (*BlindedPath, error) {
	r := bytes.NewReader(data)

	readKey := func() (*btcec.PublicKey, error) {
		var raw [btcec.PubKeyBytesLenCompressed]byte
		if _, err := io.ReadFull(r, raw[:]); err != nil {
			return nil, err
		}
		return btcec.ParsePubKey(raw[:])
	}

	intro, err := readKey()
	if err != nil {
		return nil, err
	}
	blinding, err := readKey()
	if err != nil {
		return nil, err
	}

	numHops, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	path := &BlindedPath{
		IntroductionNode: intro,
		BlindingPoint:    blinding,
	}
	for i := 0; i < int(numHops); i++ {
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

		path.Hops = append(path.Hops, &BlindedHop{
			BlindedNodeID: blinded,
			EncryptedData: encrypted,
		})
	}

	return path, nil
}

// BuildPathToNode builds a blinded path terminating at the destination,
// padding the route with extra hops through the destination itself until
// minHops is reached, so short real routes do not leak their length.
func BuildPathToNode(sessionKey *btcec.PrivateKey, intro,
	destination *btcec.PublicKey, pathID [32]byte,
	minHops int) (*BlindedPath, error) {

	nodes := []*btcec.PublicKey{intro}
	if !intro.IsEqual(destination) {
		nodes = append(nodes, destination)
	}
	for len(nodes) < minHops {
		nodes = append(nodes, destination)
	}

	payloads := make([][]byte, len(nodes))
	for i := range nodes {
		if i == len(nodes)-1 {
			payload, err := encodeRouteData(nil, pathID[:])
			if err != nil {
				return nil, err
			}
			payloads[i] = payload
			continue
		}

		payload, err := encodeRouteData(nodes[i+1], nil)
		if err != nil {
			return nil, err
		}
		payloads[i] = payload
	}

	return BuildBlindedPath(sessionKey, nodes, payloads)
}
