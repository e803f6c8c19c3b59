package postman

import (
	"bytes"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightninglabs/feather/fwire"
	"github.com/lightningnetwork/lnd/tlv"
)

// TLV types of the onion message payload.
const (
	// typeReplyPath carries a serialized blinded reply path.
	typeReplyPath tlv.Type = 2

	// typePathID identifies the conversation at the final hop.
	typePathID tlv.Type = 6

	// typeContent carries the application payload.
	typeContent tlv.Type = 64
)

var (
	// ErrNoSubscriber is returned when a delivered message matches no
	// pending path id.
	ErrNoSubscriber = errors.New("no subscriber for path id")
)

// Message is a fully peeled onion message delivered to a subscriber.
type Message struct {
	// PathID is the conversation id from the final hop data.
	PathID [32]byte

	// Content is the application payload.
	Content []byte

	// ReplyPath, if set, is the blinded path to answer through.
	ReplyPath *BlindedPath
}

// SendFunc hands a wire onion message to the transport for the given peer.
type SendFunc func(peer *btcec.PublicKey, msg *fwire.OnionMessage) error

// Postman peels incoming onion messages and builds outgoing ones. Messages
// whose path id matches a pending subscription are delivered; self-addressed
// relays re-enter the peel; everything else is dropped.
type Postman struct {
	// nodeKey is our node private key, used to unwind blinded hops.
	nodeKey *btcec.PrivateKey

	// send forwards messages to the transport.
	send SendFunc

	// subscribers maps pending path ids to delivery channels.
	subscribers map[[32]byte]chan *Message
}

// NewPostman creates a postman over the given node key and transport.
func NewPostman(nodeKey *btcec.PrivateKey, send SendFunc) *Postman {
	return &Postman{
		nodeKey:     nodeKey,
		send:        send,
		subscribers: make(map[[32]byte]chan *Message),
	}
}

// SubscribeToPathID registers interest in messages for the given path id.
// The returned channel delivers at most one message per send.
func (p *Postman) SubscribeToPathID(pathID [32]byte) <-chan *Message {
	ch := make(chan *Message, 1)
	p.subscribers[pathID] = ch

	return ch
}

// Unsubscribe drops a pending subscription.
func (p *Postman) Unsubscribe(pathID [32]byte) {
	delete(p.subscribers, pathID)
}

// hopPayload is the decoded per-hop data of an onion message.
type hopPayload struct {
	pathID    []byte
	replyPath []byte
	content   []byte
}

// encodeHopPayload encodes the final-hop payload TLV stream.
func encodeHopPayload(pathID [32]byte, content []byte,
	replyPath *BlindedPath) ([]byte, error) {

	records := make([]tlv.Record, 0, 3)

	if replyPath != nil {
		encodedReply, err := encodeBlindedPath(replyPath)
		if err != nil {
			return nil, err
		}
		records = append(records, tlv.MakePrimitiveRecord(
			typeReplyPath, &encodedReply,
		))
	}

	id := pathID[:]
	records = append(records, tlv.MakePrimitiveRecord(typePathID, &id))

	if len(content) > 0 {
		records = append(records, tlv.MakePrimitiveRecord(
			typeContent, &content,
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

// decodeHopPayload decodes a hop payload TLV stream.
func decodeHopPayload(data []byte) (*hopPayload, error) {
	payload := &hopPayload{}

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeReplyPath, &payload.replyPath),
		tlv.MakePrimitiveRecord(typePathID, &payload.pathID),
		tlv.MakePrimitiveRecord(typeContent, &payload.content),
	)
	if err != nil {
		return nil, err
	}

	if _, err := stream.DecodeWithParsedTypes(
		bytes.NewReader(data),
	); err != nil {
		return nil, err
	}

	return payload, nil
}

// SendMessage builds the onion for the given blinded path and hands it to
// the transport, addressed to the path's introduction node.
func (p *Postman) SendMessage(path *BlindedPath, pathID [32]byte,
	content []byte, replyPath *BlindedPath) error {

	// The final hop's sealed data already rides inside the path; our
	// payload (content and optional reply path) is attached to the
	// final layer as is, not sealed to the hop keys.
	onionBlob, err := buildOnionBlob(path, pathID, content, replyPath)
	if err != nil {
		return err
	}

	msg := fwire.NewOnionMessage(path.BlindingPoint, onionBlob)

	log.Debugf("Sending onion message via %x with %d hops",
		path.IntroductionNode.SerializeCompressed()[:8],
		len(path.Hops))

	// A path that starts at ourselves is unwound locally.
	if path.IntroductionNode.IsEqual(p.nodeKey.PubKey()) {
		return p.Peel(msg)
	}

	return p.send(path.IntroductionNode, msg)
}

// onionLayer is one hop's slice of the onion blob: the route data sealed by
// the path builder plus the sender's payload, which is not sealed.
type onionLayer struct {
	routeData []byte
	payload   []byte
}

// buildOnionBlob serializes the message onion: one layer per blinded hop,
// each carrying the hop's encrypted route data, with the sender payload
// attached to the final layer.
func buildOnionBlob(path *BlindedPath, pathID [32]byte, content []byte,
	replyPath *BlindedPath) ([]byte, error) {

	layers := make([]onionLayer, len(path.Hops))
	for i, hop := range path.Hops {
		layers[i] = onionLayer{routeData: hop.EncryptedData}
	}

	// The sender payload rides with the last layer; the mix-header
	// wrapping that hides it from intermediate hops belongs to the
	// sphinx collaborator.
	payload, err := encodeHopPayload(pathID, content, replyPath)
	if err != nil {
		return nil, err
	}
	layers[len(layers)-1].payload = payload

	return encodeLayers(layers)
}

// Peel unwinds one hop of an incoming onion message with our node key. If
// the decrypted route data names a next node, the message is forwarded;
// when it terminates here, the payload is delivered to the matching
// subscriber. A message relayed back to ourselves re-enters the peel.
func (p *Postman) Peel(msg *fwire.OnionMessage) error {
	for {
		layers, err := decodeLayers(msg.OnionBlob)
		if err != nil {
			return err
		}
		if len(layers) == 0 {
			return errors.New("empty onion")
		}

		ss := sharedSecret(p.nodeKey, msg.PathKey)

		routeData, err := decryptHopData(ss, layers[0].routeData)
		if err != nil {
			// Not ours: drop.
			log.Debugf("Dropping onion message: %v", err)
			return err
		}

		route, err := decodeRouteData(routeData)
		if err != nil {
			return err
		}

		// Final hop: deliver to the subscriber, if any.
		if route.nextNode == nil {
			return p.deliver(route, layers[0].payload)
		}

		nextBlob, err := encodeLayers(layers[1:])
		if err != nil {
			return err
		}
		nextPathKey, err := nextEphemeral(msg.PathKey, ss)
		if err != nil {
			return err
		}
		nextMsg := fwire.NewOnionMessage(nextPathKey, nextBlob)

		// Relaying back to ourselves (self-padding for anonymity):
		// re-enter the peel instead of hitting the wire.
		if route.nextNode.IsEqual(p.nodeKey.PubKey()) {
			msg = nextMsg
			continue
		}

		return p.send(route.nextNode, nextMsg)
	}
}

// deliver hands a terminal payload to the subscriber for its path id.
func (p *Postman) deliver(route *routeData, rawPayload []byte) error {
	if len(rawPayload) == 0 {
		log.Debugf("Dropping terminal onion message without payload")
		return nil
	}

	payload, err := decodeHopPayload(rawPayload)
	if err != nil {
		return err
	}

	var pathID [32]byte
	copy(pathID[:], route.pathID)

	subscriber, ok := p.subscribers[pathID]
	if !ok {
		log.Debugf("Dropping onion message for unknown path id %x",
			pathID[:8])
		return ErrNoSubscriber
	}

	message := &Message{
		PathID:  pathID,
		Content: payload.content,
	}
	if len(payload.replyPath) > 0 {
		replyPath, err := decodeBlindedPath(payload.replyPath)
		if err != nil {
			return err
		}
		message.ReplyPath = replyPath
	}

	select {
	case subscriber <- message:
	default:
		log.Warnf("Subscriber for path id %x is not draining",
			pathID[:8])
	}

	return nil
}
