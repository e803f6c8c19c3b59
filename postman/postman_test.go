package postman

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightninglabs/feather/fwire"
	"github.com/stretchr/testify/require"
)

// wireUp connects two postmans through an in-memory transport.
func wireUp(t *testing.T) (*Postman, *Postman, *btcec.PrivateKey,
	*btcec.PrivateKey) {

	t.Helper()

	keyA, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	keyB, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	var postmanA, postmanB *Postman

	deliverTo := func(target **Postman) SendFunc {
		return func(peer *btcec.PublicKey,
			msg *fwire.OnionMessage) error {

			// In-memory routing: hand the message straight to
			// the other postman's peel loop.
			go func() {
				_ = (*target).Peel(msg)
			}()

			return nil
		}
	}

	postmanA = NewPostman(keyA, deliverTo(&postmanB))
	postmanB = NewPostman(keyB, deliverTo(&postmanA))

	return postmanA, postmanB, keyA, keyB
}

func randPathID(t *testing.T) [32]byte {
	t.Helper()

	var pathID [32]byte
	_, err := rand.Read(pathID[:])
	require.NoError(t, err)

	return pathID
}

// TestOnionMessagePingReply runs the full conversation: A sends to B over a
// blinded path with a reply path attached, B answers through it, A receives
// the answer.
func TestOnionMessagePingReply(t *testing.T) {
	t.Parallel()

	postmanA, postmanB, keyA, keyB := wireUp(t)

	// B is waiting for messages on its advertised path id.
	pathIDToB := randPathID(t)
	inboxB := postmanB.SubscribeToPathID(pathIDToB)

	sessionToB, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pathToB, err := BuildPathToNode(
		sessionToB, keyB.PubKey(), keyB.PubKey(), pathIDToB, 1,
	)
	require.NoError(t, err)

	// A prepares the reply path back to itself before sending.
	replyPathID := randPathID(t)
	inboxA := postmanA.SubscribeToPathID(replyPathID)

	sessionReply, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	replyPath, err := BuildPathToNode(
		sessionReply, keyA.PubKey(), keyA.PubKey(), replyPathID, 1,
	)
	require.NoError(t, err)

	require.NoError(t, postmanA.SendMessage(
		pathToB, pathIDToB, []byte("ping"), replyPath,
	))

	// B receives the ping and uses the attached reply path.
	var received *Message
	select {
	case received = <-inboxB:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for ping")
	}
	require.Equal(t, []byte("ping"), received.Content)
	require.NotNil(t, received.ReplyPath)

	require.NoError(t, postmanB.SendMessage(
		received.ReplyPath, replyPathID, []byte("pong"), nil,
	))

	select {
	case reply := <-inboxA:
		require.Equal(t, []byte("pong"), reply.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for pong")
	}
}

// TestPeelDropsForeignMessage asserts a message built for another node does
// not decrypt under our key.
func TestPeelDropsForeignMessage(t *testing.T) {
	t.Parallel()

	postmanA, _, _, keyB := wireUp(t)

	session, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pathID := randPathID(t)

	// Path built for B, peeled by A.
	path, err := BuildPathToNode(
		session, keyB.PubKey(), keyB.PubKey(), pathID, 1,
	)
	require.NoError(t, err)

	payload, err := encodeHopPayload([32]byte{}, []byte("x"), nil)
	require.NoError(t, err)
	blob, err := encodeLayers([]onionLayer{{
		routeData: path.Hops[0].EncryptedData,
		payload:   payload,
	}})
	require.NoError(t, err)

	err = postmanA.Peel(fwire.NewOnionMessage(path.BlindingPoint, blob))
	require.ErrorIs(t, err, ErrNotForUs)
}

// TestSelfPaddingReentersPeel asserts a min-hop padded path to ourselves is
// unwound entirely locally.
func TestSelfPaddingReentersPeel(t *testing.T) {
	t.Parallel()

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	sendCalls := 0
	postman := NewPostman(key, func(*btcec.PublicKey,
		*fwire.OnionMessage) error {

		sendCalls++
		return nil
	})

	pathID := randPathID(t)
	inbox := postman.SubscribeToPathID(pathID)

	session, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	// Three hops, all ourselves: two relay layers plus the terminal.
	path, err := BuildPathToNode(
		session, key.PubKey(), key.PubKey(), pathID, 3,
	)
	require.NoError(t, err)
	require.Len(t, path.Hops, 3)

	require.NoError(t, postman.SendMessage(
		path, pathID, []byte("loop"), nil,
	))

	select {
	case msg := <-inbox:
		require.Equal(t, []byte("loop"), msg.Content)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for self-delivered message")
	}

	// Everything stayed local.
	require.Zero(t, sendCalls)
}

// TestBlindedNodeIDsDiffer asserts padding hops do not repeat the same
// blinded identity.
func TestBlindedNodeIDsDiffer(t *testing.T) {
	t.Parallel()

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	session, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	path, err := BuildPathToNode(
		session, key.PubKey(), key.PubKey(), randPathID(t), 3,
	)
	require.NoError(t, err)

	seen := make(map[string]struct{})
	for _, hop := range path.Hops {
		id := string(hop.BlindedNodeID.SerializeCompressed())
		_, dup := seen[id]
		require.False(t, dup, "blinded ids must not repeat")
		seen[id] = struct{}{}
	}
}
