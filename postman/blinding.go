package postman

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrNotForUs is returned when an onion message's hop data does not
	// decrypt under our key.
	ErrNotForUs = errors.New("onion message not addressed to us")
)

// BlindedHop is one hop of a blinded route: the blinded node id and the
// encrypted data only that node can read.
type BlindedHop struct {
	// BlindedNodeID is the node's identity masked by the path builder.
	BlindedNodeID *btcec.PublicKey

	// EncryptedData is the route data sealed to the node.
	EncryptedData []byte
}

// BlindedPath is a route whose intermediate identities are masked by
// successive DH operations, so only the builder knows the full path.
type BlindedPath struct {
	// IntroductionNode is the unblinded first node of the path.
	IntroductionNode *btcec.PublicKey

	// BlindingPoint is the ephemeral point the introduction node uses
	// to start unwinding the path.
	BlindingPoint *btcec.PublicKey

	// Hops are the blinded hops, introduction node first.
	Hops []*BlindedHop
}

// sharedSecret computes SHA256(k * P), the route blinding shared secret.
func sharedSecret(priv *btcec.PrivateKey,
	pub *btcec.PublicKey) [32]byte {

	var point, result btcec.JacobianPoint
	pub.AsJacobian(&point)
	btcec.ScalarMultNonConst(&priv.Key, &point, &result)
	result.ToAffine()

	shared := btcec.NewPublicKey(&result.X, &result.Y)

	return sha256.Sum256(shared.SerializeCompressed())
}

// blindingFactor computes SHA256(E || ss), the factor that advances both the
// ephemeral key and the node blinding.
func blindingFactor(ephemeral *btcec.PublicKey, ss [32]byte) [32]byte {
	h := sha256.New()
	h.Write(ephemeral.SerializeCompressed())
	h.Write(ss[:])

	var factor [32]byte
	copy(factor[:], h.Sum(nil))

	return factor
}

// deriveRho derives the ChaCha20-Poly1305 key for a hop's encrypted data.
func deriveRho(ss [32]byte) ([]byte, error) {
	r := hkdf.New(sha256.New, ss[:], nil, []byte("rho"))

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := r.Read(key); err != nil {
		return nil, err
	}

	return key, nil
}

// encryptHopData seals a hop's route data under the hop's shared secret.
func encryptHopData(ss [32]byte, plaintext []byte) ([]byte, error) {
	key, err := deriveRho(ss)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)

	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// decryptHopData opens a hop's route data under the hop's shared secret.
func decryptHopData(ss [32]byte, ciphertext []byte) ([]byte, error) {
	key, err := deriveRho(ss)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotForUs, err)
	}

	return plaintext, nil
}

// blindPubKey multiplies a public key by a scalar factor.
func blindPubKey(pub *btcec.PublicKey, factor [32]byte) (*btcec.PublicKey,
	error) {

	var scalar btcec.ModNScalar
	if overflow := scalar.SetBytes(&factor); overflow != 0 {
		return nil, errors.New("blinding factor overflow")
	}

	var point, result btcec.JacobianPoint
	pub.AsJacobian(&point)
	btcec.ScalarMultNonConst(&scalar, &point, &result)
	result.ToAffine()

	return btcec.NewPublicKey(&result.X, &result.Y), nil
}

// blindPrivKey multiplies a private key by a scalar factor, used when
// building paths.
func blindPrivKey(priv *btcec.PrivateKey,
	factor [32]byte) (*btcec.PrivateKey, error) {

	var scalar btcec.ModNScalar
	if overflow := scalar.SetBytes(&factor); overflow != 0 {
		return nil, errors.New("blinding factor overflow")
	}

	product := priv.Key
	product.Mul(&scalar)

	return btcec.PrivKeyFromScalar(&product), nil
}

// nextEphemeral advances the blinding point: E' = SHA256(E||ss) * E.
func nextEphemeral(ephemeral *btcec.PublicKey,
	ss [32]byte) (*btcec.PublicKey, error) {

	return blindPubKey(ephemeral, blindingFactor(ephemeral, ss))
}

// BuildBlindedPath builds a blinded path over the given nodes ending at the
// builder. Each hop's plaintext is its route data: for intermediate hops
// the next node id, for the final hop the path id that identifies the
// conversation.
func BuildBlindedPath(sessionKey *btcec.PrivateKey,
	nodes []*btcec.PublicKey, hopPayloads [][]byte) (*BlindedPath, error) {

	if len(nodes) == 0 || len(nodes) != len(hopPayloads) {
		return nil, errors.New("mismatched blinded path input")
	}

	path := &BlindedPath{
		IntroductionNode: nodes[0],
		BlindingPoint:    sessionKey.PubKey(),
	}

	ephemeralPriv := sessionKey
	for i, node := range nodes {
		ss := sharedSecret(ephemeralPriv, node)

		encrypted, err := encryptHopData(ss, hopPayloads[i])
		if err != nil {
			return nil, err
		}

		factor := blindingFactor(ephemeralPriv.PubKey(), ss)
		blinded, err := blindPubKey(node, factor)
		if err != nil {
			return nil, err
		}

		path.Hops = append(path.Hops, &BlindedHop{
			BlindedNodeID: blinded,
			EncryptedData: encrypted,
		})

		ephemeralPriv, err = blindPrivKey(ephemeralPriv, factor)
		if err != nil {
			return nil, err
		}
	}

	return path, nil
}
