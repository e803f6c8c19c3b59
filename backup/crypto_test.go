package backup

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/stretchr/testify/require"
)

// mockKeyRing derives every key from a single fixed private key, which is all
// the backup cipher needs.
type mockKeyRing struct {
	priv *btcec.PrivateKey
}

func newMockKeyRing(t *testing.T) *mockKeyRing {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return &mockKeyRing{priv: priv}
}

func (m *mockKeyRing) DeriveNextKey(
	keychain.KeyFamily) (keychain.KeyDescriptor, error) {

	return keychain.KeyDescriptor{PubKey: m.priv.PubKey()}, nil
}

func (m *mockKeyRing) DeriveKey(
	loc keychain.KeyLocator) (keychain.KeyDescriptor, error) {

	return keychain.KeyDescriptor{
		KeyLocator: loc,
		PubKey:     m.priv.PubKey(),
	}, nil
}

// TestEncryptDecryptRoundTrip asserts that a sealed blob opens back to the
// original payload with the same keyring, and fails to open with another.
func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	keyRing := newMockKeyRing(t)
	payload := []byte("serialized channel state")

	blob, err := Encrypt(keyRing, payload)
	require.NoError(t, err)
	require.Equal(t, byte(CurrentVersion), blob[0])

	plaintext, err := Decrypt(keyRing, blob)
	require.NoError(t, err)
	require.Equal(t, payload, plaintext)

	// A different key ring must fail authentication.
	_, err = Decrypt(newMockKeyRing(t), blob)
	require.Error(t, err)
}

// TestDecryptVersionTooNew asserts that a blob from future software is
// reported as such rather than as garbage.
func TestDecryptVersionTooNew(t *testing.T) {
	t.Parallel()

	keyRing := newMockKeyRing(t)

	blob, err := Encrypt(keyRing, []byte("state"))
	require.NoError(t, err)

	blob[0] = byte(CurrentVersion) + 1

	_, err = Decrypt(keyRing, blob)
	require.ErrorIs(t, err, ErrVersionTooNew)
}

// TestDecryptTooShort asserts that truncated blobs are rejected up front.
func TestDecryptTooShort(t *testing.T) {
	t.Parallel()

	_, err := Decrypt(newMockKeyRing(t), []byte{0x01, 0x02})
	require.ErrorIs(t, err, ErrCiphertextTooShort)
}
