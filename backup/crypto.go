package backup

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/keychain"
	"golang.org/x/crypto/chacha20poly1305"
)

// Version is prepended to every encrypted backup blob. A reader that sees a
// version greater than CurrentVersion must not attempt to deserialize the
// payload: the state was written by newer software and replacing or
// force-closing on it would lose data.
type Version uint8

// CurrentVersion is the highest backup version this code can read and the
// version it writes.
const CurrentVersion Version = 1

var (
	// ErrVersionTooNew is returned when a backup blob was written by a
	// newer version of the software than this one.
	ErrVersionTooNew = errors.New("channel backup version newer than " +
		"supported")

	// ErrCiphertextTooShort is returned when the blob is too small to
	// contain a version, nonce and tag.
	ErrCiphertextTooShort = errors.New("channel backup blob too short")
)

// baseEncryptionKeyLoc is the KeyLocator used to derive the base encryption
// key for channel backups. We derive the symmetric key from a keyring pubkey
// rather than using a raw private key, so the key manager never needs to know
// our cipher.
var baseEncryptionKeyLoc = keychain.KeyLocator{
	Family: keychain.KeyFamilyBaseEncryption,
	Index:  0,
}

// genEncryptionKey derives the symmetric key used to encrypt channel
// backups: the sha256 of a base key obtained from the keyring.
func genEncryptionKey(keyRing keychain.KeyRing) ([]byte, error) {
	baseKey, err := keyRing.DeriveKey(baseEncryptionKeyLoc)
	if err != nil {
		return nil, err
	}

	encryptionKey := sha256.Sum256(
		baseKey.PubKey.SerializeCompressed(),
	)

	return encryptionKey[:], nil
}

// Encrypt seals the serialized channel state into a versioned, authenticated
// blob: version || nonce || ciphertext, with the nonce doubling as the AEAD
// associated data.
func Encrypt(keyRing keychain.KeyRing, plaintext []byte) ([]byte, error) {
	encryptionKey, err := genEncryptionKey(keyRing)
	if err != nil {
		return nil, err
	}

	cipher, err := chacha20poly1305.NewX(encryptionKey)
	if err != nil {
		return nil, err
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	ciphertext := cipher.Seal(nil, nonce[:], plaintext, nonce[:])

	blob := make([]byte, 0, 1+len(nonce)+len(ciphertext))
	blob = append(blob, byte(CurrentVersion))
	blob = append(blob, nonce[:]...)
	blob = append(blob, ciphertext...)

	return blob, nil
}

// Decrypt opens a blob produced by Encrypt. It returns ErrVersionTooNew if
// the version byte is beyond what this code understands; callers must treat
// that case as "leave the channel untouched", never as a protocol violation.
func Decrypt(keyRing keychain.KeyRing, blob []byte) ([]byte, error) {
	if len(blob) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrCiphertextTooShort
	}

	version := Version(blob[0])
	if version > CurrentVersion {
		return nil, fmt.Errorf("%w: got %d, support up to %d",
			ErrVersionTooNew, version, CurrentVersion)
	}

	encryptionKey, err := genEncryptionKey(keyRing)
	if err != nil {
		return nil, err
	}

	cipher, err := chacha20poly1305.NewX(encryptionKey)
	if err != nil {
		return nil, err
	}

	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := blob[1+chacha20poly1305.NonceSizeX:]

	plaintext, err := cipher.Open(nil, nonce, ciphertext, nonce)
	if err != nil {
		return nil, err
	}

	return plaintext, nil
}
