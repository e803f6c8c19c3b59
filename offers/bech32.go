package offers

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// charset is the bech32 character set.
const charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var (
	// ErrInvalidBech32 is returned on malformed bech32-without-checksum
	// strings.
	ErrInvalidBech32 = errors.New("invalid bech32 string")
)

// EncodeNoChecksum encodes data as bech32 WITHOUT the 6-character checksum.
// Offers use this variant: they are long-lived identifiers, and a checksum
// would break every time a printable medium re-wraps them.
func EncodeNoChecksum(hrp string, data []byte) (string, error) {
	converted, err := bech32.ConvertBits(data, 8, 5, true)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(hrp)
	b.WriteByte('1')
	for _, v := range converted {
		if int(v) >= len(charset) {
			return "", fmt.Errorf("%w: group %d out of range",
				ErrInvalidBech32, v)
		}
		b.WriteByte(charset[v])
	}

	return b.String(), nil
}

// DecodeNoChecksum decodes a bech32-without-checksum string, tolerating
// uppercase and the `+` line continuations the offers format allows.
func DecodeNoChecksum(encoded string) (string, []byte, error) {
	// Strip whitespace-joined continuations.
	encoded = strings.ReplaceAll(encoded, "+", "")
	encoded = strings.Join(strings.Fields(encoded), "")

	if encoded != strings.ToLower(encoded) &&
		encoded != strings.ToUpper(encoded) {

		return "", nil, fmt.Errorf("%w: mixed case",
			ErrInvalidBech32)
	}
	encoded = strings.ToLower(encoded)

	separator := strings.LastIndexByte(encoded, '1')
	if separator < 1 || separator == len(encoded)-1 {
		return "", nil, fmt.Errorf("%w: missing separator",
			ErrInvalidBech32)
	}

	hrp := encoded[:separator]
	groups := make([]byte, 0, len(encoded)-separator-1)
	for _, c := range encoded[separator+1:] {
		index := strings.IndexRune(charset, c)
		if index < 0 {
			return "", nil, fmt.Errorf("%w: bad character %q",
				ErrInvalidBech32, c)
		}
		groups = append(groups, byte(index))
	}

	data, err := bech32.ConvertBits(groups, 5, 8, false)
	if err != nil {
		return "", nil, err
	}

	return hrp, data, nil
}
