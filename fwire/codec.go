package fwire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwire"
)

// writeElement is a one-stop shop to write the big endian representation of
// any element which is to be serialized for the wire protocol.
func writeElement(w io.Writer, element interface{}) error {
	switch e := element.(type) {
	case uint8:
		var b [1]byte
		b[0] = e
		_, err := w.Write(b[:])
		return err

	case bool:
		var b [1]byte
		if e {
			b[0] = 1
		}
		_, err := w.Write(b[:])
		return err

	case uint16:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], e)
		_, err := w.Write(b[:])
		return err

	case uint32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], e)
		_, err := w.Write(b[:])
		return err

	case uint64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], e)
		_, err := w.Write(b[:])
		return err

	case int64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(e))
		_, err := w.Write(b[:])
		return err

	case btcutil.Amount:
		return writeElement(w, uint64(e))

	case lnwire.MilliSatoshi:
		return writeElement(w, uint64(e))

	case lnwire.ChannelID:
		_, err := w.Write(e[:])
		return err

	case [32]byte:
		_, err := w.Write(e[:])
		return err

	case chainhash.Hash:
		_, err := w.Write(e[:])
		return err

	case *btcec.PublicKey:
		if e == nil {
			return fmt.Errorf("cannot write nil pubkey")
		}
		_, err := w.Write(e.SerializeCompressed())
		return err

	case wire.OutPoint:
		if err := writeElement(w, chainhash.Hash(e.Hash)); err != nil {
			return err
		}
		return writeElement(w, e.Index)

	case []byte:
		if len(e) > 65535 {
			return fmt.Errorf("byte slice too long: %v", len(e))
		}
		if err := writeElement(w, uint16(len(e))); err != nil {
			return err
		}
		_, err := w.Write(e)
		return err

	default:
		return fmt.Errorf("unknown type in writeElement: %T", e)
	}
}

// writeElements is a helper function that writes each element in the variadic
// arguments to the passed io.Writer.
func writeElements(w io.Writer, elements ...interface{}) error {
	for _, element := range elements {
		if err := writeElement(w, element); err != nil {
			return err
		}
	}

	return nil
}

// readElement reads the next sequence of bytes from r using big endian,
// storing the resulting value in the passed pointer.
func readElement(r io.Reader, element interface{}) error {
	switch e := element.(type) {
	case *uint8:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = b[0]

	case *bool:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = b[0] != 0

	case *uint16:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.BigEndian.Uint16(b[:])

	case *uint32:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.BigEndian.Uint32(b[:])

	case *uint64:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.BigEndian.Uint64(b[:])

	case *int64:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = int64(binary.BigEndian.Uint64(b[:]))

	case *btcutil.Amount:
		var a uint64
		if err := readElement(r, &a); err != nil {
			return err
		}
		*e = btcutil.Amount(a)

	case *lnwire.MilliSatoshi:
		var a uint64
		if err := readElement(r, &a); err != nil {
			return err
		}
		*e = lnwire.MilliSatoshi(a)

	case *lnwire.ChannelID:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *[32]byte:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *chainhash.Hash:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case **btcec.PublicKey:
		var b [btcec.PubKeyBytesLenCompressed]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		pub, err := btcec.ParsePubKey(b[:])
		if err != nil {
			return err
		}
		*e = pub

	case *wire.OutPoint:
		var h chainhash.Hash
		if err := readElement(r, &h); err != nil {
			return err
		}
		var index uint32
		if err := readElement(r, &index); err != nil {
			return err
		}
		*e = wire.OutPoint{Hash: h, Index: index}

	case *[]byte:
		var l uint16
		if err := readElement(r, &l); err != nil {
			return err
		}
		// A zero length decodes to nil, so byte fields left unset
		// before encoding round-trip unchanged.
		if l == 0 {
			*e = nil
			break
		}
		b := make([]byte, l)
		if _, err := io.ReadFull(r, b); err != nil {
			return err
		}
		*e = b

	default:
		return fmt.Errorf("unknown type in readElement: %T", e)
	}

	return nil
}

// readElements deserializes a variable number of elements into the passed
// io.Reader, with each element being deserialized according to the
// readElement function.
func readElements(r io.Reader, elements ...interface{}) error {
	for _, element := range elements {
		if err := readElement(r, element); err != nil {
			return err
		}
	}

	return nil
}
