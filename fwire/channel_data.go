package fwire

import (
	"bytes"

	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/tlv"
)

// ChannelDataRecordType is the TLV type of the encrypted channel backup that
// rides in the extra data of channel_reestablish.
const ChannelDataRecordType tlv.Type = 1

// EncodeChannelData packs an encrypted channel backup blob into the TLV
// extension of a channel_reestablish message.
func EncodeChannelData(blob []byte) (lnwire.ExtraOpaqueData, error) {
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(ChannelDataRecordType, &blob),
	)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}

	return lnwire.ExtraOpaqueData(b.Bytes()), nil
}

// DecodeChannelData extracts the encrypted channel backup blob from the TLV
// extension of a channel_reestablish message. The second return value is
// false if the peer did not include a backup.
func DecodeChannelData(extra lnwire.ExtraOpaqueData) ([]byte, bool, error) {
	if len(extra) == 0 {
		return nil, false, nil
	}

	var blob []byte
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(ChannelDataRecordType, &blob),
	)
	if err != nil {
		return nil, false, err
	}

	parsedTypes, err := stream.DecodeWithParsedTypes(
		bytes.NewReader(extra),
	)
	if err != nil {
		return nil, false, err
	}

	if _, ok := parsedTypes[ChannelDataRecordType]; !ok {
		return nil, false, nil
	}

	return blob, true, nil
}
