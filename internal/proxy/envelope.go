package proxy

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// OPK1 batch layout, all integers little endian:
//
//	0-3    magic "OPK1"
//	4-7    resource type in the low byte, remaining bytes unused
//	8-11   item count
//	12-    one u32 offset per item into the payload area, first is 0
//	       payloads, concatenated
const (
	envelopeMagic      = 0x314B504F
	envelopeHeaderSize = 12
)

// ErrBadEnvelope is returned by DecodeEnvelope for malformed input.
var ErrBadEnvelope = errors.New("malformed OPK1 envelope")

// EncodeEnvelope packs items of one resource type into an OPK1 message.
func EncodeEnvelope(kind byte, items [][]byte) []byte {
	header := envelopeHeaderSize + 4*len(items)
	size := header
	for _, it := range items {
		size += len(it)
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:], envelopeMagic)
	binary.LittleEndian.PutUint32(buf[4:], uint32(kind))
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(items)))

	offset := 0
	for i, it := range items {
		binary.LittleEndian.PutUint32(buf[envelopeHeaderSize+4*i:], uint32(offset))
		copy(buf[header+offset:], it)
		offset += len(it)
	}
	return buf
}

// DecodeEnvelope unpacks an OPK1 message. The returned items alias data.
func DecodeEnvelope(data []byte) (byte, [][]byte, error) {
	if len(data) < envelopeHeaderSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrBadEnvelope, len(data))
	}
	if binary.LittleEndian.Uint32(data[0:]) != envelopeMagic {
		return 0, nil, fmt.Errorf("%w: bad magic", ErrBadEnvelope)
	}
	kind := data[4]
	count := int(binary.LittleEndian.Uint32(data[8:]))

	header := envelopeHeaderSize + 4*count
	if count < 0 || header > len(data) {
		return 0, nil, fmt.Errorf("%w: %d items do not fit", ErrBadEnvelope, count)
	}
	payload := data[header:]

	offsets := make([]int, count+1)
	for i := 0; i < count; i++ {
		offsets[i] = int(binary.LittleEndian.Uint32(data[envelopeHeaderSize+4*i:]))
	}
	offsets[count] = len(payload)

	items := make([][]byte, count)
	for i := 0; i < count; i++ {
		start, end := offsets[i], offsets[i+1]
		if start > end || end > len(payload) {
			return 0, nil, fmt.Errorf("%w: item %d out of range", ErrBadEnvelope, i)
		}
		items[i] = payload[start:end]
	}
	return kind, items, nil
}
