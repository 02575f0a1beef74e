// Package shardhash decodes OTG pointer files (materials_ptrs,
// geometry_ptrs) into the shard prefix/suffix pairs that address shared
// assets on the CDN.
//
// Layout, little-endian:
//
//	[byteStride:u16][version:u16][count:u16][reserved:u16] ... pad to byteStride
//	count records of byteStride bytes each
package shardhash

import (
	"encoding/binary"
	"encoding/hex"

	"go.uber.org/zap"
)

const headerSize = 8

// Entry is a hash split into a directory prefix and a file suffix.
type Entry struct {
	Prefix string
	Suffix string
}

// Path returns prefix/suffix.
func (e Entry) Path() string {
	return e.Prefix + "/" + e.Suffix
}

// Empty reports whether either half is empty (a sentinel slot).
func (e Entry) Empty() bool {
	return e.Prefix == "" || e.Suffix == ""
}

// Decoder decodes pointer files. The zero value logs nothing.
type Decoder struct {
	Logger *zap.Logger
}

func (d Decoder) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// Decode returns one entry per record. Malformed input is logged and
// yields an empty list rather than an error.
func (d Decoder) Decode(content []byte, sharding int) []Entry {
	if len(content) < headerSize {
		d.logger().Warn("pointer file too short", zap.Int("bytes", len(content)))
		return nil
	}

	stride := int(binary.LittleEndian.Uint16(content[0:2]))
	if stride == 0 || stride%4 != 0 {
		d.logger().Warn("pointer file stride is not a multiple of 4", zap.Int("stride", stride))
		return nil
	}
	count := int(binary.LittleEndian.Uint16(content[4:6]))

	entries := make([]Entry, 0, count)
	for i := 1; i <= count; i++ {
		start := i * stride
		end := start + stride
		if end > len(content) {
			d.logger().Warn("pointer file truncated",
				zap.Int("expected", count),
				zap.Int("decoded", len(entries)))
			break
		}
		entries = append(entries, Split(hex.EncodeToString(content[start:end]), sharding))
	}
	return entries
}

// Decode decodes with a no-op logger.
func Decode(content []byte, sharding int) []Entry {
	return Decoder{}.Decode(content, sharding)
}

// Split cuts a hex hash at sharding, clamped to the hash length.
func Split(hash string, sharding int) Entry {
	if sharding < 0 {
		sharding = 0
	}
	if sharding > len(hash) {
		sharding = len(hash)
	}
	return Entry{Prefix: hash[:sharding], Suffix: hash[sharding:]}
}

// NonEmpty drops entries with an empty prefix or suffix.
func NonEmpty(entries []Entry) []Entry {
	out := entries[:0:0]
	for _, e := range entries {
		if !e.Empty() {
			out = append(out, e)
		}
	}
	return out
}
