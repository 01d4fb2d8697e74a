package sstable

import (
	"encoding/binary"
	"errors"

	"github.com/cityhall/cityhall/internal/entry"
	"github.com/cityhall/cityhall/internal/utils"
)

// DefaultBlockSize is the target size a data block is flushed at
// (16 KiB default). A block builder flushes after the record that
// crosses this threshold, so no entry straddles two blocks.
const DefaultBlockSize = 16 * 1024

// ErrCorruptBlock indicates a block's bytes could not be decoded.
var ErrCorruptBlock = errors.New("sstable: corrupt block")

// blockBuilder accumulates (key, value, timestamp) records in sorted-order
// append form: key_len(u16) | key | ts(u64) | value_len(u32) | value.
type blockBuilder struct {
	buf []byte
}

func newBlockBuilder() *blockBuilder {
	return &blockBuilder{}
}

func (b *blockBuilder) add(key, value []byte, ts uint64) {
	rec := make([]byte, 2+len(key)+8+4+len(value))
	binary.LittleEndian.PutUint16(rec[0:2], uint16(len(key)))
	copy(rec[2:2+len(key)], key)
	off := 2 + len(key)
	binary.LittleEndian.PutUint64(rec[off:off+8], ts)
	off += 8
	binary.LittleEndian.PutUint32(rec[off:off+4], uint32(len(value)))
	off += 4
	copy(rec[off:], value)
	b.buf = append(b.buf, rec...)
}

func (b *blockBuilder) size() int    { return len(b.buf) }
func (b *blockBuilder) empty() bool  { return len(b.buf) == 0 }
func (b *blockBuilder) bytes() []byte { return b.buf }
func (b *blockBuilder) reset()       { b.buf = b.buf[:0] }

// decodeBlock materializes every record in a raw block into entries, in
// file order (which is key-sorted, per the writer's invariant).
func decodeBlock(data []byte) ([]entry.Entry, error) {
	var out []entry.Entry
	pos := 0
	for pos < len(data) {
		if pos+2 > len(data) {
			return nil, ErrCorruptBlock
		}
		keyLen := int(binary.LittleEndian.Uint16(data[pos : pos+2]))
		pos += 2
		if pos+keyLen+8+4 > len(data) {
			return nil, ErrCorruptBlock
		}
		key := data[pos : pos+keyLen]
		pos += keyLen
		ts := binary.LittleEndian.Uint64(data[pos : pos+8])
		pos += 8
		valLen := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if pos+valLen > len(data) {
			return nil, ErrCorruptBlock
		}
		value := data[pos : pos+valLen]
		pos += valLen

		out = append(out, entry.Entry{
			Key:       utils.CopyBytes(key),
			Value:     utils.CopyBytes(value),
			Timestamp: ts,
			Op:        entry.OpFor(value),
		})
	}
	return out, nil
}
