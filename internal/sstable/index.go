package sstable

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/cityhall/cityhall/internal/utils"
)

// MagicNumber identifies a valid CityHall SSTable file footer.
const MagicNumber uint64 = 0x43495479484C4C // "CITyHLL"

// ErrCorruptIndex/ErrCorruptFooter indicate the tail of an SSTable file
// could not be parsed; the caller (engine.Open) skips the file with a
// warning.
var (
	ErrCorruptIndex  = errors.New("sstable: corrupt index")
	ErrCorruptFooter = errors.New("sstable: corrupt footer")
)

// indexEntry maps a block's first key to its byte offset and length.
type indexEntry struct {
	firstKey []byte
	offset   int64
	length   int64
}

// blockIndex is a sparse, fully in-memory index over an SSTable's blocks.
type blockIndex struct {
	entries []indexEntry
}

func (bi *blockIndex) add(firstKey []byte, offset, length int64) {
	bi.entries = append(bi.entries, indexEntry{firstKey: utils.CopyBytes(firstKey), offset: offset, length: length})
}

// findBlock returns the index of the last block whose first key is <= key,
// or -1 if key precedes every block's first key.
func (bi *blockIndex) findBlock(key []byte) int {
	left, right := 0, len(bi.entries)-1
	result := -1
	for left <= right {
		mid := (left + right) / 2
		if bytes.Compare(bi.entries[mid].firstKey, key) <= 0 {
			result = mid
			left = mid + 1
		} else {
			right = mid - 1
		}
	}
	return result
}

// serialize encodes the index as: count(u32) | [keyLen(u32) key offset(i64) length(i64)]...
func (bi *blockIndex) serialize() []byte {
	var buf bytes.Buffer
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(bi.entries)))
	buf.Write(tmp[:])

	for _, e := range bi.entries {
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(e.firstKey)))
		buf.Write(tmp[:])
		buf.Write(e.firstKey)

		var off [8]byte
		binary.LittleEndian.PutUint64(off[:], uint64(e.offset))
		buf.Write(off[:])
		binary.LittleEndian.PutUint64(off[:], uint64(e.length))
		buf.Write(off[:])
	}
	return buf.Bytes()
}

func deserializeIndex(data []byte) (*blockIndex, error) {
	if len(data) < 4 {
		return nil, ErrCorruptIndex
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	pos := 4

	idx := &blockIndex{entries: make([]indexEntry, 0, count)}
	for i := uint32(0); i < count; i++ {
		if pos+4 > len(data) {
			return nil, ErrCorruptIndex
		}
		keyLen := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if pos+keyLen+16 > len(data) {
			return nil, ErrCorruptIndex
		}
		key := make([]byte, keyLen)
		copy(key, data[pos:pos+keyLen])
		pos += keyLen

		offset := int64(binary.LittleEndian.Uint64(data[pos : pos+8]))
		pos += 8
		length := int64(binary.LittleEndian.Uint64(data[pos : pos+8]))
		pos += 8

		idx.entries = append(idx.entries, indexEntry{firstKey: key, offset: offset, length: length})
	}
	return idx, nil
}

// footer is the fixed-size trailer of an SSTable file.
type footer struct {
	bloomOffset int64
	bloomSize   int64
	indexOffset int64
	indexSize   int64
	entryCount  int64
	magic       uint64
}

const footerSize = 8*5 + 8 // five int64 fields + magic

func (f footer) serialize() []byte {
	buf := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(f.bloomOffset))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(f.bloomSize))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(f.indexOffset))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(f.indexSize))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(f.entryCount))
	binary.LittleEndian.PutUint64(buf[40:48], f.magic)
	return buf
}

func deserializeFooter(data []byte) (footer, error) {
	if len(data) < footerSize {
		return footer{}, ErrCorruptFooter
	}
	f := footer{
		bloomOffset: int64(binary.LittleEndian.Uint64(data[0:8])),
		bloomSize:   int64(binary.LittleEndian.Uint64(data[8:16])),
		indexOffset: int64(binary.LittleEndian.Uint64(data[16:24])),
		indexSize:   int64(binary.LittleEndian.Uint64(data[24:32])),
		entryCount:  int64(binary.LittleEndian.Uint64(data[32:40])),
		magic:       binary.LittleEndian.Uint64(data[40:48]),
	}
	if f.magic != MagicNumber {
		return footer{}, ErrCorruptFooter
	}
	return f, nil
}
