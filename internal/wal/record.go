package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/cityhall/cityhall/internal/entry"
)

// Record layout (all integers little-endian):
//
//	checksum(u32) | data_len(u16) | op_type(u8) | timestamp(u64) | key_len(u16) | key | value_len(u32) | value
//
// checksum is CRC32(IEEE) over everything from data_len through the end of
// value. data_len is the byte length of everything from op_type through the
// end of value, and must fit in a u16 — it bounds the whole record and is
// the corruption guard the reader checks first.
const (
	fixedHeaderSize = 4 + 2 + 1 + 8 + 2 // checksum, data_len, op_type, timestamp, key_len
	maxDataLen      = 65535
)

// ErrChecksum indicates a WAL record's stored checksum didn't match its
// recomputed one: the tail of the segment is torn.
var ErrChecksum = errors.New("wal: checksum mismatch")

// ErrRecordTooLarge indicates a record's encoded data_len would overflow
// the u16 bound the wire format allows.
var ErrRecordTooLarge = errors.New("wal: record exceeds maximum size")

// ErrInvalidKeyLen indicates a key longer than entry.MaxKeyLen.
var ErrInvalidKeyLen = errors.New("wal: key exceeds maximum length")

// encodeRecord serializes e into the WAL wire format described above.
func encodeRecord(e entry.Entry) ([]byte, error) {
	if len(e.Key) > entry.MaxKeyLen {
		return nil, ErrInvalidKeyLen
	}

	dataLen := 1 + 8 + 2 + len(e.Key) + 4 + len(e.Value)
	if dataLen > maxDataLen {
		return nil, ErrRecordTooLarge
	}

	total := 4 + 2 + dataLen
	buf := make([]byte, total)

	binary.LittleEndian.PutUint16(buf[4:6], uint16(dataLen))
	buf[6] = byte(e.Op)
	binary.LittleEndian.PutUint64(buf[7:15], e.Timestamp)
	binary.LittleEndian.PutUint16(buf[15:17], uint16(len(e.Key)))
	copy(buf[17:17+len(e.Key)], e.Key)

	vOff := 17 + len(e.Key)
	binary.LittleEndian.PutUint32(buf[vOff:vOff+4], uint32(len(e.Value)))
	copy(buf[vOff+4:], e.Value)

	sum := crc32.ChecksumIEEE(buf[4:])
	binary.LittleEndian.PutUint32(buf[0:4], sum)

	return buf, nil
}

// decodeRecord reads a single record from r. It returns io.EOF only when
// zero bytes could be read at a record boundary (clean end of file).
// Any other read failure, or a checksum mismatch, is returned as
// ErrChecksum: callers treat that as a torn tail and stop replaying the
// segment.
func decodeRecord(r *bufio.Reader) (entry.Entry, error) {
	head := make([]byte, fixedHeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		if err == io.EOF {
			return entry.Entry{}, io.EOF
		}
		return entry.Entry{}, ErrChecksum
	}

	checksum := binary.LittleEndian.Uint32(head[0:4])
	dataLen := binary.LittleEndian.Uint16(head[4:6])
	if dataLen > maxDataLen || int(dataLen) < 1+8+2+4 {
		return entry.Entry{}, ErrChecksum
	}
	opType := head[6]
	timestamp := binary.LittleEndian.Uint64(head[7:15])
	keyLen := binary.LittleEndian.Uint16(head[15:17])

	remaining := int(dataLen) - (1 + 8 + 2)
	if int(keyLen)+4 > remaining {
		return entry.Entry{}, ErrChecksum
	}

	rest := make([]byte, remaining)
	if _, err := io.ReadFull(r, rest); err != nil {
		return entry.Entry{}, ErrChecksum
	}

	key := rest[:keyLen]
	valueLen := binary.LittleEndian.Uint32(rest[keyLen : keyLen+4])
	if int(valueLen) != len(rest)-int(keyLen)-4 {
		return entry.Entry{}, ErrChecksum
	}
	value := rest[int(keyLen)+4:]

	sum := crc32.ChecksumIEEE(head[4:])
	sum = crc32.Update(sum, crc32.IEEETable, rest)
	if sum != checksum {
		return entry.Entry{}, ErrChecksum
	}

	op := entry.Op(opType)
	if op != entry.Put && op != entry.Delete {
		return entry.Entry{}, fmt.Errorf("wal: %w: invalid op byte %d", ErrChecksum, opType)
	}

	return entry.Entry{
		Key:       key,
		Value:     value,
		Timestamp: timestamp,
		Op:        op,
	}, nil
}
