// Package protocol implements the length-prefixed, tagged-union wire
// format used between a leader's replication server and replica agents
// over a plain TCP connection.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cityhall/cityhall/internal/entry"
)

// MaxFrameSize is the largest accepted frame; larger frames are treated
// as corruption and the connection is closed.
const MaxFrameSize = 100 << 20

// ErrFrameTooLarge is returned by ReadFrame when the declared length
// exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// ErrUnknownTag is returned when a payload's leading tag byte doesn't
// match any known message type.
var ErrUnknownTag = errors.New("protocol: unknown message tag")

// Message tags form the tagged union discriminator, one byte at the
// front of every frame payload.
const (
	tagHandshake byte = iota + 1
	tagListSegments
	tagGetSegment
	tagHandshakeAck
	tagSegmentList
	tagSegmentData
	tagSegmentNotFound
	tagError
)

// Handshake must be the first message sent on a connection.
type Handshake struct {
	ReplicaID         string
	LastSyncedSegment int
}

// ListSegments requests the leader's closed segment inventory.
type ListSegments struct{}

// GetSegment requests the entries of one closed segment.
type GetSegment struct {
	SegmentNumber int
}

// HandshakeAck is sent exactly once per connection, immediately after Handshake.
type HandshakeAck struct {
	LeaderID       string
	CurrentSegment int
}

// SegmentList reports closed segments ascending plus the active segment number.
type SegmentList struct {
	Segments       []int
	CurrentSegment int
}

// SegmentData carries one closed segment's entries, in stored order.
type SegmentData struct {
	SegmentNumber int
	Entries       []entry.Entry
}

// SegmentNotFound reports that a requested segment is active, deleted, or
// never existed.
type SegmentNotFound struct {
	SegmentNumber int
}

// Error reports a protocol violation or internal failure.
type Error struct {
	Message string
}

// WriteFrame encodes msg as `length(u32 LE) | tag(u8) | body` and writes it to w.
func WriteFrame(w io.Writer, msg interface{}) error {
	body, tag, err := encodeBody(msg)
	if err != nil {
		return err
	}

	payload := make([]byte, 1+len(body))
	payload[0] = tag
	copy(payload[1:], body)

	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one frame from r and decodes its tagged payload into a
// concrete message type (one of the types declared in this package).
func ReadFrame(r io.Reader) (interface{}, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, fmt.Errorf("protocol: empty frame")
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	return decodeBody(payload[0], payload[1:])
}

func encodeBody(msg interface{}) ([]byte, byte, error) {
	var buf []byte
	switch m := msg.(type) {
	case Handshake:
		buf = appendString(nil, m.ReplicaID)
		buf = appendInt64(buf, int64(m.LastSyncedSegment))
		return buf, tagHandshake, nil
	case ListSegments:
		return nil, tagListSegments, nil
	case GetSegment:
		buf = appendInt64(nil, int64(m.SegmentNumber))
		return buf, tagGetSegment, nil
	case HandshakeAck:
		buf = appendString(nil, m.LeaderID)
		buf = appendInt64(buf, int64(m.CurrentSegment))
		return buf, tagHandshakeAck, nil
	case SegmentList:
		buf = appendInt64(nil, int64(len(m.Segments)))
		for _, s := range m.Segments {
			buf = appendInt64(buf, int64(s))
		}
		buf = appendInt64(buf, int64(m.CurrentSegment))
		return buf, tagSegmentList, nil
	case SegmentData:
		buf = appendInt64(nil, int64(m.SegmentNumber))
		buf = appendInt64(buf, int64(len(m.Entries)))
		for _, e := range m.Entries {
			buf = appendString(buf, string(e.Key))
			buf = appendString(buf, string(e.Value))
			buf = appendInt64(buf, int64(e.Timestamp))
			buf = append(buf, byte(e.Op))
		}
		return buf, tagSegmentData, nil
	case SegmentNotFound:
		buf = appendInt64(nil, int64(m.SegmentNumber))
		return buf, tagSegmentNotFound, nil
	case Error:
		buf = appendString(nil, m.Message)
		return buf, tagError, nil
	default:
		return nil, 0, fmt.Errorf("protocol: unsupported message type %T", msg)
	}
}

func decodeBody(tag byte, body []byte) (interface{}, error) {
	r := &cursor{data: body}
	switch tag {
	case tagHandshake:
		id, err := r.readString()
		if err != nil {
			return nil, err
		}
		seg, err := r.readInt64()
		if err != nil {
			return nil, err
		}
		return Handshake{ReplicaID: id, LastSyncedSegment: int(seg)}, nil
	case tagListSegments:
		return ListSegments{}, nil
	case tagGetSegment:
		seg, err := r.readInt64()
		if err != nil {
			return nil, err
		}
		return GetSegment{SegmentNumber: int(seg)}, nil
	case tagHandshakeAck:
		id, err := r.readString()
		if err != nil {
			return nil, err
		}
		seg, err := r.readInt64()
		if err != nil {
			return nil, err
		}
		return HandshakeAck{LeaderID: id, CurrentSegment: int(seg)}, nil
	case tagSegmentList:
		n, err := r.readInt64()
		if err != nil {
			return nil, err
		}
		segs := make([]int, n)
		for i := range segs {
			v, err := r.readInt64()
			if err != nil {
				return nil, err
			}
			segs[i] = int(v)
		}
		cur, err := r.readInt64()
		if err != nil {
			return nil, err
		}
		return SegmentList{Segments: segs, CurrentSegment: int(cur)}, nil
	case tagSegmentData:
		segNum, err := r.readInt64()
		if err != nil {
			return nil, err
		}
		n, err := r.readInt64()
		if err != nil {
			return nil, err
		}
		entries := make([]entry.Entry, n)
		for i := range entries {
			key, err := r.readString()
			if err != nil {
				return nil, err
			}
			value, err := r.readString()
			if err != nil {
				return nil, err
			}
			ts, err := r.readInt64()
			if err != nil {
				return nil, err
			}
			op, err := r.readByte()
			if err != nil {
				return nil, err
			}
			entries[i] = entry.Entry{Key: []byte(key), Value: []byte(value), Timestamp: uint64(ts), Op: entry.Op(op)}
		}
		return SegmentData{SegmentNumber: int(segNum), Entries: entries}, nil
	case tagSegmentNotFound:
		seg, err := r.readInt64()
		if err != nil {
			return nil, err
		}
		return SegmentNotFound{SegmentNumber: int(seg)}, nil
	case tagError:
		msg, err := r.readString()
		if err != nil {
			return nil, err
		}
		return Error{Message: msg}, nil
	default:
		return nil, ErrUnknownTag
	}
}

func appendInt64(buf []byte, v int64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendInt64(buf, int64(len(s)))
	return append(buf, s...)
}

// cursor is a minimal forward-only reader over an in-memory payload.
type cursor struct {
	data []byte
	pos  int
}

func (c *cursor) readInt64() (int64, error) {
	if c.pos+8 > len(c.data) {
		return 0, fmt.Errorf("protocol: truncated int64")
	}
	v := int64(binary.LittleEndian.Uint64(c.data[c.pos : c.pos+8]))
	c.pos += 8
	return v, nil
}

func (c *cursor) readByte() (byte, error) {
	if c.pos+1 > len(c.data) {
		return 0, fmt.Errorf("protocol: truncated byte")
	}
	b := c.data[c.pos]
	c.pos++
	return b, nil
}

func (c *cursor) readString() (string, error) {
	n, err := c.readInt64()
	if err != nil {
		return "", err
	}
	if n < 0 || c.pos+int(n) > len(c.data) {
		return "", fmt.Errorf("protocol: truncated string")
	}
	s := string(c.data[c.pos : c.pos+int(n)])
	c.pos += int(n)
	return s, nil
}
