package protocol

import (
	"bytes"
	"testing"

	"github.com/cityhall/cityhall/internal/entry"
)

func roundTrip(t *testing.T, msg interface{}) interface{} {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteFrame(&buf, msg); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	return got
}

func TestHandshakeRoundTrip(t *testing.T) {
	got := roundTrip(t, Handshake{ReplicaID: "r1", LastSyncedSegment: 7})
	hs, ok := got.(Handshake)
	if !ok || hs.ReplicaID != "r1" || hs.LastSyncedSegment != 7 {
		t.Fatalf("got %#v", got)
	}
}

func TestListSegmentsRoundTrip(t *testing.T) {
	got := roundTrip(t, ListSegments{})
	if _, ok := got.(ListSegments); !ok {
		t.Fatalf("got %#v, want ListSegments", got)
	}
}

func TestSegmentListRoundTrip(t *testing.T) {
	got := roundTrip(t, SegmentList{Segments: []int{1, 2, 3}, CurrentSegment: 4})
	sl, ok := got.(SegmentList)
	if !ok || len(sl.Segments) != 3 || sl.CurrentSegment != 4 {
		t.Fatalf("got %#v", got)
	}
}

func TestSegmentDataRoundTrip(t *testing.T) {
	entries := []entry.Entry{
		{Key: []byte("a"), Value: []byte("1"), Timestamp: 10, Op: entry.Put},
		{Key: []byte("b"), Value: nil, Timestamp: 11, Op: entry.Delete},
	}
	got := roundTrip(t, SegmentData{SegmentNumber: 5, Entries: entries})
	sd, ok := got.(SegmentData)
	if !ok || sd.SegmentNumber != 5 || len(sd.Entries) != 2 {
		t.Fatalf("got %#v", got)
	}
	if string(sd.Entries[0].Key) != "a" || sd.Entries[0].Timestamp != 10 {
		t.Fatalf("entry[0] = %+v", sd.Entries[0])
	}
	if sd.Entries[1].Op != entry.Delete {
		t.Fatalf("entry[1].Op = %v, want Delete", sd.Entries[1].Op)
	}
}

func TestSegmentNotFoundRoundTrip(t *testing.T) {
	got := roundTrip(t, SegmentNotFound{SegmentNumber: 9})
	snf, ok := got.(SegmentNotFound)
	if !ok || snf.SegmentNumber != 9 {
		t.Fatalf("got %#v", got)
	}
}

func TestErrorRoundTrip(t *testing.T) {
	got := roundTrip(t, Error{Message: "boom"})
	e, ok := got.(Error)
	if !ok || e.Message != "boom" {
		t.Fatalf("got %#v", got)
	}
}

func TestFrameTooLargeRejected(t *testing.T) {
	var buf bytes.Buffer
	big := make([]byte, MaxFrameSize+1)
	if err := WriteFrame(&buf, Error{Message: string(big)}); err == nil {
		t.Fatalf("WriteFrame should reject an oversized frame")
	}
}

func TestReadFrameRejectsDeclaredOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := make([]byte, 4)
	// Declare a length far beyond MaxFrameSize without supplying the bytes.
	for i := range lenBuf {
		lenBuf[i] = 0xff
	}
	buf.Write(lenBuf)
	if _, err := ReadFrame(&buf); err != ErrFrameTooLarge {
		t.Fatalf("ReadFrame err = %v, want ErrFrameTooLarge", err)
	}
}
