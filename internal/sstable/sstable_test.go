package sstable

import (
	"path/filepath"
	"testing"
)

func writeTable(t *testing.T, path string, kvs [][3]interface{}) *Writer {
	t.Helper()
	w, err := NewWriter(path, uint(len(kvs)))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for _, kv := range kvs {
		key := []byte(kv[0].(string))
		value := []byte(kv[1].(string))
		ts := uint64(kv[2].(int))
		if err := w.Add(key, value, ts); err != nil {
			t.Fatalf("Add(%s): %v", key, err)
		}
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return w
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(1))
	writeTable(t, path, [][3]interface{}{
		{"a", "1", 1},
		{"b", "2", 2},
		{"c", "3", 3},
	})

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	res, err := r.Get([]byte("b"))
	if err != nil || !res.Found || string(res.Value) != "2" || res.Timestamp != 2 {
		t.Fatalf("Get(b) = %+v, err %v", res, err)
	}

	res, err = r.Get([]byte("missing"))
	if err != nil || res.Found {
		t.Fatalf("Get(missing) = %+v, want Found=false", res)
	}
}

func TestBloomTrueNegative(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(1))
	writeTable(t, path, [][3]interface{}{{"a", "1", 1}})

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	res, err := r.Get([]byte("definitely-not-present-zzz"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Found {
		t.Fatalf("Get unexpectedly found a key never written")
	}
}

func TestOutOfOrderRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(1))
	w, err := NewWriter(path, 4)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Add([]byte("b"), []byte("1"), 1); err != nil {
		t.Fatalf("Add(b): %v", err)
	}
	if err := w.Add([]byte("a"), []byte("1"), 2); err == nil {
		t.Fatalf("Add(a) after Add(b) should fail")
	}
	_ = w.Abort()
}

func TestScanRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(1))
	writeTable(t, path, [][3]interface{}{
		{"a", "1", 1},
		{"b", "2", 2},
		{"c", "3", 3},
		{"d", "4", 4},
	})

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	got, err := r.Scan([]byte("b"), []byte("d"))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(got) != 2 || string(got[0].Key) != "b" || string(got[1].Key) != "c" {
		t.Fatalf("Scan(b,d) = %v, want [b c]", got)
	}
}

func TestMergeIteratorNewestWins(t *testing.T) {
	dir := t.TempDir()

	path1 := filepath.Join(dir, FileName(1))
	writeTable(t, path1, [][3]interface{}{
		{"a", "old-a", 1},
		{"b", "old-b", 1},
	})

	path2 := filepath.Join(dir, FileName(2))
	writeTable(t, path2, [][3]interface{}{
		{"b", "new-b", 2},
		{"c", "new-c", 2},
	})

	r1, err := OpenReader(path1)
	if err != nil {
		t.Fatalf("OpenReader(1): %v", err)
	}
	defer r1.Close()
	r2, err := OpenReader(path2)
	if err != nil {
		t.Fatalf("OpenReader(2): %v", err)
	}
	defer r2.Close()

	mi := NewMergeIterator([]*Reader{r1, r2})

	var keys, values []string
	for mi.Next() {
		e := mi.Entry()
		keys = append(keys, string(e.Key))
		values = append(values, string(e.Value))
	}

	wantKeys := []string{"a", "b", "c"}
	wantValues := []string{"old-a", "new-b", "new-c"}
	if len(keys) != len(wantKeys) {
		t.Fatalf("merge produced %v, want keys %v", keys, wantKeys)
	}
	for i := range wantKeys {
		if keys[i] != wantKeys[i] || values[i] != wantValues[i] {
			t.Fatalf("merge[%d] = (%s,%s), want (%s,%s)", i, keys[i], values[i], wantKeys[i], wantValues[i])
		}
	}
}

func TestListIDsAndParseID(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, filepath.Join(dir, FileName(3)), [][3]interface{}{{"a", "1", 1}})
	writeTable(t, filepath.Join(dir, FileName(1)), [][3]interface{}{{"a", "1", 1}})

	ids, err := ListIDs(dir)
	if err != nil {
		t.Fatalf("ListIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Fatalf("ListIDs = %v, want [1 3]", ids)
	}
}
