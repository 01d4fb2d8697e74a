package memtable

import "testing"

func TestInsertGetOverwrite(t *testing.T) {
	mt := New(0)
	mt.Insert([]byte("k"), []byte("v1"), 1)
	mt.Insert([]byte("k"), []byte("v2"), 2)

	v, ts, ok := mt.Get([]byte("k"))
	if !ok || string(v) != "v2" || ts != 2 {
		t.Fatalf("Get = (%q, %d, %v), want (v2, 2, true)", v, ts, ok)
	}
}

func TestGetMissing(t *testing.T) {
	mt := New(0)
	if _, _, ok := mt.Get([]byte("missing")); ok {
		t.Fatalf("Get(missing) ok = true, want false")
	}
}

func TestTombstone(t *testing.T) {
	mt := New(0)
	mt.Insert([]byte("k"), []byte("v"), 1)
	mt.Insert([]byte("k"), nil, 2)

	v, ts, ok := mt.Get([]byte("k"))
	if !ok || len(v) != 0 || ts != 2 {
		t.Fatalf("Get tombstone = (%q, %d, %v), want (\"\", 2, true)", v, ts, ok)
	}
}

func TestScanOrderedAndBounded(t *testing.T) {
	mt := New(0)
	keys := []string{"c", "a", "e", "b", "d"}
	for i, k := range keys {
		mt.Insert([]byte(k), []byte("x"), uint64(i+1))
	}

	all := mt.Scan(nil, nil)
	if len(all) != 5 {
		t.Fatalf("Scan(all) len = %d, want 5", len(all))
	}
	for i := 1; i < len(all); i++ {
		if string(all[i-1].Key) >= string(all[i].Key) {
			t.Fatalf("Scan not sorted: %s >= %s", all[i-1].Key, all[i].Key)
		}
	}

	bounded := mt.Scan([]byte("b"), []byte("d"))
	var got []string
	for _, e := range bounded {
		got = append(got, string(e.Key))
	}
	want := []string{"b", "c"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Scan(b,d) = %v, want %v", got, want)
	}
}

func TestScanEmptyRange(t *testing.T) {
	mt := New(0)
	mt.Insert([]byte("a"), []byte("1"), 1)
	if got := mt.Scan([]byte("a"), []byte("a")); len(got) != 0 {
		t.Fatalf("Scan(a,a) = %v, want empty", got)
	}
}

func TestFullSignal(t *testing.T) {
	mt := New(10)
	if mt.Full() {
		t.Fatalf("empty memtable reports Full")
	}
	mt.Insert([]byte("key"), []byte("value"), 1)
	if !mt.Full() {
		t.Fatalf("memtable with size >= budget should report Full")
	}
}
