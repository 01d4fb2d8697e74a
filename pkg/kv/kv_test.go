package kv

import "testing"

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open("", Options{}); err == nil {
		t.Fatalf("Open(\"\") should fail")
	}
}

func TestPutGetDelete(t *testing.T) {
	db, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if err := db.Put("a", "1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, err := db.Get("a")
	if err != nil || v != "1" {
		t.Fatalf("Get(a) = (%q, %v), want (1, nil)", v, err)
	}

	if err := db.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := db.Get("a"); err != ErrNotFound {
		t.Fatalf("Get(a) after delete = %v, want ErrNotFound", err)
	}
}

func TestGetMissingIsErrNotFound(t *testing.T) {
	db, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := db.Get("nope"); err != ErrNotFound {
		t.Fatalf("Get(nope) = %v, want ErrNotFound", err)
	}
}

func TestOperationsAfterCloseReturnErrClosed(t *testing.T) {
	db, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := db.Put("a", "1"); err != ErrClosed {
		t.Fatalf("Put after Close = %v, want ErrClosed", err)
	}
	if _, err := db.Get("a"); err != ErrClosed {
		t.Fatalf("Get after Close = %v, want ErrClosed", err)
	}
	if err := db.Delete("a"); err != ErrClosed {
		t.Fatalf("Delete after Close = %v, want ErrClosed", err)
	}
	if err := db.Close(); err != ErrClosed {
		t.Fatalf("second Close = %v, want ErrClosed", err)
	}
}

func TestScanOrdersKeys(t *testing.T) {
	db, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	for _, k := range []string{"c", "a", "b"} {
		if err := db.Put(k, "x"); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}

	entries, err := db.Scan("", "")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(entries) != 3 || entries[0].Key != "a" || entries[2].Key != "c" {
		t.Fatalf("Scan = %+v", entries)
	}
}
