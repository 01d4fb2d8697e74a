package utils

import "testing"

func TestCopyBytesNil(t *testing.T) {
	if got := CopyBytes(nil); got != nil {
		t.Fatalf("CopyBytes(nil) = %v, want nil", got)
	}
}

func TestCopyBytesIndependent(t *testing.T) {
	src := []byte("hello")
	cp := CopyBytes(src)
	cp[0] = 'H'
	if src[0] != 'h' {
		t.Fatalf("CopyBytes did not produce an independent copy")
	}
}
