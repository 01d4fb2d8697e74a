// Package utils holds small helpers shared across storage packages.
package utils

// CopyBytes returns a defensive copy of b so callers can't mutate data held
// by a skiplist node, a block buffer, or a cached bloom/index structure.
func CopyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}
