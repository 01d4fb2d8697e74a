package sstable

import (
	"io"

	"github.com/bits-and-blooms/bloom/v3"
)

// BloomFilter answers "might key be in this SSTable" with no false
// negatives. It is a thin wrapper over the pack's bloom
// library (github.com/bits-and-blooms/bloom/v3), serialized verbatim into
// the SSTable tail exactly as PriyanshuSharma23-FlashLog's sst writer does.
type BloomFilter struct {
	bf *bloom.BloomFilter
}

// NewBloomFilter builds a filter sized for n expected inserts at false
// positive rate fpRate (e.g. 0.01 for 1%).
func NewBloomFilter(n uint, fpRate float64) *BloomFilter {
	return &BloomFilter{bf: bloom.NewWithEstimates(n, fpRate)}
}

// Add inserts key into the filter.
func (b *BloomFilter) Add(key []byte) {
	b.bf.Add(key)
}

// MayContain returns false only when key is definitely absent.
func (b *BloomFilter) MayContain(key []byte) bool {
	return b.bf.Test(key)
}

// WriteTo serializes the filter, returning the number of bytes written.
func (b *BloomFilter) WriteTo(w io.Writer) (int64, error) {
	return b.bf.WriteTo(w)
}

// ReadBloomFilter deserializes a filter previously written by WriteTo.
func ReadBloomFilter(r io.Reader) (*BloomFilter, error) {
	bf := &bloom.BloomFilter{}
	if _, err := bf.ReadFrom(r); err != nil {
		return nil, err
	}
	return &BloomFilter{bf: bf}, nil
}
