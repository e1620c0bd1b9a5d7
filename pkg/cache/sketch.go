package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// frequencySketch is a count-min sketch with 4-bit saturating counters and
// periodic halving, the standard TinyLFU frequency estimator (spec §4.6
// "TinyLFU-style" admission policy). It never rejects an increment; on
// reaching resetAt total increments it halves every counter, keeping
// recency bias without unbounded growth.
type frequencySketch struct {
	mu       sync.Mutex
	depth    int
	width    uint64
	table    [][]uint8 // depth rows x width columns, 4-bit counters packed one per byte for simplicity
	seeds    []uint64
	adds     uint64
	resetAt  uint64
}

const sketchDepth = 4

func newFrequencySketch(capacity int) *frequencySketch {
	width := nextPowerOfTwo(uint64(capacity) * 8)
	if width < 16 {
		width = 16
	}
	table := make([][]uint8, sketchDepth)
	for i := range table {
		table[i] = make([]uint8, width)
	}
	return &frequencySketch{
		depth:   sketchDepth,
		width:   width,
		table:   table,
		seeds:   []uint64{0x9e3779b97f4a7c15, 0xc2b2ae3d27d4eb4f, 0x165667b19e3779f9, 0x85ebca77c2b2ae63},
		resetAt: width * 10,
	}
}

func nextPowerOfTwo(n uint64) uint64 {
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

func (s *frequencySketch) indices(key string) [sketchDepth]uint64 {
	var idx [sketchDepth]uint64
	h := xxhash.Sum64String(key)
	for i := 0; i < s.depth; i++ {
		idx[i] = (h ^ s.seeds[i]) % s.width
	}
	return idx
}

// Increment bumps key's estimated frequency, saturating at 15 (4 bits).
func (s *frequencySketch) Increment(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indices(key)
	for i := 0; i < s.depth; i++ {
		if s.table[i][idx[i]] < 15 {
			s.table[i][idx[i]]++
		}
	}
	s.adds++
	if s.adds >= s.resetAt {
		s.halve()
		s.adds = 0
	}
}

// Estimate returns key's approximate frequency: the minimum across rows,
// the count-min sketch's standard estimator.
func (s *frequencySketch) Estimate(key string) uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indices(key)
	min := uint8(15)
	for i := 0; i < s.depth; i++ {
		if v := s.table[i][idx[i]]; v < min {
			min = v
		}
	}
	return min
}

func (s *frequencySketch) halve() {
	for i := range s.table {
		row := s.table[i]
		for j := range row {
			row[j] /= 2
		}
	}
}
