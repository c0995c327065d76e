package ptt

import (
	"fmt"
	"sync"

	"github.com/dbehnke/issi-ptt/pkg/protocol"
)

// tsnCount is the size of the TSN space; TSNs wrap modulo this value
const tsnCount = protocol.MaxTSN + 1

// TSNAllocator hands out TSNs per link-type bucket. Each bucket steps by 2,
// skips 0 and wraps modulo 64, so even and odd buckets never collide.
// TSNs still active in a bucket are skipped when the counter wraps.
type TSNAllocator struct {
	last   map[tsnBucket]int
	active map[tsnBucket]map[uint8]bool
	mu     sync.Mutex
}

// NewTSNAllocator creates an allocator with every bucket at its starting value
func NewTSNAllocator() *TSNAllocator {
	return &TSNAllocator{
		last:   make(map[tsnBucket]int),
		active: make(map[tsnBucket]map[uint8]bool),
	}
}

// Next returns a fresh TSN for the link type's bucket
func (a *TSNAllocator) Next(lt LinkType) (uint8, error) {
	b, start, ok := lt.bucket()
	if !ok {
		return 0, fmt.Errorf("unknown link type: %d", lt)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	last, seen := a.last[b]
	if !seen {
		last = start
	}
	active := a.active[b]
	if active == nil {
		active = make(map[uint8]bool)
		a.active[b] = active
	}

	for range tsnCount / 2 {
		next := generateTSN(last)
		last = next
		if !active[uint8(next)] {
			a.last[b] = next
			active[uint8(next)] = true
			return uint8(next), nil
		}
	}
	return 0, fmt.Errorf("%w: bucket of %s", ErrTSNExhausted, lt)
}

// Release marks a TSN inactive so it can be handed out again
func (a *TSNAllocator) Release(lt LinkType, tsn uint8) {
	b, _, ok := lt.bucket()
	if !ok {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.active[b], tsn)
}

// Active returns the number of active TSNs in the link type's bucket
func (a *TSNAllocator) Active(lt LinkType) int {
	b, _, ok := lt.bucket()
	if !ok {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active[b])
}

// generateTSN steps by 2 modulo 64; 0 is reserved for heartbeats
func generateTSN(last int) int {
	next := (last + 2) % tsnCount
	if next == 0 {
		next = (last + 4) % tsnCount
	}
	return next
}
