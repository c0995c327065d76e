package testhelpers

import "sync"

// RecordingCapturer keeps every packet passed to CapturePacket. Instantiated
// with *ptt.CapturedPacket it satisfies ptt.Capturer.
type RecordingCapturer[T any] struct {
	mu      sync.Mutex
	packets []T
}

// CapturePacket records pkt
func (r *RecordingCapturer[T]) CapturePacket(pkt T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, pkt)
}

// Packets returns a copy of everything recorded so far
func (r *RecordingCapturer[T]) Packets() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.packets...)
}

// Count returns how many recorded packets match fn
func (r *RecordingCapturer[T]) Count(fn func(T) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.packets {
		if fn(p) {
			n++
		}
	}
	return n
}

// Reset discards every recorded packet
func (r *RecordingCapturer[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = nil
}
