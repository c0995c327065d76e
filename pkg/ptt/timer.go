package ptt

import (
	"strings"
	"sync"
	"time"
)

// TimerManager manages keyed one-shot and repeating timers for one session.
// Callbacks are handed to the run function, which serializes them with the
// rest of the session. A callback whose timer was cancelled or replaced in
// the meantime is dropped.
type TimerManager struct {
	timers map[string]*timerEntry
	nextID uint64
	run    func(fn func())
	closed bool
	mu     sync.Mutex
}

type timerEntry struct {
	timer *time.Timer
	id    uint64
}

// NewTimerManager creates a timer manager; run may be nil to call callbacks directly
func NewTimerManager(run func(fn func())) *TimerManager {
	if run == nil {
		run = func(fn func()) { fn() }
	}
	return &TimerManager{
		timers: make(map[string]*timerEntry),
		run:    run,
	}
}

// After schedules fn once after d, replacing any timer with the same key
func (tm *TimerManager) After(key string, d time.Duration, fn func()) {
	tm.schedule(key, d, 0, fn)
}

// Every schedules fn after initial and then every period until cancelled
func (tm *TimerManager) Every(key string, initial, period time.Duration, fn func()) {
	if period <= 0 {
		period = time.Millisecond
	}
	tm.schedule(key, initial, period, fn)
}

func (tm *TimerManager) schedule(key string, d, period time.Duration, fn func()) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.closed {
		return
	}

	// Clear existing timer if present
	if existing, ok := tm.timers[key]; ok {
		existing.timer.Stop()
	}

	tm.nextID++
	entry := &timerEntry{id: tm.nextID}
	entry.timer = tm.arm(key, entry.id, d, period, fn)
	tm.timers[key] = entry
}

func (tm *TimerManager) arm(key string, id uint64, d, period time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		tm.run(func() { tm.fire(key, id, period, fn) })
	})
}

func (tm *TimerManager) fire(key string, id uint64, period time.Duration, fn func()) {
	tm.mu.Lock()
	entry, ok := tm.timers[key]
	if !ok || entry.id != id || tm.closed {
		tm.mu.Unlock()
		return
	}
	if period <= 0 {
		delete(tm.timers, key)
	}
	tm.mu.Unlock()

	fn()

	if period <= 0 {
		return
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	// fn may have cancelled or replaced this timer
	if entry, ok := tm.timers[key]; ok && entry.id == id && !tm.closed {
		entry.timer = tm.arm(key, id, period, period, fn)
	}
}

// Cancel stops the timer with the given key
func (tm *TimerManager) Cancel(key string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if entry, ok := tm.timers[key]; ok {
		entry.timer.Stop()
		delete(tm.timers, key)
	}
}

// CancelPrefix stops every timer whose key starts with prefix
func (tm *TimerManager) CancelPrefix(prefix string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for key, entry := range tm.timers {
		if strings.HasPrefix(key, prefix) {
			entry.timer.Stop()
			delete(tm.timers, key)
		}
	}
}

// Has reports whether a timer with the key is pending
func (tm *TimerManager) Has(key string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	_, ok := tm.timers[key]
	return ok
}

// Len returns the number of pending timers
func (tm *TimerManager) Len() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.timers)
}

// StopAll stops every timer and refuses new ones
func (tm *TimerManager) StopAll() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for _, entry := range tm.timers {
		entry.timer.Stop()
	}
	tm.timers = make(map[string]*timerEntry)
	tm.closed = true
}
