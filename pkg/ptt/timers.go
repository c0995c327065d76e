package ptt

import (
	"fmt"
	"time"
)

// Timers holds the named protocol timer values and retry counts
type Timers struct {
	Heartbeat      time.Duration // Theartbeat
	MuteProgress   time.Duration // Tmuteprogress
	Request        time.Duration // Trequest
	Unmute         time.Duration // Tunmute
	MuteEndLoss    time.Duration // Tmuteendloss
	EndLoss        time.Duration // Tendloss
	FirstPacket    time.Duration // Tfirstpackettime
	WaitTimeout    time.Duration // Waittimeout
	RequestRetries int
	// SendDelay is slept before every outbound packet; 0 disables it
	SendDelay time.Duration
}

// DefaultTimers returns the standard timer values
func DefaultTimers() Timers {
	return Timers{
		Heartbeat:      10 * time.Second,
		MuteProgress:   500 * time.Millisecond,
		Request:        500 * time.Millisecond,
		Unmute:         250 * time.Millisecond,
		MuteEndLoss:    2 * time.Second,
		EndLoss:        200 * time.Millisecond,
		FirstPacket:    500 * time.Millisecond,
		WaitTimeout:    5 * time.Second,
		RequestRetries: 2,
		SendDelay:      2 * time.Millisecond,
	}
}

// Reset restores every value to its default
func (t *Timers) Reset() {
	*t = DefaultTimers()
}

// Validate rejects non-positive durations
func (t Timers) Validate() error {
	named := []struct {
		name string
		d    time.Duration
	}{
		{"heartbeat", t.Heartbeat},
		{"mute_progress", t.MuteProgress},
		{"request", t.Request},
		{"unmute", t.Unmute},
		{"mute_end_loss", t.MuteEndLoss},
		{"end_loss", t.EndLoss},
		{"first_packet", t.FirstPacket},
		{"wait_timeout", t.WaitTimeout},
	}
	for _, n := range named {
		if n.d <= 0 {
			return fmt.Errorf("timer %s must be positive, got %s", n.name, n.d)
		}
	}
	if t.RequestRetries < 1 {
		return fmt.Errorf("request retries must be at least 1, got %d", t.RequestRetries)
	}
	if t.SendDelay < 0 {
		return fmt.Errorf("send delay must not be negative, got %s", t.SendDelay)
	}
	return nil
}

// heartbeatInterval is the interval advertised on the wire, in whole seconds
func (t Timers) heartbeatInterval() uint8 {
	secs := t.Heartbeat / time.Second
	if secs > 255 {
		return 255
	}
	return uint8(secs)
}
