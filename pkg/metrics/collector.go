package metrics

import (
	"maps"
	"slices"
	"sync"
)

// Collector collects PTT metrics. It satisfies ptt.Observer.
type Collector struct {
	mu sync.RWMutex

	// Session metrics
	totalSessions  uint64
	activeSessions map[string]int // key: role

	// Packet metrics
	packetsReceived map[string]uint64 // key: packet type
	packetsSent     map[string]uint64
	bytesReceived   uint64
	bytesSent       uint64

	// Spurt metrics
	totalSpurts  uint64
	activeSpurts map[string]bool // key: session:tsn

	// Protocol health
	heartbeatTimeouts  uint64
	muteCorrections    map[string]uint64 // key: corrective packet type
	rejectedPackets    map[string]uint64 // key: reason
	illegalTransitions map[string]uint64 // key: state machine
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		activeSessions:     make(map[string]int),
		packetsReceived:    make(map[string]uint64),
		packetsSent:        make(map[string]uint64),
		activeSpurts:       make(map[string]bool),
		muteCorrections:    make(map[string]uint64),
		rejectedPackets:    make(map[string]uint64),
		illegalTransitions: make(map[string]uint64),
	}
}

// SessionOpened records a session opening
func (c *Collector) SessionOpened(role string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalSessions++
	c.activeSessions[role]++
}

// SessionClosed records a session closing
func (c *Collector) SessionClosed(role string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activeSessions[role] > 0 {
		c.activeSessions[role]--
	}
}

// PacketReceived records a received packet and its size
func (c *Collector) PacketReceived(packetType string, bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.packetsReceived[packetType]++
	c.bytesReceived += uint64(bytes)
}

// PacketSent records a sent packet and its size
func (c *Collector) PacketSent(packetType string, bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.packetsSent[packetType]++
	c.bytesSent += uint64(bytes)
}

// SpurtStarted records a talk spurt start
func (c *Collector) SpurtStarted(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.activeSpurts[key] {
		c.totalSpurts++
		c.activeSpurts[key] = true
	}
}

// SpurtEnded records a talk spurt end
func (c *Collector) SpurtEnded(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.activeSpurts, key)
}

// HeartbeatTimeout records a connection heartbeat loss
func (c *Collector) HeartbeatTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.heartbeatTimeouts++
}

// MuteCorrection records a corrective MUTE or UNMUTE
func (c *Collector) MuteCorrection(packetType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.muteCorrections[packetType]++
}

// PacketRejected records a packet dropped by admission
func (c *Collector) PacketRejected(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rejectedPackets[reason]++
}

// IllegalTransition records an event a state machine did not accept
func (c *Collector) IllegalTransition(machine string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.illegalTransitions[machine]++
}

// Reset resets all gauges (useful for testing)
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.activeSessions = make(map[string]int)
	c.activeSpurts = make(map[string]bool)
	// Note: cumulative counters are kept
}

// Getters for metrics

// GetTotalSessions returns the number of sessions ever opened
func (c *Collector) GetTotalSessions() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalSessions
}

// GetActiveSessions returns the number of open sessions
func (c *Collector) GetActiveSessions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, v := range c.activeSessions {
		n += v
	}
	return n
}

// GetActiveSessionsByRole returns the open sessions per role
func (c *Collector) GetActiveSessionsByRole() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.activeSessions)
}

// GetPacketsReceived returns total packets received
func (c *Collector) GetPacketsReceived() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sum(c.packetsReceived)
}

// GetPacketsSent returns total packets sent
func (c *Collector) GetPacketsSent() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sum(c.packetsSent)
}

// GetPacketsReceivedByType returns packets received per packet type
func (c *Collector) GetPacketsReceivedByType() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.packetsReceived)
}

// GetPacketsSentByType returns packets sent per packet type
func (c *Collector) GetPacketsSentByType() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.packetsSent)
}

// GetBytesReceived returns total bytes received
func (c *Collector) GetBytesReceived() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bytesReceived
}

// GetBytesSent returns total bytes sent
func (c *Collector) GetBytesSent() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bytesSent
}

// GetTotalSpurts returns the number of spurts ever started
func (c *Collector) GetTotalSpurts() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalSpurts
}

// GetActiveSpurts returns the number of spurts in progress
func (c *Collector) GetActiveSpurts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.activeSpurts)
}

// GetHeartbeatTimeouts returns total heartbeat timeouts
func (c *Collector) GetHeartbeatTimeouts() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.heartbeatTimeouts
}

// GetMuteCorrections returns corrective packets per type
func (c *Collector) GetMuteCorrections() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.muteCorrections)
}

// GetRejectedPackets returns rejected packets per reason
func (c *Collector) GetRejectedPackets() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.rejectedPackets)
}

// GetIllegalTransitions returns illegal transitions per state machine
func (c *Collector) GetIllegalTransitions() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.illegalTransitions)
}

func sum(m map[string]uint64) uint64 {
	var n uint64
	for _, v := range m {
		n += v
	}
	return n
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
