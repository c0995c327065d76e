package metrics

import (
	"sync"
	"testing"

	"github.com/dbehnke/issi-ptt/pkg/ptt"
)

var _ ptt.Observer = (*Collector)(nil)

// TestCollector_SessionMetrics tests session lifecycle metrics
func TestCollector_SessionMetrics(t *testing.T) {
	collector := NewCollector()

	collector.SessionOpened("SMF")
	collector.SessionOpened("SMF")
	collector.SessionOpened("MMF")
	if got := collector.GetTotalSessions(); got != 3 {
		t.Errorf("Expected 3 total sessions, got %d", got)
	}
	if got := collector.GetActiveSessions(); got != 3 {
		t.Errorf("Expected 3 active sessions, got %d", got)
	}

	collector.SessionClosed("SMF")
	collector.SessionClosed("MMF")
	collector.SessionClosed("MMF")
	byRole := collector.GetActiveSessionsByRole()
	if byRole["SMF"] != 1 || byRole["MMF"] != 0 {
		t.Errorf("Unexpected active sessions by role: %v", byRole)
	}
	if got := collector.GetTotalSessions(); got != 3 {
		t.Errorf("Closing should not change the total, got %d", got)
	}
}

// TestCollector_PacketMetrics tests packet and byte metrics
func TestCollector_PacketMetrics(t *testing.T) {
	collector := NewCollector()

	collector.PacketReceived("PTT_TRANSMIT_PROGRESS", 100)
	collector.PacketReceived("PTT_TRANSMIT_PROGRESS", 100)
	collector.PacketReceived("HEARTBEAT", 16)
	collector.PacketSent("PTT_TRANSMIT_GRANT", 20)

	if got := collector.GetPacketsReceived(); got != 3 {
		t.Errorf("Expected 3 received packets, got %d", got)
	}
	if got := collector.GetPacketsSent(); got != 1 {
		t.Errorf("Expected 1 sent packet, got %d", got)
	}
	if got := collector.GetPacketsReceivedByType()["PTT_TRANSMIT_PROGRESS"]; got != 2 {
		t.Errorf("Expected 2 PROGRESS packets, got %d", got)
	}
	if got := collector.GetBytesReceived(); got != 216 {
		t.Errorf("Expected 216 bytes received, got %d", got)
	}
	if got := collector.GetBytesSent(); got != 20 {
		t.Errorf("Expected 20 bytes sent, got %d", got)
	}
}

// TestCollector_SpurtMetrics tests spurt metrics
func TestCollector_SpurtMetrics(t *testing.T) {
	collector := NewCollector()

	collector.SpurtStarted("smf-1:2")
	collector.SpurtStarted("smf-1:2")
	collector.SpurtStarted("mmf-1:3")
	if got := collector.GetActiveSpurts(); got != 2 {
		t.Errorf("Expected 2 active spurts, got %d", got)
	}
	if got := collector.GetTotalSpurts(); got != 2 {
		t.Errorf("Repeated start should not count twice, got %d", got)
	}

	collector.SpurtEnded("smf-1:2")
	if got := collector.GetActiveSpurts(); got != 1 {
		t.Errorf("Expected 1 active spurt, got %d", got)
	}
}

// TestCollector_ProtocolHealth tests the observer counters
func TestCollector_ProtocolHealth(t *testing.T) {
	collector := NewCollector()

	collector.HeartbeatTimeout()
	collector.MuteCorrection("PTT_TRANSMIT_MUTE")
	collector.MuteCorrection("PTT_TRANSMIT_MUTE")
	collector.PacketRejected("tsn_parity")
	collector.IllegalTransition("smf_tx")

	if got := collector.GetHeartbeatTimeouts(); got != 1 {
		t.Errorf("Expected 1 heartbeat timeout, got %d", got)
	}
	if got := collector.GetMuteCorrections()["PTT_TRANSMIT_MUTE"]; got != 2 {
		t.Errorf("Expected 2 mute corrections, got %d", got)
	}
	if got := collector.GetRejectedPackets()["tsn_parity"]; got != 1 {
		t.Errorf("Expected 1 tsn_parity rejection, got %d", got)
	}
	if got := collector.GetIllegalTransitions()["smf_tx"]; got != 1 {
		t.Errorf("Expected 1 smf_tx illegal transition, got %d", got)
	}
}

// TestCollector_SnapshotsAreCopies tests that getters do not expose internal maps
func TestCollector_SnapshotsAreCopies(t *testing.T) {
	collector := NewCollector()
	collector.PacketRejected("unknown_tsn")

	snap := collector.GetRejectedPackets()
	snap["unknown_tsn"] = 99
	if got := collector.GetRejectedPackets()["unknown_tsn"]; got != 1 {
		t.Errorf("Snapshot mutation leaked into collector: %d", got)
	}
}

// TestCollector_Reset tests resetting gauges
func TestCollector_Reset(t *testing.T) {
	collector := NewCollector()

	collector.SessionOpened("SMF")
	collector.SpurtStarted("a:2")
	collector.PacketSent("HEARTBEAT", 10)

	collector.Reset()

	if collector.GetActiveSessions() != 0 {
		t.Error("Expected 0 active sessions after reset")
	}
	if collector.GetActiveSpurts() != 0 {
		t.Error("Expected 0 active spurts after reset")
	}
	if collector.GetPacketsSent() != 1 {
		t.Error("Cumulative counters should survive reset")
	}
}

// TestCollector_Concurrent tests concurrent access to the collector
func TestCollector_Concurrent(t *testing.T) {
	collector := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				collector.PacketReceived("PTT_TRANSMIT_PROGRESS", 10)
				collector.PacketRejected("unknown_tsn")
				_ = collector.GetPacketsReceivedByType()
			}
		}()
	}
	wg.Wait()

	if got := collector.GetPacketsReceived(); got != 1000 {
		t.Errorf("Expected 1000 packets, got %d", got)
	}
}
