//go:build integration
// +build integration

package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/dbehnke/issi-ptt/internal/testhelpers"
	"github.com/dbehnke/issi-ptt/pkg/capture"
	"github.com/dbehnke/issi-ptt/pkg/config"
	"github.com/dbehnke/issi-ptt/pkg/database"
	"github.com/dbehnke/issi-ptt/pkg/metrics"
	"github.com/dbehnke/issi-ptt/pkg/protocol"
	"github.com/dbehnke/issi-ptt/pkg/ptt"
	"github.com/dbehnke/issi-ptt/pkg/transport"
	"github.com/dbehnke/issi-ptt/pkg/web"
)

const (
	systemID = 0x123
	unitID   = 0x1001
)

func fastTimers() ptt.Timers {
	return ptt.Timers{
		Heartbeat:      time.Second,
		MuteProgress:   20 * time.Millisecond,
		Request:        30 * time.Millisecond,
		Unmute:         10 * time.Millisecond,
		MuteEndLoss:    300 * time.Millisecond,
		EndLoss:        150 * time.Millisecond,
		FirstPacket:    300 * time.Millisecond,
		WaitTimeout:    150 * time.Millisecond,
		RequestRetries: 2,
	}
}

func voice(n int) []protocol.VoiceBlock {
	blocks := make([]protocol.VoiceBlock, n)
	for i := range blocks {
		blocks[i] = make(protocol.VoiceBlock, protocol.IMBEBlockSize)
	}
	return blocks
}

// stack is one RFSS wired the way the daemon wires it
type stack struct {
	db       *database.DB
	metrics  *metrics.Collector
	recorder *capture.Recorder
	captured *testhelpers.RecordingCapturer[*ptt.CapturedPacket]
	mgr      *ptt.Manager
}

type fanout []ptt.Capturer

func (f fanout) CapturePacket(pkt *ptt.CapturedPacket) {
	for _, c := range f {
		c.CapturePacket(pkt)
	}
}

func newStack(s *testhelpers.IntegrationSuite) *stack {
	db, err := database.NewDB(database.Config{Path: filepath.Join(s.T.TempDir(), "issi.db")}, s.Logger)
	if err != nil {
		s.T.Fatalf("NewDB: %v", err)
	}
	st := &stack{
		db:       db,
		metrics:  metrics.NewCollector(),
		captured: &testhelpers.RecordingCapturer[*ptt.CapturedPacket]{},
	}
	st.recorder = capture.NewRecorder(capture.Config{
		Packets: db.Packets(),
		Spurts:  db.Spurts(),
		Metrics: st.metrics,
		Logger:  s.Logger,
	})
	st.mgr = ptt.NewManager(ptt.ManagerConfig{
		WACN:     0xBEE00,
		SystemID: systemID,
		Timers:   fastTimers(),
		Logger:   s.Logger,
		Capturer: fanout{st.recorder, st.captured},
		Observer: st.metrics,
	})
	s.T.Cleanup(func() {
		st.mgr.Shutdown()
		_ = db.Close()
	})
	return st
}

func spurtsWithOutcome(st *stack, outcome string) int {
	spurts, err := st.db.Spurts().GetRecent(100)
	if err != nil {
		return 0
	}
	n := 0
	for _, sp := range spurts {
		if sp.Outcome == outcome {
			n++
		}
	}
	return n
}

// TestSpurtOverPipe runs a granted spurt between an SMF and an MMF joined by an in-memory pipe
func TestSpurtOverPipe(t *testing.T) {
	suite := testhelpers.NewIntegrationSuite(t)
	defer suite.Cleanup()
	st := newStack(suite)

	pipe := transport.NewPipe()
	defer func() { _ = pipe.Close() }()
	a, b := pipe.Endpoints(suite.Ctx, suite.Logger)

	smf, err := st.mgr.CreateTestSMF(a, ptt.LinkGroupServing)
	if err != nil {
		t.Fatalf("CreateTestSMF: %v", err)
	}
	if _, err := st.mgr.CreateTestMMF(b, ptt.LinkGroupHome, nil); err != nil {
		t.Fatalf("CreateTestMMF: %v", err)
	}

	tx, _ := smf.SMFTransmitter()
	if err := tx.SendSpurtRequest(voice(4), systemID, unitID, 4); err != nil {
		t.Fatalf("SendSpurtRequest: %v", err)
	}

	suite.AssertEventually(func() bool { return tx.State() == ptt.SmfTxTerminated }, 3*time.Second, "SMF spurt terminated")
	suite.AssertEventually(func() bool { return spurtsWithOutcome(st, database.OutcomeCompleted) == 2 }, 3*time.Second,
		"sent and received spurts saved")

	if st.metrics.GetPacketsSentByType()[protocol.PacketGrant.String()] < 1 {
		t.Error("Expected a GRANT counted as sent")
	}
	if st.metrics.GetActiveSpurts() != 0 {
		t.Errorf("Expected no active spurts, got %d", st.metrics.GetActiveSpurts())
	}

	// every captured packet is persisted with a unique number
	suite.AssertEventually(func() bool {
		saved, err := st.db.Packets().GetRecent(1000)
		return err == nil && len(saved) == len(st.captured.Packets())
	}, 2*time.Second, "captures persisted")
	seen := map[uint64]bool{}
	for _, pkt := range st.captured.Packets() {
		if seen[pkt.Number] {
			t.Errorf("Duplicate capture number %d", pkt.Number)
		}
		seen[pkt.Number] = true
	}

	ends := st.captured.Count(func(p *ptt.CapturedPacket) bool {
		return p.Sender && p.PacketType == protocol.PacketEnd
	})
	if ends != 1 {
		t.Errorf("Expected 1 END sent, got %d", ends)
	}
}

// TestDeniedSpurtOverUDP runs a denied spurt between two real UDP endpoints
func TestDeniedSpurtOverUDP(t *testing.T) {
	suite := testhelpers.NewIntegrationSuite(t)
	defer suite.Cleanup()
	st := newStack(suite)

	a, err := transport.ListenUDP(suite.Ctx, "127.0.0.1", 0, suite.Logger)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	b, err := transport.ListenUDP(suite.Ctx, "127.0.0.1", 0, suite.Logger)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	a.SetRemoteAddr(b.LocalAddr())
	b.SetRemoteAddr(a.LocalAddr())

	smf, _ := st.mgr.CreateTestSMF(a, ptt.LinkGroupServing)
	mmf, _ := st.mgr.CreateTestMMF(b, ptt.LinkGroupHome, nil)
	rx, _ := mmf.MMFReceiver()
	rx.SetPolicy(ptt.ArbitrateDeny, 0)

	tx, _ := smf.SMFTransmitter()
	if err := tx.SendSpurtRequest(voice(3), systemID, unitID, 30); err != nil {
		t.Fatalf("SendSpurtRequest: %v", err)
	}

	suite.AssertEventually(func() bool { return tx.State() == ptt.SmfTxTerminated }, 3*time.Second, "denied spurt terminated")
	suite.AssertEventually(func() bool { return spurtsWithOutcome(st, database.OutcomeDenied) == 2 }, 3*time.Second,
		"both sides record the denial")

	progress := st.captured.Count(func(p *ptt.CapturedPacket) bool {
		return p.Sender && p.PacketType == protocol.PacketProgress
	})
	if progress != 0 {
		t.Errorf("Denied spurt sent %d PROGRESS packets", progress)
	}
}

// TestWebAPIReflectsManager serves the REST API over a live manager
func TestWebAPIReflectsManager(t *testing.T) {
	suite := testhelpers.NewIntegrationSuite(t)
	defer suite.Cleanup()
	st := newStack(suite)

	a, b := suite.Pair("10.0.0.1:25000", "10.0.0.2:25000")
	if _, err := st.mgr.CreateTestSMF(a, ptt.LinkGroupServing); err != nil {
		t.Fatalf("CreateTestSMF: %v", err)
	}
	if _, err := st.mgr.CreateTestMMF(b, ptt.LinkGroupHome, nil); err != nil {
		t.Fatalf("CreateTestMMF: %v", err)
	}

	srv := web.NewServer(config.WebConfig{Enabled: true}, web.Deps{
		Sessions: st.mgr,
		Packets:  st.db.Packets(),
		Spurts:   st.db.Spurts(),
		Metrics:  st.metrics,
	}, suite.Logger)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET /api/sessions: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Sessions []struct {
			ID   string `json:"id"`
			Role string `json:"role"`
		} `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(body.Sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(body.Sessions))
	}

	// the test MMF heartbeats, so captures show up without any spurt
	suite.AssertEventually(func() bool {
		saved, _ := st.db.Packets().GetRecent(10)
		return len(saved) > 0
	}, 2*time.Second, "heartbeat captures persisted")
}
