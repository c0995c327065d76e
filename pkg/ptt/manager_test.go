package ptt

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dbehnke/issi-ptt/internal/testhelpers"
	"github.com/dbehnke/issi-ptt/pkg/protocol"
)

// portListener opens mock endpoints, refusing the ports in busy
type portListener struct {
	net  *testhelpers.MockNetwork
	busy map[int]bool

	mu    sync.Mutex
	tried []int
}

func (l *portListener) listen(port int) (Transport, error) {
	l.mu.Lock()
	l.tried = append(l.tried, port)
	l.mu.Unlock()
	if l.busy[port] {
		return nil, fmt.Errorf("port %d in use", port)
	}
	ep, err := l.net.CreateEndpoint(fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, err
	}
	ep.SetRemoteAddr(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000})
	return ep, nil
}

func newPortManager(t *testing.T, maxPorts int, advanced bool, busy ...int) (*Manager, *portListener) {
	t.Helper()
	pl := &portListener{net: testhelpers.NewMockNetwork(), busy: make(map[int]bool)}
	for _, p := range busy {
		pl.busy[p] = true
	}
	mgr := NewManager(ManagerConfig{
		SystemID:                   testSystemID,
		Timers:                     fastTimers(),
		MaxPorts:                   maxPorts,
		PortRangeStart:             25000,
		PortRangeEnd:               25010,
		AdvancedResourceManagement: advanced,
		Listen:                     pl.listen,
	})
	t.Cleanup(func() {
		mgr.Shutdown()
		pl.net.Close()
	})
	return mgr, pl
}

func TestManager_PortBudget(t *testing.T) {
	mgr, _ := newPortManager(t, 1, false)

	first, err := mgr.CreateSMF(0, LinkGroupServing)
	if err != nil {
		t.Fatalf("CreateSMF: %v", err)
	}
	if mgr.PortsInUse() != 1 {
		t.Errorf("Expected 1 port in use, got %d", mgr.PortsInUse())
	}
	if _, err := mgr.CreateMMF(0, LinkGroupHome); !errors.Is(err, ErrNoRTPResources) {
		t.Fatalf("Expected ErrNoRTPResources, got %v", err)
	}

	mgr.IncrementPortLimit()
	if _, err := mgr.CreateMMF(0, LinkGroupHome); err != nil {
		t.Fatalf("CreateMMF after raising the limit: %v", err)
	}
	if mgr.PortsInUse() != 2 {
		t.Errorf("Expected 2 ports in use, got %d", mgr.PortsInUse())
	}

	if err := first.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if mgr.PortsInUse() != 1 {
		t.Errorf("Shutdown should return the port, %d in use", mgr.PortsInUse())
	}
	if _, ok := mgr.Session(first.ID()); ok {
		t.Error("Closed session still tracked")
	}
}

func TestManager_AdvancedResourceManagement(t *testing.T) {
	mgr, _ := newPortManager(t, 0, true)
	s, err := mgr.CreateSMF(0, LinkGroupServing)
	if err != nil {
		t.Fatalf("CreateSMF past the budget: %v", err)
	}
	if mgr.PortsInUse() != 0 {
		t.Errorf("Uncounted port was charged to the budget")
	}
	_ = s.Shutdown()
	if mgr.PortsInUse() != 0 {
		t.Errorf("Uncounted port released from the budget")
	}
}

func TestManager_PortScan(t *testing.T) {
	mgr, pl := newPortManager(t, -1, false, 25000, 25002)
	s, err := mgr.CreateSMF(0, LinkGroupServing)
	if err != nil {
		t.Fatalf("CreateSMF: %v", err)
	}
	if got := s.LocalAddr().String(); got != "127.0.0.1:25004" {
		t.Errorf("Expected the first free even port, got %s", got)
	}
	want := []int{25000, 25002, 25004}
	if fmt.Sprint(pl.tried) != fmt.Sprint(want) {
		t.Errorf("Tried ports %v, want %v", pl.tried, want)
	}

	if _, err := mgr.CreateSMF(0, LinkType(99)); err == nil {
		t.Error("Unknown link type should fail")
	}
}

func TestManager_PortRangeExhausted(t *testing.T) {
	mgr, _ := newPortManager(t, -1, false, 25000, 25002, 25004, 25006, 25008, 25010)
	if _, err := mgr.CreateMMF(0, LinkGroupHome); !errors.Is(err, ErrNoRTPResources) {
		t.Errorf("Expected ErrNoRTPResources, got %v", err)
	}
	if mgr.PortsInUse() != 0 {
		t.Errorf("Failed bind should return the port, %d in use", mgr.PortsInUse())
	}
}

func TestManager_HeartbeatQueryMask(t *testing.T) {
	mgr, pl := newPortManager(t, -1, false)

	smfQueried, _ := mgr.CreateSMF(25100, LinkCallingServingToCallingHome)
	smfSilent, _ := mgr.CreateSMF(25102, LinkGroupServing)
	mmfQueried, _ := mgr.CreateMMF(25104, LinkCalledServingToCalledHome)
	mmfSameLink, _ := mgr.CreateMMF(25106, LinkCallingServingToCallingHome)

	ep, err := pl.net.CreateEndpoint("127.0.0.1:25108")
	if err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}
	testSMF, _ := mgr.CreateTestSMF(ep, LinkCallingHomeToCalledHome)

	mgr.SendHeartbeatQuery()
	mgr.SendHeartbeatQuery()
	mgr.SendHeartbeatQuery()

	count := func(s *Session) int {
		return pl.net.CountSent(s.LocalAddr().String(), protocol.PacketHeartbeatQuery)
	}
	tests := []struct {
		name string
		got  int
		want int
	}{
		{"one query per relay-hop link type across roles", count(smfQueried) + count(mmfSameLink), 1},
		{"GROUP_SERVING is never queried", count(smfSilent), 0},
		{"MMF relay-hop link queried once", count(mmfQueried), 1},
		{"test sessions are skipped", count(testSMF), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %d queries, want %d", tt.got, tt.want)
			}
		})
	}
}

func TestManager_Timers(t *testing.T) {
	mgr := NewManager(ManagerConfig{})
	if mgr.Timers() != DefaultTimers() {
		t.Error("Zero config should use default timers")
	}
	bad := DefaultTimers()
	bad.Request = 0
	if err := mgr.SetTimers(bad); err == nil {
		t.Error("Expected validation error")
	}
	custom := DefaultTimers()
	custom.Request = 50 * time.Millisecond
	if err := mgr.SetTimers(custom); err != nil {
		t.Fatalf("SetTimers: %v", err)
	}
	if mgr.Timers().Request != 50*time.Millisecond {
		t.Error("SetTimers not applied")
	}
	mgr.ResetTimers()
	if mgr.Timers() != DefaultTimers() {
		t.Error("ResetTimers should restore defaults")
	}
}

func TestManager_SessionsSnapshot(t *testing.T) {
	p := newCallPair(t)
	infos := p.mgr.Sessions()
	if len(infos) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(infos))
	}
	roles := map[Role]bool{}
	for _, info := range infos {
		roles[info.Role] = true
		if !info.Test {
			t.Errorf("Session %s should be a test session", info.ID)
		}
	}
	if !roles[RoleSMF] || !roles[RoleMMF] {
		t.Errorf("Expected both roles, got %v", roles)
	}
	if p.obs.get("opened:SMF") != 1 || p.obs.get("opened:MMF") != 1 {
		t.Error("Observer should see both sessions open")
	}

	p.mgr.Shutdown()
	if len(p.mgr.Sessions()) != 0 {
		t.Error("Shutdown should remove every session")
	}
}

func TestManager_DuplicateTestMultiplexer(t *testing.T) {
	f := newMuxFixture(t)
	ep, err := f.net.CreateEndpoint("127.0.0.1:30020")
	if err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}
	if _, err := f.mgr.CreateTestMultiplexer(ep, "sdp-1", 1); err == nil {
		t.Error("Second multiplexer for the same SDP session should fail")
	}
	if got := len(f.mgr.Multiplexers()); got != 1 {
		t.Errorf("Expected 1 multiplexer, got %d", got)
	}
}

func TestManager_DuplicateMultiplexerKeepsRegistration(t *testing.T) {
	f := newMuxFixture(t)
	ep, err := f.net.CreateEndpoint("127.0.0.1:30030")
	if err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}

	// a racing create for the same SDP session loses and is shut down
	got := f.mgr.addMultiplexer("sdp-1", 1, ep, false)
	if got != f.mux {
		t.Fatal("Expected the registered multiplexer to be returned")
	}
	if !ep.IsClosed() {
		t.Error("Losing multiplexer should close its transport")
	}
	if mux, ok := f.mgr.Multiplexer("sdp-1"); !ok || mux != f.mux {
		t.Error("Registered multiplexer was dropped by the losing one")
	}
}
