package ptt

import (
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/dbehnke/issi-ptt/internal/testhelpers"
	"github.com/dbehnke/issi-ptt/pkg/protocol"
)

// lone creates a session whose peer endpoint has no session behind it
func lone(t *testing.T, role Role, lt LinkType) (*Session, *observer, *testhelpers.MockNetwork) {
	t.Helper()
	obs := newObserver()
	mgr := NewManager(ManagerConfig{SystemID: testSystemID, Timers: fastTimers(), Observer: obs})
	n := testhelpers.NewMockNetwork()
	a, _, err := n.Pair(smfAddr, mmfAddr)
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	var s *Session
	if role == RoleSMF {
		s, err = mgr.CreateTestSMF(a, lt)
	} else {
		s, err = mgr.CreateTestMMF(a, lt, nil)
	}
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	t.Cleanup(func() {
		mgr.Shutdown()
		n.Close()
	})
	return s, obs, n
}

func TestSession_Admission(t *testing.T) {
	tests := []struct {
		name       string
		role       Role
		link       LinkType
		pt         protocol.PacketType
		tsn        uint8
		reason     string
		correction bool
	}{
		{"reserved tsn", RoleSMF, LinkGroupServing, protocol.PacketProgress, 0, "reserved_tsn", false},
		{"smf start even", RoleSMF, LinkGroupServing, protocol.PacketStart, 2, "tsn_parity", false},
		{"smf grant odd", RoleSMF, LinkGroupServing, protocol.PacketGrant, 3, "tsn_parity", false},
		{"smf request", RoleSMF, LinkGroupServing, protocol.PacketRequest, 2, "forbidden_type", false},
		{"smf unknown end", RoleSMF, LinkGroupServing, protocol.PacketEnd, 5, "unknown_tsn", false},
		{"smf grant for inactive tsn", RoleSMF, LinkGroupServing, protocol.PacketGrant, 4, "inactive_tsn", true},
		{"smf start on group home", RoleSMF, LinkGroupHome, protocol.PacketStart, 5, "forbidden_type", false},
		{"smf start admitted", RoleSMF, LinkGroupServing, protocol.PacketStart, 5, "", false},
		{"mmf request odd", RoleMMF, LinkGroupHome, protocol.PacketRequest, 3, "tsn_parity", false},
		{"mmf mute even", RoleMMF, LinkGroupHome, protocol.PacketMute, 2, "tsn_parity", false},
		{"mmf start", RoleMMF, LinkGroupHome, protocol.PacketStart, 3, "forbidden_type", false},
		{"mmf grant", RoleMMF, LinkGroupHome, protocol.PacketGrant, 2, "forbidden_type", false},
		{"mmf unknown heartbeat", RoleMMF, LinkGroupHome, protocol.PacketHeartbeat, 7, "unknown_tsn", false},
		{"mmf mute for inactive tsn", RoleMMF, LinkGroupHome, protocol.PacketMute, 5, "inactive_tsn", true},
		{"mmf request admitted", RoleMMF, LinkGroupHome, protocol.PacketRequest, 4, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, obs, n := lone(t, tt.role, tt.link)
			s.deliver(payload(tt.pt, tt.tsn))

			if tt.reason != "" {
				if got := obs.get("rejected:" + tt.reason); got != 1 {
					t.Errorf("Expected one %s rejection, got %d", tt.reason, got)
				}
				if len(s.Info().RemoteTSNs) != 0 {
					t.Errorf("Rejected packet recorded remote TSN: %v", s.Info().RemoteTSNs)
				}
			} else if !slices.Contains(s.Info().RemoteTSNs, int(tt.tsn)) {
				t.Errorf("Admitted TSN %d not recorded: %v", tt.tsn, s.Info().RemoteTSNs)
			}

			ends := n.CountSent(smfAddr, protocol.PacketEnd)
			if tt.correction && ends != 1 {
				t.Errorf("Expected corrective END, got %d", ends)
			}
			if !tt.correction && ends != 0 {
				t.Errorf("Unexpected END sent: %d", ends)
			}
			if tt.correction {
				frames := n.SentFrom(smfAddr)
				last := frames[len(frames)-1]
				if last.Payload.PacketType.TSN != tt.tsn {
					t.Errorf("Corrective END for TSN %d, want %d", last.Payload.PacketType.TSN, tt.tsn)
				}
			}
		})
	}
}

func TestSession_RemoteTSNLifecycle(t *testing.T) {
	s, obs, _ := lone(t, RoleSMF, LinkGroupServing)
	rx, err := s.SMFReceiver()
	if err != nil {
		t.Fatalf("SMFReceiver: %v", err)
	}
	lst := &recorder{}
	rx.SetListener(lst)

	s.deliver(payload(protocol.PacketStart, 5))
	s.deliver(payload(protocol.PacketProgress, 5))
	if rx.State() != SmfRxReceiving {
		t.Errorf("Expected RECEIVING, got %s", rx.State())
	}
	s.deliver(payload(protocol.PacketEnd, 5))
	if rx.State() != SmfRxDone {
		t.Errorf("Expected DONE, got %s", rx.State())
	}
	if got := s.Info().RemoteTSNs; len(got) != 0 {
		t.Errorf("END should retire the remote TSN, still have %v", got)
	}

	// a second END for the retired TSN is unknown
	s.deliver(payload(protocol.PacketEnd, 5))
	if obs.get("rejected:unknown_tsn") != 1 {
		t.Errorf("Expected unknown_tsn rejection for repeated END")
	}
	eventually(t, "listener callbacks", func() bool {
		return lst.has("start") && lst.has("progress") && lst.has("end")
	})
}

func TestSession_HeartbeatBypassesTSNRules(t *testing.T) {
	s, obs, n := lone(t, RoleSMF, LinkGroupServing)
	lst := &recorder{}
	s.SetHeartbeatListener(lst)

	s.deliver(payload(protocol.PacketHeartbeat, 0))
	s.deliver(payload(protocol.PacketHeartbeatQuery, 0))

	for _, reason := range []string{"reserved_tsn", "unknown_tsn"} {
		if obs.get("rejected:"+reason) != 0 {
			t.Errorf("Heartbeat rejected as %s", reason)
		}
	}
	eventually(t, "heartbeat callbacks", func() bool {
		return lst.has("heartbeat") && lst.has("heartbeat_query")
	})
	if got := n.CountSent(smfAddr, protocol.PacketHeartbeat); got != 1 {
		t.Errorf("Expected heartbeat reply to query, got %d", got)
	}
}

func TestSession_RoleAccessors(t *testing.T) {
	smf, _, _ := lone(t, RoleSMF, LinkGroupServing)
	mmf, _, _ := lone(t, RoleMMF, LinkGroupHome)

	if _, err := smf.MMFReceiver(); !errors.Is(err, ErrWrongRole) {
		t.Errorf("SMF MMFReceiver: expected ErrWrongRole, got %v", err)
	}
	if _, err := smf.MMFTransmitter(); !errors.Is(err, ErrWrongRole) {
		t.Errorf("SMF MMFTransmitter: expected ErrWrongRole, got %v", err)
	}
	if _, err := mmf.SMFTransmitter(); !errors.Is(err, ErrWrongRole) {
		t.Errorf("MMF SMFTransmitter: expected ErrWrongRole, got %v", err)
	}
	if _, err := mmf.SMFReceiver(); !errors.Is(err, ErrWrongRole) {
		t.Errorf("MMF SMFReceiver: expected ErrWrongRole, got %v", err)
	}
	if _, err := smf.SMFTransmitter(); err != nil {
		t.Errorf("SMF SMFTransmitter: %v", err)
	}
	if _, err := mmf.MMFReceiver(); err != nil {
		t.Errorf("MMF MMFReceiver: %v", err)
	}
}

func TestSession_ShutdownIdempotent(t *testing.T) {
	s, obs, n := lone(t, RoleSMF, LinkGroupServing)
	tx, _ := s.SMFTransmitter()

	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := s.Shutdown(); err != nil {
		t.Errorf("Second Shutdown: %v", err)
	}
	if got := obs.get("closed:SMF"); got != 1 {
		t.Errorf("Expected one SessionClosed, got %d", got)
	}
	if !s.Info().Closed {
		t.Error("Info should report closed")
	}

	err := tx.SendSpurtRequest(testVoice(1), testSystemID, testUnitID, 1)
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
	if err := s.Mute(2); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Mute after shutdown: expected ErrSessionClosed, got %v", err)
	}
	if got := n.CountSent(smfAddr, protocol.PacketRequest); got != 0 {
		t.Errorf("Closed session sent %d requests", got)
	}
}

func TestSession_ShutdownReleasesTSN(t *testing.T) {
	s, _, _ := lone(t, RoleSMF, LinkGroupServing)
	tsn, err := s.TSNForUnit(testUnitID)
	if err != nil {
		t.Fatalf("TSNForUnit: %v", err)
	}
	if again, _ := s.TSNForUnit(testUnitID); again != tsn {
		t.Errorf("Unit TSN changed from %d to %d", tsn, again)
	}
	if other, _ := s.TSNForUnit(testUnitID + 1); other == tsn {
		t.Errorf("Second unit shares TSN %d", tsn)
	}
	if got := s.alloc.Active(LinkGroupServing); got != 2 {
		t.Errorf("Expected 2 active TSNs, got %d", got)
	}
	if !slices.Contains(s.Info().MyTSNs, int(tsn)) {
		t.Errorf("MyTSNs %v missing %d", s.Info().MyTSNs, tsn)
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := s.alloc.Active(LinkGroupServing); got != 0 {
		t.Errorf("Expected every TSN released, %d still active", got)
	}
}

func TestSession_InfoJSON(t *testing.T) {
	s, _, _ := lone(t, RoleSMF, LinkGroupServing)
	s.SetPriority(protocol.Priority{Type: protocol.PriorityElevated, Level: 3})

	data, err := json.Marshal(s.Info())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for _, want := range []string{
		`"role":"SMF"`,
		`"link_type":"GROUP_SERVING"`,
		`"smf_tx":"BEGIN"`,
		`"local_addr":"` + smfAddr + `"`,
		`"remote_addr":"` + mmfAddr + `"`,
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("Expected %s in %s", want, data)
		}
	}
}
