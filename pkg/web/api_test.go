package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/dbehnke/issi-ptt/pkg/database"
	"github.com/dbehnke/issi-ptt/pkg/logger"
	"github.com/dbehnke/issi-ptt/pkg/metrics"
	"github.com/dbehnke/issi-ptt/pkg/ptt"
)

type staticSessions struct {
	sessions []ptt.SessionInfo
	muxes    []ptt.SessionInfo
}

func (s staticSessions) Sessions() []ptt.SessionInfo     { return s.sessions }
func (s staticSessions) Multiplexers() []ptt.SessionInfo { return s.muxes }

func testDeps(t *testing.T) Deps {
	t.Helper()
	db, err := database.NewDB(database.Config{Path: filepath.Join(t.TempDir(), "web.db")},
		logger.New(logger.Config{Level: "error"}))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	base := time.Now().Add(-time.Minute)
	for i := 1; i <= 5; i++ {
		session := "smf-1"
		if i%2 == 0 {
			session = "mmf-2"
		}
		if err := db.Packets().Create(&database.CapturedPacket{
			Number:     uint64(i),
			CapturedAt: base.Add(time.Duration(i) * time.Second),
			SessionID:  session,
			PacketType: "PTT_TRANSMIT_PROGRESS",
		}); err != nil {
			t.Fatalf("Create packet: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := db.Spurts().Create(&database.Spurt{
			SessionID: "smf-1",
			TSN:       uint8(2 + 2*i),
			StartTime: base.Add(time.Duration(i) * time.Second),
			Outcome:   database.OutcomeCompleted,
		}); err != nil {
			t.Fatalf("Create spurt: %v", err)
		}
	}

	collector := metrics.NewCollector()
	collector.PacketSent("PTT_TRANSMIT_REQUEST", 10)

	return Deps{
		Sessions: staticSessions{
			sessions: []ptt.SessionInfo{
				{ID: "smf-1", Role: ptt.RoleSMF, LinkType: ptt.LinkGroupServing},
				{ID: "mmf-2", Role: ptt.RoleMMF, LinkType: ptt.LinkGroupHome},
				{ID: "smf-3", Role: ptt.RoleSMF, LinkType: ptt.LinkGroupServing, Multiplexed: true},
			},
			muxes: []ptt.SessionInfo{{ID: "mux-4", Multiplexed: true}},
		},
		Packets: db.Packets(),
		Spurts:  db.Spurts(),
		Metrics: collector,
	}
}

func get(t *testing.T, handler http.HandlerFunc, target string, out interface{}) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	handler(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestAPI_Status(t *testing.T) {
	api := NewAPI(testDeps(t), nil)

	var result map[string]interface{}
	if code := get(t, api.HandleStatus, "/api/status", &result); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if result["status"] != "running" || result["service"] != "issi-ptt" {
		t.Errorf("Unexpected status response: %v", result)
	}
	sessions, ok := result["sessions"].(map[string]interface{})
	if !ok || sessions["SMF"] != float64(2) || sessions["MMF"] != float64(1) {
		t.Errorf("Unexpected session counts: %v", result["sessions"])
	}
	if result["multiplexers"] != float64(1) {
		t.Errorf("Unexpected multiplexer count: %v", result["multiplexers"])
	}
	if result["packets_sent"] != float64(1) {
		t.Errorf("Unexpected packets_sent: %v", result["packets_sent"])
	}
}

func TestAPI_StatusWithoutDeps(t *testing.T) {
	api := NewAPI(Deps{}, nil)
	var result map[string]interface{}
	if code := get(t, api.HandleStatus, "/api/status", &result); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if _, ok := result["sessions"]; ok {
		t.Error("Sessions should be omitted without a session source")
	}
}

func TestAPI_Sessions(t *testing.T) {
	api := NewAPI(testDeps(t), nil)

	var result struct {
		Sessions []struct {
			ID       string `json:"id"`
			Role     string `json:"role"`
			LinkType string `json:"link_type"`
		} `json:"sessions"`
		Multiplexers []map[string]interface{} `json:"multiplexers"`
	}
	if code := get(t, api.HandleSessions, "/api/sessions", &result); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if len(result.Sessions) != 3 || len(result.Multiplexers) != 1 {
		t.Fatalf("Unexpected sessions response: %+v", result)
	}
	if result.Sessions[1].Role != "MMF" || result.Sessions[1].LinkType != "GROUP_HOME" {
		t.Errorf("Unexpected session %+v", result.Sessions[1])
	}
}

func TestAPI_Captures(t *testing.T) {
	api := NewAPI(testDeps(t), nil)

	tests := []struct {
		name   string
		target string
		code   int
		count  int
		first  uint64
	}{
		{"default limit", "/api/captures", http.StatusOK, 5, 5},
		{"limit", "/api/captures?limit=2", http.StatusOK, 2, 5},
		{"by session", "/api/captures?session=smf-1", http.StatusOK, 3, 1},
		{"bad limit", "/api/captures?limit=abc", http.StatusBadRequest, 0, 0},
		{"zero limit", "/api/captures?limit=0", http.StatusBadRequest, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var packets []database.CapturedPacket
			code := get(t, api.HandleCaptures, tt.target, &packets)
			if code != tt.code {
				t.Fatalf("Expected status %d, got %d", tt.code, code)
			}
			if code != http.StatusOK {
				return
			}
			if len(packets) != tt.count {
				t.Fatalf("Expected %d packets, got %d", tt.count, len(packets))
			}
			if packets[0].Number != tt.first {
				t.Errorf("Expected first packet %d, got %d", tt.first, packets[0].Number)
			}
		})
	}
}

func TestAPI_Spurts(t *testing.T) {
	api := NewAPI(testDeps(t), nil)

	var spurts []database.Spurt
	if code := get(t, api.HandleSpurts, "/api/spurts?limit=2", &spurts); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if len(spurts) != 2 || spurts[0].TSN != 6 {
		t.Errorf("Unexpected spurts: %+v", spurts)
	}
}

func TestAPI_EmptyWithoutDatabase(t *testing.T) {
	api := NewAPI(Deps{}, logger.New(logger.Config{Level: "error"}))

	for _, h := range []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"/api/captures", api.HandleCaptures},
		{"/api/spurts", api.HandleSpurts},
	} {
		var result []interface{}
		if code := get(t, h.handler, h.name, &result); code != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", h.name, code)
		}
		if len(result) != 0 {
			t.Errorf("%s: expected empty array, got %v", h.name, result)
		}
	}
}

func TestAPI_MethodNotAllowed(t *testing.T) {
	api := NewAPI(Deps{}, nil)

	for _, handler := range []http.HandlerFunc{api.HandleStatus, api.HandleSessions, api.HandleCaptures, api.HandleSpurts} {
		req := httptest.NewRequest(http.MethodPost, "/api/x", nil)
		w := httptest.NewRecorder()
		handler(w, req)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("Expected status 405, got %d", w.Code)
		}
	}
}
