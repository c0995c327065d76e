package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/dbehnke/issi-ptt/pkg/database"
	"github.com/dbehnke/issi-ptt/pkg/logger"
	"github.com/dbehnke/issi-ptt/pkg/metrics"
	"github.com/dbehnke/issi-ptt/pkg/ptt"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// SessionSource lists the live sessions, typically a *ptt.Manager
type SessionSource interface {
	Sessions() []ptt.SessionInfo
	Multiplexers() []ptt.SessionInfo
}

// Deps are the data sources behind the REST API; every field is optional
type Deps struct {
	Sessions SessionSource
	Packets  *database.PacketRepository
	Spurts   *database.SpurtRepository
	Metrics  *metrics.Collector
}

// API handles REST API endpoints
type API struct {
	deps   Deps
	logger *logger.Logger
}

// NewAPI creates a new API instance
func NewAPI(deps Deps, log *logger.Logger) *API {
	if log == nil {
		log = logger.NewNop()
	}
	return &API{
		deps:   deps,
		logger: log,
	}
}

func (a *API) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("Failed to encode response", logger.Error(err))
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// limit parses ?limit=N, clamped to [1, maxLimit]
func limit(r *http.Request) (int, bool) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, false
	}
	return min(n, maxLimit), true
}

// HandleStatus handles the /api/status endpoint
func (a *API) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	version, commit, build := GetVersionInfo()
	response := map[string]interface{}{
		"status":     "running",
		"service":    "issi-ptt",
		"version":    version,
		"commit":     commit,
		"build_time": build,
	}
	if a.deps.Sessions != nil {
		counts := map[string]int{}
		for _, s := range a.deps.Sessions.Sessions() {
			counts[s.Role.String()]++
		}
		response["sessions"] = counts
		response["multiplexers"] = len(a.deps.Sessions.Multiplexers())
	}
	if m := a.deps.Metrics; m != nil {
		response["packets_sent"] = m.GetPacketsSent()
		response["packets_received"] = m.GetPacketsReceived()
		response["active_spurts"] = m.GetActiveSpurts()
	}

	a.writeJSON(w, response)
}

// HandleSessions handles the /api/sessions endpoint
func (a *API) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"sessions":     []ptt.SessionInfo{},
		"multiplexers": []ptt.SessionInfo{},
	}
	if a.deps.Sessions != nil {
		response["sessions"] = a.deps.Sessions.Sessions()
		response["multiplexers"] = a.deps.Sessions.Multiplexers()
	}
	a.writeJSON(w, response)
}

// HandleCaptures handles the /api/captures endpoint
func (a *API) HandleCaptures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n, ok := limit(r)
	if !ok {
		a.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if a.deps.Packets == nil {
		a.writeJSON(w, []database.CapturedPacket{})
		return
	}

	var packets []database.CapturedPacket
	var err error
	if session := r.URL.Query().Get("session"); session != "" {
		packets, err = a.deps.Packets.GetBySession(session, n)
	} else {
		packets, err = a.deps.Packets.GetRecent(n)
	}
	if err != nil {
		a.logger.Error("Failed to query captures", logger.Error(err))
		a.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	a.writeJSON(w, packets)
}

// HandleSpurts handles the /api/spurts endpoint
func (a *API) HandleSpurts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n, ok := limit(r)
	if !ok {
		a.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if a.deps.Spurts == nil {
		a.writeJSON(w, []database.Spurt{})
		return
	}

	spurts, err := a.deps.Spurts.GetRecent(n)
	if err != nil {
		a.logger.Error("Failed to query spurts", logger.Error(err))
		a.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	a.writeJSON(w, spurts)
}
