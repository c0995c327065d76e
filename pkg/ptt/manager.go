package ptt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dbehnke/issi-ptt/pkg/logger"
)

// ListenFunc opens a transport on a local port; port 0 picks any free port
type ListenFunc func(port int) (Transport, error)

// ManagerConfig holds the identity and resources of the local RFSS
type ManagerConfig struct {
	WACN       uint32
	SystemID   uint16
	DomainName string

	PortRangeStart int
	PortRangeEnd   int
	// MaxPorts is the RTP port budget; -1 means unlimited
	MaxPorts int
	// AdvancedResourceManagement lets session creation proceed past the budget
	AdvancedResourceManagement bool

	Timers   Timers
	Logger   *logger.Logger
	Capturer Capturer
	Observer Observer
	Listen   ListenFunc
}

// DefaultManagerConfig returns a configuration with the standard port range and timers
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		PortRangeStart: 25000,
		PortRangeEnd:   25200,
		MaxPorts:       -1,
		Timers:         DefaultTimers(),
	}
}

// Manager creates and tracks the PTT sessions of one RFSS
type Manager struct {
	cfg    ManagerConfig
	log    *logger.Logger
	tables *Tables
	alloc  *TSNAllocator

	counter atomic.Uint64
	nextID  atomic.Uint64

	mu        sync.Mutex
	timers    Timers
	maxPorts  int
	portsUsed int
	sessions  map[string]*Session
	muxes     map[string]*Multiplexer
	queried   map[LinkType]bool
}

// NewManager creates a session manager
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Capturer == nil {
		cfg.Capturer = NopCapturer{}
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Timers == (Timers{}) {
		cfg.Timers = DefaultTimers()
	}
	if cfg.PortRangeEnd < cfg.PortRangeStart {
		cfg.PortRangeEnd = cfg.PortRangeStart
	}
	return &Manager{
		cfg:      cfg,
		log:      cfg.Logger.WithComponent("ptt"),
		tables:   BuildTables(),
		alloc:    NewTSNAllocator(),
		timers:   cfg.Timers,
		maxPorts: cfg.MaxPorts,
		sessions: make(map[string]*Session),
		muxes:    make(map[string]*Multiplexer),
		queried:  make(map[LinkType]bool),
	}
}

// Tables returns the shared transition tables
func (m *Manager) Tables() *Tables {
	return m.tables
}

// Timers returns the timer values used for new sessions
func (m *Manager) Timers() Timers {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timers
}

// SetTimers changes the timer values used for new sessions
func (m *Manager) SetTimers(t Timers) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers = t
	return nil
}

// ResetTimers restores the default timer values for new sessions
func (m *Manager) ResetTimers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers.Reset()
}

// NextTSN allocates a TSN from the bucket of the link type
func (m *Manager) NextTSN(lt LinkType) (uint8, error) {
	return m.alloc.Next(lt)
}

// ReleaseTSN returns a TSN to its bucket
func (m *Manager) ReleaseTSN(lt LinkType, tsn uint8) {
	m.alloc.Release(lt, tsn)
}

// GrabPort takes one port from the RTP budget
func (m *Manager) GrabPort() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxPorts >= 0 && m.portsUsed >= m.maxPorts {
		return ErrNoRTPResources
	}
	m.portsUsed++
	return nil
}

// IncrementPortLimit raises the RTP budget by one port
func (m *Manager) IncrementPortLimit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxPorts >= 0 {
		m.maxPorts++
	}
}

// PortsInUse returns the number of ports taken from the budget
func (m *Manager) PortsInUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.portsUsed
}

func (m *Manager) releasePort() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.portsUsed > 0 {
		m.portsUsed--
	}
}

// open takes a port from the budget and binds a transport. The bool reports
// whether the port counts against the budget.
func (m *Manager) open(port int) (Transport, bool, error) {
	if m.cfg.Listen == nil {
		return nil, false, errors.New("no transport listener configured")
	}
	counted := true
	if err := m.GrabPort(); err != nil {
		if !m.cfg.AdvancedResourceManagement {
			return nil, false, err
		}
		m.log.Warn("RTP port budget exhausted, continuing")
		counted = false
	}

	tr, err := m.listen(port)
	if err != nil {
		if counted {
			m.releasePort()
		}
		return nil, false, err
	}
	return tr, counted, nil
}

// listen binds the requested port, or scans the configured range in steps of 2
func (m *Manager) listen(port int) (Transport, error) {
	if port != 0 {
		return m.cfg.Listen(port)
	}
	var lastErr error
	for p := m.cfg.PortRangeStart; p > 0 && p <= m.cfg.PortRangeEnd; p += 2 {
		tr, err := m.cfg.Listen(p)
		if err == nil {
			return tr, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		return m.cfg.Listen(0)
	}
	return nil, fmt.Errorf("%w: no free port in %d-%d: %v",
		ErrNoRTPResources, m.cfg.PortRangeStart, m.cfg.PortRangeEnd, lastErr)
}

func (m *Manager) newID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, m.nextID.Add(1))
}

func (m *Manager) linkConfig(id string, role Role, lt LinkType, tr Transport) linkConfig {
	return linkConfig{
		id:        id,
		role:      role,
		linkType:  lt,
		transport: tr,
		timers:    m.Timers(),
		log:       m.log,
		capturer:  m.cfg.Capturer,
		observer:  m.cfg.Observer,
		counter:   &m.counter,
	}
}

func (m *Manager) newSession(role Role, lt LinkType, tr Transport, test, shared, counted bool, hb HeartbeatListener) *Session {
	id := m.newID(strings.ToLower(role.String()))
	s := newSession(sessionConfig{
		link:       m.linkConfig(id, role, lt, tr),
		tables:     m.tables,
		alloc:      m.alloc,
		wacn:       m.cfg.WACN,
		systemID:   m.cfg.SystemID,
		test:       test,
		shared:     shared,
		hbListener: hb,
		onClose: func(s *Session) {
			m.mu.Lock()
			delete(m.sessions, s.ID())
			m.mu.Unlock()
			if counted {
				m.releasePort()
			}
		},
	})

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.log.Info("Session created",
		logger.String("session", id),
		logger.String("role", role.String()),
		logger.String("link", lt.String()))
	return s
}

// CreateSMF creates an SMF session on a local port; port 0 scans the configured range
func (m *Manager) CreateSMF(port int, lt LinkType) (*Session, error) {
	if !lt.Valid() {
		return nil, fmt.Errorf("invalid link type %d", lt)
	}
	tr, counted, err := m.open(port)
	if err != nil {
		return nil, err
	}
	return m.newSession(RoleSMF, lt, tr, false, false, counted, nil), nil
}

// CreateMMF creates an MMF session on a local port; port 0 scans the configured range
func (m *Manager) CreateMMF(port int, lt LinkType) (*Session, error) {
	if !lt.Valid() {
		return nil, fmt.Errorf("invalid link type %d", lt)
	}
	tr, counted, err := m.open(port)
	if err != nil {
		return nil, err
	}
	return m.newSession(RoleMMF, lt, tr, false, false, counted, nil), nil
}

// CreateTestSMF creates an SMF session on a caller supplied transport
func (m *Manager) CreateTestSMF(tr Transport, lt LinkType) (*Session, error) {
	if !lt.Valid() {
		return nil, fmt.Errorf("invalid link type %d", lt)
	}
	return m.newSession(RoleSMF, lt, tr, true, false, false, nil), nil
}

// CreateTestMMF creates an MMF session on a caller supplied transport and starts its heartbeats
func (m *Manager) CreateTestMMF(tr Transport, lt LinkType, hb HeartbeatListener) (*Session, error) {
	if !lt.Valid() {
		return nil, fmt.Errorf("invalid link type %d", lt)
	}
	s := m.newSession(RoleMMF, lt, tr, true, false, false, hb)
	s.StartHeartbeat()
	return s, nil
}

// CreateMultiplexer returns the multiplexer of an SDP session, creating it on first use
func (m *Manager) CreateMultiplexer(sdpSessionID string, groupID uint16) (*Multiplexer, error) {
	m.mu.Lock()
	if mux, ok := m.muxes[sdpSessionID]; ok {
		m.mu.Unlock()
		return mux, nil
	}
	m.mu.Unlock()

	tr, counted, err := m.open(0)
	if err != nil {
		return nil, err
	}
	return m.addMultiplexer(sdpSessionID, groupID, tr, counted), nil
}

// CreateTestMultiplexer creates a multiplexer on a caller supplied transport
func (m *Manager) CreateTestMultiplexer(tr Transport, sdpSessionID string, groupID uint16) (*Multiplexer, error) {
	m.mu.Lock()
	_, exists := m.muxes[sdpSessionID]
	m.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("multiplexer for SDP session %q already exists", sdpSessionID)
	}
	return m.addMultiplexer(sdpSessionID, groupID, tr, false), nil
}

func (m *Manager) addMultiplexer(sdpSessionID string, groupID uint16, tr Transport, counted bool) *Multiplexer {
	id := m.newID("mux")
	mux := newMultiplexer(m.linkConfig(id, RoleSMF, LinkGroupServing, tr), sdpSessionID, groupID,
		func(mux *Multiplexer) {
			m.mu.Lock()
			if m.muxes[mux.SDPSessionID()] == mux {
				delete(m.muxes, mux.SDPSessionID())
			}
			m.mu.Unlock()
			if counted {
				m.releasePort()
			}
		})

	m.mu.Lock()
	if existing, ok := m.muxes[sdpSessionID]; ok {
		m.mu.Unlock()
		_ = mux.Shutdown()
		return existing
	}
	m.muxes[sdpSessionID] = mux
	m.mu.Unlock()

	m.log.Info("Multiplexer created",
		logger.String("mux", id),
		logger.String("sdp", sdpSessionID),
		logger.Int("group", int(groupID)))
	return mux
}

// CreateMultiplexedSMF creates an SMF that sends on the multiplexer's
// transport. Bind it with SetTSN and Multiplexer.AddSession.
func (m *Manager) CreateMultiplexedSMF(mux *Multiplexer) (*Session, error) {
	if mux == nil {
		return nil, errors.New("nil multiplexer")
	}
	s := m.newSession(RoleSMF, LinkGroupServing, sharedTransport{Transport: mux.l.transport}, false, true, false, nil)
	s.SetGroupID(mux.GroupID())
	return s, nil
}

// Multiplexer returns the multiplexer of an SDP session
func (m *Manager) Multiplexer(sdpSessionID string) (*Multiplexer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mux, ok := m.muxes[sdpSessionID]
	return mux, ok
}

// Session returns a session by id
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// SendHeartbeatQuery queries the peers of the relay-hop links. Test
// sessions are skipped, and each relay-hop link type is queried at most
// once over the manager's lifetime.
func (m *Manager) SendHeartbeatQuery() {
	sessions, _ := m.snapshot()

	for _, s := range sessions {
		if s.test || s.shared || !s.LinkType().queriesHeartbeat() {
			continue
		}
		m.mu.Lock()
		done := m.queried[s.LinkType()]
		m.queried[s.LinkType()] = true
		m.mu.Unlock()
		if done {
			continue
		}
		if err := s.SendHeartbeatQuery(); err != nil {
			m.log.Debug("Heartbeat query failed",
				logger.String("session", s.ID()),
				logger.Error(err))
		}
	}
}

func (m *Manager) snapshot() ([]*Session, []*Multiplexer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID() < sessions[j].ID() })
	muxes := make([]*Multiplexer, 0, len(m.muxes))
	for _, mux := range m.muxes {
		muxes = append(muxes, mux)
	}
	sort.Slice(muxes, func(i, j int) bool { return muxes[i].ID() < muxes[j].ID() })
	return sessions, muxes
}

// Sessions returns a snapshot of every session
func (m *Manager) Sessions() []SessionInfo {
	sessions, _ := m.snapshot()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// Multiplexers returns a snapshot of every multiplexer
func (m *Manager) Multiplexers() []SessionInfo {
	_, muxes := m.snapshot()
	out := make([]SessionInfo, 0, len(muxes))
	for _, mux := range muxes {
		out = append(out, mux.Info())
	}
	return out
}

// Shutdown closes every session and multiplexer
func (m *Manager) Shutdown() {
	sessions, muxes := m.snapshot()
	for _, mux := range muxes {
		_ = mux.Shutdown()
	}
	for _, s := range sessions {
		_ = s.Shutdown()
	}
	m.log.Info("Session manager shut down",
		logger.Int("sessions", len(sessions)),
		logger.Int("multiplexers", len(muxes)))
}
