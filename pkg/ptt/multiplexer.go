package ptt

import (
	"fmt"
	"net"
	"sync"

	"github.com/dbehnke/issi-ptt/pkg/logger"
	"github.com/dbehnke/issi-ptt/pkg/protocol"
)

// Multiplexer shares one GROUP_SERVING transport between the SMF sessions
// of a group call. It owns the connection heartbeats of that transport and
// decides which subscriber holds the floor.
type Multiplexer struct {
	l     *link
	sdpID string
	hbTx  *heartbeatTransmitter
	hbRx  *heartbeatReceiver

	mu          sync.Mutex
	groupID     uint16
	sessions    map[uint8]*Session
	tsnOf       map[*Session]uint8
	subscribers map[string]uint8
	active      *Session
	pending     []*Session

	onClose func(*Multiplexer)
}

func newMultiplexer(cfg linkConfig, sdpID string, groupID uint16, onClose func(*Multiplexer)) *Multiplexer {
	cfg.role = RoleSMF
	cfg.linkType = LinkGroupServing
	m := &Multiplexer{
		l:           newLink(cfg),
		sdpID:       sdpID,
		groupID:     groupID,
		sessions:    make(map[uint8]*Session),
		tsnOf:       make(map[*Session]uint8),
		subscribers: make(map[string]uint8),
		onClose:     onClose,
	}
	m.l.log = m.l.log.With(
		logger.String("mux", m.l.id),
		logger.String("sdp", sdpID))
	m.hbTx = newHeartbeatTransmitter(m.l)
	m.hbRx = newHeartbeatReceiver(m.l, m.hbTx, m.info)
	m.l.transport.SetReceiver(m.receive)
	m.hbRx.start()
	return m
}

// ID returns the multiplexer identifier
func (m *Multiplexer) ID() string {
	return m.l.id
}

// SDPSessionID returns the SDP session the multiplexer was created for
func (m *Multiplexer) SDPSessionID() string {
	return m.sdpID
}

// GroupID returns the group carried by the multiplexed sessions
func (m *Multiplexer) GroupID() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groupID
}

// LocalAddr returns the address of the shared transport
func (m *Multiplexer) LocalAddr() net.Addr {
	return m.l.transport.LocalAddr()
}

// SetRemoteAddr sets the peer address of the shared transport
func (m *Multiplexer) SetRemoteAddr(addr net.Addr) {
	m.l.exec(func() { m.l.transport.SetRemoteAddr(addr) })
}

// SetHeartbeatListener sets the listener for connection heartbeats
func (m *Multiplexer) SetHeartbeatListener(hl HeartbeatListener) {
	m.l.exec(func() { m.hbRx.listener = hl })
}

// StartHeartbeat starts periodic connection heartbeats on the shared transport
func (m *Multiplexer) StartHeartbeat() {
	m.l.exec(func() { m.hbTx.start(false) })
}

// SendHeartbeatQuery sends a HEARTBEAT_QUERY to the peer
func (m *Multiplexer) SendHeartbeatQuery() error {
	return m.l.execErr(func() error {
		if m.l.transport.RemoteAddr() == nil {
			return ErrNotEstablished
		}
		return m.hbTx.sendQuery()
	})
}

// AddSession registers a multiplexed SMF under its TSN
func (m *Multiplexer) AddSession(tsn uint8, s *Session) error {
	if !s.shared {
		return fmt.Errorf("%w: session %s is not multiplexed", ErrWrongRole, s.ID())
	}
	m.mu.Lock()
	if existing, ok := m.sessions[tsn]; ok && existing != s {
		m.mu.Unlock()
		return fmt.Errorf("TSN %d already bound to session %s", tsn, existing.ID())
	}
	m.sessions[tsn] = s
	m.tsnOf[s] = tsn
	groupID := m.groupID
	m.mu.Unlock()

	s.l.exec(func() {
		s.mux = m
		s.groupID = groupID
		s.book.add(tsn)
	})
	m.l.log.Debug("Session added", logger.String("session", s.ID()), logger.Uint8("tsn", tsn))
	return nil
}

// Session returns the session bound to a TSN
func (m *Multiplexer) Session(tsn uint8) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tsn]
	return s, ok
}

// Sessions returns every multiplexed session
func (m *Multiplexer) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// AddSU subscribes a subscriber unit, identified by name, to a TSN
func (m *Multiplexer) AddSU(name string, tsn uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[name] = tsn
}

// TSNFor returns the TSN of a subscribed unit
func (m *Multiplexer) TSNFor(name string) (uint8, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tsn, ok := m.subscribers[name]
	return tsn, ok
}

// IsSUSubscribed reports whether a unit is subscribed
func (m *Multiplexer) IsSUSubscribed(name string) bool {
	_, ok := m.TSNFor(name)
	return ok
}

// Active returns the session holding the floor, or nil
func (m *Multiplexer) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Pending returns the preempted sessions in the order they regain the floor
func (m *Multiplexer) Pending() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Session(nil), m.pending...)
}

// PushTransmitter gives the floor to c. The current holder is preempted,
// marked losing audio and queued, unless its priority is at least c's.
func (m *Multiplexer) PushTransmitter(c *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == c {
		return nil
	}
	if cur := m.active; cur != nil && !isTerminated(cur) {
		if !c.Priority().Preempts(cur.Priority()) {
			return fmt.Errorf("%w: %s holds the floor at %s, candidate at %s",
				ErrPriorityTooLow, cur.ID(), cur.Priority(), c.Priority())
		}
		cur.book.setLosing(m.tsnOf[cur])
		m.enqueue(cur)
		m.l.log.Info("Transmitter preempted",
			logger.String("preempted", cur.ID()),
			logger.String("by", c.ID()))
	}
	m.removePending(c)
	m.active = c
	return nil
}

// PopTransmitter hands the floor to the highest priority pending
// transmitter that is still running, or clears it
func (m *Multiplexer) PopTransmitter() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pop()
}

// release is called by a session whose spurt ended
func (m *Multiplexer) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != s {
		m.removePending(s)
		return
	}
	m.pop()
}

func (m *Multiplexer) pop() *Session {
	m.active = nil
	for len(m.pending) > 0 {
		next := m.pending[0]
		m.pending = m.pending[1:]
		if isTerminated(next) {
			continue
		}
		next.book.clearLosing(m.tsnOf[next])
		m.active = next
		m.l.log.Info("Transmitter resumed", logger.String("session", next.ID()))
		return next
	}
	return nil
}

// enqueue inserts s after every pending session of equal or higher priority
func (m *Multiplexer) enqueue(s *Session) {
	p := s.Priority()
	i := 0
	for i < len(m.pending) && m.pending[i].Priority().Compare(p) >= 0 {
		i++
	}
	m.pending = append(m.pending, nil)
	copy(m.pending[i+1:], m.pending[i:])
	m.pending[i] = s
}

func (m *Multiplexer) removePending(s *Session) {
	for i, p := range m.pending {
		if p == s {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

func (m *Multiplexer) removeSession(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tsn, ok := m.tsnOf[s]; ok {
		delete(m.sessions, tsn)
		delete(m.tsnOf, s)
	}
	m.removePending(s)
	if m.active == s {
		m.pop()
	}
}

func isTerminated(s *Session) bool {
	return s.smfTx == nil || s.smfTx.State() == SmfTxTerminated
}

// receive routes packets from the shared transport to the sessions
func (m *Multiplexer) receive(data []byte) {
	frame, ok := m.l.decode(data)
	if !ok {
		return
	}
	p := frame.Payload
	var targets []*Session

	m.l.exec(func() {
		m.l.capture(frame, data, false)
		pt := p.PacketType.Type
		tsn := p.PacketType.TSN

		switch pt {
		case protocol.PacketHeartbeatQuery:
			m.hbRx.handle(p)
			return
		case protocol.PacketHeartbeat:
			if tsn == 0 {
				m.hbRx.handle(p)
				return
			}
		case protocol.PacketMute, protocol.PacketUnmute, protocol.PacketWait,
			protocol.PacketGrant, protocol.PacketDeny:
			m.mu.Lock()
			s, found := m.sessions[tsn]
			m.mu.Unlock()
			if !found {
				m.l.log.Error("No session for TSN",
					logger.String("type", pt.String()),
					logger.Uint8("tsn", tsn))
				m.l.observer.PacketRejected("no_session")
				return
			}
			targets = []*Session{s}
			return
		}

		m.mu.Lock()
		for _, s := range m.sessions {
			targets = append(targets, s)
		}
		m.mu.Unlock()
	})

	for _, s := range targets {
		s.deliver(p)
	}
}

func (m *Multiplexer) info() SessionInfo {
	info := SessionInfo{
		ID:          m.l.id,
		Role:        RoleSMF,
		LinkType:    m.l.linkType,
		Multiplexed: true,
		Closed:      m.l.closed,
	}
	if a := m.l.transport.LocalAddr(); a != nil {
		info.LocalAddr = a.String()
	}
	if a := m.l.transport.RemoteAddr(); a != nil {
		info.RemoteAddr = a.String()
	}
	m.mu.Lock()
	for tsn := range m.sessions {
		info.MyTSNs = append(info.MyTSNs, int(tsn))
	}
	m.mu.Unlock()
	return info
}

// Info returns a snapshot of the multiplexer
func (m *Multiplexer) Info() SessionInfo {
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	return m.info()
}

// Shutdown closes every multiplexed session and the shared transport. It is idempotent.
func (m *Multiplexer) Shutdown() error {
	for _, s := range m.Sessions() {
		_ = s.Shutdown()
	}
	closedNow := m.l.exec(func() {
		m.l.markClosed()
		m.l.log.Info("Multiplexer closed")
	})
	if !closedNow {
		return nil
	}
	err := m.l.transport.Close()
	if m.onClose != nil {
		m.onClose(m)
	}
	return err
}

// sharedTransport lets multiplexed sessions send on the multiplexer's
// transport without taking over its receiver or closing it
type sharedTransport struct {
	Transport
}

func (sharedTransport) SetReceiver(func([]byte)) {}

func (sharedTransport) Close() error { return nil }
