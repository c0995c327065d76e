package ptt

import (
	"net"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dbehnke/issi-ptt/pkg/logger"
	"github.com/dbehnke/issi-ptt/pkg/protocol"
)

// SessionInfo is a point-in-time snapshot of a session
type SessionInfo struct {
	ID          string               `json:"id"`
	Role        Role                 `json:"role"`
	LinkType    LinkType             `json:"link_type"`
	LocalAddr   string               `json:"local_addr"`
	RemoteAddr  string               `json:"remote_addr"`
	Multiplexed bool                 `json:"multiplexed"`
	Test        bool                 `json:"test"`
	Closed      bool                 `json:"closed"`
	Priority    protocol.Priority    `json:"priority"`
	Muted       bool                 `json:"muted"`
	PeerMuted   bool                 `json:"peer_muted"`
	MyTSNs      []int                `json:"my_tsns"`
	RemoteTSNs  []int                `json:"remote_tsns"`
	SMFTx       SmfTxState           `json:"smf_tx"`
	SMFRx       SmfRxState           `json:"smf_rx"`
	MMFRx       map[uint8]MmfRxState `json:"mmf_rx,omitempty"`
	MMFTx       map[uint8]MmfTxState `json:"mmf_tx,omitempty"`
}

// Session is one ISSI PTT call leg bound to a transport. Its role selects
// the SMF (transmit request side) or MMF (arbitrating side) machines.
type Session struct {
	l      *link
	role   Role
	tables *Tables
	alloc  *TSNAllocator

	wacn     uint32
	systemID uint16
	groupID  uint16
	test     bool
	shared   bool

	book       *tsnBook
	remoteTSNs map[uint8]bool
	unitTSN    map[uint32]uint8
	allocated  []uint8
	muted      bool
	headerSent bool

	prioMu   sync.RWMutex
	priority protocol.Priority

	mux *Multiplexer

	hbTx   *heartbeatTransmitter
	hbRx   *heartbeatReceiver
	muteTx *muteTransmitter
	muteRx *muteReceiver

	smfTx *SMFTransmitter
	smfRx *SMFReceiver
	mmfRx *MMFReceiver
	mmfTx *MMFTransmitter

	muteListener   MuteListener
	muteHBListener MuteHeartbeatListener

	onClose func(*Session)
}

type sessionConfig struct {
	link       linkConfig
	tables     *Tables
	alloc      *TSNAllocator
	wacn       uint32
	systemID   uint16
	test       bool
	shared     bool
	hbListener HeartbeatListener
	onClose    func(*Session)
}

func newSession(cfg sessionConfig) *Session {
	s := &Session{
		l:          newLink(cfg.link),
		role:       cfg.link.role,
		tables:     cfg.tables,
		alloc:      cfg.alloc,
		wacn:       cfg.wacn,
		systemID:   cfg.systemID,
		test:       cfg.test,
		shared:     cfg.shared,
		book:       newTSNBook(),
		remoteTSNs: make(map[uint8]bool),
		unitTSN:    make(map[uint32]uint8),
		onClose:    cfg.onClose,
	}
	if s.tables == nil {
		s.tables = BuildTables()
	}
	if s.alloc == nil {
		s.alloc = NewTSNAllocator()
	}
	s.l.log = s.l.log.With(
		logger.String("session", s.l.id),
		logger.String("role", s.role.String()),
		logger.String("link", s.l.linkType.String()))

	s.muteTx = newMuteTransmitter(s)
	s.muteRx = newMuteReceiver(s)

	if !s.shared {
		s.hbTx = newHeartbeatTransmitter(s.l)
		s.hbRx = newHeartbeatReceiver(s.l, s.hbTx, s.info)
		s.hbRx.listener = cfg.hbListener
	}

	switch s.role {
	case RoleSMF:
		s.smfTx = newSMFTransmitter(s)
		s.smfRx = newSMFReceiver(s)
	case RoleMMF:
		s.mmfRx = newMMFReceiver(s)
		s.mmfTx = newMMFTransmitter(s)
	}

	if !s.shared {
		s.l.transport.SetReceiver(s.receive)
		s.hbRx.start()
	}
	s.l.observer.SessionOpened(s.role.String())
	return s
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.l.id
}

// Role returns whether the session is an SMF or an MMF
func (s *Session) Role() Role {
	return s.role
}

// LinkType returns the link type of the session
func (s *Session) LinkType() LinkType {
	return s.l.linkType
}

// LocalAddr returns the local transport address
func (s *Session) LocalAddr() net.Addr {
	return s.l.transport.LocalAddr()
}

// SetRemoteAddr sets the peer address packets are sent to
func (s *Session) SetRemoteAddr(addr net.Addr) {
	s.l.exec(func() { s.l.transport.SetRemoteAddr(addr) })
}

// SetRemoteDomain records the RFSS domain name of the peer for capture records
func (s *Session) SetRemoteDomain(domain string) {
	s.l.exec(func() { s.l.remoteDomain = domain })
}

// SetGroupID sets the group carried in the ISSI header word
func (s *Session) SetGroupID(groupID uint16) {
	s.l.exec(func() { s.groupID = groupID })
}

// Priority returns the transmit priority of the session
func (s *Session) Priority() protocol.Priority {
	s.prioMu.RLock()
	defer s.prioMu.RUnlock()
	return s.priority
}

// SetPriority sets the transmit priority used for control words and preemption
func (s *Session) SetPriority(p protocol.Priority) {
	s.prioMu.Lock()
	defer s.prioMu.Unlock()
	s.priority = p
}

// SetTSN binds a unit to an already allocated TSN
func (s *Session) SetTSN(unitID uint32, tsn uint8) {
	s.l.exec(func() {
		s.unitTSN[unitID] = tsn
		s.book.add(tsn)
	})
}

// TSNForUnit returns the TSN of a unit, allocating one on first use
func (s *Session) TSNForUnit(unitID uint32) (uint8, error) {
	var tsn uint8
	err := s.l.execErr(func() error {
		var err error
		tsn, err = s.tsnForUnit(unitID)
		return err
	})
	return tsn, err
}

// SetMuteListener sets the listener for MUTE and UNMUTE from the peer
func (s *Session) SetMuteListener(ml MuteListener) {
	s.l.exec(func() { s.muteListener = ml })
}

// SetMuteHeartbeatListener sets the listener for mute-transmission heartbeats
func (s *Session) SetMuteHeartbeatListener(ml MuteHeartbeatListener) {
	s.l.exec(func() { s.muteHBListener = ml })
}

// SetHeartbeatListener sets the listener for connection heartbeats
func (s *Session) SetHeartbeatListener(hl HeartbeatListener) {
	s.l.exec(func() {
		if s.hbRx != nil {
			s.hbRx.listener = hl
		}
	})
}

// StartHeartbeat starts periodic connection heartbeats
func (s *Session) StartHeartbeat() {
	s.l.exec(func() {
		if s.hbTx != nil {
			s.hbTx.start(s.role == RoleMMF)
		}
	})
}

// SendHeartbeatQuery sends a single HEARTBEAT_QUERY
func (s *Session) SendHeartbeatQuery() error {
	return s.l.execErr(func() error {
		if s.hbTx == nil {
			if s.mux != nil {
				return ErrWrongRole
			}
			return ErrNotEstablished
		}
		return s.hbTx.sendQuery()
	})
}

// BlockHeartbeats stops or resumes outgoing connection heartbeats
func (s *Session) BlockHeartbeats(block bool) {
	s.l.exec(func() {
		if s.hbTx != nil {
			s.hbTx.blocked = block
		}
	})
}

// Mute mutes the peer's audio for a spurt
func (s *Session) Mute(tsn uint8) error {
	return s.l.execErr(func() error { return s.muteRx.setMute(tsn) })
}

// Unmute releases a previous Mute
func (s *Session) Unmute(tsn uint8) error {
	return s.l.execErr(func() error { return s.muteRx.setUnmute(tsn) })
}

// SMFTransmitter returns the transmit side of an SMF session
func (s *Session) SMFTransmitter() (*SMFTransmitter, error) {
	if s.smfTx == nil {
		return nil, ErrWrongRole
	}
	return s.smfTx, nil
}

// SMFReceiver returns the receive side of an SMF session
func (s *Session) SMFReceiver() (*SMFReceiver, error) {
	if s.smfRx == nil {
		return nil, ErrWrongRole
	}
	return s.smfRx, nil
}

// MMFReceiver returns the arbitrating side of an MMF session
func (s *Session) MMFReceiver() (*MMFReceiver, error) {
	if s.mmfRx == nil {
		return nil, ErrWrongRole
	}
	return s.mmfRx, nil
}

// MMFTransmitter returns the transmit side of an MMF session
func (s *Session) MMFTransmitter() (*MMFTransmitter, error) {
	if s.mmfTx == nil {
		return nil, ErrWrongRole
	}
	return s.mmfTx, nil
}

// Info returns a snapshot of the session
func (s *Session) Info() SessionInfo {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	return s.info()
}

func (s *Session) info() SessionInfo {
	info := SessionInfo{
		ID:          s.l.id,
		Role:        s.role,
		LinkType:    s.l.linkType,
		Multiplexed: s.mux != nil,
		Test:        s.test,
		Closed:      s.l.closed,
		Priority:    s.Priority(),
		Muted:       bool(s.muteRx.myMute),
		PeerMuted:   bool(s.muteTx.peerMuted),
		MyTSNs:      s.book.mineList(),
	}
	if a := s.l.transport.LocalAddr(); a != nil {
		info.LocalAddr = a.String()
	}
	if a := s.l.transport.RemoteAddr(); a != nil {
		info.RemoteAddr = a.String()
	}
	for tsn := range s.remoteTSNs {
		info.RemoteTSNs = append(info.RemoteTSNs, int(tsn))
	}
	slices.Sort(info.RemoteTSNs)

	switch s.role {
	case RoleSMF:
		info.SMFTx = s.smfTx.state
		info.SMFRx = s.smfRx.state
	case RoleMMF:
		info.MMFRx = make(map[uint8]MmfRxState, len(s.mmfRx.legs))
		for tsn, leg := range s.mmfRx.legs {
			info.MMFRx[tsn] = leg.state
		}
		info.MMFTx = make(map[uint8]MmfTxState, len(s.mmfTx.states))
		for tsn, st := range s.mmfTx.states {
			info.MMFTx[tsn] = st
		}
	}
	return info
}

// Shutdown stops every timer, releases the transport and leaves the multiplexer. It is idempotent.
func (s *Session) Shutdown() error {
	var mux *Multiplexer
	closedNow := s.l.exec(func() {
		if s.smfTx != nil {
			s.smfTx.stop()
		}
		s.muteTx.shutdown()
		s.releaseTSNs()
		mux = s.mux
		s.l.markClosed()
		s.l.log.Info("Session closed")
		s.l.observer.SessionClosed(s.role.String())
	})
	if !closedNow {
		return nil
	}
	err := s.l.transport.Close()
	if mux != nil {
		mux.removeSession(s)
	}
	if s.onClose != nil {
		s.onClose(s)
	}
	return err
}

func (s *Session) releaseTSNs() {
	for _, tsn := range s.allocated {
		s.alloc.Release(s.l.linkType, tsn)
	}
	s.allocated = nil
}

// receive is the transport callback
func (s *Session) receive(data []byte) {
	frame, ok := s.l.decode(data)
	if !ok {
		return
	}
	s.l.exec(func() {
		s.l.capture(frame, data, false)
		s.dispatch(frame.Payload)
	})
}

// deliver hands a payload routed by a multiplexer to the session
func (s *Session) deliver(p *protocol.Payload) {
	s.l.exec(func() { s.dispatch(p) })
}

// dispatch runs an admitted packet through heartbeat, mute, then the role machines
func (s *Session) dispatch(p *protocol.Payload) {
	if !s.admit(p) {
		return
	}
	pt := p.PacketType.Type
	tsn := p.PacketType.TSN

	switch {
	case pt == protocol.PacketHeartbeatQuery || (tsn == 0 && pt == protocol.PacketHeartbeat):
		if s.hbRx != nil {
			s.hbRx.handle(p)
		}
		return
	case pt == protocol.PacketMute || pt == protocol.PacketUnmute:
		s.muteTx.handle(p)
		return
	default:
		s.muteRx.handle(p)
	}

	switch s.role {
	case RoleSMF:
		switch pt {
		case protocol.PacketStart, protocol.PacketProgress, protocol.PacketEnd:
			s.smfRx.handle(p)
		case protocol.PacketGrant, protocol.PacketDeny, protocol.PacketWait:
			s.smfTx.handle(p)
		}
	case RoleMMF:
		switch pt {
		case protocol.PacketRequest, protocol.PacketProgress, protocol.PacketEnd:
			s.mmfRx.handle(p)
		}
	}
}

// admit applies TSN parity, packet type and TSN activity rules to an inbound packet
func (s *Session) admit(p *protocol.Payload) bool {
	pt := p.PacketType.Type
	tsn := p.PacketType.TSN

	if pt == protocol.PacketHeartbeatQuery || (tsn == 0 && pt == protocol.PacketHeartbeat) {
		return true
	}
	if tsn == 0 {
		s.l.reject(p, "reserved_tsn")
		return false
	}

	even := tsn%2 == 0
	switch s.role {
	case RoleSMF:
		switch pt {
		case protocol.PacketStart, protocol.PacketProgress, protocol.PacketEnd:
			if even {
				s.l.reject(p, "tsn_parity")
				return false
			}
		case protocol.PacketGrant, protocol.PacketDeny, protocol.PacketWait,
			protocol.PacketMute, protocol.PacketUnmute:
			if !even {
				s.l.reject(p, "tsn_parity")
				return false
			}
		case protocol.PacketRequest:
			s.l.reject(p, "forbidden_type")
			return false
		}
	case RoleMMF:
		switch pt {
		case protocol.PacketRequest, protocol.PacketProgress, protocol.PacketEnd:
			if !even {
				s.l.reject(p, "tsn_parity")
				return false
			}
		case protocol.PacketMute, protocol.PacketUnmute:
			if even {
				s.l.reject(p, "tsn_parity")
				return false
			}
		case protocol.PacketStart, protocol.PacketGrant, protocol.PacketDeny, protocol.PacketWait:
			s.l.reject(p, "forbidden_type")
			return false
		}
	}
	if s.l.linkType == LinkGroupHome {
		switch pt {
		case protocol.PacketStart, protocol.PacketGrant, protocol.PacketDeny, protocol.PacketWait:
			s.l.reject(p, "forbidden_type")
			return false
		}
	}

	if s.remoteTSNs[tsn] {
		if pt == protocol.PacketEnd {
			delete(s.remoteTSNs, tsn)
		}
		return true
	}

	switch pt {
	case protocol.PacketStart, protocol.PacketRequest, protocol.PacketProgress:
		s.remoteTSNs[tsn] = true
	case protocol.PacketGrant, protocol.PacketDeny, protocol.PacketWait,
		protocol.PacketMute, protocol.PacketUnmute:
		if !s.book.has(tsn) {
			// response for a spurt we never started
			_ = s.l.send(s.controlPayload(protocol.PacketEnd, tsn))
			s.l.reject(p, "inactive_tsn")
			return false
		}
	case protocol.PacketEnd, protocol.PacketHeartbeat:
		s.l.reject(p, "unknown_tsn")
		return false
	}
	return true
}

// tsnForUnit returns the unit's TSN, allocating and recording one on first use
func (s *Session) tsnForUnit(unitID uint32) (uint8, error) {
	if tsn, ok := s.unitTSN[unitID]; ok {
		return tsn, nil
	}
	tsn, err := s.alloc.Next(s.l.linkType)
	if err != nil {
		return 0, err
	}
	s.unitTSN[unitID] = tsn
	s.allocated = append(s.allocated, tsn)
	s.book.add(tsn)
	return tsn, nil
}

func (s *Session) packetType(pt protocol.PacketType, tsn uint8) protocol.PacketTypeWord {
	return protocol.PacketTypeWord{
		Mute:        bool(s.muteTx.peerMuted),
		Type:        pt,
		Options:     protocol.DefaultServiceOptions(),
		TSN:         tsn,
		LosingAudio: s.book.isLosing(tsn),
		Interval:    s.l.timers.heartbeatInterval(),
	}
}

// controlPayload builds a packet without control word or voice
func (s *Session) controlPayload(pt protocol.PacketType, tsn uint8) *protocol.Payload {
	return &protocol.Payload{PacketType: s.packetType(pt, tsn)}
}

// unitPayload builds a REQUEST, START or PROGRESS for a unit. The ISSI
// header word rides on the first voice-carrying packet of a spurt.
func (s *Session) unitPayload(pt protocol.PacketType, tsn uint8, systemID uint16, unitID uint32, prio protocol.Priority, voice []protocol.VoiceBlock) *protocol.Payload {
	p := &protocol.Payload{
		PacketType: s.packetType(pt, tsn),
		ControlWord: &protocol.ControlWord{
			WACN:     s.wacn,
			SystemID: systemID,
			UnitID:   unitID,
			Priority: prio,
		},
	}
	if len(voice) > 0 && pt.CarriesVoice() {
		p.Voice = voice
		if !s.headerSent {
			p.HeaderWord = protocol.NewHeaderWord(s.groupID)
			s.headerSent = true
		}
	}
	return p
}

func (s *Session) notifyMute(p *protocol.Payload, muted bool) {
	ml := s.muteListener
	if ml == nil {
		return
	}
	ev := PacketEvent{Session: s, Payload: p}
	s.l.notify(func() {
		if muted {
			ml.ReceivedMute(ev)
		} else {
			ml.ReceivedUnmute(ev)
		}
	})
}

// tsnBook holds the locally generated TSNs and which of them are losing
// audio. It has its own lock so a multiplexer can mark sessions losing.
type tsnBook struct {
	mu     sync.Mutex
	mine   map[uint8]bool
	losing map[uint8]bool
}

func newTSNBook() *tsnBook {
	return &tsnBook{
		mine:   make(map[uint8]bool),
		losing: make(map[uint8]bool),
	}
}

func (b *tsnBook) add(tsn uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mine[tsn] = true
}

func (b *tsnBook) has(tsn uint8) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mine[tsn]
}

func (b *tsnBook) mineList() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int, 0, len(b.mine))
	for tsn := range b.mine {
		out = append(out, int(tsn))
	}
	slices.Sort(out)
	return out
}

func (b *tsnBook) isLosing(tsn uint8) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.losing[tsn]
}

func (b *tsnBook) setLosing(tsn uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.losing[tsn] = true
}

func (b *tsnBook) clearLosing(tsn uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.losing, tsn)
}

// clearLosingExcept marks every other local TSN as losing audio to tsn
func (b *tsnBook) clearLosingExcept(tsn uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.losing = make(map[uint8]bool, len(b.mine))
	for t := range b.mine {
		if t != tsn {
			b.losing[t] = true
		}
	}
}

// clearNextLosing clears the lowest losing TSN
func (b *tsnBook) clearNextLosing() {
	b.mu.Lock()
	defer b.mu.Unlock()
	first, found := uint8(0), false
	for t := range b.losing {
		if !found || t < first {
			first, found = t, true
		}
	}
	if found {
		delete(b.losing, first)
	}
}

// smfTxSnapshot publishes the SMF transmit state for lock-free reads
type smfTxSnapshot struct {
	v atomic.Int32
}

func (a *smfTxSnapshot) load() SmfTxState {
	return SmfTxState(a.v.Load())
}

func (a *smfTxSnapshot) store(st SmfTxState) {
	a.v.Store(int32(st))
}
