package ptt

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbehnke/issi-ptt/pkg/logger"
	"github.com/dbehnke/issi-ptt/pkg/protocol"
)

// Transport is a connectionless datagram endpoint bound to one peer
type Transport interface {
	Send(data []byte) error
	SetReceiver(fn func(data []byte))
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	SetRemoteAddr(addr net.Addr)
	Close() error
}

// link is the serialized endpoint shared by sessions and multiplexers.
// Every state change happens inside exec; listener notifications queued
// with notify run after the lock is released, in order.
type link struct {
	mu sync.Mutex

	id           string
	role         Role
	linkType     LinkType
	transport    Transport
	timers       Timers
	tm           *TimerManager
	log          *logger.Logger
	capturer     Capturer
	observer     Observer
	counter      *atomic.Uint64
	remoteDomain string

	seq       uint16
	timestamp uint32
	pending   []func()
	closed    bool
}

type linkConfig struct {
	id        string
	role      Role
	linkType  LinkType
	transport Transport
	timers    Timers
	log       *logger.Logger
	capturer  Capturer
	observer  Observer
	counter   *atomic.Uint64
}

func newLink(cfg linkConfig) *link {
	l := &link{
		id:        cfg.id,
		role:      cfg.role,
		linkType:  cfg.linkType,
		transport: cfg.transport,
		timers:    cfg.timers,
		log:       cfg.log,
		capturer:  cfg.capturer,
		observer:  cfg.observer,
		counter:   cfg.counter,
	}
	if l.log == nil {
		l.log = logger.NewNop()
	}
	if l.capturer == nil {
		l.capturer = NopCapturer{}
	}
	if l.observer == nil {
		l.observer = nopObserver{}
	}
	if l.counter == nil {
		l.counter = new(atomic.Uint64)
	}
	l.tm = NewTimerManager(func(fn func()) { l.exec(fn) })
	return l
}

// exec runs fn under the link lock unless the link is closed, then runs queued notifications
func (l *link) exec(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	fn()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, n := range pending {
		n()
	}
	return true
}

// execErr is exec for operations that return an error
func (l *link) execErr(fn func() error) error {
	var err error
	if !l.exec(func() { err = fn() }) {
		return ErrSessionClosed
	}
	return err
}

// notify queues fn to run once the current exec releases the lock
func (l *link) notify(fn func()) {
	l.pending = append(l.pending, fn)
}

// send frames and transmits a payload. Must be called inside exec.
func (l *link) send(p *protocol.Payload) error {
	if l.timers.SendDelay > 0 {
		time.Sleep(l.timers.SendDelay)
	}

	if l.transport.RemoteAddr() == nil {
		l.log.Debug("Remote address unknown, not sending",
			logger.String("type", p.PacketType.Type.String()))
		return ErrNotEstablished
	}

	l.seq++
	if n := len(p.Voice); n > 0 {
		l.timestamp += uint32(n * protocol.IMBETimeOffset)
	}

	frame := protocol.NewFrame(l.seq, l.timestamp, l.linkType.SSRC(), p)
	raw, err := frame.Marshal()
	if err != nil {
		l.log.Error("Failed to encode packet",
			logger.String("type", p.PacketType.Type.String()),
			logger.Error(err))
		return err
	}

	if err := l.transport.Send(raw); err != nil {
		l.log.Warn("Failed to send packet",
			logger.String("type", p.PacketType.Type.String()),
			logger.Error(err))
		return err
	}

	l.log.Debug("Sent packet",
		logger.String("type", p.PacketType.Type.String()),
		logger.Uint8("tsn", p.PacketType.TSN),
		logger.Bool("m", p.PacketType.Mute))

	l.capture(frame, raw, true)
	return nil
}

// decode parses an inbound datagram, counting malformed ones
func (l *link) decode(data []byte) (*protocol.Frame, bool) {
	frame, err := protocol.ParseFrame(data)
	if err != nil {
		l.log.Warn("Dropping malformed packet", logger.Error(err), logger.Int("size", len(data)))
		l.observer.PacketRejected("malformed")
		return nil, false
	}
	return frame, true
}

// capture queues an audit record. Must be called inside exec.
func (l *link) capture(frame *protocol.Frame, raw []byte, sender bool) {
	pkt := newCapturedPacket(frame, raw, sender)
	pkt.Number = l.counter.Add(1)
	pkt.SessionID = l.id
	pkt.Role = l.role
	pkt.LinkType = l.linkType
	pkt.RemoteDomain = l.remoteDomain
	if a := l.transport.LocalAddr(); a != nil {
		pkt.LocalAddr = a.String()
	}
	if a := l.transport.RemoteAddr(); a != nil {
		pkt.RemoteAddr = a.String()
	}
	capturer := l.capturer
	l.notify(func() { capturer.CapturePacket(pkt) })
}

// reject logs and counts a dropped inbound packet
func (l *link) reject(p *protocol.Payload, reason string) {
	l.log.Debug("Rejected packet",
		logger.String("type", p.PacketType.Type.String()),
		logger.Uint8("tsn", p.PacketType.TSN),
		logger.String("reason", reason))
	l.observer.PacketRejected(reason)
}

// illegal logs and counts a failed transition
func (l *link) illegal(err error) {
	l.log.Error("Protocol violation", logger.Error(err))
	if ite, ok := err.(*IllegalTransitionError); ok {
		l.observer.IllegalTransition(ite.Machine)
	}
}

// markClosed stops timers and refuses further work. Must be called inside
// exec; the transport is closed by the caller once the lock is released.
func (l *link) markClosed() {
	l.closed = true
	l.tm.StopAll()
}

func heartbeatPayload(interval, tsn uint8, mute bool) *protocol.Payload {
	return &protocol.Payload{
		PacketType: protocol.PacketTypeWord{
			Mute:     mute,
			Type:     protocol.PacketHeartbeat,
			Options:  protocol.DefaultServiceOptions(),
			TSN:      tsn,
			Interval: interval,
		},
	}
}

func heartbeatQueryPayload(interval uint8) *protocol.Payload {
	return &protocol.Payload{
		PacketType: protocol.PacketTypeWord{
			Type:     protocol.PacketHeartbeatQuery,
			Options:  protocol.DefaultServiceOptions(),
			Interval: interval,
		},
	}
}
