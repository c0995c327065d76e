package ptt

import (
	"fmt"

	"github.com/dbehnke/issi-ptt/pkg/logger"
	"github.com/dbehnke/issi-ptt/pkg/protocol"
)

const (
	keyMuteTxPrefix = "mute.tx."
	keyUnmuteBurst  = "mute.rx.unmute"
	keyMuteEndLoss  = "mute.rx.endloss"
)

func muteHeartbeatKey(tsn uint8) string {
	return fmt.Sprintf("%s%d", keyMuteTxPrefix, tsn)
}

// muteTransmitter reacts to MUTE and UNMUTE from the peer. While the peer
// has us muted every outbound packet carries M=1 and mute-transmission
// heartbeats keep the peer informed.
type muteTransmitter struct {
	s         *Session
	peerMuted MuteState
}

func newMuteTransmitter(s *Session) *muteTransmitter {
	return &muteTransmitter{s: s}
}

func (m *muteTransmitter) handle(p *protocol.Payload) {
	s := m.s
	tsn := p.PacketType.TSN
	interval := s.l.timers.heartbeatInterval()

	switch p.PacketType.Type {
	case protocol.PacketMute:
		if m.peerMuted == Muted {
			return
		}
		m.peerMuted = Muted
		s.l.log.Info("Muted by peer", logger.Uint8("tsn", tsn))
		s.notifyMute(p, true)

		beat := func() { _ = s.l.send(heartbeatPayload(interval, tsn, true)) }
		beat()
		period := s.l.timers.MuteProgress
		s.l.tm.Every(muteHeartbeatKey(tsn), period, period, beat)

	case protocol.PacketUnmute:
		if m.peerMuted == Unmuted {
			return
		}
		m.peerMuted = Unmuted
		s.l.log.Info("Unmuted by peer", logger.Uint8("tsn", tsn))
		s.notifyMute(p, false)

		s.l.tm.Cancel(muteHeartbeatKey(tsn))
		_ = s.l.send(heartbeatPayload(interval, tsn, false))
	}
}

// shutdown stops every mute-transmission heartbeat
func (m *muteTransmitter) shutdown() {
	m.s.l.tm.CancelPrefix(keyMuteTxPrefix)
}

// muteReceiver checks the M bit of every inbound packet against the local
// mute decision and corrects the peer when they disagree.
type muteReceiver struct {
	s           *Session
	myMute      MuteState
	terminating bool
}

func newMuteReceiver(s *Session) *muteReceiver {
	return &muteReceiver{s: s}
}

func (m *muteReceiver) handle(p *protocol.Payload) {
	s := m.s
	pt := p.PacketType.Type
	tsn := p.PacketType.TSN

	// a new spurt clears the terminating leg
	if pt == protocol.PacketRequest || pt == protocol.PacketStart {
		m.terminating = false
	}

	if m.terminating {
		m.cancel()
		return
	}
	if pt == protocol.PacketEnd {
		m.cancel()
		m.terminating = true
		return
	}

	if MuteState(p.PacketType.Mute) != m.myMute {
		correction := protocol.PacketUnmute
		if m.myMute == Muted {
			correction = protocol.PacketMute
		}
		s.l.log.Debug("Bad M bit, correcting peer",
			logger.String("type", pt.String()),
			logger.Uint8("tsn", tsn),
			logger.String("expected", m.myMute.String()))
		s.l.observer.MuteCorrection(correction.String())
		_ = s.l.send(s.controlPayload(correction, tsn))
		return
	}

	if s.l.tm.Has(keyUnmuteBurst) {
		s.l.tm.Cancel(keyUnmuteBurst)
	}

	if pt == protocol.PacketHeartbeat && tsn != 0 {
		if ml := s.muteHBListener; ml != nil {
			mute := p.PacketType.Mute
			s.l.notify(func() { ml.ReceivedMuteHeartbeat(tsn, mute) })
		}
		if m.myMute == Muted {
			s.l.tm.After(keyMuteEndLoss, s.l.timers.MuteEndLoss, m.endLoss)
		}
	}
}

// setMute mutes the peer's spurt and starts watching for its mute heartbeats
func (m *muteReceiver) setMute(tsn uint8) error {
	s := m.s
	s.muted = true
	m.myMute = Muted
	s.l.tm.Cancel(keyUnmuteBurst)
	s.l.tm.After(keyMuteEndLoss, s.l.timers.MuteEndLoss, m.endLoss)
	return s.l.send(s.controlPayload(protocol.PacketMute, tsn))
}

// setUnmute repeats UNMUTE until the peer's M bit agrees
func (m *muteReceiver) setUnmute(tsn uint8) error {
	s := m.s
	m.myMute = Unmuted
	s.l.tm.Every(keyUnmuteBurst, 0, s.l.timers.Unmute, func() {
		s.l.tm.Cancel(keyMuteEndLoss)
		s.muted = false
		_ = s.l.send(s.controlPayload(protocol.PacketUnmute, tsn))
	})
	return nil
}

func (m *muteReceiver) endLoss() {
	m.s.l.log.Warn("Mute heartbeats lost, leg terminating")
	m.s.l.tm.Cancel(keyUnmuteBurst)
	m.terminating = true
}

func (m *muteReceiver) cancel() {
	m.s.l.tm.Cancel(keyUnmuteBurst)
	m.s.l.tm.Cancel(keyMuteEndLoss)
}
