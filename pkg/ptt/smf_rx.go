package ptt

import (
	"github.com/dbehnke/issi-ptt/pkg/logger"
	"github.com/dbehnke/issi-ptt/pkg/protocol"
)

const (
	keySMFFirstPacket = "smf.rx.first"
	keySMFEndLoss     = "smf.rx.endloss"
)

// SMFReceiver receives a spurt started by the MMF
type SMFReceiver struct {
	s        *Session
	state    SmfRxState
	listener SMFRxListener
}

func newSMFReceiver(s *Session) *SMFReceiver {
	return &SMFReceiver{s: s}
}

// State returns the current receiver state
func (r *SMFReceiver) State() SmfRxState {
	var st SmfRxState
	r.s.l.mu.Lock()
	st = r.state
	r.s.l.mu.Unlock()
	return st
}

// SetListener sets the listener for received spurts
func (r *SMFReceiver) SetListener(l SMFRxListener) {
	r.s.l.exec(func() { r.listener = l })
}

func (r *SMFReceiver) transition(tr SmfRxTransition) error {
	next, err := r.s.tables.SMFRx.Next(r.state, tr)
	if err != nil {
		r.s.l.illegal(err)
		return err
	}
	r.s.l.log.Debug("SMF-Rx transition",
		logger.String("from", r.state.String()),
		logger.String("transition", tr.String()),
		logger.String("to", next.String()))
	r.state = next
	return nil
}

func (r *SMFReceiver) handle(p *protocol.Payload) {
	if r.state == SmfRxDone {
		return
	}
	ev := PacketEvent{Session: r.s, Payload: p}
	l := r.listener
	tm := r.s.l.tm

	switch p.PacketType.Type {
	case protocol.PacketStart:
		switch r.state {
		case SmfRxBegin:
			if l != nil {
				r.s.l.notify(func() { l.ReceivedStart(ev) })
			}
			if err := r.transition(SmfRxSpurtStart); err != nil {
				return
			}
			tm.After(keySMFFirstPacket, r.s.l.timers.FirstPacket, r.firstPacketExpired)
		case SmfRxReceiving:
			tm.After(keySMFFirstPacket, r.s.l.timers.FirstPacket, r.firstPacketExpired)
		}

	case protocol.PacketProgress:
		if err := r.transition(SmfRxReceiveAudio); err != nil {
			return
		}
		tm.Cancel(keySMFFirstPacket)
		tm.After(keySMFEndLoss, r.s.l.timers.EndLoss, r.endLossExpired)
		if r.s.muteRx.myMute == Muted {
			r.s.l.log.Debug("Muted, discarding audio", logger.Uint8("tsn", p.PacketType.TSN))
			return
		}
		if l != nil {
			r.s.l.notify(func() { l.ReceivedProgress(ev) })
		}

	case protocol.PacketEnd:
		if err := r.transition(SmfRxSpurtEnd); err != nil {
			return
		}
		tm.Cancel(keySMFFirstPacket)
		tm.Cancel(keySMFEndLoss)
		if l != nil {
			r.s.l.notify(func() { l.ReceivedEnd(ev) })
		}
	}
}

func (r *SMFReceiver) firstPacketExpired() {
	if r.state != SmfRxReceiving {
		return
	}
	r.s.l.log.Info("No audio after START")
	r.s.l.tm.Cancel(keySMFEndLoss)
	_ = r.transition(SmfRxAudioTimeout)
}

func (r *SMFReceiver) endLossExpired() {
	if r.s.muted || r.state != SmfRxReceiving {
		return
	}
	r.s.l.log.Info("Audio lost")
	_ = r.transition(SmfRxAudioTimeout)
}
