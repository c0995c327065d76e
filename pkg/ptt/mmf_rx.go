package ptt

import (
	"fmt"
	"strings"
	"time"

	"github.com/dbehnke/issi-ptt/pkg/logger"
	"github.com/dbehnke/issi-ptt/pkg/protocol"
)

// ArbitrationPolicy decides how an MMF answers a REQUEST
type ArbitrationPolicy uint8

const (
	ArbitrateGrant ArbitrationPolicy = iota
	ArbitrateDeny
	ArbitrateWaitThenGrant
	ArbitrateWaitThenDeny
)

func (a ArbitrationPolicy) String() string {
	return enumName(uint8(a), "ArbitrationPolicy", "GRANT", "DENY", "WAIT_THEN_GRANT", "WAIT_THEN_DENY")
}

// ParseArbitrationPolicy accepts the names produced by String, in any case
func ParseArbitrationPolicy(name string) (ArbitrationPolicy, error) {
	switch strings.ToUpper(strings.ReplaceAll(name, "-", "_")) {
	case "", "GRANT":
		return ArbitrateGrant, nil
	case "DENY":
		return ArbitrateDeny, nil
	case "WAIT_THEN_GRANT":
		return ArbitrateWaitThenGrant, nil
	case "WAIT_THEN_DENY":
		return ArbitrateWaitThenDeny, nil
	}
	return 0, fmt.Errorf("unknown arbitration policy %q", name)
}

// mmfLeg is the receive state of one incoming TSN
type mmfLeg struct {
	state  MmfRxState
	unitID uint32
}

// MMFReceiver arbitrates and receives spurts, one leg per incoming TSN
type MMFReceiver struct {
	s        *Session
	legs     map[uint8]*mmfLeg
	listener MMFRxListener

	policy         ArbitrationPolicy
	waitDuration   time.Duration
	ignoreRequests bool
}

func newMMFReceiver(s *Session) *MMFReceiver {
	return &MMFReceiver{
		s:            s,
		legs:         make(map[uint8]*mmfLeg),
		waitDuration: s.l.timers.Request,
	}
}

func mmfKey(tsn uint8, name string) string {
	return fmt.Sprintf("mmf.rx.%d.%s", tsn, name)
}

func mmfPrefix(tsn uint8) string {
	return fmt.Sprintf("mmf.rx.%d.", tsn)
}

// SetListener sets the listener for requests and received spurts. A
// listener must decide each request by calling Arbitrate.
func (r *MMFReceiver) SetListener(l MMFRxListener) {
	r.s.l.exec(func() { r.listener = l })
}

// SetPolicy sets the arbitration policy and the wait before a deferred decision
func (r *MMFReceiver) SetPolicy(policy ArbitrationPolicy, wait time.Duration) {
	r.s.l.exec(func() {
		r.policy = policy
		if wait > 0 {
			r.waitDuration = wait
		}
	})
}

// IgnoreRequests drops incoming REQUESTs without answering them
func (r *MMFReceiver) IgnoreRequests(ignore bool) {
	r.s.l.exec(func() { r.ignoreRequests = ignore })
}

// State returns the receive state of a TSN
func (r *MMFReceiver) State(tsn uint8) MmfRxState {
	r.s.l.mu.Lock()
	defer r.s.l.mu.Unlock()
	if leg, ok := r.legs[tsn]; ok {
		return leg.state
	}
	return MmfRxBegin
}

// Arbitrate answers a pending REQUEST with the configured policy. It does
// nothing once the TSN has been denied or has finished.
func (r *MMFReceiver) Arbitrate(tsn uint8) error {
	return r.s.l.execErr(func() error {
		leg, ok := r.legs[tsn]
		if !ok {
			return fmt.Errorf("%w: no request for TSN %d", ErrInvalidState, tsn)
		}
		switch leg.state {
		case MmfRxDeny, MmfRxDone:
			return nil
		case MmfRxArbitrate:
			return r.decide(tsn, leg)
		}
		return fmt.Errorf("%w: arbitrate in %s", ErrInvalidState, leg.state)
	})
}

func (r *MMFReceiver) decide(tsn uint8, leg *mmfLeg) error {
	switch r.policy {
	case ArbitrateDeny:
		return r.sendDeny(tsn, leg)
	case ArbitrateWaitThenGrant:
		return r.sendWait(tsn, leg, true)
	case ArbitrateWaitThenDeny:
		return r.sendWait(tsn, leg, false)
	}
	return r.sendGrant(tsn, leg)
}

func (r *MMFReceiver) leg(tsn uint8) *mmfLeg {
	leg, ok := r.legs[tsn]
	if !ok {
		leg = &mmfLeg{}
		r.legs[tsn] = leg
	}
	return leg
}

func (r *MMFReceiver) transition(tsn uint8, leg *mmfLeg, tr MmfRxTransition) error {
	next, err := r.s.tables.MMFRx.Next(leg.state, tr)
	if err != nil {
		r.s.l.illegal(err)
		return err
	}
	r.s.l.log.Debug("MMF-Rx transition",
		logger.Uint8("tsn", tsn),
		logger.String("from", leg.state.String()),
		logger.String("transition", tr.String()),
		logger.String("to", next.String()))
	leg.state = next
	return nil
}

func (r *MMFReceiver) handle(p *protocol.Payload) {
	tsn := p.PacketType.TSN
	leg := r.leg(tsn)
	if leg.state == MmfRxDone {
		r.s.l.log.Debug("Ignoring packet for finished TSN",
			logger.Uint8("tsn", tsn),
			logger.String("type", p.PacketType.Type.String()))
		return
	}
	ev := PacketEvent{Session: r.s, Payload: p}
	l := r.listener
	tm := r.s.l.tm

	switch p.PacketType.Type {
	case protocol.PacketRequest:
		if r.ignoreRequests {
			r.s.l.log.Debug("Ignoring request", logger.Uint8("tsn", tsn))
			return
		}
		switch leg.state {
		case MmfRxReceiving:
			_ = r.s.l.send(r.s.controlPayload(protocol.PacketGrant, tsn))
			return
		case MmfRxWait:
			_ = r.s.l.send(r.s.controlPayload(protocol.PacketWait, tsn))
			return
		}

		if err := r.transition(tsn, leg, MmfRxSpurtRequest); err != nil {
			return
		}
		leg.unitID = ev.UnitID()
		r.s.l.log.Info("Floor requested",
			logger.Uint8("tsn", tsn),
			logger.Uint32("unit", leg.unitID))

		if leg.state == MmfRxDeny {
			_ = r.sendDeny(tsn, leg)
			return
		}
		if l == nil {
			_ = r.decide(tsn, leg)
			return
		}
		if len(p.Voice) > 0 {
			r.s.l.notify(func() { l.ReceivedRequestWithVoice(ev) })
		} else {
			r.s.l.notify(func() { l.ReceivedRequest(ev) })
		}

	case protocol.PacketProgress:
		tm.Cancel(mmfKey(tsn, "first"))
		tm.After(mmfKey(tsn, "endloss"), r.s.l.timers.EndLoss, func() { r.endLossExpired(tsn) })

		tr := MmfRxReceiveAudio
		if leg.state == MmfRxWait {
			tm.Cancel(mmfKey(tsn, "wait"))
			tr = MmfRxStartReceiving
		}
		if err := r.transition(tsn, leg, tr); err != nil {
			return
		}
		if r.s.muteRx.myMute == Muted {
			r.s.l.log.Debug("Muted, discarding audio", logger.Uint8("tsn", tsn))
			return
		}
		if l != nil {
			r.s.l.notify(func() { l.ReceivedProgress(ev) })
		}

	case protocol.PacketEnd:
		if err := r.transition(tsn, leg, MmfRxSpurtEnd); err != nil {
			return
		}
		tm.CancelPrefix(mmfPrefix(tsn))
		r.s.l.log.Info("Spurt ended", logger.Uint8("tsn", tsn))
		if l != nil {
			r.s.l.notify(func() { l.ReceivedEnd(ev) })
		}
	}
}

func (r *MMFReceiver) sendGrant(tsn uint8, leg *mmfLeg) error {
	switch leg.state {
	case MmfRxArbitrate:
		if err := r.transition(tsn, leg, MmfRxGrantDecision); err != nil {
			return err
		}
	case MmfRxWait:
		if err := r.transition(tsn, leg, MmfRxGrantTrigger); err != nil {
			return err
		}
	}
	r.s.l.tm.After(mmfKey(tsn, "first"), r.s.l.timers.FirstPacket, func() { r.firstPacketExpired(tsn) })
	return r.s.l.send(r.s.controlPayload(protocol.PacketGrant, tsn))
}

func (r *MMFReceiver) sendDeny(tsn uint8, leg *mmfLeg) error {
	tr := MmfRxDenyTrigger
	if leg.state == MmfRxArbitrate {
		tr = MmfRxDenyDecision
	}
	if err := r.transition(tsn, leg, tr); err != nil {
		return err
	}
	return r.s.l.send(r.s.controlPayload(protocol.PacketDeny, tsn))
}

// sendWait defers the decision; grant selects the answer once the wait ends
func (r *MMFReceiver) sendWait(tsn uint8, leg *mmfLeg, grant bool) error {
	if err := r.transition(tsn, leg, MmfRxWaitDecision); err != nil {
		return err
	}
	r.s.l.tm.After(mmfKey(tsn, "wait"), r.waitDuration, func() {
		if leg.state != MmfRxWait {
			return
		}
		if grant {
			_ = r.sendGrant(tsn, leg)
		} else {
			_ = r.sendDeny(tsn, leg)
		}
	})
	return r.s.l.send(r.s.controlPayload(protocol.PacketWait, tsn))
}

func (r *MMFReceiver) firstPacketExpired(tsn uint8) {
	r.audioTimeout(tsn, "no audio after grant")
}

func (r *MMFReceiver) endLossExpired(tsn uint8) {
	if r.s.muted {
		return
	}
	r.audioTimeout(tsn, "audio lost")
}

func (r *MMFReceiver) audioTimeout(tsn uint8, reason string) {
	leg := r.leg(tsn)
	if leg.state == MmfRxDone {
		return
	}
	r.s.l.log.Info("Audio timeout", logger.Uint8("tsn", tsn), logger.String("reason", reason))
	r.s.l.tm.CancelPrefix(mmfPrefix(tsn))
	if err := r.transition(tsn, leg, MmfRxEndLossTimeout); err != nil {
		return
	}
	if l := r.listener; l != nil {
		r.s.l.notify(func() { l.AudioTimeout(tsn) })
	}
}
