package ptt

import (
	"fmt"

	"github.com/dbehnke/issi-ptt/pkg/logger"
	"github.com/dbehnke/issi-ptt/pkg/protocol"
)

// MMFTransmitter relays spurts towards the SMF. Each spurt is keyed by its
// incoming TSN and sent under an outgoing TSN allocated for its unit.
type MMFTransmitter struct {
	s          *Session
	states     map[uint8]MmfTxState
	out        map[uint8]uint8
	prio       map[uint8]protocol.Priority
	blockAudio bool
}

func newMMFTransmitter(s *Session) *MMFTransmitter {
	return &MMFTransmitter{
		s:      s,
		states: make(map[uint8]MmfTxState),
		out:    make(map[uint8]uint8),
		prio:   make(map[uint8]protocol.Priority),
	}
}

// State returns the transmit state of an incoming TSN
func (t *MMFTransmitter) State(tsn uint8) MmfTxState {
	t.s.l.mu.Lock()
	defer t.s.l.mu.Unlock()
	return t.states[tsn]
}

// OutgoingTSN returns the TSN a spurt is relayed under
func (t *MMFTransmitter) OutgoingTSN(tsn uint8) (uint8, bool) {
	t.s.l.mu.Lock()
	defer t.s.l.mu.Unlock()
	out, ok := t.out[tsn]
	return out, ok
}

// BlockOutgoingAudio suppresses PROGRESS packets
func (t *MMFTransmitter) BlockOutgoingAudio(block bool) {
	t.s.l.exec(func() { t.blockAudio = block })
}

func (t *MMFTransmitter) transition(tsn uint8, tr MmfTxTransition) error {
	from := t.states[tsn]
	next, err := t.s.tables.MMFTx.Next(from, tr)
	if err != nil {
		t.s.l.illegal(err)
		return err
	}
	t.s.l.log.Debug("MMF-Tx transition",
		logger.Uint8("tsn", tsn),
		logger.String("from", from.String()),
		logger.String("transition", tr.String()),
		logger.String("to", next.String()))
	t.states[tsn] = next
	return nil
}

// SendSpurtStart opens a relayed spurt for the incoming TSN
func (t *MMFTransmitter) SendSpurtStart(systemID uint16, unitID uint32, tsn uint8, prio protocol.Priority) error {
	return t.s.l.execErr(func() error {
		if t.states[tsn] == MmfTxTerminated {
			delete(t.states, tsn)
		}
		if st := t.states[tsn]; st != MmfTxBegin {
			return fmt.Errorf("%w: start in %s", ErrInvalidState, st)
		}
		outTSN, err := t.s.tsnForUnit(unitID)
		if err != nil {
			return err
		}
		if err := t.transition(tsn, MmfTxTrigger); err != nil {
			return err
		}
		t.s.book.clearLosingExcept(outTSN)
		t.s.headerSent = false
		t.out[tsn] = outTSN
		t.prio[tsn] = prio

		t.s.l.log.Info("Relaying spurt",
			logger.Uint8("tsn", tsn),
			logger.Uint8("out_tsn", outTSN),
			logger.Uint32("unit", unitID))
		return t.s.l.send(t.s.unitPayload(protocol.PacketStart, outTSN, systemID, unitID, prio, nil))
	})
}

// SendVoice relays audio for a started spurt. Audio is dropped while the peer has us muted.
func (t *MMFTransmitter) SendVoice(tsn uint8, systemID uint16, unitID uint32, voice []protocol.VoiceBlock) error {
	return t.s.l.execErr(func() error {
		if t.s.muteTx.peerMuted == Muted {
			t.s.l.log.Debug("Muted by peer, dropping audio", logger.Uint8("tsn", tsn))
			return nil
		}
		if st := t.states[tsn]; st != MmfTxTransmitting {
			return fmt.Errorf("%w: audio in %s", ErrInvalidState, st)
		}
		if err := t.transition(tsn, MmfTxSendAudio); err != nil {
			return err
		}
		if t.blockAudio {
			return nil
		}
		return t.s.l.send(t.s.unitPayload(protocol.PacketProgress, t.out[tsn], systemID, unitID, t.prio[tsn], voice))
	})
}

// ForceAudio sends audio without a preceding START
func (t *MMFTransmitter) ForceAudio(tsn uint8, systemID uint16, unitID uint32, voice []protocol.VoiceBlock) error {
	return t.s.l.execErr(func() error {
		if t.states[tsn] == MmfTxTerminated {
			delete(t.states, tsn)
		}
		if _, ok := t.out[tsn]; !ok || t.states[tsn] == MmfTxBegin {
			outTSN, err := t.s.tsnForUnit(unitID)
			if err != nil {
				return err
			}
			t.out[tsn] = outTSN
			t.s.headerSent = false
		}
		if t.states[tsn] != MmfTxTransmitting {
			if err := t.transition(tsn, MmfTxTrigger); err != nil {
				return err
			}
		}
		if t.blockAudio {
			return nil
		}
		if err := t.transition(tsn, MmfTxSendAudio); err != nil {
			return err
		}
		return t.s.l.send(t.s.unitPayload(protocol.PacketProgress, t.out[tsn], systemID, unitID, t.prio[tsn], voice))
	})
}

// SendSpurtEndNotification closes the relayed spurt of the incoming TSN
func (t *MMFTransmitter) SendSpurtEndNotification(tsn uint8) error {
	return t.s.l.execErr(func() error {
		t.s.muteTx.shutdown()
		outTSN, ok := t.out[tsn]
		if !ok {
			return fmt.Errorf("%w: no spurt for TSN %d", ErrInvalidState, tsn)
		}
		if err := t.transition(tsn, MmfTxEndTrigger); err != nil {
			return err
		}
		if t.s.book.isLosing(outTSN) {
			t.s.book.clearLosing(outTSN)
		} else {
			t.s.book.clearNextLosing()
		}
		t.s.l.log.Info("Relayed spurt ended", logger.Uint8("tsn", tsn), logger.Uint8("out_tsn", outTSN))
		return t.s.l.send(t.s.controlPayload(protocol.PacketEnd, outTSN))
	})
}
