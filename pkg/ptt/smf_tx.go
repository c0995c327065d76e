package ptt

import (
	"fmt"
	"time"

	"github.com/dbehnke/issi-ptt/pkg/logger"
	"github.com/dbehnke/issi-ptt/pkg/protocol"
)

const (
	keySMFRequest = "smf.tx.request"
	keySMFWait    = "smf.tx.wait"

	// blockDuration is the audio time carried by one IMBE voice block
	blockDuration = 20 * time.Millisecond
)

// SMFTransmitter requests the floor from the MMF and streams the spurt's audio
type SMFTransmitter struct {
	s        *Session
	state    SmfTxState
	snap     smfTxSnapshot
	listener SMFTxListener

	started     bool
	retriesLeft int

	systemID uint16
	unitID   uint32
	tsn      uint8
	voice    []protocol.VoiceBlock
	nblocks  int

	audioDone    chan struct{}
	audioStopped bool

	requestEnd         bool
	requestUnstoppable bool
	failOnTimeout      bool
	waitUnstoppable    bool
	denyUnstoppable    bool
	blockAudio         bool
}

func newSMFTransmitter(s *Session) *SMFTransmitter {
	return &SMFTransmitter{s: s, failOnTimeout: true}
}

// State returns the current transmitter state
func (t *SMFTransmitter) State() SmfTxState {
	return t.snap.load()
}

// TSN returns the TSN of the spurt, 0 before it starts
func (t *SMFTransmitter) TSN() uint8 {
	var tsn uint8
	t.s.l.exec(func() { tsn = t.tsn })
	return tsn
}

// SetListener sets the listener for arbitration results
func (t *SMFTransmitter) SetListener(l SMFTxListener) {
	t.s.l.exec(func() { t.listener = l })
}

// setPolicy changes a local policy before the spurt starts
func (t *SMFTransmitter) setPolicy(fn func()) error {
	return t.s.l.execErr(func() error {
		if t.started {
			return ErrAlreadyStarted
		}
		fn()
		return nil
	})
}

// SetRequestEndTrigger ends the spurt right after the first REQUEST
func (t *SMFTransmitter) SetRequestEndTrigger() error {
	return t.setPolicy(func() { t.requestEnd = true })
}

// SetRequestUnstoppable starts audio right after the first REQUEST without waiting for a GRANT
func (t *SMFTransmitter) SetRequestUnstoppable() error {
	return t.setPolicy(func() { t.requestUnstoppable = true })
}

// SetFailOnRequestTimeout ends the spurt when the REQUEST retries run out
func (t *SMFTransmitter) SetFailOnRequestTimeout() error {
	return t.setPolicy(func() { t.failOnTimeout = true })
}

// SetTransmitOnRequestTimeout self-grants when the REQUEST retries run out
func (t *SMFTransmitter) SetTransmitOnRequestTimeout() error {
	return t.setPolicy(func() { t.failOnTimeout = false })
}

// SetWaitUnstoppable self-grants when a WAIT times out
func (t *SMFTransmitter) SetWaitUnstoppable() error {
	return t.setPolicy(func() { t.waitUnstoppable = true })
}

// SetDenyUnstoppable transmits anyway after a DENY
func (t *SMFTransmitter) SetDenyUnstoppable() error {
	return t.setPolicy(func() { t.denyUnstoppable = true })
}

// BlockOutgoingAudio suppresses PROGRESS packets and the closing END
func (t *SMFTransmitter) BlockOutgoingAudio() error {
	return t.setPolicy(func() { t.blockAudio = true })
}

// SendSpurtRequest starts a spurt: it sends REQUEST and retries until
// arbitrated. nblocks voice blocks are streamed once granted, cycling
// through voice; nblocks <= 0 sends voice once.
func (t *SMFTransmitter) SendSpurtRequest(voice []protocol.VoiceBlock, systemID uint16, unitID uint32, nblocks int) error {
	return t.s.l.execErr(func() error {
		if t.started {
			return ErrAlreadyStarted
		}
		if err := t.prepare(voice, systemID, unitID, nblocks); err != nil {
			return err
		}
		t.started = true
		t.s.l.log.Info("Requesting floor",
			logger.Uint32("unit", unitID),
			logger.Uint8("tsn", t.tsn),
			logger.Int("blocks", t.nblocks))
		t.startRequesting()
		return nil
	})
}

// ForceAudio self-grants and streams without waiting for arbitration
func (t *SMFTransmitter) ForceAudio(voice []protocol.VoiceBlock, systemID uint16, unitID uint32, nblocks int) error {
	return t.s.l.execErr(func() error {
		if !t.started {
			if err := t.prepare(voice, systemID, unitID, nblocks); err != nil {
				return err
			}
			t.started = true
		}
		return t.forceAudio()
	})
}

// ForwardPttRequest relays a REQUEST without retries or local arbitration
func (t *SMFTransmitter) ForwardPttRequest(systemID uint16, unitID uint32, voice []protocol.VoiceBlock) error {
	return t.s.l.execErr(func() error {
		if !t.started {
			if err := t.prepare(nil, systemID, unitID, 0); err != nil {
				return err
			}
			t.started = true
		}
		if t.state == SmfTxBegin || t.state == SmfTxRequesting {
			if err := t.transition(SmfTxTrigger); err != nil {
				return err
			}
		}
		return t.s.l.send(t.s.unitPayload(protocol.PacketRequest, t.tsn, systemID, unitID, t.s.Priority(), voice))
	})
}

// ForwardPttProgress relays audio. It is legal while transmitting, before
// the spurt starts, or while requesting with the self-grant policy.
func (t *SMFTransmitter) ForwardPttProgress(systemID uint16, unitID uint32, voice []protocol.VoiceBlock) error {
	return t.s.l.execErr(func() error {
		if !t.started {
			if err := t.prepare(nil, systemID, unitID, 0); err != nil {
				return err
			}
			t.started = true
		}
		switch {
		case t.state == SmfTxTransmitting:
		case t.state == SmfTxBegin, t.state == SmfTxRequesting && !t.failOnTimeout:
			if err := t.transition(SmfTxSelfGrant); err != nil {
				return err
			}
			t.cancelTimers()
		default:
			return fmt.Errorf("%w: progress in %s", ErrInvalidState, t.state)
		}
		if err := t.transition(SmfTxSendAudio); err != nil {
			return err
		}
		if t.s.muteTx.peerMuted == Muted || t.blockAudio {
			return nil
		}
		return t.s.l.send(t.s.unitPayload(protocol.PacketProgress, t.tsn, systemID, unitID, t.s.Priority(), voice))
	})
}

// ForwardPttEnd relays the end of the spurt
func (t *SMFTransmitter) ForwardPttEnd() error {
	return t.SendSpurtEndNotification(SmfTxEndTrigger)
}

// SendSpurtEndNotification ends the spurt through the given transition
func (t *SMFTransmitter) SendSpurtEndNotification(tr SmfTxTransition) error {
	return t.s.l.execErr(func() error { return t.endSpurt(tr) })
}

func (t *SMFTransmitter) prepare(voice []protocol.VoiceBlock, systemID uint16, unitID uint32, nblocks int) error {
	if t.s.mux != nil {
		if err := t.s.mux.PushTransmitter(t.s); err != nil {
			return err
		}
	}
	tsn, err := t.s.tsnForUnit(unitID)
	if err != nil {
		return err
	}
	if nblocks <= 0 {
		nblocks = len(voice)
	}
	t.systemID = systemID
	t.unitID = unitID
	t.tsn = tsn
	t.voice = voice
	t.nblocks = nblocks
	t.s.headerSent = false
	return nil
}

func (t *SMFTransmitter) transition(tr SmfTxTransition) error {
	next, err := t.s.tables.SMFTx.Next(t.state, tr)
	if err != nil {
		t.s.l.illegal(err)
		return err
	}
	t.s.l.log.Debug("SMF-Tx transition",
		logger.String("from", t.state.String()),
		logger.String("transition", tr.String()),
		logger.String("to", next.String()))
	t.state = next
	t.snap.store(next)
	if next == SmfTxTerminated {
		t.stopAudio()
	}
	return nil
}

func (t *SMFTransmitter) startRequesting() {
	t.retriesLeft = t.s.l.timers.RequestRetries
	period := t.s.l.timers.Request
	t.s.l.tm.Every(keySMFRequest, period, period, t.requestTick)
	t.requestTick()
}

// requestTick sends one REQUEST, or applies the local policy once retries run out
func (t *SMFTransmitter) requestTick() {
	if t.retriesLeft > 0 {
		var tr SmfTxTransition
		switch t.state {
		case SmfTxBegin, SmfTxRequesting:
			tr = SmfTxTrigger
		case SmfTxWaiting:
			tr = SmfTxWaitTimeout
		default:
			t.s.l.tm.Cancel(keySMFRequest)
			return
		}
		if err := t.transition(tr); err != nil {
			t.s.l.tm.Cancel(keySMFRequest)
			return
		}
		_ = t.s.l.send(t.s.unitPayload(protocol.PacketRequest, t.tsn, t.systemID, t.unitID, t.s.Priority(), nil))
		t.retriesLeft--

		if t.requestEnd {
			_ = t.endSpurt(SmfTxEndTrigger)
			return
		}
		if t.requestUnstoppable {
			_ = t.forceAudio()
		}
		return
	}

	t.s.l.tm.Cancel(keySMFRequest)
	t.s.l.log.Info("Request timed out", logger.Uint8("tsn", t.tsn))
	if l := t.listener; l != nil {
		t.s.l.notify(l.RequestTimeout)
	}
	if t.state == SmfTxTerminated {
		return
	}
	if err := t.transition(SmfTxRequestTimeout); err != nil {
		return
	}
	if t.failOnTimeout {
		_ = t.endSpurt(SmfTxFailOnTimeout)
		return
	}
	_ = t.forceAudio()
}

// forceAudio self-grants and starts streaming
func (t *SMFTransmitter) forceAudio() error {
	if t.s.mux != nil {
		if err := t.s.mux.PushTransmitter(t.s); err != nil {
			return err
		}
	}
	if t.state != SmfTxTransmitting {
		if err := t.transition(SmfTxSelfGrant); err != nil {
			return err
		}
	}
	t.cancelTimers()
	t.startAudio()
	return nil
}

func (t *SMFTransmitter) handle(p *protocol.Payload) {
	if t.state == SmfTxTerminated {
		t.s.l.log.Debug("Ignoring response after spurt end",
			logger.Uint8("tsn", p.PacketType.TSN),
			logger.String("type", p.PacketType.Type.String()))
		return
	}
	ev := PacketEvent{Session: t.s, Payload: p}
	l := t.listener

	switch p.PacketType.Type {
	case protocol.PacketGrant:
		t.cancelTimers()
		if t.state != SmfTxTransmitting {
			if err := t.transition(SmfTxReceivedGrant); err != nil {
				return
			}
		}
		t.s.l.log.Info("Floor granted", logger.Uint8("tsn", p.PacketType.TSN))
		t.startAudio()
		if l != nil {
			t.s.l.notify(func() { l.ReceivedGrant(ev) })
		}

	case protocol.PacketDeny:
		t.cancelTimers()
		t.s.l.log.Info("Floor denied", logger.Uint8("tsn", p.PacketType.TSN))
		if t.denyUnstoppable {
			_ = t.forceAudio()
		} else if err := t.endSpurt(SmfTxDenied); err != nil {
			return
		}
		if l != nil {
			t.s.l.notify(func() { l.ReceivedDeny(ev) })
		}

	case protocol.PacketWait:
		if t.state != SmfTxRequesting && t.state != SmfTxWaiting {
			return
		}
		t.s.l.tm.Cancel(keySMFRequest)
		if t.state == SmfTxRequesting {
			if err := t.transition(SmfTxWait); err != nil {
				return
			}
		}
		t.s.l.tm.After(keySMFWait, t.s.l.timers.WaitTimeout, t.waitExpired)
		if l != nil {
			t.s.l.notify(func() { l.ReceivedWait(ev) })
		}
	}
}

func (t *SMFTransmitter) waitExpired() {
	t.s.l.log.Info("Wait timed out", logger.Uint8("tsn", t.tsn))
	if l := t.listener; l != nil {
		t.s.l.notify(l.WaitTimeout)
	}
	if t.state != SmfTxWaiting {
		return
	}
	if t.waitUnstoppable {
		_ = t.forceAudio()
		return
	}
	t.startRequesting()
}

// endSpurt sends END and hands the floor back to the multiplexer
func (t *SMFTransmitter) endSpurt(tr SmfTxTransition) error {
	t.s.muteTx.shutdown()
	if err := t.transition(tr); err != nil {
		return err
	}
	_ = t.s.l.send(t.s.controlPayload(protocol.PacketEnd, t.tsn))
	t.cancelTimers()
	t.s.l.log.Info("Spurt ended",
		logger.Uint8("tsn", t.tsn),
		logger.String("reason", tr.String()))
	if mux := t.s.mux; mux != nil {
		mux.release(t.s)
	}
	return nil
}

func (t *SMFTransmitter) cancelTimers() {
	t.s.l.tm.Cancel(keySMFRequest)
	t.s.l.tm.Cancel(keySMFWait)
}

func (t *SMFTransmitter) startAudio() {
	if t.audioDone != nil || len(t.voice) == 0 || t.nblocks == 0 {
		return
	}
	done := make(chan struct{})
	t.audioDone = done
	go t.audioLoop(done, t.voice, t.nblocks)
}

func (t *SMFTransmitter) stopAudio() {
	if t.audioDone != nil && !t.audioStopped {
		close(t.audioDone)
		t.audioStopped = true
	}
}

// stop interrupts the audio loop on shutdown
func (t *SMFTransmitter) stop() {
	t.stopAudio()
}

// audioLoop paces PROGRESS packets against absolute deadlines, up to
// three blocks per packet, then closes the spurt with END.
func (t *SMFTransmitter) audioLoop(done <-chan struct{}, voice []protocol.VoiceBlock, total int) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	deadline := time.Now()
	for k := 0; k < total; {
		n := min(protocol.MaxVoiceBlocksPerPacket, total-k)
		blocks := make([]protocol.VoiceBlock, n)
		for i := range blocks {
			blocks[i] = voice[(k+i)%len(voice)]
		}

		stop := false
		ok := t.s.l.exec(func() {
			if t.state != SmfTxTransmitting {
				stop = true
				return
			}
			if t.s.muteTx.peerMuted == Muted || t.blockAudio {
				return
			}
			if err := t.transition(SmfTxSendAudio); err != nil {
				stop = true
				return
			}
			_ = t.s.l.send(t.s.unitPayload(protocol.PacketProgress, t.tsn, t.systemID, t.unitID, t.s.Priority(), blocks))
		})
		if !ok || stop {
			return
		}

		k += n
		deadline = deadline.Add(time.Duration(n) * blockDuration)
		timer.Reset(time.Until(deadline))
		select {
		case <-done:
			return
		case <-timer.C:
		}
	}

	t.s.l.exec(func() {
		if t.blockAudio || t.state == SmfTxTerminated {
			return
		}
		_ = t.endSpurt(SmfTxEndTrigger)
	})
}
