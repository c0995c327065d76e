package ptt

import (
	"time"

	"github.com/dbehnke/issi-ptt/pkg/logger"
	"github.com/dbehnke/issi-ptt/pkg/protocol"
)

const (
	keyHeartbeatTx = "hb.tx"
	keyHeartbeatRx = "hb.rx"

	// heartbeatLossFactor is how many missed intervals declare the peer gone
	heartbeatLossFactor = 4
)

// heartbeatTransmitter sends connection maintenance heartbeats on a link
type heartbeatTransmitter struct {
	l       *link
	started bool
	blocked bool
}

func newHeartbeatTransmitter(l *link) *heartbeatTransmitter {
	return &heartbeatTransmitter{l: l}
}

// start begins periodic heartbeats, optionally preceded by a query
func (h *heartbeatTransmitter) start(query bool) {
	if h.started {
		return
	}
	h.started = true
	if query {
		_ = h.sendQuery()
	}
	period := h.l.timers.Heartbeat
	h.l.tm.Every(keyHeartbeatTx, period, period, func() {
		_ = h.sendHeartbeat()
	})
}

func (h *heartbeatTransmitter) stop() {
	h.started = false
	h.l.tm.Cancel(keyHeartbeatTx)
}

func (h *heartbeatTransmitter) sendHeartbeat() error {
	if h.blocked {
		return nil
	}
	return h.l.send(heartbeatPayload(h.l.timers.heartbeatInterval(), 0, false))
}

func (h *heartbeatTransmitter) sendQuery() error {
	if h.blocked {
		return nil
	}
	return h.l.send(heartbeatQueryPayload(h.l.timers.heartbeatInterval()))
}

// heartbeatReceiver watches for connection heartbeats and reports their loss
type heartbeatReceiver struct {
	l        *link
	tx       *heartbeatTransmitter
	info     func() SessionInfo
	listener HeartbeatListener
}

func newHeartbeatReceiver(l *link, tx *heartbeatTransmitter, info func() SessionInfo) *heartbeatReceiver {
	return &heartbeatReceiver{l: l, tx: tx, info: info}
}

func (h *heartbeatReceiver) start() {
	h.arm(0)
}

// arm (re)schedules the loss timeout from the interval advertised by the peer
func (h *heartbeatReceiver) arm(interval uint8) {
	d := time.Duration(interval) * time.Second
	if d == 0 {
		d = h.l.timers.Heartbeat
	}
	h.l.tm.After(keyHeartbeatRx, heartbeatLossFactor*d, h.timeout)
}

func (h *heartbeatReceiver) handle(p *protocol.Payload) {
	tsn := p.PacketType.TSN
	listener := h.listener

	switch p.PacketType.Type {
	case protocol.PacketHeartbeat:
		h.l.log.Debug("Received heartbeat", logger.Uint8("interval", p.PacketType.Interval))
		if listener != nil {
			h.l.notify(func() { listener.ReceivedHeartbeat(tsn) })
		}
		h.arm(p.PacketType.Interval)

	case protocol.PacketHeartbeatQuery:
		h.l.log.Debug("Received heartbeat query")
		if listener != nil {
			info := h.info()
			h.l.notify(func() { listener.ReceivedHeartbeatQuery(info, tsn) })
		}
		h.arm(p.PacketType.Interval)
		if h.tx != nil {
			_ = h.tx.sendHeartbeat()
		}
	}
}

func (h *heartbeatReceiver) timeout() {
	h.l.log.Warn("Heartbeat timeout",
		logger.Duration("after", heartbeatLossFactor*h.l.timers.Heartbeat))
	h.l.observer.HeartbeatTimeout()
	if listener := h.listener; listener != nil {
		info := h.info()
		h.l.notify(func() { listener.HeartbeatTimeout(info) })
	}
}
