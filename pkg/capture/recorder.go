package capture

import (
	"net"
	"strconv"
	"time"

	"github.com/dbehnke/issi-ptt/pkg/database"
	"github.com/dbehnke/issi-ptt/pkg/logger"
	"github.com/dbehnke/issi-ptt/pkg/metrics"
	"github.com/dbehnke/issi-ptt/pkg/ptt"
)

// EventSink receives live capture events, typically the web socket hub
type EventSink interface {
	BroadcastPacket(pkt *database.CapturedPacket)
	BroadcastSpurtEnded(s *database.Spurt)
}

// Config wires a Recorder; every field is optional
type Config struct {
	Packets *database.PacketRepository
	Spurts  *database.SpurtRepository
	Metrics *metrics.Collector
	Sink    EventSink
	Logger  *logger.Logger
}

// Recorder is the ptt.Capturer that persists, counts and publishes captured packets
type Recorder struct {
	packets *database.PacketRepository
	spurts  *SpurtLogger
	metrics *metrics.Collector
	sink    EventSink
	logger  *logger.Logger
}

var _ ptt.Capturer = (*Recorder)(nil)

// NewRecorder creates a capture recorder
func NewRecorder(cfg Config) *Recorder {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	r := &Recorder{
		packets: cfg.Packets,
		spurts:  NewSpurtLogger(cfg.Spurts, cfg.Metrics, log),
		metrics: cfg.Metrics,
		sink:    cfg.Sink,
		logger:  log.WithComponent("capture"),
	}
	if r.sink != nil {
		r.spurts.OnEnded(r.sink.BroadcastSpurtEnded)
	}
	return r
}

// Spurts returns the recorder's spurt logger
func (r *Recorder) Spurts() *SpurtLogger {
	return r.spurts
}

// CapturePacket records one packet sent or received by a session
func (r *Recorder) CapturePacket(pkt *ptt.CapturedPacket) {
	rec := Record(pkt)

	if r.packets != nil {
		if err := r.packets.Create(rec); err != nil {
			r.logger.Error("Failed to save captured packet",
				logger.Error(err),
				logger.Uint64("number", pkt.Number))
		}
	}

	if r.metrics != nil {
		if pkt.Sender {
			r.metrics.PacketSent(rec.PacketType, len(pkt.Raw))
		} else {
			r.metrics.PacketReceived(rec.PacketType, len(pkt.Raw))
		}
	}

	r.spurts.Observe(pkt)

	if r.sink != nil {
		r.sink.BroadcastPacket(rec)
	}
}

// Prune deletes packets and spurts older than retention
func (r *Recorder) Prune(retention time.Duration) (int64, error) {
	before := time.Now().Add(-retention)
	var total int64
	if r.packets != nil {
		n, err := r.packets.DeleteOlderThan(before)
		if err != nil {
			return total, err
		}
		total += n
	}
	if r.spurts.repo != nil {
		n, err := r.spurts.repo.DeleteOlderThan(before)
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		r.logger.Info("Pruned capture records",
			logger.Int64("deleted", total),
			logger.Duration("retention", retention))
	}
	return total, nil
}

// Record converts a captured packet to its database row
func Record(pkt *ptt.CapturedPacket) *database.CapturedPacket {
	rec := &database.CapturedPacket{
		Number:       pkt.Number,
		CapturedAt:   pkt.Time,
		Sender:       pkt.Sender,
		SessionID:    pkt.SessionID,
		Role:         pkt.Role.String(),
		LinkType:     pkt.LinkType.String(),
		LocalAddr:    pkt.LocalAddr,
		RemoteDomain: pkt.RemoteDomain,
		Sequence:     pkt.Sequence,
		Timestamp:    pkt.Timestamp,
		PacketType:   pkt.PacketType.String(),
		TSN:          pkt.TSN,
		Mute:         pkt.Mute,
		LosingAudio:  pkt.LosingAudio,
		UnitID:       pkt.UnitID,
		SystemID:     pkt.SystemID,
		BlockCount:   pkt.BlockCount,
		Raw:          pkt.Raw,
	}
	rec.RemoteHost = pkt.RemoteAddr
	if host, port, err := net.SplitHostPort(pkt.RemoteAddr); err == nil {
		rec.RemoteHost = host
		rec.RemotePort, _ = strconv.Atoi(port)
	}
	return rec
}
