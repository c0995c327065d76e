package capture

import (
	"fmt"
	"sync"
	"time"

	"github.com/dbehnke/issi-ptt/pkg/database"
	"github.com/dbehnke/issi-ptt/pkg/logger"
	"github.com/dbehnke/issi-ptt/pkg/metrics"
	"github.com/dbehnke/issi-ptt/pkg/protocol"
	"github.com/dbehnke/issi-ptt/pkg/ptt"
)

// SpurtLogger turns the packet flow of each (session, TSN) into spurt records
type SpurtLogger struct {
	repo    *database.SpurtRepository
	metrics *metrics.Collector
	logger  *logger.Logger
	onEnded func(*database.Spurt)

	mu     sync.Mutex
	active map[string]*activeSpurt
}

// activeSpurt tracks a spurt between its first packet and END
type activeSpurt struct {
	key         string
	sessionID   string
	tsn         uint8
	unitID      uint32
	systemID    uint16
	direction   string
	startTime   time.Time
	lastSeen    time.Time
	packetCount int
	blockCount  int
}

// NewSpurtLogger creates a spurt logger. repo and collector may be nil.
func NewSpurtLogger(repo *database.SpurtRepository, collector *metrics.Collector, log *logger.Logger) *SpurtLogger {
	if log == nil {
		log = logger.NewNop()
	}
	return &SpurtLogger{
		repo:    repo,
		metrics: collector,
		logger:  log.WithComponent("spurts"),
		active:  make(map[string]*activeSpurt),
	}
}

// OnEnded registers fn to receive every closed spurt
func (sl *SpurtLogger) OnEnded(fn func(*database.Spurt)) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.onEnded = fn
}

func spurtKey(sessionID string, tsn uint8) string {
	return fmt.Sprintf("%s:%d", sessionID, tsn)
}

// Observe advances spurt tracking with one captured packet
func (sl *SpurtLogger) Observe(pkt *ptt.CapturedPacket) {
	var ended *database.Spurt
	var fn func(*database.Spurt)

	sl.mu.Lock()
	key := spurtKey(pkt.SessionID, pkt.TSN)
	switch pkt.PacketType {
	case protocol.PacketRequest, protocol.PacketStart, protocol.PacketProgress:
		sl.touch(key, pkt)
	case protocol.PacketEnd:
		if sp, ok := sl.active[key]; ok {
			sp.lastSeen = pkt.Time
			sp.packetCount++
			ended = sl.close(sp, database.OutcomeCompleted)
		}
	case protocol.PacketDeny:
		if sp, ok := sl.active[key]; ok {
			sp.lastSeen = pkt.Time
			ended = sl.close(sp, database.OutcomeDenied)
		}
	}
	fn = sl.onEnded
	sl.mu.Unlock()

	if ended != nil && fn != nil {
		fn(ended)
	}
}

func (sl *SpurtLogger) touch(key string, pkt *ptt.CapturedPacket) {
	sp, ok := sl.active[key]
	if !ok {
		direction := database.DirectionReceived
		if pkt.Sender {
			direction = database.DirectionSent
		}
		sp = &activeSpurt{
			key:       key,
			sessionID: pkt.SessionID,
			tsn:       pkt.TSN,
			direction: direction,
			startTime: pkt.Time,
		}
		sl.active[key] = sp
		if sl.metrics != nil {
			sl.metrics.SpurtStarted(key)
		}
		sl.logger.Debug("Started tracking spurt",
			logger.String("session", pkt.SessionID),
			logger.Uint8("tsn", pkt.TSN),
			logger.String("direction", direction))
	}
	if pkt.UnitID != 0 {
		sp.unitID = pkt.UnitID
		sp.systemID = pkt.SystemID
	}
	sp.lastSeen = pkt.Time
	sp.packetCount++
	sp.blockCount += pkt.BlockCount
}

// close persists sp and stops tracking it; sl.mu must be held
func (sl *SpurtLogger) close(sp *activeSpurt, outcome string) *database.Spurt {
	delete(sl.active, sp.key)
	if sl.metrics != nil {
		sl.metrics.SpurtEnded(sp.key)
	}

	rec := &database.Spurt{
		SessionID:   sp.sessionID,
		TSN:         sp.tsn,
		UnitID:      sp.unitID,
		SystemID:    sp.systemID,
		Direction:   sp.direction,
		StartTime:   sp.startTime,
		EndTime:     sp.lastSeen,
		Duration:    sp.lastSeen.Sub(sp.startTime).Seconds(),
		PacketCount: sp.packetCount,
		BlockCount:  sp.blockCount,
		Outcome:     outcome,
	}
	if sl.repo != nil {
		if err := sl.repo.Create(rec); err != nil {
			sl.logger.Error("Failed to save spurt",
				logger.Error(err),
				logger.String("spurt", sp.key))
		}
	}
	sl.logger.Debug("Spurt ended",
		logger.String("spurt", sp.key),
		logger.String("outcome", outcome),
		logger.Int("packets", sp.packetCount),
		logger.Any("duration", rec.Duration))
	return rec
}

// CleanupStale closes spurts with no packet for longer than maxAge
// Should be called periodically
func (sl *SpurtLogger) CleanupStale(maxAge time.Duration) int {
	var ended []*database.Spurt

	sl.mu.Lock()
	now := time.Now()
	for _, sp := range sl.active {
		if now.Sub(sp.lastSeen) > maxAge {
			ended = append(ended, sl.close(sp, database.OutcomeStale))
		}
	}
	fn := sl.onEnded
	sl.mu.Unlock()

	if fn != nil {
		for _, rec := range ended {
			fn(rec)
		}
	}
	return len(ended)
}

// ActiveCount returns the number of spurts in progress
func (sl *SpurtLogger) ActiveCount() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.active)
}
