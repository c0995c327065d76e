package database

import (
	"time"

	"gorm.io/gorm"
)

// Spurt outcomes
const (
	OutcomeCompleted = "completed"
	OutcomeDenied    = "denied"
	OutcomeStale     = "stale"
)

// Spurt directions
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// CapturedPacket is one PTT packet sent or received by a session
type CapturedPacket struct {
	ID           uint      `gorm:"primarykey" json:"id"`
	Number       uint64    `gorm:"index" json:"number"`
	CapturedAt   time.Time `gorm:"index;not null" json:"captured_at"`
	Sender       bool      `json:"sender"`
	SessionID    string    `gorm:"index;size:32" json:"session_id"`
	Role         string    `gorm:"size:8" json:"role"`
	LinkType     string    `gorm:"size:40" json:"link_type"`
	LocalAddr    string    `gorm:"size:64" json:"local_addr"`
	RemoteHost   string    `gorm:"size:64" json:"remote_host"`
	RemotePort   int       `json:"remote_port"`
	RemoteDomain string    `gorm:"size:128" json:"remote_domain"`
	Sequence     uint16    `json:"sequence"`
	Timestamp    uint32    `json:"timestamp"`
	PacketType   string    `gorm:"index;size:40" json:"packet_type"`
	TSN          uint8     `gorm:"index" json:"tsn"`
	Mute         bool      `json:"mute"`
	LosingAudio  bool      `json:"losing_audio"`
	UnitID       uint32    `gorm:"index" json:"unit_id"`
	SystemID     uint16    `json:"system_id"`
	BlockCount   int       `json:"block_count"`
	Raw          []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName specifies the table name for CapturedPacket
func (CapturedPacket) TableName() string {
	return "captured_packets"
}

// BeforeCreate hook to ensure the capture time is set
func (p *CapturedPacket) BeforeCreate(tx *gorm.DB) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.CapturedAt.IsZero() {
		p.CapturedAt = p.CreatedAt
	}
	return nil
}

// Spurt is one talk spurt of a unit on a session, from its first packet to END
type Spurt struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	SessionID   string    `gorm:"index;size:32" json:"session_id"`
	TSN         uint8     `json:"tsn"`
	UnitID      uint32    `gorm:"index" json:"unit_id"`
	SystemID    uint16    `json:"system_id"`
	Direction   string    `gorm:"size:8" json:"direction"`
	StartTime   time.Time `gorm:"index;not null" json:"start_time"`
	EndTime     time.Time `gorm:"not null" json:"end_time"`
	Duration    float64   `gorm:"not null" json:"duration"` // Duration in seconds
	PacketCount int       `gorm:"default:0" json:"packet_count"`
	BlockCount  int       `gorm:"default:0" json:"block_count"`
	Outcome     string    `gorm:"size:16" json:"outcome"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName specifies the table name for Spurt
func (Spurt) TableName() string {
	return "spurts"
}

// BeforeCreate hook to ensure StartTime and EndTime are set
func (s *Spurt) BeforeCreate(tx *gorm.DB) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.StartTime.IsZero() {
		s.StartTime = time.Now()
	}
	if s.EndTime.IsZero() {
		s.EndTime = time.Now()
	}
	return nil
}
