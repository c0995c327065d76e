package database

import (
	"time"

	"gorm.io/gorm"
)

// PacketTypeCount is the number of captured packets of one type
type PacketTypeCount struct {
	PacketType string `json:"packet_type"`
	Count      int64  `json:"count"`
}

// PacketRepository handles captured packet database operations
type PacketRepository struct {
	db *gorm.DB
}

// NewPacketRepository creates a new packet repository
func NewPacketRepository(db *gorm.DB) *PacketRepository {
	return &PacketRepository{db: db}
}

// Create adds a captured packet
func (r *PacketRepository) Create(p *CapturedPacket) error {
	return r.db.Create(p).Error
}

// GetRecent retrieves the most recent N packets, newest first
func (r *PacketRepository) GetRecent(limit int) ([]CapturedPacket, error) {
	var packets []CapturedPacket
	err := r.db.Order("number DESC").Limit(limit).Find(&packets).Error
	return packets, err
}

// GetBySession retrieves the packets of one session in capture order
func (r *PacketRepository) GetBySession(sessionID string, limit int) ([]CapturedPacket, error) {
	var packets []CapturedPacket
	err := r.db.Where("session_id = ?", sessionID).
		Order("number ASC").
		Limit(limit).
		Find(&packets).Error
	return packets, err
}

// GetByTimeRange retrieves packets captured within a time range
func (r *PacketRepository) GetByTimeRange(start, end time.Time, limit int) ([]CapturedPacket, error) {
	var packets []CapturedPacket
	err := r.db.Where("captured_at BETWEEN ? AND ?", start, end).
		Order("number ASC").
		Limit(limit).
		Find(&packets).Error
	return packets, err
}

// CountByType counts captured packets grouped by packet type
func (r *PacketRepository) CountByType() ([]PacketTypeCount, error) {
	var counts []PacketTypeCount
	err := r.db.Model(&CapturedPacket{}).
		Select("packet_type, count(*) as count").
		Group("packet_type").
		Order("packet_type").
		Scan(&counts).Error
	return counts, err
}

// DeleteOlderThan deletes packets captured before the specified time
func (r *PacketRepository) DeleteOlderThan(before time.Time) (int64, error) {
	result := r.db.Where("captured_at < ?", before).Delete(&CapturedPacket{})
	return result.RowsAffected, result.Error
}

// SpurtRepository handles spurt database operations
type SpurtRepository struct {
	db *gorm.DB
}

// NewSpurtRepository creates a new spurt repository
func NewSpurtRepository(db *gorm.DB) *SpurtRepository {
	return &SpurtRepository{db: db}
}

// Create adds a spurt record
func (r *SpurtRepository) Create(s *Spurt) error {
	return r.db.Create(s).Error
}

// GetRecent retrieves the most recent N spurts
func (r *SpurtRepository) GetRecent(limit int) ([]Spurt, error) {
	var spurts []Spurt
	err := r.db.Order("start_time DESC").Limit(limit).Find(&spurts).Error
	return spurts, err
}

// GetRecentPaginated retrieves spurts with pagination
func (r *SpurtRepository) GetRecentPaginated(page, perPage int) ([]Spurt, int64, error) {
	var spurts []Spurt
	var total int64

	if err := r.db.Model(&Spurt{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * perPage
	err := r.db.Order("start_time DESC").
		Offset(offset).
		Limit(perPage).
		Find(&spurts).Error

	return spurts, total, err
}

// GetBySession retrieves the spurts of one session
func (r *SpurtRepository) GetBySession(sessionID string, limit int) ([]Spurt, error) {
	var spurts []Spurt
	err := r.db.Where("session_id = ?", sessionID).
		Order("start_time DESC").
		Limit(limit).
		Find(&spurts).Error
	return spurts, err
}

// GetByUnit retrieves the spurts of one unit
func (r *SpurtRepository) GetByUnit(unitID uint32, limit int) ([]Spurt, error) {
	var spurts []Spurt
	err := r.db.Where("unit_id = ?", unitID).
		Order("start_time DESC").
		Limit(limit).
		Find(&spurts).Error
	return spurts, err
}

// GetByTimeRange retrieves spurts started within a time range
func (r *SpurtRepository) GetByTimeRange(start, end time.Time, limit int) ([]Spurt, error) {
	var spurts []Spurt
	err := r.db.Where("start_time BETWEEN ? AND ?", start, end).
		Order("start_time DESC").
		Limit(limit).
		Find(&spurts).Error
	return spurts, err
}

// DeleteOlderThan deletes spurts started before the specified time
func (r *SpurtRepository) DeleteOlderThan(before time.Time) (int64, error) {
	result := r.db.Where("start_time < ?", before).Delete(&Spurt{})
	return result.RowsAffected, result.Error
}
