package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/aegisgate/aegis/internal/models"
)

// EventService persists normalized security events and enforces the
// composite-key dedup contract via the unique DedupKey column.
type EventService struct {
	db *gorm.DB
}

func NewEventService(db *gorm.DB) *EventService {
	return &EventService{db: db}
}

// DedupKey derives the storage-level dedup key for one normalized event.
func DedupKey(ev *models.SecurityEvent) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s|%s",
		ev.OffenseType, ev.SourceIP, ev.Timestamp.UnixNano(), ev.Host, ev.URI)))
	return hex.EncodeToString(sum[:])
}

// Insert stores one event. A duplicate of an already stored event (same
// composite key) returns inserted=false without error; dedup is what makes
// re-reading a byte range after a crash harmless.
func (s *EventService) Insert(ev *models.SecurityEvent) (bool, error) {
	if ev.UUID == "" {
		ev.UUID = uuid.NewString()
	}
	if ev.DedupKey == "" {
		ev.DedupKey = DedupKey(ev)
	}

	res := s.db.Where("dedup_key = ?", ev.DedupKey).FirstOrCreate(ev)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Recent returns the newest events up to limit.
func (s *EventService) Recent(limit int) ([]models.SecurityEvent, error) {
	var events []models.SecurityEvent
	q := s.db.Order("timestamp desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// CountSince counts events for one (type, ip) pair newer than the cutoff.
func (s *EventService) CountSince(offenseType, sourceIP string, cutoff time.Time) (int64, error) {
	var count int64
	err := s.db.Model(&models.SecurityEvent{}).
		Where("offense_type = ? AND source_ip = ? AND timestamp > ?", offenseType, sourceIP, cutoff).
		Count(&count).Error
	return count, err
}

// DeleteOlderThan removes events past the retention window. Best effort; the
// caller logs and continues on error.
func (s *EventService) DeleteOlderThan(cutoff time.Time) (int64, error) {
	res := s.db.Where("timestamp < ?", cutoff).Delete(&models.SecurityEvent{})
	return res.RowsAffected, res.Error
}
