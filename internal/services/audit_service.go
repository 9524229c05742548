package services

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/aegisgate/aegis/internal/models"
)

// AuditService stores decision/action records for later review.
type AuditService struct {
	db *gorm.DB
}

func NewAuditService(db *gorm.DB) *AuditService {
	return &AuditService{db: db}
}

// Log stores an audit entry. Nil entries are ignored.
func (s *AuditService) Log(entry *models.AuditEntry) error {
	if entry == nil {
		return nil
	}
	if entry.UUID == "" {
		entry.UUID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return s.db.Create(entry).Error
}

// List returns recent audit entries, newest first.
func (s *AuditService) List(limit int) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	q := s.db.Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
