package models

import (
	"time"
)

// IngestCursor tracks how far a watched event log has been consumed. The
// stored inode lets the tailer detect rotation; a shrinking file resets the
// offset to zero.
type IngestCursor struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	LogPath    string    `json:"log_path" gorm:"uniqueIndex"`
	Inode      uint64    `json:"inode"`
	ByteOffset int64     `json:"byte_offset"`
	UpdatedAt  time.Time `json:"updated_at"`
}
