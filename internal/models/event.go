package models

import (
	"time"
)

// Offense types recognized by the ingestion pipeline. Lines carrying any other
// type are dropped during normalization.
const (
	OffenseAuthFail  = "authfail"
	OffenseFlood     = "flood"
	OffenseInjection = "injection"
	OffenseBot       = "bot"
)

// KnownOffenseTypes is the closed set of accepted event types.
var KnownOffenseTypes = map[string]bool{
	OffenseAuthFail:  true,
	OffenseFlood:     true,
	OffenseInjection: true,
	OffenseBot:       true,
}

// SecurityEvent is one normalized attack/offense observation parsed from the
// gateway's structured event log. DedupKey is derived from
// (type, ip, timestamp, host, uri) so re-reading the same byte range cannot
// produce duplicate rows.
type SecurityEvent struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	UUID          string    `json:"uuid" gorm:"uniqueIndex"`
	DedupKey      string    `json:"-" gorm:"uniqueIndex;size:64"`
	Timestamp     time.Time `json:"timestamp" gorm:"index"`
	SourceIP      string    `json:"source_ip" gorm:"index"`
	OffenseType   string    `json:"offense_type" gorm:"index"`
	Host          string    `json:"host"`
	Method        string    `json:"method"`
	URI           string    `json:"uri" gorm:"type:text"`
	StatusCode    int       `json:"status_code"`
	UserAgent     string    `json:"user_agent" gorm:"type:text"`
	Referer       string    `json:"referer" gorm:"type:text"`
	Authenticated bool      `json:"authenticated"`
	Country       string    `json:"country"`
	CreatedAt     time.Time `json:"created_at"`
}
