package models

import (
	"time"
)

// Policy set scopes. Exactly one global-scope set exists; app-scope sets bind
// a policy history to a single application.
const (
	PolicyScopeGlobal = "global"
	PolicyScopeApp    = "app"
)

// PolicySet groups versioned policy documents for one scope.
type PolicySet struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UUID      string    `json:"uuid" gorm:"uniqueIndex"`
	Scope     string    `json:"scope" gorm:"index"`
	AppID     *uint     `json:"app_id" gorm:"index"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyVersion is one immutable revision of a set's policy document. At most
// one version per set carries IsActive.
type PolicyVersion struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	UUID        string    `json:"uuid" gorm:"uniqueIndex"`
	PolicySetID uint      `json:"policy_set_id" gorm:"index"`
	Version     int       `json:"version"`
	PolicyJSON  string    `json:"policy_json" gorm:"type:text"`
	CreatedBy   string    `json:"created_by"`
	IsActive    bool      `json:"is_active" gorm:"index"`
	CreatedAt   time.Time `json:"created_at"`
}
