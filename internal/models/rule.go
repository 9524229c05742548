package models

import (
	"time"
)

// Rule actions.
const (
	RuleActionAllow = "allow"
	RuleActionDeny  = "deny"
)

// Rule kinds. An IP rule's subject is an address or CIDR; a country rule's
// subject is an ISO 3166-1 alpha-2 code.
const (
	RuleKindIP      = "ip"
	RuleKindCountry = "country"
)

// Rule sources, recorded so auto-ban entries are distinguishable from
// administrative ones.
const (
	RuleSourceManual  = "manual"
	RuleSourceAutoBan = "autoban"
)

// Rule is a single allow/deny entry consumed by the policy compiler.
// A nil ExpiresAt means the rule is permanent.
type Rule struct {
	ID        uint       `json:"id" gorm:"primaryKey"`
	UUID      string     `json:"uuid" gorm:"uniqueIndex"`
	Enabled   bool       `json:"enabled"`
	Action    string     `json:"action"`
	Kind      string     `json:"kind"`
	Subject   string     `json:"subject" gorm:"index"`
	Note      string     `json:"note" gorm:"type:text"`
	Source    string     `json:"source"`
	ExpiresAt *time.Time `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Effective reports whether the rule participates in enforcement at the given
// instant: enabled and either permanent or not yet expired.
func (r *Rule) Effective(now time.Time) bool {
	if !r.Enabled {
		return false
	}
	if r.ExpiresAt == nil {
		return true
	}
	return r.ExpiresAt.After(now)
}

// Permanent reports whether the rule never expires.
func (r *Rule) Permanent() bool {
	return r.ExpiresAt == nil
}
