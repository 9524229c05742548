package services

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/aegisgate/aegis/internal/models"
)

var (
	ErrRuleNotFound      = errors.New("rule not found")
	ErrInvalidRuleAction = errors.New("invalid rule action")
	ErrInvalidRuleKind   = errors.New("invalid rule kind")
	ErrInvalidSubject    = errors.New("invalid rule subject")
)

// ISO 3166-1 alpha-2 country codes accepted for country rules.
var validCountryCodes = map[string]bool{
	// North America
	"US": true, "CA": true, "MX": true,
	// Europe
	"GB": true, "DE": true, "FR": true, "IT": true, "ES": true, "NL": true, "BE": true,
	"SE": true, "NO": true, "DK": true, "FI": true, "PL": true, "CZ": true, "AT": true,
	"CH": true, "IE": true, "PT": true, "GR": true, "HU": true, "RO": true, "BG": true,
	"HR": true, "SI": true, "SK": true, "LT": true, "LV": true, "EE": true, "IS": true,
	"LU": true, "MT": true, "CY": true, "UA": true, "BY": true,
	// Asia
	"JP": true, "CN": true, "IN": true, "KR": true, "SG": true, "MY": true, "TH": true,
	"ID": true, "PH": true, "VN": true, "TW": true, "HK": true, "PK": true, "BD": true,
	"KP": true, "IR": true, "IQ": true, "SY": true, "AF": true, "LK": true, "MM": true,
	// Middle East
	"TR": true, "IL": true, "SA": true, "AE": true, "QA": true, "KW": true, "OM": true,
	"BH": true, "JO": true, "LB": true, "YE": true,
	// Africa
	"EG": true, "ZA": true, "NG": true, "KE": true, "ET": true, "TZ": true, "MA": true,
	"DZ": true, "SD": true, "UG": true, "GH": true,
	// South America
	"BR": true, "AR": true, "CL": true, "CO": true, "PE": true, "VE": true, "EC": true,
	"BO": true, "PY": true, "UY": true,
	// Caribbean / Central America
	"CU": true, "DO": true, "PR": true, "JM": true, "HT": true, "PA": true, "CR": true,
	// Oceania
	"AU": true, "NZ": true,
	// Russia & CIS
	"RU": true, "KZ": true, "UZ": true, "AZ": true, "GE": true, "AM": true,
}

// RuleService is the single mutation path for allow/deny rules. Both the
// auto-ban engine and administrative callers go through it.
type RuleService struct {
	db *gorm.DB
}

func NewRuleService(db *gorm.DB) *RuleService {
	return &RuleService{db: db}
}

// Create validates and persists a new rule.
func (s *RuleService) Create(rule *models.Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	if rule.UUID == "" {
		rule.UUID = uuid.NewString()
	}
	if rule.Source == "" {
		rule.Source = models.RuleSourceManual
	}
	return s.db.Create(rule).Error
}

// GetByID retrieves a rule by primary key.
func (s *RuleService) GetByID(id uint) (*models.Rule, error) {
	var rule models.Rule
	if err := s.db.First(&rule, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}
	return &rule, nil
}

// List returns all rules, newest first.
func (s *RuleService) List() ([]models.Rule, error) {
	var rules []models.Rule
	if err := s.db.Order("updated_at desc").Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

// ListEffective returns rules that are enabled and unexpired at the given
// instant. The compiler renders from this set only.
func (s *RuleService) ListEffective(now time.Time) ([]models.Rule, error) {
	var rules []models.Rule
	err := s.db.
		Where("enabled = ?", true).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Find(&rules).Error
	if err != nil {
		return nil, err
	}
	return rules, nil
}

// Update applies administrative edits to an existing rule.
func (s *RuleService) Update(id uint, updates *models.Rule) error {
	rule, err := s.GetByID(id)
	if err != nil {
		return err
	}

	rule.Enabled = updates.Enabled
	rule.Action = updates.Action
	rule.Kind = updates.Kind
	rule.Subject = updates.Subject
	rule.Note = updates.Note
	rule.ExpiresAt = updates.ExpiresAt

	if err := validateRule(rule); err != nil {
		return err
	}
	return s.db.Save(rule).Error
}

// Delete removes a rule. Only administrative callers delete; the ban path
// disables or expires instead.
func (s *RuleService) Delete(id uint) error {
	result := s.db.Delete(&models.Rule{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// LatestDeny returns the most recent deny rule for the exact subject, or
// ErrRuleNotFound when none exists.
func (s *RuleService) LatestDeny(kind, subject string) (*models.Rule, error) {
	var rule models.Rule
	err := s.db.
		Where("action = ? AND kind = ? AND subject = ?", models.RuleActionDeny, kind, subject).
		Order("id desc").
		First(&rule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}
	return &rule, nil
}

// HasEffectiveAllow reports whether an effective allow rule covers the
// subject. For IP subjects, CIDR allow rules match by containment.
func (s *RuleService) HasEffectiveAllow(kind, subject string, now time.Time) (bool, error) {
	var allows []models.Rule
	err := s.db.
		Where("action = ? AND kind = ? AND enabled = ?", models.RuleActionAllow, kind, true).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Find(&allows).Error
	if err != nil {
		return false, err
	}

	if kind == models.RuleKindCountry {
		for _, allow := range allows {
			if strings.EqualFold(allow.Subject, subject) {
				return true, nil
			}
		}
		return false, nil
	}

	ip := net.ParseIP(subject)
	for _, allow := range allows {
		if allow.Subject == subject {
			return true, nil
		}
		if ip != nil && cidrContains(allow.Subject, ip) {
			return true, nil
		}
	}
	return false, nil
}

// UpsertResult describes what UpsertDeny did to the canonical deny row.
type UpsertResult struct {
	Rule     *models.Rule
	Created  bool
	Extended bool
}

// UpsertDeny maintains the single canonical deny row for a subject inside one
// transaction. A missing row is created with the given expiry; a permanent row
// stays permanent; a temporary row's expiry only ever moves later.
func (s *RuleService) UpsertDeny(kind, subject, note string, expiresAt *time.Time) (UpsertResult, error) {
	var res UpsertResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.Rule
		err := tx.
			Where("action = ? AND kind = ? AND subject = ?", models.RuleActionDeny, kind, subject).
			Order("id desc").
			First(&existing).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			rule := models.Rule{
				UUID:      uuid.NewString(),
				Enabled:   true,
				Action:    models.RuleActionDeny,
				Kind:      kind,
				Subject:   subject,
				Note:      note,
				Source:    models.RuleSourceAutoBan,
				ExpiresAt: expiresAt,
			}
			if err := tx.Create(&rule).Error; err != nil {
				return err
			}
			res = UpsertResult{Rule: &rule, Created: true}
			return nil
		}

		changed := false
		if !existing.Enabled {
			existing.Enabled = true
			changed = true
		}
		// Permanent rows keep their nil expiry. Temporary rows extend only
		// when the new expiry is later than the current one.
		if existing.ExpiresAt != nil && expiresAt != nil && expiresAt.After(*existing.ExpiresAt) {
			existing.ExpiresAt = expiresAt
			res.Extended = true
			changed = true
		}
		if changed {
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
		}
		res.Rule = &existing
		return nil
	})
	return res, err
}

func validateRule(rule *models.Rule) error {
	if rule.Action != models.RuleActionAllow && rule.Action != models.RuleActionDeny {
		return ErrInvalidRuleAction
	}
	switch rule.Kind {
	case models.RuleKindIP:
		if !isValidCIDR(rule.Subject) {
			return fmt.Errorf("%w: %s", ErrInvalidSubject, rule.Subject)
		}
	case models.RuleKindCountry:
		code := strings.ToUpper(strings.TrimSpace(rule.Subject))
		if len(code) != 2 || !validCountryCodes[code] {
			return fmt.Errorf("%w: %s", ErrInvalidSubject, rule.Subject)
		}
		rule.Subject = code
	default:
		return ErrInvalidRuleKind
	}
	return nil
}

// isValidCIDR validates an IP address or CIDR notation.
func isValidCIDR(cidr string) bool {
	if ip := net.ParseIP(cidr); ip != nil {
		return true
	}
	_, _, err := net.ParseCIDR(cidr)
	return err == nil
}

// cidrContains checks if an IP falls inside a CIDR subject. A plain-IP
// subject matches by equality.
func cidrContains(subject string, ip net.IP) bool {
	if single := net.ParseIP(subject); single != nil {
		return ip.Equal(single)
	}
	_, ipNet, err := net.ParseCIDR(subject)
	if err != nil {
		return false
	}
	return ipNet.Contains(ip)
}
