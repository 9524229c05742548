package services

import (
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/aegisgate/aegis/internal/models"
)

// GlobalSettings is the typed view over the settings table. Every numeric
// field is clamped to its declared range with a declared fallback; invalid
// stored values never propagate raw.
type GlobalSettings struct {
	BotDefenseEnabled bool
	DDoSShieldEnabled bool
	SQLiShieldEnabled bool

	RateLimitPerMin int
	RateLimitBurst  int
	MaxConnsPerIP   int
	ScoreThreshold  int

	// Generic offense triple, applied to flood, injection and bot offenses.
	BanThreshold  int
	BanWindowSecs int
	BanMinutes    int

	// Dedicated failed-login override.
	AuthFailThreshold  int
	AuthFailWindowSecs int
	AuthFailBanHours   int

	// Per-offense auto-ban opt-in. Flood defaults off: rate-limit responses
	// already throttle the source and bursty-but-legitimate clients would be
	// false positives.
	AutoBanAuthFail  bool
	AutoBanFlood     bool
	AutoBanInjection bool
	AutoBanBot       bool

	BotSignatures string
	RetentionDays int
}

// Settings keys.
const (
	KeyBotDefenseEnabled  = "waf.bot_defense.enabled"
	KeyDDoSShieldEnabled  = "waf.ddos_shield.enabled"
	KeySQLiShieldEnabled  = "waf.sqli_shield.enabled"
	KeyRateLimitPerMin    = "waf.rate_limit.per_minute"
	KeyRateLimitBurst     = "waf.rate_limit.burst"
	KeyMaxConnsPerIP      = "waf.rate_limit.max_conns"
	KeyScoreThreshold     = "waf.scoring.threshold"
	KeyBanThreshold       = "autoban.generic.threshold"
	KeyBanWindowSecs      = "autoban.generic.window_secs"
	KeyBanMinutes         = "autoban.generic.ban_minutes"
	KeyAuthFailThreshold  = "autoban.authfail.threshold"
	KeyAuthFailWindowSecs = "autoban.authfail.window_secs"
	KeyAuthFailBanHours   = "autoban.authfail.ban_hours"
	KeyAutoBanAuthFail    = "autoban.authfail.enabled"
	KeyAutoBanFlood       = "autoban.flood.enabled"
	KeyAutoBanInjection   = "autoban.injection.enabled"
	KeyAutoBanBot         = "autoban.bot.enabled"
	KeyBotSignatures      = "waf.bot_defense.signatures"
	KeyRetentionDays      = "events.retention_days"
)

type SettingsService struct {
	db *gorm.DB
}

func NewSettingsService(db *gorm.DB) *SettingsService {
	return &SettingsService{db: db}
}

// Get materializes the current settings rows into a clamped GlobalSettings.
// Missing or unparseable rows fall back to their defaults.
func (s *SettingsService) Get() GlobalSettings {
	raw := map[string]string{}
	var rows []models.Setting
	if err := s.db.Find(&rows).Error; err == nil {
		for _, row := range rows {
			raw[row.Key] = row.Value
		}
	}

	return GlobalSettings{
		BotDefenseEnabled: parseBool(raw[KeyBotDefenseEnabled], true),
		DDoSShieldEnabled: parseBool(raw[KeyDDoSShieldEnabled], true),
		SQLiShieldEnabled: parseBool(raw[KeySQLiShieldEnabled], true),

		RateLimitPerMin: clampSetting(raw[KeyRateLimitPerMin], 10, 100000, 300),
		RateLimitBurst:  clampSetting(raw[KeyRateLimitBurst], 1, 10000, 50),
		MaxConnsPerIP:   clampSetting(raw[KeyMaxConnsPerIP], 1, 10000, 100),
		ScoreThreshold:  clampSetting(raw[KeyScoreThreshold], 1, 100, 8),

		BanThreshold:  clampSetting(raw[KeyBanThreshold], 5, 100000, 120),
		BanWindowSecs: clampSetting(raw[KeyBanWindowSecs], 10, 3600, 60),
		BanMinutes:    clampSetting(raw[KeyBanMinutes], 1, 1440, 60),

		AuthFailThreshold:  clampSetting(raw[KeyAuthFailThreshold], 1, 1000, 5),
		AuthFailWindowSecs: clampSetting(raw[KeyAuthFailWindowSecs], 30, 86400, 180),
		AuthFailBanHours:   clampSetting(raw[KeyAuthFailBanHours], 1, 8760, 24),

		AutoBanAuthFail:  parseBool(raw[KeyAutoBanAuthFail], true),
		AutoBanFlood:     parseBool(raw[KeyAutoBanFlood], false),
		AutoBanInjection: parseBool(raw[KeyAutoBanInjection], true),
		AutoBanBot:       parseBool(raw[KeyAutoBanBot], false),

		BotSignatures: raw[KeyBotSignatures],
		RetentionDays: clampSetting(raw[KeyRetentionDays], 1, 365, 30),
	}
}

// Set upserts a single settings row.
func (s *SettingsService) Set(key, value string) error {
	var existing models.Setting
	err := s.db.Where("key = ?", key).First(&existing).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return s.db.Create(&models.Setting{Key: key, Value: value}).Error
		}
		return err
	}
	existing.Value = value
	return s.db.Save(&existing).Error
}

// Retention converts the configured retention into a duration.
func (g GlobalSettings) Retention() time.Duration {
	return time.Duration(g.RetentionDays) * 24 * time.Hour
}

func clampSetting(raw string, min, max, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func parseBool(raw string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return fallback
	}
}
