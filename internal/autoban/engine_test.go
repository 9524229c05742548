package autoban

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/aegisgate/aegis/internal/models"
	"github.com/aegisgate/aegis/internal/services"
)

func setupEngineTest(t *testing.T) (*gorm.DB, *Engine, *services.RuleService) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(&models.Rule{}, &models.Setting{}, &models.AuditEntry{})
	require.NoError(t, err)

	rules := services.NewRuleService(db)
	settings := services.NewSettingsService(db)
	audit := services.NewAuditService(db)
	engine := NewEngine(rules, settings, audit, nil, nil)
	return db, engine, rules
}

func authFailEvent(ts time.Time, ip string) models.SecurityEvent {
	return models.SecurityEvent{
		Timestamp:   ts,
		SourceIP:    ip,
		OffenseType: models.OffenseAuthFail,
		Host:        "app.example.com",
		URI:         "/login",
		StatusCode:  401,
	}
}

func TestPolicyFor(t *testing.T) {
	s := services.GlobalSettings{
		AutoBanAuthFail: true, AuthFailThreshold: 5, AuthFailWindowSecs: 180, AuthFailBanHours: 24,
		AutoBanInjection: true, BanThreshold: 120, BanWindowSecs: 60, BanMinutes: 60,
	}

	auth := PolicyFor(models.OffenseAuthFail, s)
	assert.True(t, auth.Enabled)
	assert.Equal(t, 5, auth.Threshold)
	assert.Equal(t, 180*time.Second, auth.Window)
	assert.Equal(t, 24*time.Hour, auth.BanDuration)

	inj := PolicyFor(models.OffenseInjection, s)
	assert.True(t, inj.Enabled)
	assert.Equal(t, 120, inj.Threshold)

	flood := PolicyFor(models.OffenseFlood, s)
	assert.False(t, flood.Enabled)

	unknown := PolicyFor("portscan", s)
	assert.False(t, unknown.Enabled)
	assert.Zero(t, unknown.Threshold)
}

func TestEngine_FiveAuthFailsInWindowBan(t *testing.T) {
	db, engine, rules := setupEngineTest(t)
	base := time.Now().Add(-time.Minute)

	// Five failed logins within 170 seconds cross the default threshold of 5
	// in 180 seconds on the fifth event.
	for i := 0; i < 5; i++ {
		engine.Process(authFailEvent(base.Add(time.Duration(i*42)*time.Second), "203.0.113.7"))
	}

	rule, err := rules.LatestDeny(models.RuleKindIP, "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, rule.Enabled)
	assert.Equal(t, models.RuleSourceAutoBan, rule.Source)
	require.NotNil(t, rule.ExpiresAt)
	firstExpiry := *rule.ExpiresAt
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), firstExpiry, time.Minute)

	// A sixth event in the same window extends, never shortens or duplicates.
	engine.Process(authFailEvent(base.Add(175*time.Second), "203.0.113.7"))

	var count int64
	db.Model(&models.Rule{}).Where("subject = ?", "203.0.113.7").Count(&count)
	assert.EqualValues(t, 1, count)

	rule, err = rules.LatestDeny(models.RuleKindIP, "203.0.113.7")
	require.NoError(t, err)
	require.NotNil(t, rule.ExpiresAt)
	assert.False(t, rule.ExpiresAt.Before(firstExpiry))

	// Audit trail records the ban.
	var entries int64
	db.Model(&models.AuditEntry{}).Where("action = ?", "ban_created").Count(&entries)
	assert.EqualValues(t, 1, entries)
}

func TestEngine_EventsOutsideWindowDoNotBan(t *testing.T) {
	_, engine, rules := setupEngineTest(t)
	base := time.Now().Add(-time.Hour)

	// Five events spread over 400 seconds: by the fifth, the first two have
	// slid out of the 180 second window.
	for i := 0; i < 5; i++ {
		engine.Process(authFailEvent(base.Add(time.Duration(i*100)*time.Second), "203.0.113.7"))
	}

	_, err := rules.LatestDeny(models.RuleKindIP, "203.0.113.7")
	assert.ErrorIs(t, err, services.ErrRuleNotFound)
	assert.Equal(t, 2, engine.WindowSize(models.OffenseAuthFail, "203.0.113.7"))
}

func TestEngine_AllowRuleSuppressesBan(t *testing.T) {
	db, engine, rules := setupEngineTest(t)

	require.NoError(t, rules.Create(&models.Rule{
		Enabled: true,
		Action:  models.RuleActionAllow,
		Kind:    models.RuleKindIP,
		Subject: "203.0.113.0/24",
	}))

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 6; i++ {
		engine.Process(authFailEvent(base.Add(time.Duration(i*10)*time.Second), "203.0.113.7"))
	}

	_, err := rules.LatestDeny(models.RuleKindIP, "203.0.113.7")
	assert.ErrorIs(t, err, services.ErrRuleNotFound)

	var entries int64
	db.Model(&models.AuditEntry{}).Where("action = ?", "ban_suppressed").Count(&entries)
	assert.Greater(t, entries, int64(0))
}

func TestEngine_AuthenticatedEventsIgnored(t *testing.T) {
	_, engine, rules := setupEngineTest(t)
	base := time.Now()

	for i := 0; i < 10; i++ {
		ev := authFailEvent(base.Add(time.Duration(i)*time.Second), "203.0.113.7")
		ev.Authenticated = true
		engine.Process(ev)
	}

	assert.Equal(t, 0, engine.WindowSize(models.OffenseAuthFail, "203.0.113.7"))
	_, err := rules.LatestDeny(models.RuleKindIP, "203.0.113.7")
	assert.ErrorIs(t, err, services.ErrRuleNotFound)
}

func TestEngine_DisabledOffenseTypeIgnored(t *testing.T) {
	_, engine, rules := setupEngineTest(t)
	base := time.Now()

	// Flood auto-ban is off by default.
	for i := 0; i < 200; i++ {
		ev := authFailEvent(base.Add(time.Duration(i)*time.Second), "203.0.113.7")
		ev.OffenseType = models.OffenseFlood
		engine.Process(ev)
	}

	assert.Equal(t, 0, engine.WindowSize(models.OffenseFlood, "203.0.113.7"))
	_, err := rules.LatestDeny(models.RuleKindIP, "203.0.113.7")
	assert.ErrorIs(t, err, services.ErrRuleNotFound)
}

func TestEngine_CountersIndependentPerTypeAndIP(t *testing.T) {
	_, engine, _ := setupEngineTest(t)
	now := time.Now()

	engine.Process(authFailEvent(now, "203.0.113.7"))
	engine.Process(authFailEvent(now, "203.0.113.8"))

	ev := authFailEvent(now, "203.0.113.7")
	ev.OffenseType = models.OffenseInjection
	engine.Process(ev)

	assert.Equal(t, 1, engine.WindowSize(models.OffenseAuthFail, "203.0.113.7"))
	assert.Equal(t, 1, engine.WindowSize(models.OffenseAuthFail, "203.0.113.8"))
	assert.Equal(t, 1, engine.WindowSize(models.OffenseInjection, "203.0.113.7"))
}

func TestEngine_OnRuleChangeFires(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Rule{}, &models.Setting{}, &models.AuditEntry{}))

	fired := 0
	engine := NewEngine(services.NewRuleService(db), services.NewSettingsService(db),
		services.NewAuditService(db), nil, func() { fired++ })

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		engine.Process(authFailEvent(base.Add(time.Duration(i)*time.Second), "203.0.113.7"))
	}
	assert.Equal(t, 1, fired)
}

func TestEngine_EvictEmpty(t *testing.T) {
	_, engine, _ := setupEngineTest(t)

	old := time.Now().Add(-time.Hour)
	engine.Process(authFailEvent(old, "203.0.113.7"))
	engine.Process(authFailEvent(time.Now(), "203.0.113.8"))

	engine.EvictEmpty(time.Now())

	assert.Equal(t, 0, engine.WindowSize(models.OffenseAuthFail, "203.0.113.7"))
	assert.Equal(t, 1, engine.WindowSize(models.OffenseAuthFail, "203.0.113.8"))
}
