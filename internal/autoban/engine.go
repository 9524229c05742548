package autoban

import (
	"fmt"
	"sync"
	"time"

	"github.com/aegisgate/aegis/internal/logger"
	"github.com/aegisgate/aegis/internal/metrics"
	"github.com/aegisgate/aegis/internal/models"
	"github.com/aegisgate/aegis/internal/services"
)

// BanPolicy is the per-offense-type decision policy.
type BanPolicy struct {
	Enabled     bool
	Threshold   int
	Window      time.Duration
	BanDuration time.Duration
}

// Decision is the outcome of evaluating one event.
type Decision struct {
	ShouldBan bool
}

type counterKey struct {
	OffenseType string
	SourceIP    string
}

// Engine correlates repeated offenses per source address using in-memory
// sliding windows and escalates threshold crossings into deny rules. State is
// process local and rebuilt from scratch on restart, which temporarily
// forgets partial offense counts; that is documented behavior, not a bug.
// The control plane runs as a single active instance.
type Engine struct {
	rules    *services.RuleService
	settings *services.SettingsService
	audit    *services.AuditService
	notify   *services.NotificationService

	mu      sync.Mutex
	windows map[counterKey][]time.Time

	// onRuleChange marks the configuration dirty so the debounced compile
	// tick picks it up.
	onRuleChange func()
}

// NewEngine creates a decision engine. onRuleChange may be nil.
func NewEngine(rules *services.RuleService, settings *services.SettingsService, audit *services.AuditService, notify *services.NotificationService, onRuleChange func()) *Engine {
	return &Engine{
		rules:        rules,
		settings:     settings,
		audit:        audit,
		notify:       notify,
		windows:      make(map[counterKey][]time.Time),
		onRuleChange: onRuleChange,
	}
}

// PolicyFor derives the ban policy for one offense type from settings.
// Failed logins carry a dedicated triple; every other type shares the
// generic one.
func PolicyFor(offenseType string, s services.GlobalSettings) BanPolicy {
	switch offenseType {
	case models.OffenseAuthFail:
		return BanPolicy{
			Enabled:     s.AutoBanAuthFail,
			Threshold:   s.AuthFailThreshold,
			Window:      time.Duration(s.AuthFailWindowSecs) * time.Second,
			BanDuration: time.Duration(s.AuthFailBanHours) * time.Hour,
		}
	case models.OffenseFlood:
		return BanPolicy{
			Enabled:     s.AutoBanFlood,
			Threshold:   s.BanThreshold,
			Window:      time.Duration(s.BanWindowSecs) * time.Second,
			BanDuration: time.Duration(s.BanMinutes) * time.Minute,
		}
	case models.OffenseInjection:
		return BanPolicy{
			Enabled:     s.AutoBanInjection,
			Threshold:   s.BanThreshold,
			Window:      time.Duration(s.BanWindowSecs) * time.Second,
			BanDuration: time.Duration(s.BanMinutes) * time.Minute,
		}
	case models.OffenseBot:
		return BanPolicy{
			Enabled:     s.AutoBanBot,
			Threshold:   s.BanThreshold,
			Window:      time.Duration(s.BanWindowSecs) * time.Second,
			BanDuration: time.Duration(s.BanMinutes) * time.Minute,
		}
	default:
		return BanPolicy{}
	}
}

// Evaluate updates the sliding window for the event's (type, address) pair
// and reports whether the threshold was crossed. Authenticated events never
// advance any counter: a logged-in client's traffic volume is not evidence
// of attack.
func (e *Engine) Evaluate(ev models.SecurityEvent, pol BanPolicy) Decision {
	if ev.Authenticated || !pol.Enabled || pol.Threshold <= 0 {
		return Decision{}
	}

	key := counterKey{ev.OffenseType, ev.SourceIP}
	cutoff := ev.Timestamp.Add(-pol.Window)

	e.mu.Lock()
	defer e.mu.Unlock()

	window := e.windows[key]
	pruned := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	pruned = append(pruned, ev.Timestamp)
	e.windows[key] = pruned

	return Decision{ShouldBan: len(pruned) >= pol.Threshold}
}

// Process runs the full decision path for one retained event: policy lookup,
// window evaluation and, on a ban decision, the deny-rule upsert.
func (e *Engine) Process(ev models.SecurityEvent) {
	pol := PolicyFor(ev.OffenseType, e.settings.Get())
	if !e.Evaluate(ev, pol).ShouldBan {
		return
	}
	e.apply(ev, pol)
}

// apply upserts the deny rule for a ban decision, honoring explicit allow
// rules and the monotonic-extension policy.
func (e *Engine) apply(ev models.SecurityEvent, pol BanPolicy) {
	now := time.Now()

	allowed, err := e.rules.HasEffectiveAllow(models.RuleKindIP, ev.SourceIP, now)
	if err != nil {
		logger.WithFields(map[string]interface{}{"ip": ev.SourceIP}).
			WithError(err).Warn("allow lookup failed, skipping ban")
		return
	}
	if allowed {
		// An administrator's allow-list entry wins; record the no-op.
		metrics.IncBanSuppressed()
		e.logAudit("ban_suppressed", ev.SourceIP,
			fmt.Sprintf("auto-ban for %s suppressed by allow rule", ev.OffenseType))
		return
	}

	expiry := now.Add(pol.BanDuration)
	note := fmt.Sprintf("auto-ban: %d %s offenses within %s", pol.Threshold, ev.OffenseType, pol.Window)
	res, err := e.rules.UpsertDeny(models.RuleKindIP, ev.SourceIP, note, &expiry)
	if err != nil {
		logger.WithFields(map[string]interface{}{"ip": ev.SourceIP}).
			WithError(err).Warn("deny upsert failed")
		return
	}

	switch {
	case res.Created:
		metrics.IncBanIssued()
		e.logAudit("ban_created", ev.SourceIP,
			fmt.Sprintf("deny rule created for %s until %s", ev.OffenseType, expiry.Format(time.RFC3339)))
		if e.notify != nil {
			e.notify.Send("Auto-ban issued",
				fmt.Sprintf("Source %s banned for repeated %s offenses", ev.SourceIP, ev.OffenseType))
		}
	case res.Extended:
		metrics.IncBanExtended()
		e.logAudit("ban_extended", ev.SourceIP,
			fmt.Sprintf("deny rule expiry extended to %s", expiry.Format(time.RFC3339)))
	}

	if (res.Created || res.Extended) && e.onRuleChange != nil {
		e.onRuleChange()
	}
}

// EvictEmpty drops counter keys whose windows hold no timestamp newer than
// the longest configured window, bounding the map's memory.
func (e *Engine) EvictEmpty(now time.Time) {
	s := e.settings.Get()
	maxWindow := time.Duration(s.BanWindowSecs) * time.Second
	if authWindow := time.Duration(s.AuthFailWindowSecs) * time.Second; authWindow > maxWindow {
		maxWindow = authWindow
	}
	cutoff := now.Add(-maxWindow)

	e.mu.Lock()
	defer e.mu.Unlock()
	for key, window := range e.windows {
		live := false
		for _, ts := range window {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(e.windows, key)
		}
	}
}

// WindowSize returns the current counter size for one (type, address) pair.
func (e *Engine) WindowSize(offenseType, sourceIP string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.windows[counterKey{offenseType, sourceIP}])
}

func (e *Engine) logAudit(action, ip, details string) {
	if e.audit == nil {
		return
	}
	entry := &models.AuditEntry{Source: "autoban", Action: action, IP: ip, Details: details}
	if err := e.audit.Log(entry); err != nil {
		logger.WithError(err).Debug("audit log failed")
	}
}
