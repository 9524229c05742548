package compiler

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aegisgate/aegis/internal/logger"
	"github.com/aegisgate/aegis/internal/metrics"
	"github.com/aegisgate/aegis/internal/models"
	"github.com/aegisgate/aegis/internal/services"
)

// GatewayClient is the contract the compiler needs from the external gateway.
type GatewayClient interface {
	Test(ctx context.Context, artifactDir string) error
	Apply(ctx context.Context, artifactDir string) error
	Reload(ctx context.Context) error
}

// snapshotKeep is how many good artifact snapshots are retained for rollback.
const snapshotKeep = 10

// Manager orchestrates the compile, write, test, apply sequence. It is the
// single writer of gateway configuration: a mutex serializes the whole unit
// so concurrent triggers (scheduled tick, administrative edit) never
// interleave partial writes.
type Manager struct {
	client   GatewayClient
	rules    *services.RuleService
	policies *services.PolicyService
	settings *services.SettingsService
	audit    *services.AuditService
	notify   *services.NotificationService

	artifactDir string
	snapshotDir string
	geoSource   string

	mu    sync.Mutex
	dirty atomic.Bool
}

// NewManager creates a compiler manager. geoSource may be empty when no
// geolocation database is configured.
func NewManager(client GatewayClient, rules *services.RuleService, policies *services.PolicyService, settings *services.SettingsService, audit *services.AuditService, notify *services.NotificationService, artifactDir, snapshotDir, geoSource string) *Manager {
	return &Manager{
		client:      client,
		rules:       rules,
		policies:    policies,
		settings:    settings,
		audit:       audit,
		notify:      notify,
		artifactDir: artifactDir,
		snapshotDir: snapshotDir,
		geoSource:   geoSource,
	}
}

// MarkDirty flags that configuration-affecting state changed. The debounced
// tick turns the flag into one apply, no matter how many bans fired.
func (m *Manager) MarkDirty() {
	m.dirty.Store(true)
}

// TickApply runs ApplyConfig when the dirty flag is set. Called on a fixed
// interval so reload storms collapse into at most one apply per tick.
func (m *Manager) TickApply(ctx context.Context) {
	if !m.dirty.CompareAndSwap(true, false) {
		return
	}
	if err := m.ApplyConfig(ctx); err != nil {
		logger.WithError(err).Error("scheduled config apply failed")
		// Leave prior good configuration in place; retry on next dirty tick.
		m.dirty.Store(true)
	}
}

// ApplyConfig compiles current state, writes artifacts atomically, runs the
// gateway's test-then-apply sequence and snapshots the applied set. On a
// test failure it re-renders a reduced-capability set (geo enrichment
// dropped) and re-tests before giving up.
func (m *Manager) ApplyConfig(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics.IncCompile()

	inputs, err := m.gatherInputs()
	if err != nil {
		return fmt.Errorf("gather compile inputs: %w", err)
	}

	artifacts, err := Compile(inputs)
	if err != nil {
		return fmt.Errorf("compile artifacts: %w", err)
	}
	if err := m.writeArtifacts(artifacts); err != nil {
		return fmt.Errorf("write artifacts: %w", err)
	}

	if err := m.client.Test(ctx, m.artifactDir); err != nil {
		logger.WithError(err).Warn("gateway rejected configuration, retrying reduced render")

		reduced := inputs
		reduced.GeoSource = ""
		fallback, compileErr := Compile(reduced)
		if compileErr == nil {
			compileErr = m.writeArtifacts(fallback)
		}
		if compileErr == nil {
			compileErr = m.client.Test(ctx, m.artifactDir)
		}
		if compileErr != nil {
			m.restoreLastGood(ctx)
			m.recordApply("", false, compileErr.Error())
			metrics.IncCompileFailure()
			if m.notify != nil {
				m.notify.Send("Gateway config apply failed", compileErr.Error())
			}
			return fmt.Errorf("configuration test failed after fallback: %w", compileErr)
		}
		artifacts = fallback
	}

	if err := m.client.Apply(ctx, m.artifactDir); err != nil {
		m.restoreLastGood(ctx)
		m.recordApply("", false, err.Error())
		metrics.IncCompileFailure()
		if m.notify != nil {
			m.notify.Send("Gateway config apply failed", err.Error())
		}
		return fmt.Errorf("apply configuration: %w", err)
	}
	if err := m.client.Reload(ctx); err != nil {
		return fmt.Errorf("reload gateway: %w", err)
	}
	metrics.IncGatewayReload()

	hash := artifactHash(artifacts)
	m.recordApply(hash, true, "")

	if path, err := m.saveSnapshot(artifacts); err != nil {
		logger.WithError(err).Warn("snapshot save failed")
	} else if err := m.rotateSnapshots(snapshotKeep); err != nil {
		logger.WithFields(map[string]interface{}{"snapshot": path}).
			WithError(err).Warn("snapshot rotation failed")
	}

	return nil
}

// gatherInputs collects settings, effective rules and resolved policies.
func (m *Manager) gatherInputs() (Inputs, error) {
	now := time.Now()

	rules, err := m.rules.ListEffective(now)
	if err != nil {
		return Inputs{}, err
	}

	global, err := m.policies.EffectivePolicy(nil)
	if err != nil {
		return Inputs{}, err
	}
	scoped := []ScopedPolicy{{Scope: models.PolicyScopeGlobal, Doc: global.Document}}

	sets, err := m.policies.ListSets()
	if err != nil {
		return Inputs{}, err
	}
	for _, set := range sets {
		if set.Scope != models.PolicyScopeApp || set.AppID == nil {
			continue
		}
		eff, err := m.policies.EffectivePolicy(set.AppID)
		if err != nil {
			return Inputs{}, err
		}
		scoped = append(scoped, ScopedPolicy{Scope: models.PolicyScopeApp, AppID: set.AppID, Doc: eff.Document})
	}

	return Inputs{
		Settings:  m.settings.Get(),
		Rules:     rules,
		Policies:  scoped,
		GeoSource: m.geoSource,
	}, nil
}

// writeArtifacts writes every file via temp-then-rename so the target path
// never holds a partially written fragment.
func (m *Manager) writeArtifacts(artifacts *Artifacts) error {
	if err := os.MkdirAll(m.artifactDir, 0o755); err != nil {
		return err
	}
	for _, file := range artifacts.Files {
		target := filepath.Join(m.artifactDir, file.Name)
		tmp := target + ".tmp"
		if err := os.WriteFile(tmp, []byte(file.Body), 0o644); err != nil {
			return err
		}
		if err := os.Rename(tmp, target); err != nil {
			_ = os.Remove(tmp)
			return err
		}
	}
	return m.sweepStalePolicies(artifacts)
}

// sweepStalePolicies removes policy fragments left behind by deleted scopes so
// the gateway never loads a stale include.
func (m *Manager) sweepStalePolicies(artifacts *Artifacts) error {
	current := make(map[string]bool, len(artifacts.Files))
	for _, file := range artifacts.Files {
		current[file.Name] = true
	}

	entries, err := os.ReadDir(m.artifactDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || current[name] {
			continue
		}
		if ok, _ := filepath.Match("policy_*.conf", name); !ok {
			continue
		}
		if err := os.Remove(filepath.Join(m.artifactDir, name)); err != nil {
			return err
		}
	}
	return nil
}

// artifactHash fingerprints a rendered set for the audit trail.
func artifactHash(artifacts *Artifacts) string {
	h := sha256.New()
	for _, file := range artifacts.Files {
		h.Write([]byte(file.Name))
		h.Write([]byte{0})
		h.Write([]byte(file.Body))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// saveSnapshot stores the applied artifact set for rollback.
func (m *Manager) saveSnapshot(artifacts *Artifacts) (string, error) {
	if err := os.MkdirAll(m.snapshotDir, 0o755); err != nil {
		return "", err
	}
	payload, err := json.MarshalIndent(artifacts, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	path := filepath.Join(m.snapshotDir, fmt.Sprintf("config-%d.json", time.Now().UnixNano()))
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}

// restoreLastGood rewrites the most recent good snapshot into the artifact
// directory and reloads the gateway, best effort.
func (m *Manager) restoreLastGood(ctx context.Context) {
	snapshots, err := m.listSnapshots()
	if err != nil || len(snapshots) == 0 {
		logger.Log().Warn("no snapshot available to restore")
		return
	}

	payload, err := os.ReadFile(snapshots[len(snapshots)-1])
	if err != nil {
		logger.WithError(err).Warn("read snapshot failed")
		return
	}
	var artifacts Artifacts
	if err := json.Unmarshal(payload, &artifacts); err != nil {
		logger.WithError(err).Warn("unmarshal snapshot failed")
		return
	}
	if err := m.writeArtifacts(&artifacts); err != nil {
		logger.WithError(err).Warn("restore snapshot failed")
		return
	}
	if err := m.client.Reload(ctx); err != nil {
		logger.WithError(err).Warn("reload after restore failed")
	}
}

// listSnapshots returns snapshot paths sorted oldest first.
func (m *Manager) listSnapshots() ([]string, error) {
	entries, err := os.ReadDir(m.snapshotDir)
	if err != nil {
		return nil, err
	}
	var snapshots []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		snapshots = append(snapshots, filepath.Join(m.snapshotDir, entry.Name()))
	}
	sort.Strings(snapshots)
	return snapshots, nil
}

// rotateSnapshots keeps only the N most recent snapshots.
func (m *Manager) rotateSnapshots(keep int) error {
	snapshots, err := m.listSnapshots()
	if err != nil {
		return err
	}
	if len(snapshots) <= keep {
		return nil
	}
	for _, path := range snapshots[:len(snapshots)-keep] {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("delete snapshot %s: %w", path, err)
		}
	}
	return nil
}

// recordApply stores an audit record for the apply attempt, best effort.
func (m *Manager) recordApply(hash string, success bool, errorMsg string) {
	if m.audit == nil {
		return
	}
	action := "apply_failed"
	details := errorMsg
	if success {
		action = "apply_success"
		details = "config hash " + hash
	}
	_ = m.audit.Log(&models.AuditEntry{Source: "compiler", Action: action, Details: details})
}
