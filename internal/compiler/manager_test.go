package compiler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/aegisgate/aegis/internal/models"
	"github.com/aegisgate/aegis/internal/services"
)

type fakeGateway struct {
	testErrs  []error
	applyErr  error
	reloadErr error

	testCalls   int
	applyCalls  int
	reloadCalls int
}

func (f *fakeGateway) Test(ctx context.Context, dir string) error {
	f.testCalls++
	if len(f.testErrs) > 0 {
		err := f.testErrs[0]
		f.testErrs = f.testErrs[1:]
		return err
	}
	return nil
}

func (f *fakeGateway) Apply(ctx context.Context, dir string) error {
	f.applyCalls++
	return f.applyErr
}

func (f *fakeGateway) Reload(ctx context.Context) error {
	f.reloadCalls++
	return f.reloadErr
}

func setupManagerTest(t *testing.T, client GatewayClient, geoSource string) (*Manager, *services.RuleService) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	err = db.AutoMigrate(&models.Rule{}, &models.Setting{}, &models.PolicySet{},
		&models.PolicyVersion{}, &models.AuditEntry{})
	require.NoError(t, err)

	rules := services.NewRuleService(db)
	policies := services.NewPolicyService(db)
	_, err = policies.EnsureGlobalSet()
	require.NoError(t, err)

	base := t.TempDir()
	m := NewManager(client, rules, policies, services.NewSettingsService(db),
		services.NewAuditService(db), nil,
		filepath.Join(base, "artifacts"), filepath.Join(base, "snapshots"), geoSource)
	return m, rules
}

func readArtifact(t *testing.T, m *Manager, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(m.artifactDir, name))
	require.NoError(t, err)
	return string(data)
}

func TestManager_ApplyConfigWritesTestsAndSnapshots(t *testing.T) {
	gw := &fakeGateway{}
	m, rules := setupManagerTest(t, gw, "/data/geo.mmdb")

	expiry := time.Now().Add(time.Hour)
	_, err := rules.UpsertDeny(models.RuleKindIP, "203.0.113.7", "", &expiry)
	require.NoError(t, err)

	require.NoError(t, m.ApplyConfig(context.Background()))

	assert.Equal(t, 1, gw.testCalls)
	assert.Equal(t, 1, gw.applyCalls)
	assert.Equal(t, 1, gw.reloadCalls)

	assert.Contains(t, readArtifact(t, m, FileIPRules), "entry 203.0.113.7")
	assert.Contains(t, readArtifact(t, m, FileGeoRules), "database /data/geo.mmdb")
	assert.Contains(t, readArtifact(t, m, "policy_global.conf"), "policy inbound")

	snapshots, err := m.listSnapshots()
	require.NoError(t, err)
	assert.Len(t, snapshots, 1)

	// No leftover temp files from the atomic writes.
	entries, err := os.ReadDir(m.artifactDir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotEqual(t, ".tmp", filepath.Ext(entry.Name()))
	}
}

func TestManager_ApplyConfigSweepsStalePolicyFragments(t *testing.T) {
	gw := &fakeGateway{}
	m, _ := setupManagerTest(t, gw, "")

	// A fragment from an app set that no longer exists is still on disk.
	require.NoError(t, os.MkdirAll(m.artifactDir, 0o755))
	stale := filepath.Join(m.artifactDir, "policy_app_99.conf")
	require.NoError(t, os.WriteFile(stale, []byte("policy inbound {\n}\n"), 0o644))

	require.NoError(t, m.ApplyConfig(context.Background()))

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale policy fragment must be removed")

	// Current fragments and non-policy files survive the sweep.
	assert.Contains(t, readArtifact(t, m, "policy_global.conf"), "policy inbound")
	assert.Contains(t, readArtifact(t, m, FileIPRules), "map allow_ip")
}

func TestManager_TestFailureFallsBackToReducedRender(t *testing.T) {
	gw := &fakeGateway{testErrs: []error{errors.New("unknown directive: database")}}
	m, _ := setupManagerTest(t, gw, "/data/geo.mmdb")

	require.NoError(t, m.ApplyConfig(context.Background()))

	// First test rejected, second (reduced) passed, then applied.
	assert.Equal(t, 2, gw.testCalls)
	assert.Equal(t, 1, gw.applyCalls)
	assert.Equal(t, 1, gw.reloadCalls)

	// The applied set dropped the geo database reference.
	assert.NotContains(t, readArtifact(t, m, FileGeoRules), "database")
}

func TestManager_BothTestsFailRestoresLastGood(t *testing.T) {
	gw := &fakeGateway{}
	m, rules := setupManagerTest(t, gw, "")

	// Establish a known-good applied set.
	require.NoError(t, m.ApplyConfig(context.Background()))
	goodBody := readArtifact(t, m, FileIPRules)

	// New state arrives, but the gateway now rejects everything.
	expiry := time.Now().Add(time.Hour)
	_, err := rules.UpsertDeny(models.RuleKindIP, "198.51.100.4", "", &expiry)
	require.NoError(t, err)
	gw.testErrs = []error{errors.New("bad config"), errors.New("bad config")}

	err = m.ApplyConfig(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, gw.applyCalls, "failed set must not be applied")

	// The artifact directory holds the restored known-good set again.
	assert.Equal(t, goodBody, readArtifact(t, m, FileIPRules))
	assert.NotContains(t, readArtifact(t, m, FileIPRules), "198.51.100.4")
}

func TestManager_ApplyFailureRestoresLastGood(t *testing.T) {
	gw := &fakeGateway{}
	m, rules := setupManagerTest(t, gw, "")

	require.NoError(t, m.ApplyConfig(context.Background()))
	goodBody := readArtifact(t, m, FileIPRules)

	expiry := time.Now().Add(time.Hour)
	_, err := rules.UpsertDeny(models.RuleKindIP, "198.51.100.4", "", &expiry)
	require.NoError(t, err)
	gw.applyErr = errors.New("apply refused")

	err = m.ApplyConfig(context.Background())
	assert.Error(t, err)
	assert.Equal(t, goodBody, readArtifact(t, m, FileIPRules))
}

func TestManager_TickApplyDebounces(t *testing.T) {
	gw := &fakeGateway{}
	m, _ := setupManagerTest(t, gw, "")
	ctx := context.Background()

	// Clean flag: tick is a no-op.
	m.TickApply(ctx)
	assert.Equal(t, 0, gw.applyCalls)

	// Many dirty marks collapse into one apply.
	m.MarkDirty()
	m.MarkDirty()
	m.MarkDirty()
	m.TickApply(ctx)
	assert.Equal(t, 1, gw.applyCalls)

	m.TickApply(ctx)
	assert.Equal(t, 1, gw.applyCalls)
}

func TestManager_TickApplyKeepsDirtyOnFailure(t *testing.T) {
	gw := &fakeGateway{testErrs: []error{errors.New("down"), errors.New("down")}}
	m, _ := setupManagerTest(t, gw, "")
	ctx := context.Background()

	m.MarkDirty()
	m.TickApply(ctx)
	assert.Equal(t, 0, gw.applyCalls)

	// The flag was re-set, so the next tick retries and succeeds.
	m.TickApply(ctx)
	assert.Equal(t, 1, gw.applyCalls)
}

func TestManager_SnapshotRotation(t *testing.T) {
	gw := &fakeGateway{}
	m, _ := setupManagerTest(t, gw, "")

	require.NoError(t, os.MkdirAll(m.snapshotDir, 0o755))
	for i := 0; i < snapshotKeep+5; i++ {
		path := filepath.Join(m.snapshotDir, fmt.Sprintf("config-%d.json", 1000000+i))
		require.NoError(t, os.WriteFile(path, []byte(`{"Files":[]}`), 0o644))
	}

	require.NoError(t, m.rotateSnapshots(snapshotKeep))
	snapshots, err := m.listSnapshots()
	require.NoError(t, err)
	assert.Len(t, snapshots, snapshotKeep)
}

func TestArtifactHashStable(t *testing.T) {
	a := &Artifacts{Files: []File{{Name: "a.conf", Body: "x"}, {Name: "b.conf", Body: "y"}}}
	b := &Artifacts{Files: []File{{Name: "a.conf", Body: "x"}, {Name: "b.conf", Body: "y"}}}
	assert.Equal(t, artifactHash(a), artifactHash(b))

	b.Files[1].Body = "z"
	assert.NotEqual(t, artifactHash(a), artifactHash(b))
}
