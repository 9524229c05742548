package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpenAndMigrate(t *testing.T) {
	// Memory DB
	db, err := Open("file::memory:?cache=shared")
	assert.NoError(t, err)
	assert.NotNil(t, db)
	assert.NoError(t, Migrate(db))

	// File DB
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")
	db, err = Open(dbPath)
	assert.NoError(t, err)
	assert.NotNil(t, db)
	assert.NoError(t, Migrate(db))

	// Migrations are idempotent
	assert.NoError(t, Migrate(db))
}
