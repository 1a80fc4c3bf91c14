package postgres

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pairbot/internal/domain"
)

func TestListRecentQuery(t *testing.T) {
	q, args := listRecentQuery(domain.ListOpts{})
	assert.Contains(t, q, "ORDER BY created_at DESC")
	assert.NotContains(t, q, "LIMIT")
	assert.Empty(t, args)

	since := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	q, args = listRecentQuery(domain.ListOpts{Limit: 50, Offset: 100, Since: &since})
	assert.Contains(t, q, "created_at >= $1")
	assert.Contains(t, q, "LIMIT $2")
	assert.Contains(t, q, "OFFSET $3")
	assert.Equal(t, []any{since, 50, 100}, args)
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/pairbot?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "pairbot"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
	assert.Equal(t, "postgres://u:p%40ss@db:6432/pairbot?sslmode=require",
		DSN(ClientConfig{User: "u", Password: "p@ss", Host: "db", Port: 6432, Database: "pairbot", SSLMode: "require"}))
}

func TestMigrationFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/002_b.sql": {Data: []byte("SELECT 2")},
		"migrations/001_a.sql": {Data: []byte("SELECT 1")},
		"migrations/README.md": {Data: []byte("notes")},
		"migrations/old/x.sql": {Data: []byte("SELECT 0")},
	}
	names, err := migrationFiles(fsys)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_a.sql", "002_b.sql"}, names)

	names, err = migrationFiles(migrationsFS)
	require.NoError(t, err)
	assert.Contains(t, names, "001_pair_orders.sql")
}
