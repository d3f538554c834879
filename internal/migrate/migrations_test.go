package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	v, err := Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	applied, err := Migrate(ctx, conn)
	require.NoError(t, err)
	require.NotEmpty(t, applied)
	assert.Equal(t, "0001_init.sql", applied[0])

	again, err := Migrate(ctx, conn)
	require.NoError(t, err)
	assert.Empty(t, again)

	all, err := Load()
	require.NoError(t, err)
	v, err = Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, all[len(all)-1].Version, v)

	for _, table := range []string{"machines", "status_records", "production_schedules", "events"} {
		var n int
		require.NoError(t, conn.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n))
		assert.Equal(t, 1, n, table)
	}
}
