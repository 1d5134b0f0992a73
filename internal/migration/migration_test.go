package migration

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	src, err := Source()
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	next, err := src.Next(first)
	require.NoError(t, err)
	assert.Equal(t, uint(2), next)

	for _, version := range []uint{first, next} {
		up, name, err := src.ReadUp(version)
		require.NoError(t, err)
		assert.NotEmpty(t, name)
		_ = up.Close()

		down, _, err := src.ReadDown(version)
		require.NoError(t, err)
		_ = down.Close()
	}
}

func TestApplyUsesAutoMigrateOutsidePostgres(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file:migration_apply?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, Apply(conn))
	for _, table := range []string{"credit_balances", "credit_transactions", "batch_runs", "batch_run_items"} {
		assert.True(t, conn.Migrator().HasTable(table), table)
	}
	assert.True(t, conn.Migrator().HasIndex("credit_transactions", "ux_credit_transactions_idempotency"))
	assert.True(t, conn.Migrator().HasIndex("batch_runs", "ux_batch_runs_idempotency"))

	require.NoError(t, Apply(conn))
}
