package migration

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/solacelabs/talktime/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestRunSqliteCreatesSchema(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, Run(db, config.Config{DBType: "sqlite"}))

	for _, table := range []string{"accounts", "credit_events", "sessions", "session_consume_outbox"} {
		assert.True(t, db.Migrator().HasTable(table), "missing table %s", table)
	}

	var indexed int64
	require.NoError(t, db.Raw(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'ux_sessions_account_open'`,
	).Scan(&indexed).Error)
	assert.Equal(t, int64(1), indexed)

	// Running twice is a no-op.
	require.NoError(t, Run(db, config.Config{DBType: "sqlite"}))
}

func TestRunRejectsUnsupportedDialect(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)

	err = Run(db, config.Config{DBType: "mysql"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mysql")
}
