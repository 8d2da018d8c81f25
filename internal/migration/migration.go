package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/solacelabs/talktime/internal/config"
	creditdomain "github.com/solacelabs/talktime/internal/credit/domain"
	entitlementdomain "github.com/solacelabs/talktime/internal/entitlement/domain"
	sessiondomain "github.com/solacelabs/talktime/internal/session/domain"
	"gorm.io/gorm"
)

//go:embed sql/*.sql
var embeddedMigrations embed.FS

const migrationsDir = "sql"

// Run applies the schema for the configured dialect. Postgres uses the
// embedded SQL migrations; sqlite derives its schema from the models. The
// ledger SQL relies on ON CONFLICT clauses and partial indexes, which mysql
// does not support, so a mysql deployment fails at startup instead of
// booting schemaless.
func Run(conn *gorm.DB, cfg config.Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.DBType)) {
	case "postgres":
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	case "sqlite":
		if err := conn.AutoMigrate(
			&entitlementdomain.Account{},
			&creditdomain.CreditEvent{},
			&sessiondomain.Session{},
			&sessiondomain.ConsumeOutboxEntry{},
		); err != nil {
			return err
		}
		// The at-most-one-open-session guarantee lives in a partial index
		// gorm cannot express through tags.
		return conn.Exec(
			`CREATE UNIQUE INDEX IF NOT EXISTS ux_sessions_account_open ON sessions (account_id) WHERE ended_at IS NULL`,
		).Error
	default:
		return fmt.Errorf("no schema migrations for database type %q", cfg.DBType)
	}
}

// RunMigrations creates the ledger tables on startup so a self-hosted
// deployment is usable out of the box.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}
