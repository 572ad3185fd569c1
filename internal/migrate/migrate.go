// Package migrate applies the ClickHouse schema of the samples table.
package migrate

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/clickhouse" // ClickHouse driver.
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/torrentstats/internal/export"
)

//go:embed sql/*.sql
var migrations embed.FS

// Migrator manages ClickHouse schema migrations.
type Migrator interface {
	// Up applies all pending migrations.
	Up(ctx context.Context) error
	// Down rolls back the last migration.
	Down(ctx context.Context) error
	// Status returns the current migration version.
	Status(ctx context.Context) (version uint, dirty bool, err error)
}

type migrator struct {
	log logrus.FieldLogger
	dsn string
}

// New creates a new Migrator.
// The dsn should be a ClickHouse connection string (e.g., "clickhouse://host:9000/database").
func New(log logrus.FieldLogger, dsn string) Migrator {
	return &migrator{
		log: log.WithField("component", "migrate"),
		dsn: dsn,
	}
}

// DSN builds the migration connection string for cfg.
func DSN(cfg export.ClickHouseConfig) string {
	u := url.URL{
		Scheme: "clickhouse",
		Host:   cfg.Endpoint,
	}

	q := url.Values{}
	q.Set("database", cfg.Database)

	if cfg.Username != "" {
		q.Set("username", cfg.Username)
	}

	if cfg.Password != "" {
		q.Set("password", cfg.Password)
	}

	q.Set("x-multi-statement", "true")
	u.RawQuery = q.Encode()

	return u.String()
}

func (m *migrator) Up(ctx context.Context) error {
	mig, err := m.newMigrate(ctx)
	if err != nil {
		return err
	}
	defer mig.Close()

	m.log.Info("Running migrations")

	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}

	version, _, _ := mig.Version()
	m.log.WithField("version", version).Info("Migrations completed")

	return nil
}

func (m *migrator) Down(ctx context.Context) error {
	mig, err := m.newMigrate(ctx)
	if err != nil {
		return err
	}
	defer mig.Close()

	m.log.Info("Rolling back last migration")

	if err := mig.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rolling back migration: %w", err)
	}

	m.log.Info("Rollback completed")

	return nil
}

func (m *migrator) Status(ctx context.Context) (uint, bool, error) {
	mig, err := m.newMigrate(ctx)
	if err != nil {
		return 0, false, err
	}
	defer mig.Close()

	version, dirty, err := mig.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("getting migration version: %w", err)
	}

	return version, dirty, nil
}

func (m *migrator) newMigrate(ctx context.Context) (*migrate.Migrate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	source, err := iofs.New(migrations, "sql")
	if err != nil {
		return nil, fmt.Errorf("creating migration source: %w", err)
	}

	mig, err := migrate.NewWithSourceInstance("iofs", source, m.dsn)
	if err != nil {
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}

	return mig, nil
}
