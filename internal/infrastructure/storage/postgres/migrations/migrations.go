// Package migrations embeds the warehouse schema and applies it with
// golang-migrate.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"contactsync/pkg/logger"
)

//go:embed sql/*.sql
var files embed.FS

// migrateLogger adapts logger.Logger to migrate.Logger.
type migrateLogger struct {
	log *logger.Logger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.log.Infof(strings.TrimSuffix(format, "\n"), v...)
}

func (l migrateLogger) Verbose() bool { return false }

// DatabaseURL rewrites a postgres:// DSN to the pgx5:// scheme the
// migrate driver registers.
func DatabaseURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

func open(dsn string, log *logger.Logger) (*migrate.Migrate, error) {
	src, err := iofs.New(files, "sql")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, DatabaseURL(dsn))
	if err != nil {
		return nil, fmt.Errorf("init migrate: %w", err)
	}
	if log != nil {
		m.Log = migrateLogger{log: log.WithComponent("migrate")}
	}
	return m, nil
}

func closeMigrate(m *migrate.Migrate, err *error) {
	srcErr, dbErr := m.Close()
	if *err == nil {
		*err = errors.Join(srcErr, dbErr)
	}
}

// Up applies all pending migrations.
func Up(dsn string, log *logger.Logger) (err error) {
	m, err := open(dsn, log)
	if err != nil {
		return err
	}
	defer closeMigrate(m, &err)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Down rolls back steps migrations.
func Down(dsn string, steps int, log *logger.Logger) (err error) {
	m, err := open(dsn, log)
	if err != nil {
		return err
	}
	defer closeMigrate(m, &err)

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

// Version reports the applied schema version.
func Version(dsn string) (version uint, dirty bool, err error) {
	m, err := open(dsn, nil)
	if err != nil {
		return 0, false, err
	}
	defer closeMigrate(m, &err)

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}
