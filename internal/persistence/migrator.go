package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rs/zerolog"
)

// ErrMigrationChanged: an applied migration file no longer matches the
// checksum recorded when it ran.
var ErrMigrationChanged = errors.New("persistence: applied migration was modified")

// Migration is one numbered schema step with its up and down scripts.
type Migration struct {
	Version  string
	Name     string
	Up       string
	Down     string
	Checksum string
}

// Migrator applies {version}_{name}.up.sql / .down.sql pairs in version
// order and records each with the checksum of its up script.
type Migrator struct {
	db            *sql.DB
	migrationsDir string
	log           zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string, log zerolog.Logger) *Migrator {
	return &Migrator{db: db, migrationsDir: migrationsDir, log: log}
}

// LoadMigrations reads and pairs every migration in dir. A version without
// both scripts is an error.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	byVersion := make(map[string]*Migration)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		var up bool
		var stem string
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			up, stem = true, strings.TrimSuffix(name, ".up.sql")
		case strings.HasSuffix(name, ".down.sql"):
			stem = strings.TrimSuffix(name, ".down.sql")
		default:
			return nil, fmt.Errorf("migration %s: missing .up/.down suffix", name)
		}
		version, label, ok := strings.Cut(stem, "_")
		if !ok || version == "" {
			return nil, fmt.Errorf("migration %s: expected {version}_{name}", name)
		}

		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version, Name: label}
			byVersion[version] = m
		}
		if m.Name != label {
			return nil, fmt.Errorf("migration %s: name differs from %s", name, m.Name)
		}
		if up {
			sum := sha256.Sum256(content)
			m.Up, m.Checksum = string(content), hex.EncodeToString(sum[:])
		} else {
			m.Down = string(content)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %s_%s: needs both up and down scripts", m.Version, m.Name)
		}
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b Migration) int { return strings.Compare(a.Version, b.Version) })
	return out, nil
}

// Up applies all pending migrations in order, each in its own transaction.
// It refuses to run if an applied migration has been edited.
func (m *Migrator) Up(ctx context.Context) error {
	migrations, applied, err := m.state(ctx)
	if err != nil {
		return err
	}

	for _, mig := range migrations {
		if sum, ok := applied[mig.Version]; ok {
			if sum != mig.Checksum {
				return fmt.Errorf("migration %s_%s: %w", mig.Version, mig.Name, ErrMigrationChanged)
			}
			continue
		}

		m.log.Info().Str("version", mig.Version).Str("name", mig.Name).Msg("applying migration")
		err := m.inTx(ctx, mig.Up, `
			INSERT INTO public.schema_migrations (version, name, checksum) VALUES ($1, $2, $3)
		`, mig.Version, mig.Name, mig.Checksum)
		if err != nil {
			return fmt.Errorf("apply migration %s_%s: %w", mig.Version, mig.Name, err)
		}
	}
	return nil
}

// Down rolls back the newest applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	migrations, _, err := m.state(ctx)
	if err != nil {
		return err
	}

	var version string
	err = m.db.QueryRowContext(ctx,
		`SELECT version FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		m.log.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest migration: %w", err)
	}

	idx := slices.IndexFunc(migrations, func(mig Migration) bool { return mig.Version == version })
	if idx < 0 {
		return fmt.Errorf("migration %s is applied but has no file", version)
	}
	mig := migrations[idx]
	if err := m.inTx(ctx, mig.Down, `DELETE FROM public.schema_migrations WHERE version = $1`, version); err != nil {
		return fmt.Errorf("roll back migration %s_%s: %w", mig.Version, mig.Name, err)
	}
	m.log.Info().Str("version", mig.Version).Str("name", mig.Name).Msg("rolled back migration")
	return nil
}

// Pending lists migrations not yet applied, in order.
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	migrations, applied, err := m.state(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(migrations, func(mig Migration) bool {
		_, ok := applied[mig.Version]
		return ok
	}), nil
}

// state loads the files and the applied version -> checksum map.
func (m *Migrator) state(ctx context.Context) ([]Migration, map[string]string, error) {
	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return nil, nil, fmt.Errorf("ensure migration table: %w", err)
	}

	migrations, err := LoadMigrations(m.migrationsDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load migrations: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `SELECT version, checksum FROM public.schema_migrations`)
	if err != nil {
		return nil, nil, fmt.Errorf("applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var v, sum string
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, nil, err
		}
		applied[v] = sum
	}
	return migrations, applied, rows.Err()
}

func (m *Migrator) inTx(ctx context.Context, script, record string, args ...any) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return err
	}
	return tx.Commit()
}
