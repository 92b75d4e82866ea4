package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"EqualisLedger/internal/config"
	"EqualisLedger/internal/observability"
	"EqualisLedger/internal/persistence"

	_ "github.com/lib/pq"
)

const usage = `Usage: migrate <up|down|status|check>
  up     apply all pending migrations
  down   roll back the newest migration
  status list pending migrations
  check  validate migration files without a database

Environment:
  EQUALIS_POSTGRES_DSN    Postgres connection string
  EQUALIS_MIGRATIONS_DIR  migrations directory (default: migrations)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	log := observability.NewLogger("migrate")
	cfg := config.DefaultConfig()

	if os.Args[1] == "check" {
		migrations, err := persistence.LoadMigrations(cfg.MigrationsDir)
		if err != nil {
			log.Fatal().Err(err).Msg("migrate check")
		}
		for _, m := range migrations {
			fmt.Printf("%s_%s  %s\n", m.Version, m.Name, m.Checksum[:12])
		}
		return
	}

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, log)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate up")
		}
		log.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate down")
		}

	case "status":
		pending, err := migrator.Pending(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("migrate status")
		}
		if len(pending) == 0 {
			fmt.Println("up to date")
		}
		for _, m := range pending {
			fmt.Printf("pending: %s_%s\n", m.Version, m.Name)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
}
