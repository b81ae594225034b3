// Command migrate applies the results schema to RESULTS_DATABASE_URL.
//
//	migrate [up]          apply all pending migrations
//	migrate down [n]      roll back n migrations, or all of them
//	migrate force <v>     mark version v as clean after a failed run
//	migrate version       print the current version
package main

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	appmigrations "github.com/wolfman30/titration-sim/migrations"
)

// migrator is the subset of *migrate.Migrate the commands drive.
type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
	Version() (uint, bool, error)
}

func main() {
	_ = godotenv.Load()
	databaseURL := strings.TrimSpace(os.Getenv("RESULTS_DATABASE_URL"))
	if databaseURL == "" {
		log.Fatal("RESULTS_DATABASE_URL is required")
	}

	m, closeFn, err := open(databaseURL)
	if err != nil {
		log.Fatal(err)
	}
	err = run(m, os.Args[1:], os.Stdout)
	closeFn()
	if err != nil {
		log.Fatal(err)
	}
}

func open(databaseURL string) (*migrate.Migrate, func(), error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping db: %w", err)
	}
	dbDriver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "titration_schema_migrations"})
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("db driver: %w", err)
	}
	src, err := iofs.New(appmigrations.FS, ".")
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("source driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", dbDriver)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, func() { _, _ = m.Close() }, nil
}

func run(m migrator, args []string, out io.Writer) error {
	cmd := "up"
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate up: %w", err)
		}
	case "down":
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return fmt.Errorf("down: step count must be a positive integer, got %q", args[1])
			}
			if err := m.Steps(-n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("migrate down %d: %w", n, err)
			}
		} else if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate down: %w", err)
		}
	case "force":
		if len(args) < 2 {
			return errors.New("force: version is required")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("force: invalid version %q", args[1])
		}
		if err := m.Force(v); err != nil {
			return fmt.Errorf("force version: %w", err)
		}
	case "version":
	default:
		return fmt.Errorf("unknown command %q (want up, down, force or version)", cmd)
	}
	return printVersion(m, cmd, out)
}

func printVersion(m migrator, cmd string, out io.Writer) error {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		_, _ = fmt.Fprintf(out, "%s: no migrations applied\n", cmd)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	_, _ = fmt.Fprintf(out, "%s: version %d (dirty=%t)\n", cmd, version, dirty)
	return nil
}
