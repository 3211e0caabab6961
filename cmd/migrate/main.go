// Package main applies the PostgreSQL account store schema.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/cory-johannsen/botfleet/internal/config"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	dir := flag.String("dir", "migrations", "directory holding the *.sql migrations")
	direction := flag.String("direction", "up", "migration direction: up or down")
	steps := flag.Int("steps", 0, "number of steps (0 = all)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if cfg.Accounts.Driver != config.DriverPostgres {
		fmt.Fprintf(os.Stderr, "warning: accounts.driver is %q; migrating postgres anyway\n", cfg.Accounts.Driver)
	}

	absDir, err := filepath.Abs(*dir)
	if err != nil {
		log.Fatalf("resolving migrations dir: %v", err)
	}
	m, err := migrate.New("file://"+filepath.ToSlash(absDir), cfg.Database.DSN())
	if err != nil {
		log.Fatalf("creating migrator: %v", err)
	}
	defer m.Close()

	switch *direction {
	case "up":
		if *steps > 0 {
			err = m.Steps(*steps)
		} else {
			err = m.Up()
		}
	case "down":
		if *steps > 0 {
			err = m.Steps(-*steps)
		} else {
			err = m.Down()
		}
	default:
		log.Fatalf("invalid direction %q: must be 'up' or 'down'", *direction)
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatalf("migration failed: %v", err)
	}

	version, dirty, _ := m.Version()
	elapsed := time.Since(start)

	if errors.Is(err, migrate.ErrNoChange) {
		fmt.Fprintf(os.Stdout, "no changes (database=%s version=%d dirty=%v) [%s]\n", cfg.Database.Name, version, dirty, elapsed)
	} else {
		fmt.Fprintf(os.Stdout, "migrated %s database=%s to version=%d dirty=%v [%s]\n", *direction, cfg.Database.Name, version, dirty, elapsed)
	}
}
