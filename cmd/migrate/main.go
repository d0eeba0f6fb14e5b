package main

import (
	"flag"
	"fmt"

	"github.com/example/authority/internal/config"
	"github.com/example/authority/internal/logging"
	"github.com/example/authority/internal/store"
	log "github.com/sirupsen/logrus"
)

func main() {
	var (
		command = flag.String("command", "up", "Migration command: up, down, version, force")
		steps   = flag.Int("steps", 0, "Number of migration steps (for up/down)")
		version = flag.Uint("version", 0, "Target version (for force command)")
	)
	flag.Parse()

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Logging error: %v", err)
	}

	if cfg.DBAdapter != config.AdapterPostgres {
		logger.Fatalf("Migrations only work with PostgreSQL. Current adapter: %s (the %s store creates its schema on open)",
			cfg.DBAdapter, cfg.DBAdapter)
	}

	if err := run(*command, *steps, *version, cfg.PostgresDSN); err != nil {
		logger.WithError(err).Fatalf("migrate %s failed", *command)
	}
}

func run(command string, steps int, version uint, dsn string) error {
	m, err := store.NewMigrator(dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	switch command {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
		if err != nil {
			return err
		}
		fmt.Println("✓ Migrations applied successfully")
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
		if err != nil {
			return err
		}
		fmt.Println("✓ Migrations rolled back successfully")
	case "version":
		v, dirty, err := m.Version()
		if err != nil {
			return fmt.Errorf("reading version: %w", err)
		}
		if dirty {
			return fmt.Errorf("database is in a dirty state (version %d)", v)
		}
		fmt.Printf("Current migration version: %d\n", v)
	case "force":
		if version == 0 {
			return fmt.Errorf("version required for force command (use -version flag)")
		}
		if err := m.Force(int(version)); err != nil {
			return err
		}
		fmt.Printf("✓ Forced database to version %d\n", version)
	default:
		return fmt.Errorf("unknown command: %s (supported: up, down, version, force)", command)
	}
	return nil
}
