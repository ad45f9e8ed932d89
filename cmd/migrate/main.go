package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/GoPolymarket/capsettle/internal/config"
	"github.com/GoPolymarket/capsettle/internal/repository"
)

func main() {
	if err := handleMigrationCommand(os.Args[1:]); err != nil {
		log.Fatal("Migration error: ", err)
	}
}

func handleMigrationCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: migrate [up|down N|status]")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database.Driver == repository.DriverSQLite {
		return fmt.Errorf("sqlite ledgers are migrated from the models at startup")
	}
	dsn := cfg.Database.DSN

	switch args[0] {
	case "up":
		version, err := repository.MigrateUp(dsn)
		if err != nil {
			return err
		}
		log.Printf("✅ Migrations applied, version %d", version)
	case "down":
		steps := 1
		if len(args) > 1 {
			steps, err = strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid step count %q", args[1])
			}
		}
		if err := repository.MigrateDown(dsn, steps); err != nil {
			return err
		}
		log.Printf("✅ Rolled back %d migration(s)", steps)
	case "status":
		version, dirty, ok, err := repository.MigrateStatus(dsn)
		if err != nil {
			return err
		}
		if !ok {
			log.Println("No migrations applied")
			return nil
		}
		log.Printf("Current version: %d, dirty: %v", version, dirty)
	default:
		return fmt.Errorf("unknown migration command: %s", args[0])
	}
	return nil
}
