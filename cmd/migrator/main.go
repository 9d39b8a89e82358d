package main

import (
	"database/sql"
	"flag"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/technosupport/protect-downloader/internal/config"
	"github.com/technosupport/protect-downloader/internal/history"
	"github.com/technosupport/protect-downloader/internal/logging"
)

func main() {
	upCmd := flag.Bool("up", false, "Run all up migrations")
	downCmd := flag.Bool("down", false, "Rollback all migrations")
	stepsCmd := flag.Int("steps", 0, "Run +/- steps")
	flag.Parse()

	config.LoadEnv(nil)
	log := logging.NewLoggerWithService("protect-downloader-migrator", config.GetEnv("LOG_LEVEL", "info"))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.WithError(err).Fatal("Failed to ping database")
	}

	start := time.Now()
	switch {
	case *upCmd:
		log.Info("Running UP migrations...")
		if err := history.Migrate(db); err != nil {
			log.WithError(err).Fatal("Migration UP failed")
		}
		log.Info("Migration UP completed.")
	case *downCmd:
		log.Info("Running DOWN migrations...")
		if err := history.MigrateDown(db); err != nil {
			log.WithError(err).Fatal("Migration DOWN failed")
		}
		log.Info("Migration DOWN completed.")
	case *stepsCmd != 0:
		log.Infof("Running %d steps...", *stepsCmd)
		if err := history.MigrateSteps(db, *stepsCmd); err != nil {
			log.WithError(err).Fatal("Migration Steps failed")
		}
		log.Info("Migration Steps completed.")
	default:
		log.Info("No command specified. Use -up, -down, or -steps.")
		version, dirty, ok, err := history.Version(db)
		switch {
		case err != nil:
			log.WithError(err).Error("Failed to read schema version")
		case !ok:
			log.Info("No version found (empty db?).")
		default:
			log.Infof("Current Version: %d, Dirty: %v", version, dirty)
		}
	}
	log.Infof("Duration: %v", time.Since(start))
}
