package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/commission-desk/internal/config"
	"github.com/jogardn/commission-desk/internal/database"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cmd := flag.String("cmd", "up", "migration command: up|down|status|version|redo|reset|up-to|down-to")
	target := flag.String("version", "", "target version for up-to and down-to")
	flag.Parse()

	cfg, err := config.LoadDatabase()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load database configuration")
	}

	db, err := database.NewConnection(database.Config{
		URL:             cfg.URL,
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	var args []string
	if *target != "" {
		args = append(args, *target)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	log := logger.WithFields(logrus.Fields{"cmd": *cmd, "version": *target})
	if err := database.Migrate(ctx, db, *cmd, args...); err != nil {
		log.WithError(err).Error("Migration failed")
		db.Close()
		os.Exit(1)
	}
	log.Info("Migration complete")
}
