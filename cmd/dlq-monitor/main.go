package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/commission-desk/internal/events"
)

type monitorConfig struct {
	Brokers     []string      `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	GroupID     string        `envconfig:"DLQ_GROUP_ID" default:"dlq-monitor-group"`
	Replay      bool          `envconfig:"DLQ_REPLAY" default:"false"`
	ReplayDelay time.Duration `envconfig:"DLQ_REPLAY_DELAY" default:"5s"`
	LogLevel    string        `envconfig:"LOG_LEVEL" default:"info"`
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	_ = godotenv.Load()

	var cfg monitorConfig
	if err := envconfig.Process("", &cfg); err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	processor, err := events.NewDLQProcessor(cfg.Brokers, events.DLQConfig{
		GroupID:     cfg.GroupID,
		Replay:      cfg.Replay,
		ReplayDelay: cfg.ReplayDelay,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create DLQ processor")
	}
	defer processor.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := processor.ProcessDLQ(ctx); err != nil {
			logger.WithError(err).Error("DLQ processor stopped")
			cancel()
		}
	}()

	logger.WithFields(logrus.Fields{
		"topic":  events.StatusChangedDLQTopic,
		"replay": cfg.Replay,
	}).Info("DLQ monitor started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	logger.Info("Shutting down DLQ monitor...")
}
