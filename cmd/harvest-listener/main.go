package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"royaltyledger/internal/config"
	"royaltyledger/internal/harvest"
	"royaltyledger/internal/ingest"
	"royaltyledger/internal/insights"
	"royaltyledger/internal/listener"
	"royaltyledger/internal/logger"
	"royaltyledger/internal/notify"
	"royaltyledger/internal/parsers"
	"royaltyledger/internal/storage"
)

func main() {
	cfg, err := config.Load()
	must(err)
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	ins := insights.NewService(db, time.Duration(cfg.InsightsCacheTTLM)*time.Minute, log)
	ing := ingest.NewService(db, parsers.DefaultRegistry(), ins, log)
	svc := listener.NewService(db, cfg, harvest.NewService(ing, log), notify.New(cfg, log), listener.DefaultSources(cfg, log), log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info().Int("interval_sec", cfg.HarvestIntervalSec).Msg("harvest listener started")
	must(svc.Run(ctx))
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
