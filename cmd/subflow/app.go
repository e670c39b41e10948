package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/subflow-proxy/subflow/internal/config"
	"github.com/subflow-proxy/subflow/internal/events"
	"github.com/subflow-proxy/subflow/internal/notify"
	"github.com/subflow-proxy/subflow/internal/store"
	"github.com/subflow-proxy/subflow/internal/syncer"
)

// app bundles the wiring shared by the sync and serve commands.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	store  *store.Store
	bus    *events.Bus
	syncer *syncer.Syncer
}

// newApp loads configuration and wires the pipeline. The Bark client is
// subscribed to the bus when configured.
func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	st, err := store.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	bark := notify.NewBark(log, cfg.BarkURL, cfg.BarkTitle)
	if bark.Enabled() {
		bark.SubscribeTo(bus)
	}

	s, err := syncer.New(log, cfg, st, bus)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, store: st, bus: bus, syncer: s}, nil
}

func (a *app) close() {
	a.syncer.Close()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
	}))
}
