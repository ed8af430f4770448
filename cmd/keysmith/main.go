package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/vorahub/keysmith"
	"github.com/vorahub/keysmith/console"
	"github.com/vorahub/keysmith/docstore"
	"github.com/vorahub/keysmith/utils"
)

type Config struct {
	DBPath      string `yaml:"db_path"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`

	CacheTTLSeconds    int `yaml:"cache_ttl_s"`
	SoftRefreshSeconds int `yaml:"soft_refresh_s"`
	SweepPeriodSeconds int `yaml:"sweep_period_s"`
	RedeemCooldownSecs int `yaml:"redeem_cooldown_s"`
	ChunkLimit         int `yaml:"chunk_limit"`
}

func loadConfig(path string) (Config, error) {
	cfg := Config{
		DBPath:      "keysmith.db",
		MetricsAddr: ":9521",
		LogLevel:    "info",
	}
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	err = yaml.Unmarshal(raw, &cfg)
	return cfg, err
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func registerMetrics(reg *prometheus.Registry, store *docstore.PebbleStore) {
	reg.MustRegister(
		keysmith.CacheLookups,
		keysmith.RefreshCount,
		keysmith.SelfHealOps,
		keysmith.RefreshDuration,
		keysmith.OpResults,
		keysmith.SweptEntries,
		docstore.BatchOps,
		docstore.BatchChunks,
		docstore.NewStoreCollector(store),
	)
}

func run() error {
	cfgPath := ""
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	log := utils.NewDefaultLogger(logLevel(cfg.LogLevel))

	store, err := docstore.OpenPebble(cfg.DBPath, docstore.PebbleOptions{
		Indexes: keysmith.Indexes(),
		Logger:  log,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	service := keysmith.New(store, keysmith.Options{
		CacheTTL:         time.Duration(cfg.CacheTTLSeconds) * time.Second,
		SoftRefreshAfter: time.Duration(cfg.SoftRefreshSeconds) * time.Second,
		SweepPeriod:      time.Duration(cfg.SweepPeriodSeconds) * time.Second,
		RedeemCooldown:   time.Duration(cfg.RedeemCooldownSecs) * time.Second,
		ChunkLimit:       cfg.ChunkLimit,
		Logger:           log,
	})

	reg := prometheus.NewRegistry()
	registerMetrics(reg, store)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Error("metrics listener failed", "addr", cfg.MetricsAddr, "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go service.RunSweeper(ctx)

	c := console.Console{Service: service}
	if err := c.Open(); err != nil {
		return err
	}
	defer c.Close()
	c.Run(ctx)
	return nil
}

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
