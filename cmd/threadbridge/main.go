// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exzerolog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aiku/threadbridge/pkg/bridge"
	"github.com/aiku/threadbridge/pkg/telegram"
	"github.com/aiku/threadbridge/pkg/whatsapp"
)

var (
	configPath = flag.String("config", "config.yaml", "path to the config file")
	logJSON    = flag.Bool("log-json", false, "log JSON instead of pretty console output")
	logLevel   = flag.String("log-level", "debug", "minimum log level")
)

func main() {
	flag.Parse()
	_ = godotenv.Load()

	log := setupLogging()
	exzerolog.SetupDefaults(&log)

	if _, err := os.Stat(*configPath); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(*configPath, []byte(bridge.ExampleConfig), 0o600); err != nil {
			log.Fatal().Err(err).Msg("Failed to write example config")
		}
		log.Info().Str("path", *configPath).
			Msg("Wrote example config, fill it in and restart")
		os.Exit(0)
	}

	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		var confErr *bridge.ConfigError
		if errors.As(err, &confErr) {
			log.Fatal().Str("field", confErr.Field).Str("reason", confErr.Reason).
				Msg("Invalid configuration")
		}
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	db, err := dbutil.NewWithDialect(cfg.Database.URI, cfg.Database.Type)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("component", "database").Logger())

	chat := whatsapp.NewClient(cfg.ChatGateway, log)
	topic := telegram.NewClient(cfg.TopicAPI, log)
	engine := bridge.NewEngine(cfg, db, chat, topic, bridge.NewFFmpegTranscoder(log), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start engine")
	}
	go chat.Run(ctx)
	go topic.Run(ctx)

	registry := prometheus.NewRegistry()
	engine.Metrics().Register(registry)
	adminSrv := adminServer(cfg.AdminAPIAddr, engine, registry)
	go func() {
		log.Info().Str("addr", cfg.AdminAPIAddr).Msg("Admin API listening")
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Admin API server failed")
		}
	}()

	log.Info().Msg("Bridge started")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = adminSrv.Shutdown(shutdownCtx)
	engine.Stop()
	if err := db.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}
}

func setupLogging() zerolog.Logger {
	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unknown log level %q\n", *logLevel)
		os.Exit(2)
	}
	var writer zerolog.Logger
	if *logJSON {
		writer = zerolog.New(os.Stdout)
	} else {
		writer = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.StampMilli})
	}
	return writer.With().Timestamp().Logger().Level(level)
}

func adminServer(addr string, engine *bridge.Engine, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/api/", engine.AdminHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return &http.Server{Addr: addr, Handler: mux}
}
