// Package main is the entry point for the mirror daemon: it keeps a live
// local copy of a music server's state and exposes it to consumers over a
// websocket bridge.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"mpdmirror/internal/bridge"
	"mpdmirror/internal/config"
	"mpdmirror/internal/engine"
	"mpdmirror/internal/version"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to TOML config file")
	host := pflag.String("host", "", "server host (overrides config)")
	port := pflag.Int("port", 0, "server port (overrides config)")
	password := pflag.String("password", "", "server password (overrides config)")
	listen := pflag.String("listen", "", "bridge listen address (overrides config)")
	debug := pflag.Bool("debug", false, "enable debug logging")
	showVersion := pflag.BoolP("version", "v", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println(version.GetInfo().String())
		return
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Flags override the file.
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *password != "" {
		cfg.Server.Password = *password
	}
	if *listen != "" {
		cfg.Bridge.Listen = *listen
	}
	if *debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version.GetInfo().String()).
		Str("server", cfg.Addr()).
		Str("listen", cfg.Bridge.Listen).
		Bool("password_set", cfg.Server.Password != "").
		Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := engine.New(engine.FromConfig(cfg))
	eng.Start(ctx)
	defer eng.Stop()

	srv := bridge.New(eng)
	if err := srv.ListenAndServe(ctx, cfg.Bridge.Listen); err != nil {
		log.Fatal().Err(err).Msg("bridge server failed")
	}

	log.Info().Msg("shutting down")
}
