package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/sprksoft/smppgc/internal/chat"
	"github.com/sprksoft/smppgc/internal/config"
	"github.com/sprksoft/smppgc/internal/filter"
	"github.com/sprksoft/smppgc/internal/monitoring"
	"github.com/sprksoft/smppgc/internal/names"
	"github.com/sprksoft/smppgc/internal/server"
)

const processSampleInterval = 15 * time.Second

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	// Startup logger; replaced once the configured level and format are known.
	bootstrap := zerolog.New(os.Stderr).With().Timestamp().Logger()

	conf, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		conf.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(conf.LogLevel, conf.LogFormat)

	// automaxprocs has already clamped GOMAXPROCS to the container quota.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")
	conf.LogConfig(logger)

	var wordlist *filter.Wordlist
	if conf.Wordlist != "" {
		wordlist, err = filter.LoadWordlist(conf.Wordlist)
		if err != nil {
			logger.Fatal().Err(err).Str("path", conf.Wordlist).Msg("Failed to load wordlist")
		}
		logger.Info().Str("path", conf.Wordlist).Msg("Profanity wordlist loaded")
	}

	hub := chat.NewHub(conf, logger)
	mgr := names.NewManager(conf.MaxReservedNames, conf.MaxUsernameLen)
	sessions := chat.NewSessions(conf, logger, hub, mgr, filter.New(conf.MaxMessageLen, wordlist))
	srv := server.New(conf, logger, hub, sessions)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go monitoring.NewProcessMonitor(logger, processSampleInterval).Run(ctx)

	if err := srv.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server exited with error")
	}
	logger.Info().Msg("Server stopped")
}
