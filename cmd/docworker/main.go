// Command docworker runs the document processing pipeline worker.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/Harvey-AU/docpipe/internal/api"
	"github.com/Harvey-AU/docpipe/internal/config"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "docworker",
		Short:         "Document processing worker: parse, chunk and embed uploaded documents",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// .env.local takes priority for development
			cfg = config.Load()
			setupLogging(cfg)
			api.Version = Version
		},
	}

	cfgFn := func() *config.Config { return cfg }
	root.AddCommand(runCmd(cfgFn))
	root.AddCommand(migrateCmd(cfgFn))
	root.AddCommand(statusCmd(cfgFn))
	root.AddCommand(ingestCmd(cfgFn))
	return root
}

// setupLogging configures the logging system
func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Use console writer in development
	if cfg.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "docworker").
			Logger()
	}
}

// initSentry initialises error tracking and returns a flush function.
func initSentry(cfg *config.Config) func() {
	if cfg.SentryDSN == "" {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
		return func() {}
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Env,
		Release:     "docworker@" + Version,
		TracesSampleRate: func() float64 {
			if cfg.Env == "production" {
				return 0.1
			}
			return 1.0
		}(),
		AttachStacktrace: true,
		Debug:            cfg.Env == "development",
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialise Sentry")
		return func() {}
	}

	log.Info().Str("environment", cfg.Env).Msg("Sentry initialised successfully")
	return func() { sentry.Flush(2 * time.Second) }
}
