package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"daycare/internal/config"
	"daycare/internal/dispatch"
)

const usage = `usage: daycare [-config path] <command> [flags]

commands:
  relay           serve the /api/proxy relay (and autosave when watch.file is set)
  watch           autosave a JSON draft file through the debounced dispatcher
  find-id         look up a login id with an SMS verification code
  find-password   reset a password with an SMS verification code
  withdraw        delete the signed-in account
  upload          upload a profile picture
`

func main() {
	// Parse flags
	configPath := flag.String("config", "", "path to config file (optional, DAYCARE_* env vars override)")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Basic logger for startup errors
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel)
	logger.Debug().
		Str("config", *configPath).
		Str("env", cfg.Env).
		Str("baseUrl", cfg.API.BaseURL).
		Bool("proxy", cfg.API.ProxyEnabled()).
		Msg("config loaded")

	ctx, cancel := signalContext(logger)
	defer cancel()

	cmd, args := flag.Arg(0), flag.Args()[1:]

	var runErr error
	switch cmd {
	case "relay":
		runErr = runRelay(ctx, cfg, logger)
	case "watch":
		runErr = runWatch(ctx, cfg, args, logger)
	case "find-id":
		runErr = runFindID(ctx, cfg, args, logger)
	case "find-password":
		runErr = runFindPassword(ctx, cfg, args, logger)
	case "withdraw":
		runErr = runWithdraw(ctx, cfg, logger)
	case "upload":
		runErr = runUpload(ctx, cfg, args, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}

	if runErr != nil {
		logger.Error().Err(runErr).Str("command", cmd).Msg("command failed")
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(logger zerolog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-quit:
			logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(quit)
	}()

	return ctx, cancel
}

// newDispatcher builds the API dispatcher from config
func newDispatcher(cfg *config.Config, logger zerolog.Logger) *dispatch.Dispatcher {
	return dispatch.New(dispatch.Config{
		Delay:          cfg.API.GetDebounceDelayDuration(),
		BaseURL:        cfg.API.BaseURL,
		DefaultHeaders: cfg.API.DefaultHeaders,
		UseProxy:       cfg.API.ProxyEnabled(),
		ProxyURL:       cfg.API.ProxyURL,
		Timeout:        cfg.API.GetRequestTimeoutDuration(),
		Reporter:       dispatch.LogReporter{Logger: logger},
	}, logger)
}

// setupLogger configures the zerolog logger
func setupLogger(level string) zerolog.Logger {
	// Set log level
	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	// Logs go to stderr; command results go to stdout
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(output).With().Timestamp().Logger()
}
