// Command imapsession-probe connects to an IMAP server over implicit TLS,
// prints its greeting and capabilities, optionally authenticates, and logs
// out. It is meant for checking a server end to end from the client side.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/migadu/imapsession/client"
	"github.com/migadu/imapsession/config"
	"github.com/migadu/imapsession/logger"
	perrors "github.com/migadu/imapsession/pkg/errors"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "imapsession.toml"

func main() {
	errorHandler := perrors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", defaultConfigPath, "Path to TOML configuration file")
	host := flag.String("host", "", "IMAP server hostname (overrides config)")
	linger := flag.Duration("linger", 0, "Keep serving metrics this long after the probe finishes")
	flag.Parse()

	if *showVersion {
		fmt.Printf("imapsession-probe version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(perrors.ExitOK)
	}

	if !loadConfig(*configPath, &cfg, errorHandler) {
		os.Exit(errorHandler.ExitCode())
	}
	if *host != "" {
		cfg.Client.Host = *host
	}
	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.ExitCode())
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "imapsession-probe: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.Info("Probe starting", "version", version, "commit", commit, "host", cfg.Client.Host)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Metrics.Enabled {
		if _, err := startMetricsServer(ctx, cfg.Metrics); err != nil {
			errorHandler.FatalError("start metrics server", err)
			os.Exit(errorHandler.ExitCode())
		}
	}

	est, err := newEstablisher(cfg.Client, logger.Get())
	if err != nil {
		errorHandler.ValidationError("client", err)
		os.Exit(errorHandler.ExitCode())
	}
	p, err := newProber(cfg, est, logger.Get())
	if err != nil {
		errorHandler.ValidationError("client", err)
		os.Exit(errorHandler.ExitCode())
	}

	rep, err := p.run(ctx)
	if err != nil {
		reportFailure(errorHandler, cfg.Client.Host, err)
	} else {
		rep.write(os.Stdout)
	}

	if cfg.Metrics.Enabled && *linger > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(*linger):
		}
	}

	// Deferred cleanup must run before exiting.
	code := errorHandler.ExitCode()
	cancel()
	if logFile != nil {
		logFile.Close()
	}
	os.Exit(code)
}

// loadConfig reads configPath into cfg. A missing default file is not an
// error; the defaults and flags are used instead.
func loadConfig(configPath string, cfg *config.Config, errorHandler *perrors.ErrorHandler) bool {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == defaultConfigPath {
			fmt.Fprintf(os.Stderr, "imapsession-probe: default configuration file '%s' not found, using defaults\n", configPath)
			return true
		}
		errorHandler.ConfigError(configPath, err)
		return false
	}
	return true
}

func reportFailure(errorHandler *perrors.ErrorHandler, host string, err error) {
	var exErr *exchangeError
	switch {
	case errors.As(err, &exErr):
		errorHandler.ExchangeError(exErr.command, exErr.err)
	case errors.Is(err, client.ErrAddressResolution),
		errors.Is(err, client.ErrConnect),
		errors.Is(err, client.ErrTLS),
		errors.Is(err, client.ErrProtocol):
		errorHandler.ConnectError(host, err)
	default:
		errorHandler.FatalError("probe", err)
	}
}
