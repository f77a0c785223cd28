package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/walletbridge/pkg/config"
	"github.com/lrhodin/walletbridge/pkg/logging"
	"github.com/lrhodin/walletbridge/pkg/metrics"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyLogger
	contextKeyMetrics
	contextKeyCleanup
)

func getConfig(ctx *cli.Context) *config.Config {
	return ctx.Context.Value(contextKeyConfig).(*config.Config)
}

func getLogger(ctx *cli.Context) zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(zerolog.Logger)
}

func getMetrics(ctx *cli.Context) *metrics.Metrics {
	val := ctx.Context.Value(contextKeyMetrics)
	if val == nil {
		return nil
	}
	return val.(*metrics.Metrics)
}

type cleanupFuncs []func() error

func prepareApp(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if level := ctx.String("log-level"); level != "" {
		cfg.Logging.Level = level
		if err = cfg.PostProcess(); err != nil {
			return err
		}
	}
	log, closeLog, err := logging.Setup(cfg.Logging, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	cleanup := &cleanupFuncs{closeLog}

	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyLogger, log)
	newCtx = context.WithValue(newCtx, contextKeyCleanup, cleanup)
	if cfg.Metrics.Listen != "" {
		m := metrics.New()
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: m.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Err(err).Str("listen", cfg.Metrics.Listen).Msg("Metrics listener failed")
			}
		}()
		*cleanup = append(*cleanup, srv.Close)
		newCtx = context.WithValue(newCtx, contextKeyMetrics, m)
	}
	ctx.Context = newCtx
	return nil
}

func cleanupApp(ctx *cli.Context) error {
	val := ctx.Context.Value(contextKeyCleanup)
	if val == nil {
		return nil
	}
	funcs := *val.(*cleanupFuncs)
	var errs []error
	for i := len(funcs) - 1; i >= 0; i-- {
		errs = append(errs, funcs[i]())
	}
	return errors.Join(errs...)
}

func main() {
	_ = godotenv.Load()
	app := &cli.App{
		Name:    "walletbridge",
		Usage:   "Drive the wallet and chat engines from the command line",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to config file",
				Value:   config.DefaultPath(),
				EnvVars: []string{"WALLETBRIDGE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Override the configured log level",
				EnvVars: []string{"WALLETBRIDGE_LOG_LEVEL"},
			},
		},
		Before: prepareApp,
		After:  cleanupApp,
		Commands: []*cli.Command{
			restoreBackupCommand,
			torCommand,
			chatCommand,
			contactsCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
