package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sluice/adapter"
	redisadapter "github.com/pithecene-io/sluice/adapter/redis"
	"github.com/pithecene-io/sluice/adapter/webhook"
	"github.com/pithecene-io/sluice/cli/config"
	"github.com/pithecene-io/sluice/job"
	"github.com/pithecene-io/sluice/log"
	"github.com/pithecene-io/sluice/metrics"
	"github.com/pithecene-io/sluice/runtime"
	"github.com/pithecene-io/sluice/server"
)

// ServeCommand returns the serve command: start a runtime with the
// monitoring server and run until interrupted.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the engine with the monitoring API",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Monitoring server listen address",
				Value: ":8080",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfgPath := c.String("config")
	explicit := cfgPath != ""
	if !explicit {
		cfgPath = config.DefaultPath
	}
	cfg, err := config.Load(cfgPath, explicit)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	addr := c.String("addr")
	if cfg.Server.Addr != "" && !c.IsSet("addr") {
		addr = cfg.Server.Addr
	}

	logger := log.NewLogger(log.Context{})
	m := metrics.New()

	rt := runtime.New(runtime.Config{
		PoolSize:   cfg.Runtime.PoolSize,
		FairnessK:  cfg.Runtime.FairnessK,
		IdleJobTTL: cfg.Runtime.IdleJobTTL.Duration,
		Logger:     logger,
		Metrics:    m,
	})
	rt.SetHooks(runtime.NewTraceHooks(rt))

	ad, err := buildAdapter(cfg.Adapter)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if ad != nil {
		defer func() { _ = ad.Close() }()
		rt.AddCompletionListener(func(jobCtx *job.Context) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := ad.Publish(ctx, adapter.NewJobCompletedEvent(jobCtx)); err != nil {
				logger.Warn("adapter publish failed", map[string]any{"error": err.Error()})
			}
		})
	}

	srv := server.New(rt, server.Config{
		Addr:            addr,
		MonitorInterval: cfg.Server.MonitorInterval.Duration,
		Logger:          logger,
		Metrics:         m,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		rt.Shutdown(false)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		return nil
	case sig := <-sigCh:
		logger.Sugar().Infof("received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		rt.Shutdown(true)
		return nil
	}
}

// buildAdapter constructs the configured completion adapter, nil when
// none is configured.
func buildAdapter(cfg config.AdapterConfig) (adapter.Adapter, error) {
	retries := -1
	if cfg.Retries != nil {
		retries = *cfg.Retries
	}
	switch cfg.Type {
	case "":
		return nil, nil
	case "webhook":
		wcfg := webhook.Config{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout.Duration,
		}
		if retries >= 0 {
			wcfg.Retries = retries
		} else {
			wcfg.Retries = webhook.DefaultRetries
		}
		return webhook.New(wcfg)
	case "redis":
		rcfg := redisadapter.Config{
			URL:     cfg.URL,
			Channel: cfg.Channel,
			Timeout: cfg.Timeout.Duration,
		}
		if retries >= 0 {
			rcfg.Retries = retries
		} else {
			rcfg.Retries = redisadapter.DefaultRetries
		}
		return redisadapter.New(rcfg)
	default:
		return nil, fmt.Errorf("unknown adapter type %q", cfg.Type)
	}
}
