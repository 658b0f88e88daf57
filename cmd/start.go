package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/blackhole/internal/config"
	"grimm.is/blackhole/internal/logging"
)

// RunStart loads configFile and runs the daemon in the foreground until
// SIGINT or SIGTERM. SIGHUP reloads the configuration.
func RunStart(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	logging.SetDefault(logger)

	d, err := NewDaemon(cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				logger.Info("Received SIGHUP, reloading configuration", "path", configFile)
				next, err := config.Load(configFile)
				if err != nil {
					logger.Error("failed to reload configuration", "error", err)
					continue
				}
				if err := d.Reload(next); err != nil {
					logger.Error("failed to apply reloaded configuration", "error", err)
				}
			}
		}
	}()

	return d.Run(ctx)
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logging.SetProcessName("blackhole")
	return logging.New(logging.Config{
		Level:  level,
		Output: os.Stderr,
		JSON:   cfg.LogJSON,
	}), nil
}
