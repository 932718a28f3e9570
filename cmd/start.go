package cmd

import (
	"context"
	"fmt"
	"os"

	"holt.is/bulwark/internal/config"
	"holt.is/bulwark/internal/daemon"
	"holt.is/bulwark/internal/logging"
)

// RunStart runs the daemon in the foreground (the service manager owns
// backgrounding).
func RunStart(configFile string) int {
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	logCfg := logging.DefaultConfig()
	if cfg.Log != nil {
		if cfg.Log.JSON {
			logCfg.JSON = true
		}
		switch cfg.Log.Level {
		case "debug":
			logCfg.Level = logging.LevelDebug
		case "warn":
			logCfg.Level = logging.LevelWarn
		case "error":
			logCfg.Level = logging.LevelError
		}
	}
	log := logging.New(logCfg)
	logging.SetDefault(log)

	d, err := daemon.New(cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	go d.HandleSignals(ctx, cancel, configFile)

	log.Info("daemon starting", "backend", cfg.Backend.Name)
	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("daemon exited", "error", err)
		return 1
	}
	log.Info("daemon stopped")
	return 0
}
