package daemon

import (
	"context"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v2"

	"holt.is/bulwark/internal/config"
)

// HandleSignals runs the signal loop: TERM/INT drain and stop, HUP
// reloads configuration without dropping in-flight deployments, USR1
// dumps status in YAML to stderr.
func (d *Daemon) HandleSignals(ctx context.Context, cancel context.CancelFunc, configPath string) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, unix.SIGTERM, unix.SIGINT, unix.SIGHUP, unix.SIGUSR1)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			switch sig {
			case unix.SIGTERM, unix.SIGINT:
				d.log.Info("shutdown signal; draining", "signal", sig.String())
				cancel()
				return
			case unix.SIGHUP:
				cfg, err := config.Load(configPath)
				if err != nil {
					d.log.Error("config reload rejected", "error", err)
					continue
				}
				if err := d.Reload(cfg); err != nil {
					d.log.Error("config reload failed", "error", err)
					continue
				}
				d.log.Info("configuration reloaded")
			case unix.SIGUSR1:
				st, err := d.Status(ctx)
				if err != nil {
					d.log.Error("status dump failed", "error", err)
					continue
				}
				out, err := yaml.Marshal(st)
				if err != nil {
					continue
				}
				os.Stderr.Write(out)
			}
		}
	}
}
