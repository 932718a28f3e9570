// Package daemon assembles the orchestrator and runs its task set: the
// event bus consumer, log sources, feed pollers, the approval queue, the
// control socket, and the periodic sweeps.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"holt.is/bulwark/internal/autonomy"
	"holt.is/bulwark/internal/backend"
	"holt.is/bulwark/internal/backend/nftables"
	"holt.is/bulwark/internal/config"
	"holt.is/bulwark/internal/correlate"
	"holt.is/bulwark/internal/ctl"
	"holt.is/bulwark/internal/deploy"
	"holt.is/bulwark/internal/events"
	"holt.is/bulwark/internal/facade"
	"holt.is/bulwark/internal/guard"
	"holt.is/bulwark/internal/logging"
	"holt.is/bulwark/internal/metrics"
	"holt.is/bulwark/internal/policy"
	"holt.is/bulwark/internal/sources"
	"holt.is/bulwark/internal/store"
)

// Daemon is the assembled orchestrator.
type Daemon struct {
	cfg    *config.Config
	log    *logging.Logger
	st     *store.Store
	reg    *backend.Registry
	ad     backend.Adapter
	gl     *guard.List
	bus    *events.Bus
	causal *events.CausalRegistry
	ctrl   *deploy.Controller
	svc    *facade.Service
	auto   *autonomy.Controller
	corr   *correlate.Correlator
	srcs   []sources.Source
}

// New assembles a daemon from configuration.
func New(cfg *config.Config, log *logging.Logger) (*Daemon, error) {
	d := &Daemon{cfg: cfg, log: log.Component("daemon")}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	d.st = st

	d.reg = backend.NewRegistry()
	if err := d.reg.Register(nftables.New(cfg.Store.BackupDir)); err != nil {
		return nil, err
	}
	d.ad, err = d.reg.Activate(cfg.Backend.Name)
	if err != nil {
		return nil, err
	}

	d.gl = guard.New(guard.NewDNSResolver(""), log)
	d.reloadGuard()

	d.bus = events.NewBus()
	d.causal = events.NewCausalRegistry()

	probe, deployCfg, err := buildDeploy(cfg)
	if err != nil {
		return nil, err
	}
	d.ctrl = deploy.New(d.ad, st, d.gl, d.causal, probe, deployCfg, log)

	var translator facade.Translator
	if cfg.Translator != nil && cfg.Translator.URL != "" {
		timeout, _ := config.Duration(cfg.Translator.Timeout, 15*time.Second)
		translator = facade.NewHTTPTranslator(cfg.Translator.URL, timeout)
	}
	d.svc = facade.New(d.ad, st, d.gl, d.ctrl, d.bus, translator, log)
	d.svc.SetGuardReload(d.reloadGuard)

	autoCfg, err := buildAutonomy(cfg)
	if err != nil {
		return nil, err
	}
	d.auto = autonomy.New(autoCfg, d.gl, st, d.svc, d.svc.AnalyzeRule, log)
	d.svc.SetAutonomy(d.auto)
	d.ctrl.OnCatastrophic(func() {
		d.log.Error("catastrophic rollback failure; forcing autonomy to monitor")
		metrics.BreakerOpen.Set(1)
		d.auto.ForceMonitor()
	})

	corrCfg := correlate.DefaultConfig()
	warnProducer := d.bus.Register("correlator", 256)
	d.corr = correlate.New(corrCfg,
		func(a correlate.Assessment) {
			metrics.ThreatsEscalated.WithLabelValues(string(a.Kind)).Inc()
			d.auto.HandleAssessment(context.Background(), a)
		},
		func(ev events.SecurityEvent) { warnProducer.Emit(ev) },
		log)

	if translator != nil {
		d.corr.SetClassifier(&translatorClassifier{translator: translator})
	}

	if err := d.buildSources(); err != nil {
		return nil, err
	}
	return d, nil
}

// translatorClassifier is the correlator's slow path: ambiguous
// assessments are described to the external inference endpoint, and its
// draft verdict maps back to a recommendation. Any failure here is
// silent; the fast path has already decided not to escalate.
type translatorClassifier struct {
	translator facade.Translator
}

func (t *translatorClassifier) Classify(ctx context.Context, a correlate.Assessment) (correlate.Recommendation, error) {
	prompt := fmt.Sprintf(
		"classify threat: kind=%s subject=%s score=%.2f sources=%d ports=%v",
		a.Kind, a.Subject, a.Score, len(a.Sources), a.Ports)
	rule, _, err := t.translator.Translate(ctx, prompt)
	if err != nil {
		return "", err
	}
	switch {
	case rule.RateLimit != nil:
		return correlate.RecommendRateLimit, nil
	case rule.Action == policy.ActionDrop || rule.Action == policy.ActionReject:
		return correlate.RecommendBlock, nil
	default:
		return correlate.RecommendAlertOnly, nil
	}
}

func buildDeploy(cfg *config.Config) (deploy.Probe, deploy.Config, error) {
	dc := deploy.DefaultConfig()
	var err error
	if dc.HeartbeatTimeout, err = config.Duration(cfg.Deploy.Heartbeat.Timeout, dc.HeartbeatTimeout); err != nil {
		return nil, dc, err
	}
	if dc.ProbeInterval, err = config.Duration(cfg.Deploy.Heartbeat.Interval, dc.ProbeInterval); err != nil {
		return nil, dc, err
	}
	if dc.LockTimeout, err = config.Duration(cfg.Deploy.LockTimeout, dc.LockTimeout); err != nil {
		return nil, dc, err
	}
	probe := deploy.NewProbe(deploy.ProbeConfig{
		LivenessTarget: cfg.Deploy.Heartbeat.LivenessTarget,
		InboundURL:     cfg.Deploy.Heartbeat.InboundURL,
		Disabled:       cfg.Deploy.Heartbeat.Disabled,
	})
	return probe, dc, nil
}

func buildAutonomy(cfg *config.Config) (autonomy.Config, error) {
	ac := autonomy.DefaultConfig()
	lvl, err := autonomy.ParseLevel(cfg.Autonomy.Level)
	if err != nil {
		return ac, err
	}
	ac.Level = lvl
	ac.MaxCIDR = cfg.Autonomy.MaxCIDR
	ac.RatePerMin = cfg.Autonomy.RatePerMin
	if cfg.Autonomy.Breaker != nil {
		if cfg.Autonomy.Breaker.Count > 0 {
			ac.BreakerCount = cfg.Autonomy.Breaker.Count
		}
		if ac.BreakerWindow, err = config.Duration(cfg.Autonomy.Breaker.Window, ac.BreakerWindow); err != nil {
			return ac, err
		}
	}
	return ac, nil
}

// buildSources instantiates the configured log sources plus feeds.
func (d *Daemon) buildSources() error {
	cursors := &storeCursors{st: d.st}
	for _, sc := range d.cfg.Sources {
		if !sc.Enabled {
			continue
		}
		if sc.Parser == "nflog" {
			d.srcs = append(d.srcs, sources.NewNFLog(0))
			continue
		}
		parser, err := sources.ParserByName(sc.Parser)
		if err != nil {
			return fmt.Errorf("source %q: %w", sc.Name, err)
		}
		d.srcs = append(d.srcs, sources.NewTail(sc.Name, sc.Path, parser, cursors))
	}
	cacheDir := filepath.Join(filepath.Dir(d.cfg.Store.Path), "feedcache")
	for _, fc := range d.cfg.Feeds {
		interval, err := config.Duration(fc.Interval, time.Hour)
		if err != nil {
			return err
		}
		ageMax, err := config.Duration(fc.AgeMax, 24*time.Hour)
		if err != nil {
			return err
		}
		d.srcs = append(d.srcs, sources.NewFeed(fc.Name, fc.URL, fc.Format, interval, ageMax, cacheDir, d.log))
	}
	return nil
}

// Run executes the daemon until ctx is cancelled, then drains.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// Single consumer: persist, then correlate. Ordering within a
	// source class is preserved by the bus.
	g.Go(func() error {
		return ignoreCancel(d.bus.Run(gctx, func(ev *events.SecurityEvent) {
			metrics.EventsObserved.WithLabelValues(ev.Source, string(ev.Kind)).Inc()
			if ev.Kind == events.KindDropCount {
				metrics.EventsDropped.WithLabelValues(ev.Source).Inc()
			}
			if _, err := d.st.AppendEvent(ev); err != nil {
				d.log.Error("event persist failed", "error", err)
			}
			d.corr.Handle(*ev)
		}))
	})

	// Approval queue worker.
	g.Go(func() error { return ignoreCancel(d.svc.Run(gctx)) })

	// Control socket.
	g.Go(func() error {
		return ctl.NewServer(d.svc, d.st, d.log).Listen(gctx, "")
	})

	// Log sources, each supervised independently.
	for _, src := range d.srcs {
		src := src
		producer := d.bus.Register(src.Name(), d.sourceBudget(src.Name()))
		emit := func(ev events.SecurityEvent) {
			if ev.CausalTag == "" {
				ev.CausalTag = d.causal.Tag(ev)
			}
			producer.Emit(ev)
		}
		g.Go(func() error {
			sources.Supervise(gctx, src, emit, d.log)
			return nil
		})
	}

	// Periodic sweeps: rule expiry, store retention, guard refresh.
	g.Go(func() error { return d.periodic(gctx, time.Minute, func() { _ = d.ctrl.SweepExpired(gctx) }) })
	g.Go(func() error {
		return d.periodic(gctx, 6*time.Hour, func() {
			if err := d.st.Retention(d.cfg.Store.RetainDays); err != nil {
				d.log.Error("retention sweep failed", "error", err)
			}
			d.sweepBackups()
		})
	})
	g.Go(func() error { return d.periodic(gctx, 15*time.Minute, d.gl.Refresh) })

	err := g.Wait()

	// Drain: sources are already stopped by context; resolve any
	// in-flight probation and close the store.
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d.ctrl.Shutdown(drainCtx)
	if cerr := d.st.Close(); cerr != nil {
		d.log.Error("store close failed", "error", cerr)
	}
	return err
}

func (d *Daemon) periodic(ctx context.Context, every time.Duration, fn func()) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

// sweepBackups deletes ruleset snapshots past the retention window.
// Backups referenced by an in-flight deployment are never old enough to
// qualify.
func (d *Daemon) sweepBackups() {
	retain := d.cfg.Store.RetainDays
	if retain <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -retain)
	entries, err := os.ReadDir(d.cfg.Store.BackupDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(d.cfg.Store.BackupDir, e.Name()))
		}
	}
}

func (d *Daemon) sourceBudget(name string) int {
	for _, sc := range d.cfg.Sources {
		if sc.Name == name && sc.Budget > 0 {
			return sc.Budget
		}
	}
	return 1024
}

// Reload applies a freshly parsed configuration: log level, guard
// entries and autonomy level swap in place; structural changes (backend,
// store path, sources) need a restart and are reported.
func (d *Daemon) Reload(cfg *config.Config) error {
	if cfg.Backend.Name != d.cfg.Backend.Name {
		return fmt.Errorf("backend change requires restart")
	}
	if cfg.Store.Path != d.cfg.Store.Path {
		return fmt.Errorf("store path change requires restart")
	}
	if !slices.Equal(cfg.Sources, d.cfg.Sources) {
		d.log.Warn("source changes take effect after restart")
	}
	d.cfg = cfg
	lvl := logging.LevelInfo
	if cfg.Log != nil {
		switch cfg.Log.Level {
		case "debug":
			lvl = logging.LevelDebug
		case "warn":
			lvl = logging.LevelWarn
		case "error":
			lvl = logging.LevelError
		}
	}
	d.log.SetLevel(lvl)
	d.reloadGuard()
	if lvl, err := autonomy.ParseLevel(cfg.Autonomy.Level); err == nil {
		if err := d.auto.SetLevel(lvl); err != nil {
			return err
		}
	}
	return d.st.Audit(store.Entry{Action: store.ActionConfigReloaded, EntityKind: "daemon"})
}

// Status exposes the facade status for the query signal.
func (d *Daemon) Status(ctx context.Context) (*facade.Status, error) {
	return d.svc.DaemonStatus(ctx)
}

// reloadGuard rebuilds the never-block list from config, the store, and
// management discovery.
func (d *Daemon) reloadGuard() {
	var entries []guard.Entry
	nb := d.cfg.NeverBlock
	if nb != nil {
		for _, raw := range nb.Entries {
			entries = append(entries, guard.ClassifyEntry(raw))
		}
	}
	if rows, err := d.st.ListNeverBlock(); err == nil {
		for _, row := range rows {
			entries = append(entries, guard.Entry{Value: row.Entry, Kind: guard.EntryKind(row.Kind)})
		}
	}
	if nb == nil || nb.ManagementDiscovery {
		var ifaces []string
		if nb != nil {
			ifaces = nb.ManagementIfaces
		}
		entries = append(entries, guard.DiscoverManagement(ifaces)...)
	}
	d.gl.Reload(entries)
}

func ignoreCancel(err error) error {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return nil
	}
	return err
}
