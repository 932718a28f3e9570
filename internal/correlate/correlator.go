// Package correlate turns the raw event stream into scored threat
// assessments. It keeps a decayed sliding window per (subject, kind),
// scores on volume, spread and source diversity, and hands assessments
// past the threshold to the autonomy controller.
//
// The correlator is strictly single-consumer: Handle is called from the
// bus drain goroutine only, which keeps scoring deterministic.
package correlate

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"holt.is/bulwark/internal/clock"
	"holt.is/bulwark/internal/events"
	"holt.is/bulwark/internal/logging"
)

// Recommendation is what the correlator suggests doing about a threat.
type Recommendation string

const (
	RecommendBlock     Recommendation = "block-subject"
	RecommendRateLimit Recommendation = "rate-limit"
	RecommendAlertOnly Recommendation = "alert-only"
)

// Assessment is a scored threat derived from an evidence window.
type Assessment struct {
	ID             string         `json:"id"`
	EventIDs       []string       `json:"event_ids"`
	Kind           events.Kind    `json:"kind"`
	Subject        string         `json:"subject"`
	Score          float64        `json:"score"`
	Recommendation Recommendation `json:"recommendation"`
	Sources        []string       `json:"sources"`
	Ports          []string       `json:"ports"`
	ExpiresSuggest time.Duration  `json:"expires_suggestion"`
	Aggregated     bool           `json:"aggregated,omitempty"`
}

// Classifier is the optional slow path: an external model judges
// ambiguous assessments. The fast path never depends on it.
type Classifier interface {
	Classify(ctx context.Context, a Assessment) (Recommendation, error)
}

// Config tunes the correlator.
type Config struct {
	Window        time.Duration           // evidence window length
	HalfLife      time.Duration           // decay half-life for counts
	Cooldown      time.Duration           // per-subject re-escalation hold
	FloodCeiling  int                     // events/sec before aggregation mode
	Thresholds    map[events.Kind]float64 // score needed to escalate
	CountTargets  map[events.Kind]float64 // raw count treated as "full volume"
	TTLs          map[events.Kind]time.Duration
	SlowPathBand  float64 // width of the ambiguity band below threshold
	SlowPathLimit time.Duration
}

// DefaultConfig returns tuned starting points; operators override per
// kind in config.
func DefaultConfig() Config {
	return Config{
		Window:       5 * time.Minute,
		HalfLife:     time.Minute,
		Cooldown:     10 * time.Minute,
		FloodCeiling: 500,
		Thresholds: map[events.Kind]float64{
			events.KindAuthFail:      0.7,
			events.KindPortScanHit:   0.7,
			events.KindRateAnomaly:   0.8,
			events.KindFeedIndicator: 0.6,
		},
		CountTargets: map[events.Kind]float64{
			events.KindAuthFail:      30,
			events.KindPortScanHit:   20,
			events.KindRateAnomaly:   10,
			events.KindFeedIndicator: 1,
		},
		TTLs: map[events.Kind]time.Duration{
			events.KindAuthFail:      24 * time.Hour,
			events.KindPortScanHit:   time.Hour,
			events.KindRateAnomaly:   30 * time.Minute,
			events.KindFeedIndicator: 24 * time.Hour,
		},
		SlowPathBand:  0.15,
		SlowPathLimit: 5 * time.Second,
	}
}

type windowKey struct {
	subject string
	kind    events.Kind
}

type window struct {
	count    float64 // exponentially decayed
	lastSeen time.Time
	eventIDs []string
	sources  map[string]struct{}
	targets  map[string]struct{}
	feedSeen bool
}

// Correlator scores events and emits assessments.
type Correlator struct {
	cfg        Config
	emit       func(Assessment)
	warn       func(events.SecurityEvent)
	classifier Classifier
	log        *logging.Logger

	windows   map[windowKey]*window
	cooldowns map[string]time.Time

	// flood detection
	rateSecond time.Time
	rateCount  int
	floodMode  bool
	aggregates map[string]int
}

// New creates a correlator. emit receives escalated assessments; warn
// receives operational events (mode switches) for the bus.
func New(cfg Config, emit func(Assessment), warn func(events.SecurityEvent), log *logging.Logger) *Correlator {
	if log == nil {
		log = logging.Default()
	}
	return &Correlator{
		cfg:        cfg,
		emit:       emit,
		warn:       warn,
		log:        log.Component("correlate"),
		windows:    make(map[windowKey]*window),
		cooldowns:  make(map[string]time.Time),
		aggregates: make(map[string]int),
	}
}

// SetClassifier installs the optional slow path.
func (c *Correlator) SetClassifier(cl Classifier) { c.classifier = cl }

// Handle scores one event. Must be called from a single goroutine.
func (c *Correlator) Handle(ev events.SecurityEvent) {
	switch ev.Kind {
	case events.KindDropCount, events.KindModeSwitch, events.KindSourceError:
		return
	}
	// Events the agent itself caused never re-escalate: this is the
	// feedback-loop breaker.
	if ev.CausalTag != "" {
		return
	}
	if ev.SourceIP == "" {
		return
	}

	now := clock.Now()
	c.trackRate(now)
	if c.floodMode {
		c.aggregates[ev.SourceIP]++
		if c.aggregates[ev.SourceIP]%1000 == 1 && c.aggregates[ev.SourceIP] > 1 {
			c.emitAggregate(ev, now)
		}
		return
	}

	key := windowKey{subject: ev.SourceIP, kind: ev.Kind}
	w := c.windows[key]
	if w == nil {
		w = &window{
			lastSeen: now,
			sources:  make(map[string]struct{}),
			targets:  make(map[string]struct{}),
		}
		c.windows[key] = w
	}

	// Exponential decay of the running count since the last event.
	if dt := now.Sub(w.lastSeen); dt > 0 && c.cfg.HalfLife > 0 {
		w.count *= math.Exp2(-float64(dt) / float64(c.cfg.HalfLife))
	}
	if now.Sub(w.lastSeen) > c.cfg.Window {
		*w = window{sources: make(map[string]struct{}), targets: make(map[string]struct{})}
	}
	w.count++
	w.lastSeen = now
	w.eventIDs = append(w.eventIDs, ev.ID)
	if len(w.eventIDs) > 256 {
		w.eventIDs = w.eventIDs[len(w.eventIDs)-256:]
	}
	w.sources[ev.Source] = struct{}{}
	if ev.Target != "" {
		w.targets[ev.Target] = struct{}{}
	}
	if ev.Kind == events.KindFeedIndicator {
		w.feedSeen = true
	}

	score := c.score(ev.Kind, w)
	threshold, ok := c.cfg.Thresholds[ev.Kind]
	if !ok {
		return
	}
	if until, held := c.cooldowns[ev.SourceIP]; held && until.After(now) {
		return
	}

	switch {
	case score >= threshold:
		c.escalate(ev, w, score, now)
	case c.classifier != nil && score >= threshold-c.cfg.SlowPathBand:
		c.slowPath(ev, w, score, now)
	}
}

// score combines decayed volume, target spread, source diversity and
// feed presence into 0..1.
func (c *Correlator) score(kind events.Kind, w *window) float64 {
	target := c.cfg.CountTargets[kind]
	if target <= 0 {
		target = 20
	}
	volume := math.Min(w.count/target, 1.0)

	spread := 0.0
	if len(w.targets) >= 10 {
		spread = 0.2
	} else if len(w.targets) >= 3 {
		spread = 0.1
	}
	diversity := 0.0
	if len(w.sources) >= 2 {
		diversity = 0.15
	}
	feed := 0.0
	if w.feedSeen {
		feed = 0.25
	}
	return math.Min(volume*0.7+spread+diversity+feed+volume*0.3*boolF(kind == events.KindFeedIndicator), 1.0)
}

func boolF(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (c *Correlator) escalate(ev events.SecurityEvent, w *window, score float64, now time.Time) {
	a := c.assessment(ev, w, score)
	c.cooldowns[ev.SourceIP] = now.Add(c.cfg.Cooldown)
	delete(c.windows, windowKey{subject: ev.SourceIP, kind: ev.Kind})
	c.emit(a)
}

func (c *Correlator) assessment(ev events.SecurityEvent, w *window, score float64) Assessment {
	sources := make([]string, 0, len(w.sources))
	for s := range w.sources {
		sources = append(sources, s)
	}
	ports := make([]string, 0, len(w.targets))
	for t := range w.targets {
		ports = append(ports, t)
	}
	ttl := c.cfg.TTLs[ev.Kind]
	if ttl <= 0 {
		ttl = time.Hour
	}
	return Assessment{
		ID:             uuid.NewString(),
		EventIDs:       append([]string(nil), w.eventIDs...),
		Kind:           ev.Kind,
		Subject:        ev.SourceIP,
		Score:          score,
		Recommendation: RecommendBlock,
		Sources:        sources,
		Ports:          ports,
		ExpiresSuggest: ttl,
	}
}

// slowPath forwards an ambiguous assessment to the external classifier.
// Any failure degrades silently to the fast path's verdict (no
// escalation below threshold).
func (c *Correlator) slowPath(ev events.SecurityEvent, w *window, score float64, now time.Time) {
	a := c.assessment(ev, w, score)
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SlowPathLimit)
	defer cancel()
	rec, err := c.classifier.Classify(ctx, a)
	if err != nil {
		c.log.Debug("slow-path classifier unavailable", "error", err)
		return
	}
	if rec == RecommendBlock || rec == RecommendRateLimit {
		a.Recommendation = rec
		c.cooldowns[ev.SourceIP] = now.Add(c.cfg.Cooldown)
		delete(c.windows, windowKey{subject: ev.SourceIP, kind: ev.Kind})
		c.emit(a)
	}
}

// trackRate watches the arrival rate and flips aggregation mode when the
// configured ceiling is crossed. Aggregation collapses per-subject
// events into counters so a flood cannot starve the pipeline.
func (c *Correlator) trackRate(now time.Time) {
	sec := now.Truncate(time.Second)
	if !sec.Equal(c.rateSecond) {
		if c.floodMode && c.rateCount < c.cfg.FloodCeiling/2 {
			c.setFlood(false, now)
		}
		c.rateSecond = sec
		c.rateCount = 0
	}
	c.rateCount++
	if !c.floodMode && c.cfg.FloodCeiling > 0 && c.rateCount > c.cfg.FloodCeiling {
		c.setFlood(true, now)
	}
}

func (c *Correlator) setFlood(on bool, now time.Time) {
	c.floodMode = on
	if !on {
		c.aggregates = make(map[string]int)
	}
	if c.warn != nil {
		mode := "normal"
		if on {
			mode = "aggregation"
		}
		ev := events.New("correlator", events.KindModeSwitch, events.SeverityMedium, now)
		ev.Raw = fmt.Sprintf("correlator switched to %s mode", mode)
		c.warn(ev)
	}
	c.log.Warn("correlator mode switch", "aggregation", on)
}

// emitAggregate presents a collapsed counter as one assessment.
func (c *Correlator) emitAggregate(ev events.SecurityEvent, now time.Time) {
	if until, held := c.cooldowns[ev.SourceIP]; held && until.After(now) {
		return
	}
	ttl := c.cfg.TTLs[ev.Kind]
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.cooldowns[ev.SourceIP] = now.Add(c.cfg.Cooldown)
	c.emit(Assessment{
		ID:             uuid.NewString(),
		Kind:           ev.Kind,
		Subject:        ev.SourceIP,
		Score:          1.0,
		Recommendation: RecommendBlock,
		Sources:        []string{ev.Source},
		ExpiresSuggest: ttl,
		Aggregated:     true,
	})
}

// CooldownActive reports whether a subject is inside its hold window.
func (c *Correlator) CooldownActive(subject string) bool {
	until, ok := c.cooldowns[subject]
	return ok && until.After(clock.Now())
}
