package sources

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"holt.is/bulwark/internal/clock"
	"holt.is/bulwark/internal/events"
	"holt.is/bulwark/internal/logging"
	"holt.is/bulwark/internal/metrics"
)

// FeedSource polls one HTTP(S) threat feed on a schedule and emits a
// feed-indicator event per listed address. Fetches are cached by URL and
// etag; indicators older than AgeMax are discarded wholesale.
type FeedSource struct {
	name     string
	url      string
	format   string // text, csv, json
	interval time.Duration
	ageMax   time.Duration
	cacheDir string
	client   *http.Client
	log      *logging.Logger
}

// NewFeed creates a feed source.
func NewFeed(name, url, format string, interval, ageMax time.Duration, cacheDir string, log *logging.Logger) *FeedSource {
	if interval <= 0 {
		interval = time.Hour
	}
	if ageMax <= 0 {
		ageMax = 24 * time.Hour
	}
	if format == "" {
		format = "text"
	}
	if log == nil {
		log = logging.Default()
	}
	return &FeedSource{
		name:     name,
		url:      url,
		format:   format,
		interval: interval,
		ageMax:   ageMax,
		cacheDir: cacheDir,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      log.Component("feed." + name),
	}
}

func (f *FeedSource) Name() string { return "feed." + f.name }

// Run polls until cancelled. The first poll happens immediately.
func (f *FeedSource) Run(ctx context.Context, emit func(events.SecurityEvent)) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.poll(ctx, emit)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.poll(ctx, emit)
		}
	}
}

// poll fetches and emits. A failed cycle is skipped, not fatal.
func (f *FeedSource) poll(ctx context.Context, emit func(events.SecurityEvent)) {
	body, fetchedAt, err := f.fetch(ctx)
	if err != nil {
		metrics.FeedFetches.WithLabelValues(f.name, "error").Inc()
		f.log.Warn("feed poll failed; skipping cycle", "error", err)
		return
	}
	metrics.FeedFetches.WithLabelValues(f.name, "ok").Inc()
	if clock.Now().Sub(fetchedAt) > f.ageMax {
		f.log.Warn("cached feed content beyond age_max; discarding", "age", clock.Now().Sub(fetchedAt))
		return
	}
	indicators := f.parse(body)
	now := clock.Now()
	for _, ip := range indicators {
		ev := events.New(f.Name(), events.KindFeedIndicator, events.SeverityHigh, now)
		ev.SourceIP = ip
		ev.Raw = "listed by " + f.url
		emit(ev)
	}
	f.log.Info("feed poll complete", "indicators", len(indicators))
}

// fetch performs a conditional GET against the etag cache. On 304 the
// cached body is returned along with its fetch time.
func (f *FeedSource) fetch(ctx context.Context) ([]byte, time.Time, error) {
	etag, cached, cachedAt := f.readCache()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, time.Time{}, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if cached != nil {
			return cached, cachedAt, nil
		}
		return nil, time.Time{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && cached != nil:
		return cached, cachedAt, nil
	case resp.StatusCode != http.StatusOK:
		return nil, time.Time{}, fmt.Errorf("feed returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, time.Time{}, err
	}
	f.writeCache(resp.Header.Get("Etag"), body)
	return body, clock.Now(), nil
}

type feedCacheMeta struct {
	Etag      string `json:"etag"`
	FetchedAt string `json:"fetched_at"`
}

// cachePath is keyed by a hash of the feed URL; the etag is kept in the
// .meta file beside the cached body.
func (f *FeedSource) cachePath() string {
	sum := sha256.Sum256([]byte(f.url))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:16]))
}

func (f *FeedSource) readCache() (etag string, body []byte, at time.Time) {
	if f.cacheDir == "" {
		return "", nil, time.Time{}
	}
	base := f.cachePath()
	metaRaw, err := os.ReadFile(base + ".meta")
	if err != nil {
		return "", nil, time.Time{}
	}
	var meta feedCacheMeta
	if json.Unmarshal(metaRaw, &meta) != nil {
		return "", nil, time.Time{}
	}
	body, err = os.ReadFile(base + ".body")
	if err != nil {
		return "", nil, time.Time{}
	}
	at, _ = time.Parse(time.RFC3339, meta.FetchedAt)
	return meta.Etag, body, at
}

func (f *FeedSource) writeCache(etag string, body []byte) {
	if f.cacheDir == "" {
		return
	}
	if err := os.MkdirAll(f.cacheDir, 0o750); err != nil {
		return
	}
	base := f.cachePath()
	meta, _ := json.Marshal(feedCacheMeta{Etag: etag, FetchedAt: clock.Now().UTC().Format(time.RFC3339)})
	_ = os.WriteFile(base+".meta", meta, 0o600)
	_ = os.WriteFile(base+".body", body, 0o600)
}

// parse extracts addresses from the configured format.
func (f *FeedSource) parse(body []byte) []string {
	switch f.format {
	case "json":
		return parseJSONFeed(body)
	case "csv":
		return parseDelimitedFeed(body, ",")
	default:
		return parseDelimitedFeed(body, "")
	}
}

func parseDelimitedFeed(body []byte, delim string) []string {
	var out []string
	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if delim != "" {
			line = strings.TrimSpace(strings.Split(line, delim)[0])
		} else {
			line = strings.Fields(line)[0]
		}
		if validIndicator(line) {
			out = append(out, line)
		}
	}
	return out
}

func parseJSONFeed(body []byte) []string {
	// Accepts either a bare array of strings or objects with an "ip"
	// field; anything else yields nothing.
	var plain []string
	if err := json.Unmarshal(body, &plain); err == nil {
		var out []string
		for _, s := range plain {
			if validIndicator(s) {
				out = append(out, s)
			}
		}
		return out
	}
	var objs []map[string]any
	if err := json.Unmarshal(body, &objs); err != nil {
		return nil
	}
	var out []string
	for _, o := range objs {
		if s, ok := o["ip"].(string); ok && validIndicator(s) {
			out = append(out, s)
		}
	}
	return out
}

func validIndicator(s string) bool {
	if net.ParseIP(s) != nil {
		return true
	}
	_, _, err := net.ParseCIDR(s)
	return err == nil
}
