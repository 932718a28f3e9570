package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"holt.is/bulwark/internal/events"
)

type memCursors struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemCursors() *memCursors { return &memCursors{m: map[string]string{}} }

func (c *memCursors) GetCursor(source string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[source], nil
}

func (c *memCursors) SetCursor(source, cursor string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[source] = cursor
	return nil
}

type eventSink struct {
	mu  sync.Mutex
	evs []events.SecurityEvent
}

func (s *eventSink) emit(ev events.SecurityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evs = append(s.evs, ev)
}

func (s *eventSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.evs)
}

func (s *eventSink) ips() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.evs {
		out = append(out, ev.SourceIP)
	}
	return out
}

func waitCount(t *testing.T, sink *eventSink, want int) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for sink.count() < want {
		select {
		case <-deadline:
			t.Fatalf("got %d events, want %d", sink.count(), want)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestTail_EmitsNewLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.log")
	require.NoError(t, os.WriteFile(path, []byte("old line before start\n"), 0o644))

	src := NewTail("sshd", path, ParseSSHD, newMemCursors())
	src.pollInterval = 10 * time.Millisecond
	sink := &eventSink{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); src.Run(ctx, sink.emit) }()

	time.Sleep(50 * time.Millisecond) // let the tailer reach EOF at the end of the file
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	fmt.Fprintln(f, "sshd[1]: Failed password for root from 203.0.113.7 port 1 ssh2")
	fmt.Fprintln(f, "sshd[1]: Failed password for root from 198.51.100.9 port 2 ssh2")
	f.Close()

	waitCount(t, sink, 2)
	assert.Equal(t, []string{"203.0.113.7", "198.51.100.9"}, sink.ips())

	cancel()
	<-done
}

func TestTail_SurvivesRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	src := NewTail("sshd", path, ParseSSHD, newMemCursors())
	src.pollInterval = 10 * time.Millisecond
	sink := &eventSink{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); src.Run(ctx, sink.emit) }()

	time.Sleep(50 * time.Millisecond)

	// Rotate: move the file away and create a fresh one at the path.
	require.NoError(t, os.Rename(path, path+".1"))
	require.NoError(t, os.WriteFile(path,
		[]byte("sshd[1]: Failed password for root from 192.0.2.99 port 3 ssh2\n"), 0o644))

	waitCount(t, sink, 1)
	assert.Equal(t, "192.0.2.99", sink.ips()[0])

	cancel()
	<-done
}

func TestTail_ResumesFromCursor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	cursors := newMemCursors()

	run := func(ctx context.Context, sink *eventSink) {
		src := NewTail("sshd", path, ParseSSHD, cursors)
		src.pollInterval = 10 * time.Millisecond
		done := make(chan struct{})
		go func() { defer close(done); src.Run(ctx, sink.emit) }()
		<-ctx.Done()
		<-done
	}

	ctx1, cancel1 := context.WithCancel(context.Background())
	sink1 := &eventSink{}
	go run(ctx1, sink1)
	time.Sleep(50 * time.Millisecond)
	appendLine(t, path, "sshd[1]: Failed password for a from 203.0.113.1 port 1 ssh2")
	waitCount(t, sink1, 1)
	cancel1()
	time.Sleep(50 * time.Millisecond)

	// A second run must not re-deliver the consumed line.
	appendLine(t, path, "sshd[1]: Failed password for b from 203.0.113.2 port 1 ssh2")
	ctx2, cancel2 := context.WithCancel(context.Background())
	sink2 := &eventSink{}
	go run(ctx2, sink2)
	waitCount(t, sink2, 1)
	cancel2()
	assert.Equal(t, []string{"203.0.113.2"}, sink2.ips())
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = fmt.Fprintln(f, line)
	require.NoError(t, err)
}

func TestFeed_PollAndEtagCache(t *testing.T) {
	var hits, conditional int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.Header.Get("If-None-Match") == `"v1"` {
			conditional++
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Etag", `"v1"`)
		fmt.Fprintln(w, "# drop list")
		fmt.Fprintln(w, "198.51.100.9")
		fmt.Fprintln(w, "203.0.113.0/24")
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	feed := NewFeed("test", srv.URL, "text", time.Hour, 24*time.Hour, cacheDir, nil)
	sink := &eventSink{}

	feed.poll(context.Background(), sink.emit)
	require.Equal(t, 2, sink.count())
	assert.Equal(t, []string{"198.51.100.9", "203.0.113.0/24"}, sink.ips())
	for _, ev := range sink.evs {
		assert.Equal(t, events.KindFeedIndicator, ev.Kind)
		assert.Equal(t, events.SeverityHigh, ev.Severity)
	}

	// Second poll goes conditional and serves from cache.
	feed.poll(context.Background(), sink.emit)
	assert.Equal(t, 2, hits)
	assert.Equal(t, 1, conditional)
	assert.Equal(t, 4, sink.count())
}

func TestFeed_FailedPollSkipsCycle(t *testing.T) {
	feed := NewFeed("test", "http://127.0.0.1:1/unreachable", "text", time.Hour, time.Hour, "", nil)
	sink := &eventSink{}
	feed.poll(context.Background(), sink.emit)
	assert.Zero(t, sink.count())
}
