// Package sources produces security events from the outside world: log
// files, the kernel's nflog stream, and scheduled threat-feed polls.
// Every source is restartable and isolated; a wedged or panicking source
// never takes the daemon down.
package sources

import (
	"context"
	"fmt"
	"time"

	"holt.is/bulwark/internal/events"
	"holt.is/bulwark/internal/logging"
)

// Source is the log-source contract. Run blocks until ctx is cancelled
// or the source fails; the supervisor restarts failures with backoff.
type Source interface {
	Name() string
	Run(ctx context.Context, emit func(events.SecurityEvent)) error
}

// CursorStore persists per-source resume positions across restarts.
type CursorStore interface {
	GetCursor(source string) (string, error)
	SetCursor(source, cursor string) error
}

// Supervise runs a source forever, restarting on error or panic with
// exponential backoff. Returns when ctx is done.
func Supervise(ctx context.Context, src Source, emit func(events.SecurityEvent), log *logging.Logger) {
	if log == nil {
		log = logging.Default()
	}
	log = log.Component("source." + src.Name())
	backoff := time.Second
	const maxBackoff = 2 * time.Minute

	for {
		err := runGuarded(ctx, src, emit)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Error("source stopped; restarting", "error", err, "backoff", backoff)
			ev := events.New(src.Name(), events.KindSourceError, events.SeverityLow, time.Now())
			ev.Raw = err.Error()
			emit(ev)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func runGuarded(ctx context.Context, src Source, emit func(events.SecurityEvent)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("source panicked: %v", r)
		}
	}()
	return src.Run(ctx, emit)
}
