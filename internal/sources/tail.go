package sources

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"holt.is/bulwark/internal/clock"
	"holt.is/bulwark/internal/events"
)

// Parser lifts one log line into an event, or nil when the line is not
// interesting.
type Parser func(line string, observed time.Time) *events.SecurityEvent

// TailSource tails a plaintext log file: it survives rotation (re-opens
// on inode change), resumes from a persisted cursor, and coalesces
// identical repeat lines inside a short window.
type TailSource struct {
	name    string
	path    string
	parser  Parser
	cursors CursorStore

	pollInterval time.Duration
	coalesceAge  time.Duration
	lastLine     string
	lastLineAt   time.Time
	coalesced    int
}

// NewTail creates a tailing source.
func NewTail(name, path string, parser Parser, cursors CursorStore) *TailSource {
	return &TailSource{
		name:         name,
		path:         path,
		parser:       parser,
		cursors:      cursors,
		pollInterval: time.Second,
		coalesceAge:  2 * time.Second,
	}
}

func (t *TailSource) Name() string { return t.name }

// Run tails until ctx is cancelled.
func (t *TailSource) Run(ctx context.Context, emit func(events.SecurityEvent)) error {
	file, inode, offset, err := t.open()
	if err != nil {
		return err
	}
	defer func() {
		if file != nil {
			file.Close()
		}
	}()

	reader := bufio.NewReader(file)
	var partial strings.Builder

	for {
		select {
		case <-ctx.Done():
			t.saveCursor(inode, offset)
			return ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			offset += int64(len(line))
			if !strings.HasSuffix(line, "\n") {
				partial.WriteString(line)
			} else {
				full := partial.String() + strings.TrimRight(line, "\n")
				partial.Reset()
				t.handleLine(full, emit)
			}
			continue
		}
		if err != nil && err != io.EOF {
			return err
		}

		// At EOF: check for rotation or truncation, then wait.
		t.saveCursor(inode, offset)
		rotated, truncated := t.checkFile(inode, offset)
		if rotated || truncated {
			file.Close()
			file, inode, offset, err = t.reopen(truncated)
			if err != nil {
				return err
			}
			reader = bufio.NewReader(file)
			continue
		}
		select {
		case <-ctx.Done():
			t.saveCursor(inode, offset)
			return ctx.Err()
		case <-time.After(t.pollInterval):
		}
	}
}

// handleLine parses and emits, coalescing identical repeats.
func (t *TailSource) handleLine(line string, emit func(events.SecurityEvent)) {
	now := clock.Now()
	if line == t.lastLine && now.Sub(t.lastLineAt) < t.coalesceAge {
		t.coalesced++
		return
	}
	if t.coalesced > 0 {
		// Surface the collapsed run as one event with a repeat count.
		if ev := t.parser(t.lastLine, now); ev != nil {
			ev.Raw = fmt.Sprintf("%s (repeated %d times)", t.lastLine, t.coalesced)
			emit(*ev)
		}
		t.coalesced = 0
	}
	t.lastLine = line
	t.lastLineAt = now
	if ev := t.parser(line, now); ev != nil {
		if ev.Raw == "" {
			ev.Raw = line
		}
		emit(*ev)
	}
}

func (t *TailSource) open() (*os.File, uint64, int64, error) {
	file, err := os.Open(t.path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open %s: %w", t.path, err)
	}
	inode := fileInode(file)

	offset := int64(0)
	if cur, err := t.cursors.GetCursor(t.name); err == nil && cur != "" {
		var savedInode uint64
		var savedOffset int64
		if _, serr := fmt.Sscanf(cur, "%d:%d", &savedInode, &savedOffset); serr == nil && savedInode == inode {
			if fi, ferr := file.Stat(); ferr == nil && savedOffset <= fi.Size() {
				offset = savedOffset
			}
		}
	}
	if offset == 0 {
		// Fresh start: tail from the end, not the archive.
		if fi, err := file.Stat(); err == nil {
			offset = fi.Size()
		}
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return nil, 0, 0, err
	}
	return file, inode, offset, nil
}

func (t *TailSource) reopen(truncated bool) (*os.File, uint64, int64, error) {
	file, err := os.Open(t.path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("reopen %s: %w", t.path, err)
	}
	// Rotation or truncation restarts from the head of the new file.
	return file, fileInode(file), 0, nil
}

// checkFile detects rotation (inode change) and truncation (size below
// our offset).
func (t *TailSource) checkFile(inode uint64, offset int64) (rotated, truncated bool) {
	fi, err := os.Stat(t.path)
	if err != nil {
		return false, false
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok && uint64(st.Ino) != inode {
		return true, false
	}
	if fi.Size() < offset {
		return false, true
	}
	return false, false
}

func (t *TailSource) saveCursor(inode uint64, offset int64) {
	_ = t.cursors.SetCursor(t.name, strconv.FormatUint(inode, 10)+":"+strconv.FormatInt(offset, 10))
}

func fileInode(f *os.File) uint64 {
	fi, err := f.Stat()
	if err != nil {
		return 0
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Ino)
	}
	return 0
}
