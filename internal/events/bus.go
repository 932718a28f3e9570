package events

import (
	"context"
	"fmt"
	"sync"

	"holt.is/bulwark/internal/clock"
)

// Bus delivers security events from many producers to one consumer plus
// any number of live subscribers. Each source class gets its own bounded
// queue; when a producer would exceed its budget the queue sheds its
// low-severity tail first and accounts for the loss with a drop-count
// event. Critical events are never dropped.
type Bus struct {
	mu      sync.Mutex
	classes map[string]*classQueue
	notify  chan struct{}

	subMu sync.RWMutex
	subs  []chan SecurityEvent
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		classes: make(map[string]*classQueue),
		notify:  make(chan struct{}, 1),
	}
}

// Producer enqueues events for one source class.
type Producer struct {
	bus *Bus
	q   *classQueue
}

type classQueue struct {
	mu      sync.Mutex
	name    string
	budget  int
	items   []SecurityEvent
	dropped uint64
}

// Register creates a producer for a source class with the given queue
// budget.
func (b *Bus) Register(class string, budget int) *Producer {
	if budget <= 0 {
		budget = 1024
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.classes[class]
	if !ok {
		q = &classQueue{name: class, budget: budget}
		b.classes[class] = q
	}
	return &Producer{bus: b, q: q}
}

// Emit enqueues an event, shedding low-severity backlog when the class
// budget is exceeded. Critical events always enqueue.
func (p *Producer) Emit(ev SecurityEvent) {
	q := p.q
	q.mu.Lock()
	switch {
	case len(q.items) < q.budget || ev.Severity == SeverityCritical:
		q.items = append(q.items, ev)
	default:
		// Shed the newest lowest-severity queued event if it ranks
		// below the incoming one; otherwise the incoming event is the
		// one shed.
		idx := -1
		lowest := ev.Severity
		for i := len(q.items) - 1; i >= 0; i-- {
			if q.items[i].Severity < lowest {
				lowest = q.items[i].Severity
				idx = i
			}
		}
		if idx >= 0 {
			q.items = append(q.items[:idx], q.items[idx+1:]...)
			q.items = append(q.items, ev)
		}
		q.dropped++
	}
	q.mu.Unlock()

	select {
	case p.bus.notify <- struct{}{}:
	default:
	}
}

// Run drains the bus into sink until ctx is cancelled. Events of one
// class are delivered in emission order; ordering across classes is
// unspecified. Run is the single consumer required for deterministic
// correlation. The sink receives a pointer so the sequence number it
// assigns on persistence reaches the live subscribers.
func (b *Bus) Run(ctx context.Context, sink func(*SecurityEvent)) error {
	for {
		drained := b.drainOnce(sink)
		if drained {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.notify:
		}
	}
}

// drainOnce delivers one batch per class; returns false when idle.
func (b *Bus) drainOnce(sink func(*SecurityEvent)) bool {
	b.mu.Lock()
	queues := make([]*classQueue, 0, len(b.classes))
	for _, q := range b.classes {
		queues = append(queues, q)
	}
	b.mu.Unlock()

	any := false
	for _, q := range queues {
		q.mu.Lock()
		batch := q.items
		q.items = nil
		dropped := q.dropped
		q.dropped = 0
		q.mu.Unlock()

		if dropped > 0 {
			drop := New(q.name, KindDropCount, SeverityMedium, clock.Now())
			drop.Raw = fmt.Sprintf("%d events shed from %s queue", dropped, q.name)
			batch = append(batch, drop)
		}
		for i := range batch {
			any = true
			sink(&batch[i])
			b.fanout(batch[i])
		}
	}
	return any
}

// Subscribe returns a live event channel for dashboard-style consumers.
// Subscribers are best-effort: a slow subscriber misses events rather
// than stalling the pipeline.
func (b *Bus) Subscribe(buf int) (<-chan SecurityEvent, func()) {
	if buf <= 0 {
		buf = 256
	}
	ch := make(chan SecurityEvent, buf)
	b.subMu.Lock()
	b.subs = append(b.subs, ch)
	b.subMu.Unlock()

	cancel := func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()
		for i, c := range b.subs {
			if c == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

func (b *Bus) fanout(ev SecurityEvent) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Pending reports queued event counts per class, for the status surface.
func (b *Bus) Pending() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.classes))
	for name, q := range b.classes {
		q.mu.Lock()
		out[name] = len(q.items)
		q.mu.Unlock()
	}
	return out
}
