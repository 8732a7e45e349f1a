// Package progress fans out per-task progress events to live subscribers.
//
// Each task has at most one producer (its executor) and any number of
// subscribers. Publishing never blocks: a subscriber that falls behind loses
// its oldest undelivered events, never the newest one, so what it does see
// stays in publish order. The latest event of a task is kept and replayed to
// late subscribers, and the terminal event closes every subscription.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/aliskhannn/doc-translator/internal/model"
)

const defaultBuffer = 16

// Options configures a Bus.
type Options struct {
	// PingInterval is the idle time after which Next yields a ping. 0 disables pings.
	PingInterval time.Duration
	// Retention is how long the terminal event of a task stays replayable.
	Retention time.Duration
	// Buffer is the per-subscription queue size.
	Buffer int
}

// Bus is an in-memory publish/subscribe hub keyed by task ID.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
	seq    int64
	opts   Options
	now    func() time.Time
}

type topic struct {
	last  *model.Event
	subs  map[*Subscription]struct{}
	done  bool
	evict *time.Timer
}

// New creates an empty Bus.
func New(opts Options) *Bus {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}

	return &Bus{
		topics: make(map[string]*topic),
		opts:   opts,
		now:    time.Now,
	}
}

// Publish delivers e to every current subscriber of taskID and records it as
// the task's latest event. Events published after a terminal event are ignored.
// It reports whether the event was accepted.
func (b *Bus) Publish(taskID string, e model.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topics[taskID]
	if t == nil {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[taskID] = t
	}
	if t.done {
		return false
	}

	b.seq++
	e.Seq = b.seq
	e.TaskID = taskID
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}

	if e.Kind != model.EventPing {
		last := e
		t.last = &last
	}

	for sub := range t.subs {
		sub.deliver(e)
	}

	if e.IsTerminal() {
		t.done = true
		for sub := range t.subs {
			sub.closeLocked()
		}
		t.subs = make(map[*Subscription]struct{})
		b.scheduleEvictLocked(taskID, t)
	}

	return true
}

// Subscribe registers a subscriber for taskID. If the task already has a
// latest event it is queued first; if that event is terminal the
// subscription is already closed after it.
func (b *Bus) Subscribe(taskID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		bus:    b,
		taskID: taskID,
		ch:     make(chan model.Event, b.opts.Buffer),
		ping:   b.opts.PingInterval,
	}

	t := b.topics[taskID]
	if t == nil {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[taskID] = t
	}

	if t.last != nil {
		sub.ch <- *t.last
		sub.replayed = true
	}
	if t.done {
		sub.closeLocked()
		return sub
	}

	t.subs[sub] = struct{}{}
	return sub
}

// Last returns the latest non-ping event published for taskID.
func (b *Bus) Last(taskID string) (model.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topics[taskID]
	if t == nil || t.last == nil {
		return model.Event{}, false
	}
	return *t.last, true
}

// Drop forgets taskID and closes its subscriptions without a terminal event.
// Used when the task record is deleted.
func (b *Bus) Drop(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topics[taskID]
	if t == nil {
		return
	}
	for sub := range t.subs {
		sub.closeLocked()
	}
	if t.evict != nil {
		t.evict.Stop()
	}
	delete(b.topics, taskID)
}

// Topics returns the number of tasks the bus currently tracks.
func (b *Bus) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

func (b *Bus) scheduleEvictLocked(taskID string, t *topic) {
	if b.opts.Retention <= 0 {
		delete(b.topics, taskID)
		return
	}

	t.evict = time.AfterFunc(b.opts.Retention, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.topics[taskID] == t {
			delete(b.topics, taskID)
		}
	})
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.closed {
		return
	}
	sub.closeLocked()

	t := b.topics[sub.taskID]
	if t == nil {
		return
	}
	delete(t.subs, sub)
	if len(t.subs) == 0 && t.last == nil && !t.done {
		delete(b.topics, sub.taskID)
	}
}

// Subscription is one consumer's view of a task's event sequence.
type Subscription struct {
	bus      *Bus
	taskID   string
	ch       chan model.Event
	ping     time.Duration
	replayed bool
	closed   bool // guarded by bus.mu
}

// Replayed reports whether the subscription started with the task's latest event.
func (s *Subscription) Replayed() bool {
	return s.replayed
}

// Next waits for the next event. After PingInterval without events it yields
// a ping. It returns false once the sequence has ended (terminal event
// consumed, task dropped, or Close called) or ctx is done.
func (s *Subscription) Next(ctx context.Context) (model.Event, bool) {
	var idle <-chan time.Time
	if s.ping > 0 {
		timer := time.NewTimer(s.ping)
		defer timer.Stop()
		idle = timer.C
	}

	select {
	case e, ok := <-s.ch:
		return e, ok
	case <-ctx.Done():
		return model.Event{}, false
	case <-idle:
		return model.Event{
			TaskID:    s.taskID,
			Kind:      model.EventPing,
			Timestamp: s.bus.now().UTC(),
		}, true
	}
}

// Close unsubscribes. It is safe to call at any time and more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// deliver enqueues e without blocking, evicting the oldest queued event when full.
// Caller holds bus.mu, which makes the bus the only sender.
func (s *Subscription) deliver(e model.Event) {
	if s.closed {
		return
	}

	select {
	case s.ch <- e:
		return
	default:
	}

	select {
	case <-s.ch:
	default:
	}

	select {
	case s.ch <- e:
	default:
	}
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
