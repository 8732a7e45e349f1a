// Package executor drives one admitted task through the translation engine,
// mirroring engine progress into the task store and the progress bus.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"
	"golang.org/x/time/rate"

	"github.com/aliskhannn/doc-translator/internal/model"
	"github.com/aliskhannn/doc-translator/internal/repository/task"
	"github.com/aliskhannn/doc-translator/internal/translator"
)

const (
	MessageStarting    = "Starting translation..."
	MessageCompleted   = "Translation completed"
	MessageFailedFmt   = "Translation failed: %s"
	ErrMessageShutdown = "Server shutting down during translation"

	notifyTimeout = 5 * time.Second
)

// store is the subset of the task repository the executor writes through.
type store interface {
	Update(ctx context.Context, id string, mut task.Mutation) (model.Task, error)
}

// publisher delivers events to live subscribers.
type publisher interface {
	Publish(taskID string, e model.Event) bool
	Drop(taskID string)
}

// engine runs the translation of one document.
type engine interface {
	Translate(ctx context.Context, taskID, fileRef string, settings json.RawMessage, onProgress translator.ProgressFunc) (model.Result, error)
}

// notifier receives every status transition. Failures are logged only.
type notifier interface {
	Notify(ctx context.Context, t model.Task) error
}

// Options tunes progress handling.
type Options struct {
	PersistInterval time.Duration  // min gap between progress writes, 0 = every update
	UpdateBuffer    int            // queued engine updates before the oldest is dropped
	Retry           retry.Strategy // terminal store writes
}

// Executor runs admitted tasks. It is safe for concurrent use; each Run owns one task.
type Executor struct {
	store    store
	bus      publisher
	engine   engine
	notifier notifier
	opts     Options
	now      func() time.Time
}

// New creates an Executor. notifier may be nil.
func New(s store, bus publisher, e engine, n notifier, opts Options) *Executor {
	if opts.UpdateBuffer < 1 {
		opts.UpdateBuffer = 1
	}
	if opts.Retry.Attempts < 1 {
		opts.Retry.Attempts = 1
	}

	return &Executor{
		store:    s,
		bus:      bus,
		engine:   e,
		notifier: n,
		opts:     opts,
		now:      time.Now,
	}
}

var errNotQueued = errors.New("task is not queued")

// Run executes task id and calls release exactly once before returning,
// whatever the outcome. Canceling ctx interrupts the engine and fails the task.
// The returned error reports task store failures only; translation failures
// are recorded on the task.
func (e *Executor) Run(ctx context.Context, id string, release func()) error {
	defer release()

	log := zlog.Logger.With().Str("task_id", id).Logger()

	// Store writes outlive ctx so a shutdown still records the outcome.
	storeCtx := context.WithoutCancel(ctx)

	started, err := e.store.Update(storeCtx, id, func(t *model.Task) error {
		if t.Status != model.StatusQueued {
			return errNotQueued
		}
		now := e.now().UTC()
		t.Status = model.StatusProcessing
		t.Progress = 0
		t.Message = MessageStarting
		t.StartedAt = &now
		return nil
	})
	switch {
	case errors.Is(err, task.ErrTaskNotFound), errors.Is(err, errNotQueued):
		log.Info().Err(err).Msg("skipping task")
		return nil
	case err != nil:
		return fmt.Errorf("executor: failed to start task: %w", err)
	}

	log.Info().Msg("translation started")
	e.bus.Publish(id, model.SnapshotEvent(started))
	e.notify(started)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := newPump(runCtx, cancel, e, id, &log)
	go p.run()

	res, trErr := e.translate(runCtx, started, p.push)
	last := p.stop()

	if trErr == nil {
		return e.complete(storeCtx, id, res, &log)
	}

	msg := failureMessage(ctx, trErr)
	log.Warn().Err(trErr).Int("progress", last).Msg("translation failed")
	return e.fail(storeCtx, id, last, msg, &log)
}

// translate calls the engine, turning a panic into an ordinary failure.
func (e *Executor) translate(ctx context.Context, t model.Task, onProgress translator.ProgressFunc) (res model.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()

	return e.engine.Translate(ctx, t.ID, t.FileRef, t.Settings, onProgress)
}

func (e *Executor) complete(ctx context.Context, id string, res model.Result, log *zerolog.Logger) error {
	done, err := e.finish(ctx, id, func(t *model.Task) error {
		now := e.now().UTC()
		r := res
		t.Status = model.StatusCompleted
		t.Progress = 100
		t.Message = MessageCompleted
		t.Result = &r
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		// The row is not terminal, so no terminal event is published.
		// Streams end and readers fall back to the store.
		e.bus.Drop(id)
		return err
	}
	if done == nil {
		return nil
	}

	log.Info().Msg("translation completed")
	e.bus.Publish(id, model.SnapshotEvent(*done))
	e.notify(*done)
	return nil
}

func (e *Executor) fail(ctx context.Context, id string, last int, msg string, log *zerolog.Logger) error {
	failed, err := e.finish(ctx, id, func(t *model.Task) error {
		now := e.now().UTC()
		t.Status = model.StatusFailed
		if last > t.Progress {
			t.Progress = last
		}
		t.Message = fmt.Sprintf(MessageFailedFmt, msg)
		t.Error = msg
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		// The row is not terminal, so no terminal event is published.
		// Streams end and readers fall back to the store.
		e.bus.Drop(id)
		return err
	}
	if failed == nil {
		return nil
	}

	e.bus.Publish(id, model.SnapshotEvent(*failed))
	e.notify(*failed)
	log.Debug().Msg("failure recorded")
	return nil
}

// finish applies a terminal mutation with retries. A nil task with a nil
// error means the task was deleted or is already terminal.
func (e *Executor) finish(ctx context.Context, id string, mut task.Mutation) (*model.Task, error) {
	var (
		updated model.Task
		gone    bool
	)
	err := retry.Do(func() error {
		t, err := e.store.Update(ctx, id, mut)
		if errors.Is(err, task.ErrTaskNotFound) {
			e.bus.Drop(id)
			gone = true
			return nil
		}
		if errors.Is(err, model.ErrInvalidTransition) {
			gone = true
			return nil
		}
		if err != nil {
			return err
		}
		updated = t
		return nil
	}, e.opts.Retry)
	if err != nil {
		return nil, fmt.Errorf("executor: failed to finish task %s: %w", id, err)
	}
	if gone {
		return nil, nil
	}
	return &updated, nil
}

func (e *Executor) notify(t model.Task) {
	if e.notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	if err := e.notifier.Notify(ctx, t); err != nil {
		zlog.Logger.Warn().Err(err).Str("task_id", t.ID).Str("status", string(t.Status)).Msg("failed to publish lifecycle event")
	}
}

// failureMessage is the short error stored on a failed task.
func failureMessage(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return ErrMessageShutdown
	}

	var engErr *translator.EngineError
	if errors.As(err, &engErr) && engErr.Message != "" {
		return engErr.Message
	}
	return err.Error()
}

type update struct {
	progress int
	message  string
}

// pump moves engine updates from the engine's goroutine to the store and bus.
// The engine side only enqueues; when the queue is full the oldest update is dropped.
type pump struct {
	e      *Executor
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	log    *zerolog.Logger

	mu      sync.Mutex
	closed  bool
	ch      chan update
	done    chan struct{}
	dropped int

	limiter *rate.Limiter
	last    int
	deleted bool
}

func newPump(ctx context.Context, cancel context.CancelFunc, e *Executor, id string, log *zerolog.Logger) *pump {
	limit := rate.Inf
	if e.opts.PersistInterval > 0 {
		limit = rate.Every(e.opts.PersistInterval)
	}

	return &pump{
		e:       e,
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
		ch:      make(chan update, e.opts.UpdateBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(limit, 1),
	}
}

// push is the engine's progress callback. It never blocks.
func (p *pump) push(progress int, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	u := update{progress: progress, message: message}
	for {
		select {
		case p.ch <- u:
			return
		default:
		}

		select {
		case <-p.ch:
			p.dropped++
		default:
		}
	}
}

// stop closes the queue, waits for it to drain and returns the last applied progress.
func (p *pump) stop() int {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	dropped := p.dropped
	p.mu.Unlock()

	<-p.done
	if dropped > 0 {
		p.log.Debug().Int("dropped", dropped).Msg("dropped progress updates")
	}
	return p.last
}

func (p *pump) run() {
	defer close(p.done)

	for u := range p.ch {
		progress := model.ClampProgress(u.progress)
		if progress < p.last {
			progress = p.last
		}
		p.last = progress

		if p.deleted {
			continue
		}
		if p.limiter.Allow() {
			p.persist(progress, u.message)
		}
		if p.deleted {
			continue
		}

		p.e.bus.Publish(p.id, model.Event{
			Kind:     model.EventProgress,
			Status:   model.StatusProcessing,
			Progress: progress,
			Message:  u.message,
		})
	}
}

func (p *pump) persist(progress int, message string) {
	_, err := p.e.store.Update(context.WithoutCancel(p.ctx), p.id, func(t *model.Task) error {
		if progress > t.Progress {
			t.Progress = progress
		}
		t.Message = message
		return nil
	})
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		p.log.Info().Msg("task deleted while running, stopping translation")
		p.deleted = true
		p.e.bus.Drop(p.id)
		p.cancel()
	case err != nil:
		p.log.Warn().Err(err).Int("progress", progress).Msg("failed to persist progress")
	}
}
