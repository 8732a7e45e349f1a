package translation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/doc-translator/internal/limiter"
	"github.com/aliskhannn/doc-translator/internal/model"
	"github.com/aliskhannn/doc-translator/internal/repository/task"
)

var (
	ErrInvalidSubmission = errors.New("invalid submission")
	ErrNotReady          = errors.New("service is not ready")
	ErrShuttingDown      = errors.New("service is shutting down")
	ErrAccessDenied      = errors.New("access denied")
	ErrNotCompleted      = errors.New("translation is not completed")
)

const (
	MessageQueued       = "Translation queued"
	ErrMessageRestarted = "Server restarted during translation"

	notifyTimeout = 5 * time.Second
	// forceWait bounds how long Shutdown waits for executors after canceling them.
	forceWait = 5 * time.Second
)

// store is the task repository.
type store interface {
	Create(ctx context.Context, t model.Task) error
	Get(ctx context.Context, id string) (model.Task, error)
	List(ctx context.Context, f task.Filter) ([]model.Task, error)
	Delete(ctx context.Context, id string) error
	FailInterrupted(ctx context.Context, errMsg string) ([]model.Task, error)
}

// executor runs one admitted task and releases its slot when done.
type executor interface {
	Run(ctx context.Context, id string, release func()) error
}

// gate admits at most capacity tasks at a time, in request order.
type gate interface {
	Acquire(ctx context.Context) (release func(), err error)
	Stats() limiter.Stats
}

// bus is the progress bus; the service only needs to forget deleted tasks.
type bus interface {
	Drop(taskID string)
}

// fileStorage holds uploads and translation outputs.
type fileStorage interface {
	Save(ctx context.Context, subdir, filename string, src io.Reader) (string, error)
	Load(ctx context.Context, key string) (io.ReadCloser, error)
	Find(ctx context.Context, prefix string) (string, error)
	Delete(ctx context.Context, key string) error
}

// notifier receives status transitions made by the service.
type notifier interface {
	Notify(ctx context.Context, t model.Task) error
}

// Stats is the operational view of admission.
type Stats struct {
	limiter.Stats
	Queued int `json:"queued"`
}

// Service accepts translation submissions and schedules them behind the
// limiter. Submissions are admitted in FIFO order by a single run loop.
type Service struct {
	store    store
	executor executor
	gate     gate
	bus      bus
	storage  fileStorage
	notifier notifier

	mu     sync.Mutex
	queue  []string
	closed bool

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	recoverMu sync.Mutex
	ready     atomic.Bool

	haltOnce sync.Once
	halted   chan struct{}
	haltErr  error

	wg         sync.WaitGroup
	execCtx    context.Context
	execCancel context.CancelFunc
}

// NewService creates a Service. notifier may be nil.
func NewService(s store, e executor, g gate, b bus, fs fileStorage, n notifier) *Service {
	execCtx, execCancel := context.WithCancel(context.Background())

	return &Service{
		store:      s,
		executor:   e,
		gate:       g,
		bus:        b,
		storage:    fs,
		notifier:   n,
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		halted:     make(chan struct{}),
		execCtx:    execCtx,
		execCancel: execCancel,
	}
}

// Ready reports whether recovery has run and submissions are accepted.
func (s *Service) Ready() bool {
	if !s.ready.Load() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Recover fails every task left queued or processing by a previous process.
// It runs once; later calls return 0 without touching the store.
func (s *Service) Recover(ctx context.Context) (int, error) {
	s.recoverMu.Lock()
	defer s.recoverMu.Unlock()

	if s.ready.Load() {
		return 0, nil
	}

	failed, err := s.store.FailInterrupted(ctx, ErrMessageRestarted)
	if err != nil {
		return 0, fmt.Errorf("recover: failed to fail interrupted tasks: %w", err)
	}

	for _, t := range failed {
		s.notify(t)
	}

	s.ready.Store(true)
	zlog.Logger.Info().Int("count", len(failed)).Msg("recovered interrupted tasks")

	return len(failed), nil
}

// Submit records a new queued task and schedules it. It returns once the
// task is stored; admission happens asynchronously.
func (s *Service) Submit(ctx context.Context, req model.SubmitRequest) (string, error) {
	if !s.ready.Load() {
		return "", ErrNotReady
	}
	if err := validate(req); err != nil {
		return "", err
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", ErrShuttingDown
	}

	filename := req.Filename
	if filename == "" {
		filename = path.Base(req.FileRef)
	}

	t := model.Task{
		ID:       uuid.NewString(),
		Owner:    req.Owner,
		FileRef:  req.FileRef,
		Filename: filename,
		Status:   model.StatusQueued,
		Progress: 0,
		Message:  MessageQueued,
		Settings: req.Settings,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return "", fmt.Errorf("submit: failed to create task: %w", err)
	}

	zlog.Logger.Info().Str("task_id", t.ID).Str("owner", t.Owner).Msg("task queued")
	s.notify(t)
	s.enqueue(t.ID)

	return t.ID, nil
}

func validate(req model.SubmitRequest) error {
	switch {
	case strings.TrimSpace(req.Owner) == "":
		return fmt.Errorf("%w: owner is required", ErrInvalidSubmission)
	case strings.TrimSpace(req.FileRef) == "":
		return fmt.Errorf("%w: file reference is required", ErrInvalidSubmission)
	case len(req.Settings) > 0 && !json.Valid(req.Settings):
		return fmt.Errorf("%w: settings must be valid JSON", ErrInvalidSubmission)
	}
	return nil
}

// Run admits queued tasks until ctx is done, Shutdown is called, or an
// executor reports a task store failure, which is returned.
func (s *Service) Run(ctx context.Context) error {
	if _, err := s.Recover(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
		case <-s.halted:
		case <-ctx.Done():
		}
		cancel()
	}()

	zlog.Logger.Info().Int("capacity", s.gate.Stats().Capacity).Msg("admission loop started")

	for {
		id, ok := s.next(ctx)
		if !ok {
			break
		}
		if err := s.admit(ctx, id); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrShuttingDown) {
				break
			}
			return err
		}
	}

	select {
	case <-s.halted:
		return s.haltErr
	default:
		return nil
	}
}

// admit waits for a slot and starts the executor for id. Tasks deleted or
// no longer queued are skipped.
func (s *Service) admit(ctx context.Context, id string) error {
	t, err := s.store.Get(ctx, id)
	if errors.Is(err, task.ErrTaskNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("run: failed to load task %s: %w", id, err)
	}
	if t.Status != model.StatusQueued {
		return nil
	}

	// A shutdown while waiting leaves the task queued for the next start.
	release, err := s.gate.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("run: failed to acquire slot: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		release()
		return ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.Unlock()

	zlog.Logger.Info().Str("task_id", id).Msg("task admitted")

	go func() {
		defer s.wg.Done()
		if err := s.executor.Run(s.execCtx, id, release); err != nil {
			zlog.Logger.Error().Err(err).Str("task_id", id).Msg("task store failure, halting admission")
			s.halt(err)
		}
	}()

	return nil
}

// Shutdown stops admission and gives in-flight executors grace to finish.
// After grace they are canceled and record a failure. It reports whether
// every executor finished within grace.
func (s *Service) Shutdown(grace time.Duration) bool {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		s.execCancel()
		return true
	case <-timer.C:
	}

	zlog.Logger.Warn().Dur("grace", grace).Msg("grace period expired, interrupting translations")
	s.execCancel()

	select {
	case <-done:
	case <-time.After(forceWait):
		zlog.Logger.Error().Msg("executors did not stop, remaining tasks will be recovered on next start")
	}
	return false
}

// Status returns the stored snapshot of a task.
func (s *Service) Status(ctx context.Context, id string) (model.Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return model.Task{}, fmt.Errorf("status: %w", err)
	}
	return t, nil
}

// OwnedTask returns a task if it belongs to owner.
func (s *Service) OwnedTask(ctx context.Context, owner, id string) (model.Task, error) {
	t, err := s.Status(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	if t.Owner != owner {
		return model.Task{}, ErrAccessDenied
	}
	return t, nil
}

// History lists an owner's tasks, newest first. limit <= 0 means no limit.
func (s *Service) History(ctx context.Context, owner string, limit int) ([]model.Task, error) {
	tasks, err := s.store.List(ctx, task.Filter{Owner: owner, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return tasks, nil
}

// Stats reports limiter occupancy and the admission backlog.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	queued := len(s.queue)
	s.mu.Unlock()

	return Stats{Stats: s.gate.Stats(), Queued: queued}
}

func (s *Service) enqueue(id string) {
	s.mu.Lock()
	s.queue = append(s.queue, id)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dequeue forgets id if it is still waiting for admission.
func (s *Service) dequeue(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, queued := range s.queue {
		if queued == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// next pops the oldest queued id, waiting for one if needed.
func (s *Service) next(ctx context.Context) (string, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			id := s.queue[0]
			s.queue[0] = ""
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return id, true
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			return "", false
		case <-s.stop:
			return "", false
		case <-s.halted:
			return "", false
		}
	}
}

func (s *Service) halt(err error) {
	s.haltOnce.Do(func() {
		s.haltErr = err
		close(s.halted)
	})
}

func (s *Service) notify(t model.Task) {
	if s.notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	if err := s.notifier.Notify(ctx, t); err != nil {
		zlog.Logger.Warn().Err(err).Str("task_id", t.ID).Str("status", string(t.Status)).Msg("failed to publish lifecycle event")
	}
}
