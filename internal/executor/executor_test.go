package executor

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/retry"

	"github.com/aliskhannn/doc-translator/internal/infra/database"
	"github.com/aliskhannn/doc-translator/internal/model"
	"github.com/aliskhannn/doc-translator/internal/progress"
	"github.com/aliskhannn/doc-translator/internal/repository/task"
	"github.com/aliskhannn/doc-translator/internal/translator"
)

type engineFunc func(ctx context.Context, onProgress translator.ProgressFunc) (model.Result, error)

func (f engineFunc) Translate(ctx context.Context, _, _ string, _ json.RawMessage, onProgress translator.ProgressFunc) (model.Result, error) {
	return f(ctx, onProgress)
}

type fixture struct {
	repo *task.Repository
	bus  *progress.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := task.NewRepository(db, nil)
	require.NoError(t, repo.Migrate(context.Background()))

	return &fixture{
		repo: repo,
		bus:  progress.New(progress.Options{Retention: time.Minute, Buffer: 256}),
	}
}

func (f *fixture) submit(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.repo.Create(context.Background(), model.Task{
		ID:      id,
		Owner:   "alice",
		FileRef: "uploads/alice/" + id + "_doc.pdf",
		Status:  model.StatusQueued,
		Message: "Translation queued",
	}))
}

func (f *fixture) executor(e engine) *Executor {
	return New(f.repo, f.bus, e, nil, Options{UpdateBuffer: 64, Retry: retry.Strategy{Attempts: 2, Delay: time.Millisecond, Backoff: 1}})
}

type releaseCounter struct{ n atomic.Int32 }

func (r *releaseCounter) release() { r.n.Add(1) }

func collect(t *testing.T, sub *progress.Subscription) []model.Event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var events []model.Event
	for {
		e, ok := sub.Next(ctx)
		if !ok {
			return events
		}
		events = append(events, e)
	}
}

func assertNonDecreasing(t *testing.T, events []model.Event) {
	t.Helper()
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].Progress, events[i-1].Progress, "event %d", i)
	}
}

func TestRunCompletesTask(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "a")
	sub := f.bus.Subscribe("a")

	engine := engineFunc(func(_ context.Context, onProgress translator.ProgressFunc) (model.Result, error) {
		onProgress(10, "Parse (1/1, 1/3)")
		onProgress(60, "Translate (1/1, 2/3)")
		return model.Result{MonoPath: "outputs/a/doc_mono.pdf", DualPath: "outputs/a/doc_dual.pdf"}, nil
	})

	var rc releaseCounter
	require.NoError(t, f.executor(engine).Run(context.Background(), "a", rc.release))
	assert.Equal(t, int32(1), rc.n.Load())

	got, err := f.repo.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, MessageCompleted, got.Message)
	require.NotNil(t, got.Result)
	assert.Equal(t, "outputs/a/doc_mono.pdf", got.Result.MonoPath)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	events := collect(t, sub)
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, model.EventProgress, events[0].Kind)
	assert.Equal(t, model.StatusProcessing, events[0].Status)
	assert.Equal(t, 0, events[0].Progress)

	last := events[len(events)-1]
	assert.Equal(t, model.EventComplete, last.Kind)
	assert.Equal(t, 100, last.Progress)
	require.NotNil(t, last.Result)
	assert.Equal(t, "outputs/a/doc_dual.pdf", last.Result.DualPath)
	assertNonDecreasing(t, events)
}

func TestRunFailureKeepsProgress(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "e")
	sub := f.bus.Subscribe("e")

	engine := engineFunc(func(_ context.Context, onProgress translator.ProgressFunc) (model.Result, error) {
		onProgress(20, "step")
		onProgress(55, "step")
		return model.Result{}, &translator.EngineError{Stage: "translate", Message: "rate limited by provider"}
	})

	var rc releaseCounter
	require.NoError(t, f.executor(engine).Run(context.Background(), "e", rc.release))
	assert.Equal(t, int32(1), rc.n.Load())

	got, err := f.repo.Get(context.Background(), "e")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, 55, got.Progress)
	assert.Equal(t, "rate limited by provider", got.Error)
	assert.Equal(t, "Translation failed: rate limited by provider", got.Message)
	assert.Nil(t, got.Result)

	events := collect(t, sub)
	last := events[len(events)-1]
	assert.Equal(t, model.EventFailed, last.Kind)
	assert.Equal(t, 55, last.Progress)
	assert.Equal(t, "rate limited by provider", last.Error)
}

func TestRunSmoothsRegressingProgress(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "s")
	sub := f.bus.Subscribe("s")

	engine := engineFunc(func(_ context.Context, onProgress translator.ProgressFunc) (model.Result, error) {
		for _, p := range []int{30, 20, -5, 45, 150, 90} {
			onProgress(p, "step")
		}
		return model.Result{}, errors.New("boom")
	})

	require.NoError(t, f.executor(engine).Run(context.Background(), "s", func() {}))

	events := collect(t, sub)
	assertNonDecreasing(t, events)
	for _, e := range events {
		assert.LessOrEqual(t, e.Progress, 100)
		assert.GreaterOrEqual(t, e.Progress, 0)
	}

	got, err := f.repo.Get(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "boom", got.Error)
}

func TestRunShutdownFailsTask(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "c")

	ctx, cancel := context.WithCancel(context.Background())
	engine := engineFunc(func(ctx context.Context, onProgress translator.ProgressFunc) (model.Result, error) {
		onProgress(35, "working")
		cancel()
		<-ctx.Done()
		return model.Result{}, ctx.Err()
	})

	var rc releaseCounter
	require.NoError(t, f.executor(engine).Run(ctx, "c", rc.release))
	assert.Equal(t, int32(1), rc.n.Load())

	got, err := f.repo.Get(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, ErrMessageShutdown, got.Error)
	assert.Equal(t, 35, got.Progress)
}

func TestRunEnginePanicFailsTask(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "p")

	engine := engineFunc(func(context.Context, translator.ProgressFunc) (model.Result, error) {
		panic("nil document")
	})

	var rc releaseCounter
	require.NoError(t, f.executor(engine).Run(context.Background(), "p", rc.release))
	assert.Equal(t, int32(1), rc.n.Load())

	got, err := f.repo.Get(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "nil document")
}

func TestRunSkipsMissingOrStartedTasks(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "done")
	_, err := f.repo.Update(context.Background(), "done", func(t *model.Task) error {
		t.Status = model.StatusProcessing
		return nil
	})
	require.NoError(t, err)

	engine := engineFunc(func(context.Context, translator.ProgressFunc) (model.Result, error) {
		t.Fatal("engine must not run")
		return model.Result{}, nil
	})
	ex := f.executor(engine)

	var rc releaseCounter
	assert.NoError(t, ex.Run(context.Background(), "missing", rc.release))
	assert.NoError(t, ex.Run(context.Background(), "done", rc.release))
	assert.Equal(t, int32(2), rc.n.Load())
}

func TestRunStopsWhenTaskDeleted(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "d")
	sub := f.bus.Subscribe("d")

	engine := engineFunc(func(ctx context.Context, onProgress translator.ProgressFunc) (model.Result, error) {
		onProgress(10, "working")
		if err := f.repo.Delete(context.Background(), "d"); err != nil {
			return model.Result{}, err
		}
		onProgress(20, "working")

		select {
		case <-ctx.Done():
			return model.Result{}, ctx.Err()
		case <-time.After(2 * time.Second):
			return model.Result{}, errors.New("translation was not interrupted")
		}
	})

	var rc releaseCounter
	require.NoError(t, f.executor(engine).Run(context.Background(), "d", rc.release))
	assert.Equal(t, int32(1), rc.n.Load())

	_, err := f.repo.Get(context.Background(), "d")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)

	for _, e := range collect(t, sub) {
		assert.False(t, e.IsTerminal(), "a deleted task's stream ends without a terminal event")
	}
	assert.Equal(t, 0, f.bus.Topics())
}

type failingStore struct{ err error }

func (s failingStore) Update(context.Context, string, task.Mutation) (model.Task, error) {
	return model.Task{}, s.err
}

func TestRunReportsStoreFailure(t *testing.T) {
	bus := progress.New(progress.Options{})
	unreachable := errors.New("database is locked")

	engine := engineFunc(func(context.Context, translator.ProgressFunc) (model.Result, error) {
		return model.Result{}, nil
	})
	ex := New(failingStore{err: unreachable}, bus, engine, nil, Options{})

	var rc releaseCounter
	err := ex.Run(context.Background(), "x", rc.release)
	assert.ErrorIs(t, err, unreachable)
	assert.Equal(t, int32(1), rc.n.Load())
}

// terminalFailingStore accepts progress writes but fails every terminal write.
type terminalFailingStore struct {
	*task.Repository
	err error
}

func (s terminalFailingStore) Update(ctx context.Context, id string, mut task.Mutation) (model.Task, error) {
	current, err := s.Repository.Get(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	next := current.Clone()
	if err := mut(&next); err != nil {
		return model.Task{}, err
	}
	if next.Status.IsTerminal() {
		return model.Task{}, s.err
	}
	return s.Repository.Update(ctx, id, mut)
}

func TestRunDoesNotAnnounceUnrecordedOutcome(t *testing.T) {
	tests := []struct {
		name   string
		engErr error
	}{
		{"success", nil},
		{"failure", errors.New("engine crashed")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.submit(t, "s")
			sub := f.bus.Subscribe("s")

			unreachable := errors.New("database is locked")
			store := terminalFailingStore{Repository: f.repo, err: unreachable}
			engine := engineFunc(func(_ context.Context, onProgress translator.ProgressFunc) (model.Result, error) {
				onProgress(50, "Translate (1/1, 1/2)")
				return model.Result{MonoPath: "outputs/s/doc_mono.pdf"}, tt.engErr
			})
			ex := New(store, f.bus, engine, nil, Options{UpdateBuffer: 64, Retry: retry.Strategy{Attempts: 2, Delay: time.Millisecond, Backoff: 1}})

			var rc releaseCounter
			err := ex.Run(context.Background(), "s", rc.release)
			assert.ErrorIs(t, err, unreachable)
			assert.Equal(t, int32(1), rc.n.Load())

			events := collect(t, sub)
			require.NotEmpty(t, events)
			for _, e := range events {
				assert.False(t, e.IsTerminal(), "terminal %s event published for an unrecorded outcome", e.Kind)
			}

			got, err := f.repo.Get(context.Background(), "s")
			require.NoError(t, err)
			assert.Equal(t, model.StatusProcessing, got.Status)
			assert.Equal(t, 50, got.Progress)
			assert.Equal(t, 0, f.bus.Topics(), "streams are ended so readers fall back to the store")
		})
	}
}

type recordingNotifier struct {
	statuses []model.Status
}

func (n *recordingNotifier) Notify(_ context.Context, t model.Task) error {
	n.statuses = append(n.statuses, t.Status)
	return errors.New("broker down")
}

func TestRunNotifiesTransitions(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "n")

	engine := engineFunc(func(context.Context, translator.ProgressFunc) (model.Result, error) {
		return model.Result{MonoPath: "outputs/n/doc_mono.pdf"}, nil
	})
	n := &recordingNotifier{}
	ex := New(f.repo, f.bus, engine, n, Options{})

	require.NoError(t, ex.Run(context.Background(), "n", func() {}), "notifier errors are not task failures")
	assert.Equal(t, []model.Status{model.StatusProcessing, model.StatusCompleted}, n.statuses)
}
