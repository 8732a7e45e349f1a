package translator

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aliskhannn/doc-translator/internal/storage/file"
)

type engineFunc func(ctx context.Context, job Job, onProgress ProgressFunc) (Output, error)

func (f engineFunc) Run(ctx context.Context, job Job, onProgress ProgressFunc) (Output, error) {
	return f(ctx, job, onProgress)
}

func newStore(t *testing.T) *file.Local {
	t.Helper()
	s, err := file.NewLocal(t.TempDir())
	require.NoError(t, err)
	return s
}

func readKey(t *testing.T, s *file.Local, key string) string {
	t.Helper()
	r, err := s.Load(context.Background(), key)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func TestStagedTranslateStoresArtifacts(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	ref, err := store.Save(ctx, "uploads/alice", "f1_paper.pdf", strings.NewReader("source"))
	require.NoError(t, err)

	work := t.TempDir()
	var seenInput string
	engine := engineFunc(func(_ context.Context, job Job, onProgress ProgressFunc) (Output, error) {
		data, err := os.ReadFile(job.InputPath)
		if err != nil {
			return Output{}, err
		}
		seenInput = string(data)
		onProgress(50, "Translate (1/1, 1/2)")

		mono := filepath.Join(job.OutputDir, "x.mono.pdf")
		dual := filepath.Join(job.OutputDir, "x.dual.pdf")
		_ = os.WriteFile(mono, []byte("mono"), 0o644)
		_ = os.WriteFile(dual, []byte("dual"), 0o644)
		return Output{MonoPath: mono, DualPath: dual}, nil
	})

	var progress []int
	res, err := NewStaged(engine, store, work).Translate(ctx, "task-1", ref, []byte(`{}`), func(p int, _ string) {
		progress = append(progress, p)
	})
	require.NoError(t, err)

	assert.Equal(t, "source", seenInput)
	assert.Equal(t, []int{50}, progress)
	assert.Equal(t, "outputs/task-1/f1_paper_mono.pdf", res.MonoPath)
	assert.Equal(t, "outputs/task-1/f1_paper_dual.pdf", res.DualPath)
	assert.Equal(t, "mono", readKey(t, store, res.MonoPath))
	assert.Equal(t, "dual", readKey(t, store, res.DualPath))

	entries, err := os.ReadDir(work)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch directory is removed")
}

func TestStagedTranslateMissingSource(t *testing.T) {
	engine := engineFunc(func(context.Context, Job, ProgressFunc) (Output, error) {
		t.Fatal("engine must not run without a source document")
		return Output{}, nil
	})

	_, err := NewStaged(engine, newStore(t), t.TempDir()).Translate(context.Background(), "t", "uploads/a/missing.pdf", nil, nil)

	var engErr *EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, "download", engErr.Stage)
	assert.ErrorIs(t, err, file.ErrFileNotFound)
}

func TestStagedTranslatePropagatesEngineError(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	ref, err := store.Save(ctx, "uploads/a", "doc.pdf", strings.NewReader("x"))
	require.NoError(t, err)

	boom := &EngineError{Stage: "translate", Message: "boom"}
	engine := engineFunc(func(context.Context, Job, ProgressFunc) (Output, error) { return Output{}, boom })

	_, err = NewStaged(engine, store, "").Translate(ctx, "t", ref, nil, nil)
	assert.True(t, errors.Is(err, boom))
}

func TestStagedTranslateRequiresOutput(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	ref, err := store.Save(ctx, "uploads/a", "doc.pdf", strings.NewReader("x"))
	require.NoError(t, err)

	engine := engineFunc(func(context.Context, Job, ProgressFunc) (Output, error) {
		return Output{MonoPath: "/nonexistent/mono.pdf"}, nil
	})

	_, err = NewStaged(engine, store, "").Translate(ctx, "t", ref, nil, nil)

	var engErr *EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, "finish", engErr.Stage)
	assert.Equal(t, "engine produced no output", engErr.Message)
}
