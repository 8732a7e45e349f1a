// Package translator adapts the external document-translation engine to the
// executor: it stages the uploaded document from storage into a scratch
// directory, runs the engine, and stores the produced artifacts.
package translator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/doc-translator/internal/model"
)

// ProgressFunc receives engine progress. It must not block.
type ProgressFunc func(progress int, message string)

// EngineError is a stage-aware translation failure.
type EngineError struct {
	Stage   string
	Message string
	Err     error
}

// Error formats the failure for logs and the task's error field.
func (e *EngineError) Error() string {
	if e == nil {
		return ""
	}
	if e.Stage == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *EngineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Job is one engine invocation over local files.
type Job struct {
	InputPath string
	OutputDir string
	Settings  json.RawMessage
}

// Output holds local paths of the files the engine produced. Either may be empty.
type Output struct {
	MonoPath string
	DualPath string
}

// Engine runs a translation on local files.
type Engine interface {
	Run(ctx context.Context, job Job, onProgress ProgressFunc) (Output, error)
}

// fileStorage is the blob store documents are read from and results written to.
type fileStorage interface {
	Save(ctx context.Context, subdir, filename string, src io.Reader) (string, error)
	Load(ctx context.Context, key string) (io.ReadCloser, error)
}

// Staged runs an Engine against documents kept in file storage.
type Staged struct {
	engine  Engine
	storage fileStorage
	workDir string
}

// NewStaged creates a Staged translator. workDir is the scratch root; empty
// means the OS temp directory.
func NewStaged(engine Engine, storage fileStorage, workDir string) *Staged {
	return &Staged{engine: engine, storage: storage, workDir: workDir}
}

// Translate runs one task. Artifacts are stored as
// outputs/<taskID>/<stem>_mono.pdf and outputs/<taskID>/<stem>_dual.pdf.
func (s *Staged) Translate(
	ctx context.Context,
	taskID, fileRef string,
	settings json.RawMessage,
	onProgress ProgressFunc,
) (model.Result, error) {
	if s.workDir != "" {
		if err := os.MkdirAll(s.workDir, 0o755); err != nil {
			return model.Result{}, &EngineError{Stage: "prepare", Message: "failed to create work directory", Err: err}
		}
	}

	dir, err := os.MkdirTemp(s.workDir, "task-"+taskID+"-")
	if err != nil {
		return model.Result{}, &EngineError{Stage: "prepare", Message: "failed to create work directory", Err: err}
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			zlog.Logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to remove work directory")
		}
	}()

	name := path.Base(fileRef)
	inputPath := filepath.Join(dir, "in", name)
	if err := s.download(ctx, fileRef, inputPath); err != nil {
		return model.Result{}, err
	}

	outDir := filepath.Join(dir, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return model.Result{}, &EngineError{Stage: "prepare", Message: "failed to create output directory", Err: err}
	}

	out, err := s.engine.Run(ctx, Job{InputPath: inputPath, OutputDir: outDir, Settings: settings}, onProgress)
	if err != nil {
		return model.Result{}, err
	}

	stem := strings.TrimSuffix(name, path.Ext(name))
	subdir := path.Join("outputs", taskID)

	var res model.Result
	if res.MonoPath, err = s.upload(ctx, out.MonoPath, subdir, stem+"_mono.pdf"); err != nil {
		return model.Result{}, err
	}
	if res.DualPath, err = s.upload(ctx, out.DualPath, subdir, stem+"_dual.pdf"); err != nil {
		return model.Result{}, err
	}
	if res.Empty() {
		return model.Result{}, &EngineError{Stage: "finish", Message: "engine produced no output"}
	}

	return res, nil
}

func (s *Staged) download(ctx context.Context, key, dst string) error {
	src, err := s.storage.Load(ctx, key)
	if err != nil {
		return &EngineError{Stage: "download", Message: "source document is unavailable", Err: err}
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return &EngineError{Stage: "download", Message: "failed to create input directory", Err: err}
	}

	f, err := os.Create(dst)
	if err != nil {
		return &EngineError{Stage: "download", Message: "failed to create input file", Err: err}
	}
	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		return &EngineError{Stage: "download", Message: "failed to copy source document", Err: err}
	}
	if err := f.Close(); err != nil {
		return &EngineError{Stage: "download", Message: "failed to write input file", Err: err}
	}
	return nil
}

// upload stores a local artifact. An empty or missing local path yields an empty key.
func (s *Staged) upload(ctx context.Context, local, subdir, filename string) (string, error) {
	if local == "" {
		return "", nil
	}

	f, err := os.Open(local)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", &EngineError{Stage: "upload", Message: "failed to open result", Err: err}
	}
	defer f.Close()

	key, err := s.storage.Save(ctx, subdir, filename, f)
	if err != nil {
		return "", &EngineError{Stage: "upload", Message: "failed to store result", Err: err}
	}
	return key, nil
}
