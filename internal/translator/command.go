package translator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/wb-go/wbf/zlog"
)

// engineEvent is one JSON line written by the engine process to stdout.
type engineEvent struct {
	Type            string  `json:"type"`
	Stage           string  `json:"stage"`
	OverallProgress float64 `json:"overall_progress"`
	PartIndex       *int    `json:"part_index"`
	TotalParts      *int    `json:"total_parts"`
	StageCurrent    *int    `json:"stage_current"`
	StageTotal      *int    `json:"stage_total"`
	MonoPDFPath     string  `json:"mono_pdf_path"`
	DualPDFPath     string  `json:"dual_pdf_path"`
	Error           string  `json:"error"`
}

// message renders a progress line as "<stage> (<part>/<parts>, <cur>/<total>)".
func (e engineEvent) message() string {
	stage := e.Stage
	if stage == "" {
		stage = "Processing"
	}
	return fmt.Sprintf("%s (%d/%d, %d/%d)",
		stage,
		intOr(e.PartIndex, 1), intOr(e.TotalParts, 1),
		intOr(e.StageCurrent, 0), intOr(e.StageTotal, 1),
	)
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// waitDelay bounds how long a canceled engine's pipes are drained.
const waitDelay = 3 * time.Second

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, stdin io.Reader, stdout io.Writer, name string, args ...string) (stderr string, err error)
}

// execRunner executes commands via os/exec.
type execRunner struct{}

// Run executes one command, streaming stdout and capturing stderr.
func (execRunner) Run(ctx context.Context, stdin io.Reader, stdout io.Writer, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = &stderr
	// A child that inherited stdout must not keep Run blocked after cancellation.
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	return stderr.String(), err
}

// Command is an Engine backed by an external executable speaking the JSON
// lines protocol. The executable receives --input and --output flags and
// the settings JSON on stdin.
type Command struct {
	name    string
	args    []string
	timeout time.Duration
	runner  commandRunner
}

// NewCommand creates a Command engine. args are placed before the generated flags.
func NewCommand(name string, args ...string) *Command {
	return &Command{name: name, args: args, runner: execRunner{}}
}

// WithTimeout limits every run to d. Zero means no limit.
func (c *Command) WithTimeout(d time.Duration) *Command {
	c.timeout = d
	return c
}

// Run executes the engine and reports its progress events.
func (c *Command) Run(ctx context.Context, job Job, onProgress ProgressFunc) (Output, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	settings := job.Settings
	if len(settings) == 0 {
		settings = json.RawMessage("{}")
	}

	args := append(append([]string{}, c.args...), "--input", job.InputPath, "--output", job.OutputDir)

	var (
		out       Output
		finished  bool
		engineErr string
	)
	lines := &lineWriter{handle: func(line []byte) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			return
		}

		var ev engineEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			zlog.Logger.Debug().Str("line", string(line)).Msg("skipping non-event engine output")
			return
		}

		switch ev.Type {
		case "progress_start", "progress_update", "progress_end":
			if onProgress != nil {
				onProgress(int(ev.OverallProgress), ev.message())
			}
		case "finish":
			finished = true
			out = Output{
				MonoPath: resolve(job.OutputDir, ev.MonoPDFPath),
				DualPath: resolve(job.OutputDir, ev.DualPDFPath),
			}
		case "error":
			engineErr = ev.Error
			if engineErr == "" {
				engineErr = "Unknown error"
			}
		}
	}}

	stderr, runErr := c.runner.Run(ctx, bytes.NewReader(settings), lines, c.name, args...)
	lines.Flush()

	switch {
	case engineErr != "":
		return Output{}, &EngineError{Stage: "translate", Message: engineErr, Err: runErr}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Output{}, &EngineError{Stage: "translate", Message: "translation timed out", Err: ctx.Err()}
	case ctx.Err() != nil:
		return Output{}, &EngineError{Stage: "translate", Message: "translation interrupted", Err: ctx.Err()}
	case runErr != nil:
		return Output{}, &EngineError{Stage: "translate", Message: failureMessage(runErr, stderr), Err: runErr}
	case !finished:
		return Output{}, &EngineError{Stage: "finish", Message: "engine exited without a result"}
	}

	return out, nil
}

func failureMessage(err error, stderr string) string {
	msg := "engine failed"
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg = fmt.Sprintf("engine exited with code %d", exitErr.ExitCode())
	}

	if tail := lastLine(stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// lineWriter splits a byte stream into lines and hands each complete line to handle.
type lineWriter struct {
	mu     sync.Mutex
	buf    []byte
	handle func(line []byte)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.handle(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush hands any trailing unterminated line to handle.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) > 0 {
		w.handle(w.buf)
		w.buf = nil
	}
}
