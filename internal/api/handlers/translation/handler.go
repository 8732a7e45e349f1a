package translation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/doc-translator/internal/api/middleware"
	"github.com/aliskhannn/doc-translator/internal/api/respond"
	"github.com/aliskhannn/doc-translator/internal/model"
	"github.com/aliskhannn/doc-translator/internal/repository/task"
	translationsvc "github.com/aliskhannn/doc-translator/internal/service/translation"
	"github.com/aliskhannn/doc-translator/internal/storage/file"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// service defines the translation operations exposed over HTTP.
type service interface {
	SaveUpload(ctx context.Context, owner, filename string, src io.Reader) (string, error)
	SubmitUpload(ctx context.Context, owner, fileID string, settings json.RawMessage) (string, error)
	OwnedTask(ctx context.Context, owner, id string) (model.Task, error)
	History(ctx context.Context, owner string, limit int) ([]model.Task, error)
	Delete(ctx context.Context, owner, id string) error
	Download(ctx context.Context, owner, id, fileType string) (io.ReadCloser, string, error)
	Stats() translationsvc.Stats
	Ready() bool
}

// streamer serves the live progress stream of one task.
type streamer interface {
	Serve(c *ginext.Context, owner, id string)
}

// Handler provides HTTP handlers for translation endpoints.
type Handler struct {
	service  service
	streamer streamer
}

// NewHandler creates a new Handler with the given service and streamer.
func NewHandler(s service, st streamer) *Handler {
	return &Handler{service: s, streamer: st}
}

// Upload stores the PDF sent in the "file" form field and returns its file id.
func (h *Handler) Upload(c *ginext.Context) {
	f, header, err := c.Request.FormFile("file")
	if err != nil {
		zlog.Logger.Warn().Err(err).Msg("failed to read uploaded file")
		respond.Fail(c, http.StatusBadRequest, errors.New("file field is required"))
		return
	}
	defer f.Close()

	owner := middleware.OwnerFrom(c)
	fileID, err := h.service.SaveUpload(c.Request.Context(), owner, header.Filename, f)
	if err != nil {
		h.fail(c, err, "failed to save upload")
		return
	}

	respond.Created(c, map[string]interface{}{
		"file_id":  fileID,
		"filename": header.Filename,
		"size":     header.Size,
	})
}

// Translate submits an uploaded file for translation. The optional "settings"
// form field holds the engine settings as a JSON object.
func (h *Handler) Translate(c *ginext.Context) {
	fileID := c.PostForm("file_id")
	if fileID == "" {
		respond.Fail(c, http.StatusBadRequest, errors.New("file_id is required"))
		return
	}

	var settings json.RawMessage
	if raw := c.PostForm("settings"); raw != "" {
		if !json.Valid([]byte(raw)) {
			respond.Fail(c, http.StatusBadRequest, errors.New("settings must be valid JSON"))
			return
		}
		settings = json.RawMessage(raw)
	}

	id, err := h.service.SubmitUpload(c.Request.Context(), middleware.OwnerFrom(c), fileID, settings)
	if err != nil {
		h.fail(c, err, "failed to submit translation")
		return
	}

	respond.Accepted(c, map[string]interface{}{
		"task_id": id,
		"status":  model.StatusQueued,
		"message": translationsvc.MessageQueued,
	})
}

// Status returns the stored state of a task.
func (h *Handler) Status(c *ginext.Context) {
	t, err := h.service.OwnedTask(c.Request.Context(), middleware.OwnerFrom(c), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to get task")
		return
	}

	respond.OK(c, t)
}

// Stream pushes live progress of a task as server-sent events.
func (h *Handler) Stream(c *ginext.Context) {
	h.streamer.Serve(c, middleware.OwnerFrom(c), c.Param("id"))
}

// History lists the caller's tasks, newest first. The "limit" query
// parameter defaults to 50 and is capped at 200.
func (h *Handler) History(c *ginext.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respond.Fail(c, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	tasks, err := h.service.History(c.Request.Context(), middleware.OwnerFrom(c), limit)
	if err != nil {
		h.fail(c, err, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}

	respond.OK(c, tasks)
}

// Delete removes a task from the caller's history.
func (h *Handler) Delete(c *ginext.Context) {
	id := c.Param("id")
	if err := h.service.Delete(c.Request.Context(), middleware.OwnerFrom(c), id); err != nil {
		h.fail(c, err, "failed to delete task")
		return
	}

	respond.OK(c, map[string]string{"task_id": id, "message": "Task deleted"})
}

// Download streams a result artifact; "file_type" is mono (default) or dual.
func (h *Handler) Download(c *ginext.Context) {
	fileType := c.DefaultQuery("file_type", translationsvc.FileTypeMono)

	r, name, err := h.service.Download(c.Request.Context(), middleware.OwnerFrom(c), c.Param("id"), fileType)
	if err != nil {
		h.fail(c, err, "failed to download result")
		return
	}
	defer r.Close()

	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	respond.PDF(c, http.StatusOK, name, r)
}

// Stats reports limiter occupancy and queue depth.
func (h *Handler) Stats(c *ginext.Context) {
	respond.OK(c, h.service.Stats())
}

// Health is the liveness probe.
func (h *Handler) Health(c *ginext.Context) {
	respond.OK(c, map[string]string{"status": "ok"})
}

// Ready succeeds once interrupted tasks have been recovered and until shutdown.
func (h *Handler) Ready(c *ginext.Context) {
	if !h.service.Ready() {
		respond.Fail(c, http.StatusServiceUnavailable, translationsvc.ErrNotReady)
		return
	}
	respond.OK(c, map[string]string{"status": "ready"})
}

// fail maps service errors to HTTP statuses. Unexpected errors are logged
// and reported without internal detail.
func (h *Handler) fail(c *ginext.Context, err error, msg string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		zlog.Logger.Err(err).Str("path", c.FullPath()).Msg(msg)
		respond.Fail(c, status, errors.New(msg))
		return
	}

	zlog.Logger.Debug().Err(err).Str("path", c.FullPath()).Int("status", status).Msg(msg)
	respond.Fail(c, status, publicError(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, translationsvc.ErrInvalidSubmission), errors.Is(err, translationsvc.ErrNotCompleted):
		return http.StatusBadRequest
	case errors.Is(err, translationsvc.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, task.ErrTaskNotFound), errors.Is(err, file.ErrFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, translationsvc.ErrNotReady), errors.Is(err, translationsvc.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicError drops the operation prefixes added while wrapping.
func publicError(err error) error {
	for _, known := range []error{task.ErrTaskNotFound, file.ErrFileNotFound, translationsvc.ErrAccessDenied,
		translationsvc.ErrNotCompleted, translationsvc.ErrNotReady, translationsvc.ErrShuttingDown} {
		if errors.Is(err, known) {
			return known
		}
	}
	if errors.Is(err, translationsvc.ErrInvalidSubmission) {
		return err
	}
	return fmt.Errorf("unexpected error: %w", err)
}
