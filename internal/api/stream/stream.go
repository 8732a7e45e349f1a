package stream

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/doc-translator/internal/api/respond"
	"github.com/aliskhannn/doc-translator/internal/model"
	"github.com/aliskhannn/doc-translator/internal/progress"
	"github.com/aliskhannn/doc-translator/internal/repository/task"
	translationsvc "github.com/aliskhannn/doc-translator/internal/service/translation"
)

// ErrMessageNotFound is the error of the frame sent for unknown or deleted tasks.
const ErrMessageNotFound = "task not found"

// subscriber is the progress bus.
type subscriber interface {
	Subscribe(taskID string) *progress.Subscription
}

// tasks resolves the stored task for an owner.
type tasks interface {
	OwnedTask(ctx context.Context, owner, id string) (model.Task, error)
}

// Streamer pushes a task's progress events to one client as server-sent events.
type Streamer struct {
	bus   subscriber
	tasks tasks
}

// New creates a Streamer.
func New(bus subscriber, t tasks) *Streamer {
	return &Streamer{bus: bus, tasks: t}
}

// Serve streams task id to the client until a terminal event is written or
// the client disconnects. The subscription is taken before the store is read
// so no event between the two is lost.
func (s *Streamer) Serve(c *ginext.Context, owner, id string) {
	ctx := c.Request.Context()

	sub := s.bus.Subscribe(id)
	defer sub.Close()

	t, err := s.tasks.OwnedTask(ctx, owner, id)
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		writeHeaders(c)
		s.write(c, notFound(id))
		return
	case errors.Is(err, translationsvc.ErrAccessDenied):
		respond.Fail(c, http.StatusForbidden, err)
		return
	case err != nil:
		zlog.Logger.Err(err).Str("task_id", id).Msg("failed to load task for stream")
		respond.Fail(c, http.StatusInternalServerError, errors.New("failed to load task"))
		return
	}

	writeHeaders(c)

	last := -1
	if !sub.Replayed() {
		e := model.SnapshotEvent(t)
		s.write(c, e)
		if e.IsTerminal() {
			return
		}
		last = e.Progress
	}

	for {
		e, ok := sub.Next(ctx)
		if !ok {
			if ctx.Err() == nil {
				// Closed without a terminal event: the task was deleted or
				// its outcome could not be stored. The store has the last word.
				s.write(c, s.storedState(ctx, owner, id))
			}
			return
		}

		if e.Kind == model.EventProgress {
			if e.Progress < last {
				continue
			}
			last = e.Progress
		}

		if !s.write(c, e) {
			return
		}
		if e.IsTerminal() {
			return
		}
	}
}

// storedState describes the task as the store currently has it.
func (s *Streamer) storedState(ctx context.Context, owner, id string) model.Event {
	t, err := s.tasks.OwnedTask(ctx, owner, id)
	if err != nil {
		if !errors.Is(err, task.ErrTaskNotFound) {
			zlog.Logger.Warn().Err(err).Str("task_id", id).Msg("failed to reload task for stream")
		}
		return notFound(id)
	}
	return model.SnapshotEvent(t)
}

func (s *Streamer) write(c *ginext.Context, e model.Event) bool {
	frame := sse.Event{Event: string(e.Kind), Data: e}
	if e.Seq > 0 {
		frame.Id = strconv.FormatInt(e.Seq, 10)
	}

	if err := frame.Render(c.Writer); err != nil {
		zlog.Logger.Debug().Err(err).Str("task_id", e.TaskID).Msg("stream client gone")
		return false
	}
	c.Writer.Flush()

	return true
}

func writeHeaders(c *ginext.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
}

func notFound(id string) model.Event {
	return model.Event{
		TaskID:    id,
		Kind:      model.EventFailed,
		Status:    model.StatusFailed,
		Error:     ErrMessageNotFound,
		Timestamp: time.Now().UTC(),
	}
}
