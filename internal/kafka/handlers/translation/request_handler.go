package translation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/doc-translator/internal/model"
	translationsvc "github.com/aliskhannn/doc-translator/internal/service/translation"
)

// service defines the submission entry point used by the handler.
type service interface {
	Submit(ctx context.Context, req model.SubmitRequest) (string, error)
}

// Request is the payload of a translation request message.
type Request struct {
	Owner    string          `json:"owner"`
	FileRef  string          `json:"file_ref"`
	Filename string          `json:"filename,omitempty"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// RequestHandler submits translation requests arriving over Kafka exactly
// like HTTP submissions.
type RequestHandler struct {
	service service
}

// NewRequestHandler creates a new handler with the given service.
func NewRequestHandler(s service) *RequestHandler {
	return &RequestHandler{service: s}
}

// Handle submits the request carried by msg. Malformed or invalid requests
// are logged and dropped (nil error) so they are committed and never retried.
func (h *RequestHandler) Handle(ctx context.Context, msg kafka.Message) error {
	var req Request
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		zlog.Logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("dropping malformed translation request")
		return nil
	}

	id, err := h.service.Submit(ctx, model.SubmitRequest{
		Owner:    req.Owner,
		FileRef:  req.FileRef,
		Filename: req.Filename,
		Settings: req.Settings,
	})
	if err != nil {
		if errors.Is(err, translationsvc.ErrInvalidSubmission) {
			zlog.Logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("dropping invalid translation request")
			return nil
		}

		return fmt.Errorf("submit request: %w", err)
	}

	zlog.Logger.Info().Str("task_id", id).Str("owner", req.Owner).Msg("translation request submitted")

	return nil
}
