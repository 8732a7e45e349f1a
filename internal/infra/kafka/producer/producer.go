package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"

	"github.com/aliskhannn/doc-translator/internal/config"
	"github.com/aliskhannn/doc-translator/internal/model"
)

// LifecycleEvent is the message produced for every task status transition.
type LifecycleEvent struct {
	TaskID    string        `json:"task_id"`
	Owner     string        `json:"owner"`
	Status    model.Status  `json:"status"`
	Progress  int           `json:"progress"`
	Message   string        `json:"message"`
	Result    *model.Result `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// NewLifecycleEvent describes the current state of t.
func NewLifecycleEvent(t model.Task) LifecycleEvent {
	e := LifecycleEvent{
		TaskID:    t.ID,
		Owner:     t.Owner,
		Status:    t.Status,
		Progress:  t.Progress,
		Message:   t.Message,
		Error:     t.Error,
		UpdatedAt: t.UpdatedAt,
	}
	if t.Result != nil {
		r := *t.Result
		e.Result = &r
	}
	return e
}

// Producer publishes task lifecycle events to Kafka.
type Producer struct {
	Client   *wbfkafka.Producer
	strategy retry.Strategy
	cfg      *config.Kafka
}

// New creates a Producer writing to cfg.EventsTopic.
func New(cfg *config.Kafka, s retry.Strategy) *Producer {
	producer := wbfkafka.NewProducer(cfg.Brokers, cfg.EventsTopic)

	return &Producer{
		Client:   producer,
		cfg:      cfg,
		strategy: s,
	}
}

// Notify serializes the task's lifecycle event and sends it to Kafka.
// The task ID is the message key, so events of one task stay ordered.
func (p *Producer) Notify(ctx context.Context, t model.Task) error {
	data, err := json.Marshal(NewLifecycleEvent(t))
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle event: %w", err)
	}

	if err = p.Client.SendWithRetry(ctx, p.strategy, []byte(t.ID), data); err != nil {
		return fmt.Errorf("failed to send lifecycle event: %w", err)
	}

	return nil
}

// Close flushes and closes the underlying writer.
func (p *Producer) Close() error {
	return p.Client.Close()
}
