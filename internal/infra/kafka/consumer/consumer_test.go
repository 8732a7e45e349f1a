package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/retry"

	"github.com/aliskhannn/doc-translator/internal/config"
)

// fakeClient hands out queued messages in order and blocks when empty.
type fakeClient struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
}

func (f *fakeClient) Fetch(ctx context.Context) (kafka.Message, error) {
	for {
		f.mu.Lock()
		if len(f.pending) > 0 {
			msg := f.pending[0]
			f.pending = f.pending[1:]
			f.mu.Unlock()
			return msg, nil
		}
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (f *fakeClient) Commit(_ context.Context, msg kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, msg.Offset)
	return nil
}

func (f *fakeClient) Close() error { return nil }

func (f *fakeClient) commits() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

// flakyHandler fails the first failures calls for each offset.
type flakyHandler struct {
	mu       sync.Mutex
	failures int
	seen     []int64
	calls    map[int64]int
}

func (h *flakyHandler) Handle(_ context.Context, msg kafka.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seen = append(h.seen, msg.Offset)
	h.calls[msg.Offset]++
	if h.failures < 0 || h.calls[msg.Offset] <= h.failures {
		return errors.New("task store unreachable")
	}
	return nil
}

func (h *flakyHandler) handled() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int64(nil), h.seen...)
}

func newTestConsumer(fc *fakeClient, h requestHandler) *Consumer {
	return &Consumer{
		Client:   fc,
		handler:  h,
		cfg:      &config.Kafka{RequestsTopic: "translation-requests"},
		strategy: retry.Strategy{Attempts: 1, Backoff: 1},
		pause:    time.Millisecond,
	}
}

func TestConsumeRetriesFailedMessageBeforeMovingOn(t *testing.T) {
	fc := &fakeClient{pending: []kafka.Message{{Offset: 0}, {Offset: 1}}}
	h := &flakyHandler{failures: 2, calls: map[int64]int{}}
	c := newTestConsumer(fc, h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Consume(ctx) }()

	require.Eventually(t, func() bool { return len(fc.commits()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{0, 1}, fc.commits())
	assert.Equal(t, []int64{0, 0, 0, 1, 1, 1}, h.handled(), "offset 1 is not touched until offset 0 succeeds")
}

func TestConsumeNeverCommitsPastUnhandledMessage(t *testing.T) {
	fc := &fakeClient{pending: []kafka.Message{{Offset: 0}, {Offset: 1}}}
	h := &flakyHandler{failures: -1, calls: map[int64]int{}}
	c := newTestConsumer(fc, h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Consume(ctx) }()

	require.Eventually(t, func() bool { return len(h.handled()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Empty(t, fc.commits())
	for _, off := range h.handled() {
		assert.Equal(t, int64(0), off)
	}
}
