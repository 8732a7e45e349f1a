package producer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aliskhannn/doc-translator/internal/model"
)

func TestLifecycleEventOmitsSettings(t *testing.T) {
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := model.Task{
		ID:        "t1",
		Owner:     "alice",
		Status:    model.StatusCompleted,
		Progress:  100,
		Message:   "Translation completed",
		Settings:  json.RawMessage(`{"api_key":"secret"}`),
		Result:    &model.Result{MonoPath: "outputs/t1/doc_mono.pdf"},
		UpdatedAt: updated,
	}

	data, err := json.Marshal(NewLifecycleEvent(task))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "t1", got["task_id"])
	assert.Equal(t, "completed", got["status"])
	assert.Equal(t, "outputs/t1/doc_mono.pdf", got["result"].(map[string]any)["mono_path"])
	assert.NotContains(t, got, "error")

	ev := NewLifecycleEvent(task)
	task.Result.MonoPath = "changed"
	assert.Equal(t, "outputs/t1/doc_mono.pdf", ev.Result.MonoPath, "the event holds its own copy of the result")
}
