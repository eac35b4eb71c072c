package simulator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteQueue_StateCoalescesToLastSubmitted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trade_state.json")

	q := NewWriteQueue(&mockLogger{})
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(&WriteTask{Type: TaskStateSave, Path: path, Payload: map[string]int{"n": i}}))
	}
	require.NoError(t, q.Drain(5*time.Second))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]int
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, 9, got["n"])
}

func TestWriteQueue_HistoryNeverDropped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "position_history.jsonl")

	q := NewWriteQueue(&mockLogger{})
	const n = 25
	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(&WriteTask{Type: TaskHistoryAppend, Path: path, Payload: map[string]int{"n": i}}))
	}
	require.NoError(t, q.Drain(5*time.Second))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := splitLines(data)
	require.Len(t, lines, n)
	for i, line := range lines {
		var got map[string]int
		require.NoError(t, json.Unmarshal(line, &got))
		assert.Equal(t, i, got["n"])
	}
}

func TestWriteQueue_EnqueueRejectedAfterDrain(t *testing.T) {
	q := NewWriteQueue(&mockLogger{})
	require.NoError(t, q.Drain(5*time.Second))
	err := q.Enqueue(&WriteTask{Type: TaskStateSave, Path: "x", Payload: 1})
	assert.Error(t, err)
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				out = append(out, data[start:i])
			}
			start = i + 1
		}
	}
	return out
}
