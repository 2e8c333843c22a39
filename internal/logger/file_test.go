package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnplanow/substrate-sub008/internal/bus"
)

func TestFileLoggerAppendsJSONLines(t *testing.T) {
	b := bus.New()
	dir := t.TempDir()

	fl, err := NewFile(b, dir, "sess-1")
	require.NoError(t, err)
	defer fl.Close()

	b.Emit(bus.Event{Kind: bus.KindTaskReady, SessionID: "sess-1", Payload: bus.TaskReadyPayload{TaskID: "t1"}})
	b.Emit(bus.Event{Kind: bus.KindTaskComplete, SessionID: "sess-1", Payload: bus.TaskCompletePayload{TaskID: "t1", CostUSD: 1.5}})
	require.NoError(t, fl.Close())

	data, err := os.ReadFile(filepath.Join(dir, "sess-1.log"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"task:ready"`)
	assert.Contains(t, lines[1], `"task:complete"`)
}

func TestFileLoggerPath(t *testing.T) {
	b := bus.New()
	dir := t.TempDir()

	fl, err := NewFile(b, dir, "sess-2")
	require.NoError(t, err)
	defer fl.Close()

	assert.Equal(t, filepath.Join(dir, "sess-2.log"), fl.Path())
}
