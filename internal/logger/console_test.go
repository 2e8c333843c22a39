package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnplanow/substrate-sub008/internal/bus"
)

func TestConsoleRendersTaskEvents(t *testing.T) {
	b := bus.New()
	var out bytes.Buffer
	NewConsole(b, &out)

	b.Emit(bus.Event{Kind: bus.KindTaskReady, SessionID: "s1", Payload: bus.TaskReadyPayload{TaskID: "t1"}})
	b.Emit(bus.Event{Kind: bus.KindTaskComplete, SessionID: "s1", Payload: bus.TaskCompletePayload{TaskID: "t1", CostUSD: 0.5}})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "task t1 ready")
	assert.Contains(t, lines[1], "task t1 completed")
}

func TestConsoleFormatFallsBackForUnknownKind(t *testing.T) {
	b := bus.New()
	var out bytes.Buffer
	c := NewConsole(b, &out)

	var line string
	assert.NotPanics(t, func() {
		line, _ = c.format(bus.Event{Kind: bus.Kind("some:future:event"), SessionID: "s1"})
	})
	assert.Contains(t, line, "some:future:event")
}

func TestNewColorSchemeDisablesForNonTerminal(t *testing.T) {
	var out bytes.Buffer
	scheme := newColorScheme(&out)
	assert.Equal(t, "ok", scheme.ok.Sprint("ok"))
}
