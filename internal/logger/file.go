package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/johnplanow/substrate-sub008/internal/bus"
)

// File appends one structured JSON line per event to .substrate/logs/<session>.log,
// mirroring the teacher's per-run log file convention but keyed by session id
// rather than a wall-clock timestamp, since a session id is what a resumed
// run and the status/report commands key their lookups on.
type File struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

type fileRecord struct {
	Time    time.Time   `json:"time"`
	Kind    bus.Kind    `json:"kind"`
	Session string      `json:"session_id"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewFile creates (or appends to) the log file for a session under logDir
// and subscribes it to every event kind the bus carries. Events are written
// whatever session id they carry; they are not filtered by session.
func NewFile(b *bus.Bus, logDir, sessionID string) (*File, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	path := filepath.Join(logDir, sessionID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session log file: %w", err)
	}

	fl := &File{f: f, path: path}
	fl.subscribe(b)
	return fl, nil
}

// Path returns the file logger's destination file.
func (fl *File) Path() string { return fl.path }

// Close flushes and closes the underlying file. Safe to call once.
func (fl *File) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.f.Close()
}

func (fl *File) subscribe(b *bus.Bus) {
	for _, k := range []bus.Kind{
		bus.KindSessionStarted, bus.KindSessionPaused, bus.KindSessionResumed,
		bus.KindSessionCompleted, bus.KindSessionFailed, bus.KindSessionCancelled,
		bus.KindGraphLoaded, bus.KindGraphComplete,
		bus.KindTaskReady, bus.KindTaskRunning, bus.KindTaskProgress,
		bus.KindTaskComplete, bus.KindTaskFailed, bus.KindTaskRetrying, bus.KindTaskCancelled,
		bus.KindWorkerSpawned, bus.KindWorkerTerminated,
		bus.KindBudgetWarningTask, bus.KindBudgetExceededTask,
		bus.KindBudgetWarningSess, bus.KindSessionBudgetExceeded,
		bus.KindWorktreeCreated, bus.KindWorktreeMerged, bus.KindWorktreeConflict, bus.KindWorktreeRemoved,
		bus.KindRouterRateLimit,
		bus.KindOrchestratorReady, bus.KindOrchestratorShutdown,
	} {
		b.Subscribe(k, fl.write)
	}
}

func (fl *File) write(ev bus.Event) {
	rec := fileRecord{Time: time.Now(), Kind: ev.Kind, Session: ev.SessionID, Payload: ev.Payload}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	data = append(data, '\n')

	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.f.Write(data)
}
