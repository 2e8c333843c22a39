package report

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnplanow/substrate-sub008/internal/models"
	"github.com/johnplanow/substrate-sub008/internal/store"
)

func seedFixtureSession(t *testing.T, st *store.Store, sessionID string) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, st.Transaction(ctx, func(tx *sql.Tx) error {
		if err := store.CreateSession(ctx, tx, &models.Session{
			ID:             sessionID,
			Name:           "build-feature",
			GraphSource:    "graph.yaml",
			Status:         models.SessionCompleted,
			CumulativeCost: 1.25,
			PlanningCost:   0.25,
			BudgetUSD:      5.0,
			BaseBranch:     "main",
		}); err != nil {
			return err
		}
		if err := store.CreateTask(ctx, tx, &models.Task{
			ID:         "t1",
			SessionID:  sessionID,
			Name:       "write handler",
			Prompt:     "write the handler",
			Type:       "implementation",
			Status:     models.TaskCompleted,
			AgentPref:  "claude",
			RetryCount: 0,
			MaxRetries: 2,
			CostUSD:    1.0,
		}); err != nil {
			return err
		}
		if _, err := store.RecordCostEntry(ctx, tx, &models.CostEntry{
			SessionID:     sessionID,
			TaskID:        "t1",
			AgentID:       "claude",
			BillingMode:   models.BillingAPI,
			EstimatedCost: 1.0,
			InputTokens:   100,
			OutputTokens:  200,
		}); err != nil {
			return err
		}
		_, err := store.AppendLogEntry(ctx, tx, &models.LogEntry{
			Kind:      "task:complete",
			SessionID: sessionID,
			TaskID:    "t1",
			OldStatus: "running",
			NewStatus: "completed",
		})
		return err
	}))
}

func TestGenerateWritesHTMLReport(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer st.Close()

	sessionID := "sess-report-1"
	seedFixtureSession(t, st, sessionID)

	outDir := t.TempDir()
	path, err := Generate(ctx, st, sessionID, outDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, sessionID+".html"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	html := string(data)
	assert.True(t, strings.Contains(html, "<html>"))
	assert.True(t, strings.Contains(html, "Session report"))
	assert.True(t, strings.Contains(html, "build-feature"))
	assert.True(t, strings.Contains(html, "t1"))
}

func TestGenerateReturnsErrorForUnknownSession(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer st.Close()

	_, err = Generate(ctx, st, "does-not-exist", t.TempDir())
	assert.Error(t, err)
}
