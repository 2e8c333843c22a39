// Package report renders a finished session's execution log and cost
// ledger into a human-readable HTML summary, written once a session reaches
// a terminal status. It is new domain surface: spec.md's execution log
// (the orchestration core's audit trail) is data operators need to read
// after a run, and a rendered summary is the natural home for the
// goldmark Markdown renderer the teacher project already depends on.
package report

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/johnplanow/substrate-sub008/internal/filelock"
	"github.com/johnplanow/substrate-sub008/internal/store"
)

// Generate builds the Markdown report for a session from the durable store,
// renders it to HTML via goldmark, and writes it to
// {outDir}/{sessionID}.html. It returns the path written.
func Generate(ctx context.Context, st *store.Store, sessionID, outDir string) (string, error) {
	md, err := buildMarkdown(ctx, st, sessionID)
	if err != nil {
		return "", err
	}

	var html bytes.Buffer
	if err := goldmark.Convert([]byte(md), &html); err != nil {
		return "", fmt.Errorf("render report markdown: %w", err)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create report directory: %w", err)
	}
	// Atomic write: a status command reading the report mid-write sees the
	// previous version or the new one, never a truncated file.
	path := filepath.Join(outDir, sessionID+".html")
	if err := filelock.AtomicWrite(path, wrapHTML(html.String())); err != nil {
		return "", fmt.Errorf("write report file: %w", err)
	}
	return path, nil
}

func buildMarkdown(ctx context.Context, st *store.Store, sessionID string) (string, error) {
	session, err := store.GetSession(ctx, st.DB(), sessionID)
	if err != nil {
		return "", fmt.Errorf("load session for report: %w", err)
	}
	tasks, err := store.ListTasks(ctx, st.DB(), sessionID)
	if err != nil {
		return "", fmt.Errorf("list tasks for report: %w", err)
	}
	costs, err := store.ListCostEntries(ctx, st.DB(), sessionID)
	if err != nil {
		return "", fmt.Errorf("list cost entries for report: %w", err)
	}
	entries, err := store.ListLogEntries(ctx, st.DB(), sessionID)
	if err != nil {
		return "", fmt.Errorf("list log entries for report: %w", err)
	}

	var b strings.Builder

	fmt.Fprintf(&b, "# Session report: %s\n\n", session.Name)
	fmt.Fprintf(&b, "- **Session id**: `%s`\n", session.ID)
	fmt.Fprintf(&b, "- **Status**: %s\n", session.Status)
	fmt.Fprintf(&b, "- **Base branch**: %s\n", session.BaseBranch)
	fmt.Fprintf(&b, "- **Cumulative cost**: $%.4f (planning: $%.4f)\n", session.CumulativeCost, session.PlanningCost)
	if session.BudgetUSD > 0 {
		fmt.Fprintf(&b, "- **Budget cap**: $%.2f\n", session.BudgetUSD)
	}
	b.WriteString("\n## Tasks\n\n")
	b.WriteString("| Task | Status | Retries | Cost | Agent pref |\n")
	b.WriteString("|---|---|---|---|---|\n")

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	for _, t := range tasks {
		fmt.Fprintf(&b, "| %s | %s | %d/%d | $%.4f | %s |\n",
			t.ID, t.Status, t.RetryCount, t.MaxRetries, t.CostUSD, firstNonEmpty(t.AgentPref, "-"))
	}

	b.WriteString("\n## Cost entries\n\n")
	b.WriteString("| Task | Agent | Billing | Cost | Tokens in/out |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, c := range costs {
		fmt.Fprintf(&b, "| %s | %s | %s | $%.4f | %d/%d |\n",
			firstNonEmpty(c.TaskID, "(session)"), c.AgentID, c.BillingMode, c.EffectiveCost(), c.InputTokens, c.OutputTokens)
	}

	b.WriteString("\n## Execution log\n\n")
	b.WriteString("| Time | Kind | Task | Old → New |\n")
	b.WriteString("|---|---|---|---|\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "| %s | %s | %s | %s → %s |\n",
			e.CreatedAt.Format("15:04:05"), e.Kind, firstNonEmpty(e.TaskID, "-"), firstNonEmpty(e.OldStatus, "-"), firstNonEmpty(e.NewStatus, "-"))
	}

	return b.String(), nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func wrapHTML(body string) []byte {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>Substrate session report</title>")
	b.WriteString("<style>body{font-family:sans-serif;margin:2rem;}table{border-collapse:collapse;}td,th{border:1px solid #ccc;padding:4px 8px;}</style>")
	b.WriteString("</head><body>\n")
	b.WriteString(body)
	b.WriteString("\n</body></html>\n")
	return []byte(b.String())
}
