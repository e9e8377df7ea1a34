// File: internal/orchestrate/store.go
// Brief: Durable sqlite run store (runs, per-stack status, event log).

package orchestrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const runStoreRelPath = ".depctl/state.sqlite"

type RunTotals struct {
	Planned   int `json:"planned"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type StackSummary struct {
	Status string `json:"status"`
	NoOp   bool   `json:"noOp,omitempty"`
	Error  string `json:"error,omitempty"`
}

type RunSummary struct {
	APIVersion string                  `json:"apiVersion"`
	RunID      string                  `json:"runId"`
	Status     string                  `json:"status"`
	Profile    string                  `json:"profile,omitempty"`
	StartedAt  string                  `json:"startedAt"`
	UpdatedAt  string                  `json:"updatedAt"`
	Totals     RunTotals               `json:"totals"`
	Stacks     map[string]StackSummary `json:"stacks"`
	Order      []string                `json:"order,omitempty"`
}

type RunIndexEntry struct {
	RunID      string    `json:"runId"`
	Status     string    `json:"status"`
	StartedAt  string    `json:"startedAt,omitempty"`
	UpdatedAt  string    `json:"updatedAt,omitempty"`
	Totals     RunTotals `json:"totals"`
	HasSummary bool      `json:"hasSummary"`
}

// Store persists runs under <root>/.depctl/state.sqlite. A single writer
// is assumed; readers may open the store read-only while a run is live.
type Store struct {
	db       *sql.DB
	path     string
	readOnly bool
}

func OpenStore(root string, readOnly bool) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(absRoot, runStoreRelPath)
	if readOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	dsn := path
	if readOnly {
		u := url.URL{Scheme: "file", Path: path}
		q := u.Query()
		q.Set("mode", "ro")
		q.Set("_busy_timeout", "5000")
		u.RawQuery = q.Encode()
		dsn = u.String()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &Store{db: db, path: path, readOnly: readOnly}
	if !readOnly {
		if err := s.initSchema(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Path() string { return s.path }

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA foreign_keys=ON;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS depctl_runs (
  run_id TEXT PRIMARY KEY,
  root TEXT NOT NULL,
  profile TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at_ns INTEGER NOT NULL,
  updated_at_ns INTEGER NOT NULL,
  summary_json TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS depctl_stacks (
  run_id TEXT NOT NULL,
  stack TEXT NOT NULL,
  status TEXT NOT NULL,
  error TEXT NOT NULL,
  PRIMARY KEY (run_id, stack),
  FOREIGN KEY (run_id) REFERENCES depctl_runs(run_id) ON DELETE CASCADE
);`,
		`
CREATE TABLE IF NOT EXISTS depctl_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  ts_ns INTEGER NOT NULL,
  stack TEXT NOT NULL,
  type TEXT NOT NULL,
  message TEXT NOT NULL,
  error_class TEXT NOT NULL,
  error_message TEXT NOT NULL,
  FOREIGN KEY (run_id) REFERENCES depctl_runs(run_id) ON DELETE CASCADE
);`,
		`CREATE INDEX IF NOT EXISTS idx_depctl_events_run_id_id ON depctl_events(run_id, id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, runID, root, profile string, order []string) error {
	now := time.Now().UTC()
	summary := RunSummary{
		APIVersion: "depctl.dev/run/v1",
		RunID:      runID,
		Status:     "running",
		Profile:    profile,
		StartedAt:  now.Format(time.RFC3339Nano),
		UpdatedAt:  now.Format(time.RFC3339Nano),
		Totals:     RunTotals{Planned: len(order)},
		Stacks:     map[string]StackSummary{},
		Order:      order,
	}
	for _, name := range order {
		summary.Stacks[name] = StackSummary{Status: "planned"}
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO depctl_runs (run_id, root, profile, status, created_at_ns, updated_at_ns, summary_json)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, runID, root, profile, "running", now.UnixNano(), now.UnixNano(), string(summaryJSON))
	if err != nil {
		return err
	}
	for _, name := range order {
		_, err := tx.ExecContext(ctx, `
INSERT INTO depctl_stacks (run_id, stack, status, error) VALUES (?, ?, ?, ?)
`, runID, name, "planned", "")
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) AppendEvent(ctx context.Context, runID string, ev RunEvent) error {
	ts, err := time.Parse(time.RFC3339Nano, ev.TS)
	if err != nil {
		ts = time.Now().UTC()
	}
	errClass := ""
	errMsg := ""
	if ev.Error != nil {
		errClass = strings.TrimSpace(ev.Error.Class)
		errMsg = strings.TrimSpace(ev.Error.Message)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO depctl_events (run_id, ts_ns, stack, type, message, error_class, error_message)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, runID, ts.UnixNano(), strings.TrimSpace(ev.Stack), ev.Type, strings.TrimSpace(ev.Message), errClass, errMsg)
	if err != nil {
		return err
	}

	updatedAt := time.Now().UTC().UnixNano()
	_, _ = s.db.ExecContext(ctx, `UPDATE depctl_runs SET updated_at_ns = ? WHERE run_id = ?`, updatedAt, runID)

	if status := stackStatusForEvent(RunEventType(ev.Type)); status != "" && ev.Stack != "" {
		stackErr := ""
		if status == "failed" {
			stackErr = errMsg
		}
		_, _ = s.db.ExecContext(ctx, `
UPDATE depctl_stacks SET status = ?, error = ? WHERE run_id = ? AND stack = ?
`, status, stackErr, runID, ev.Stack)
	}

	if ev.Type == string(RunCompleted) {
		status := strings.TrimSpace(ev.Message)
		if status == "" {
			status = "completed"
		}
		_, _ = s.db.ExecContext(ctx, `UPDATE depctl_runs SET status = ?, updated_at_ns = ? WHERE run_id = ?`, status, updatedAt, runID)
	}
	return nil
}

func stackStatusForEvent(typ RunEventType) string {
	switch typ {
	case StackRunning:
		return "running"
	case StackSucceeded, StackNoOp:
		return "succeeded"
	case StackFailed, BuildFailed:
		return "failed"
	case StackSkipped:
		return "skipped"
	default:
		return ""
	}
}

func (s *Store) WriteSummary(ctx context.Context, runID string, summary *RunSummary) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	updatedAt := time.Now().UTC().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `UPDATE depctl_runs SET summary_json = ?, status = ?, updated_at_ns = ? WHERE run_id = ?`,
		string(raw), summary.Status, updatedAt, runID)
	if err != nil {
		return err
	}
	for name, ss := range summary.Stacks {
		_, err := tx.ExecContext(ctx, `
UPDATE depctl_stacks SET status = ?, error = ? WHERE run_id = ? AND stack = ?
`, ss.Status, strings.TrimSpace(ss.Error), runID, name)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetRunSummary(ctx context.Context, runID string) (*RunSummary, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT summary_json FROM depctl_runs WHERE run_id = ?`, runID).Scan(&raw)
	if err != nil {
		return nil, err
	}
	var out RunSummary
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) MostRecentRunID(ctx context.Context) (string, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, `SELECT run_id FROM depctl_runs ORDER BY created_at_ns DESC LIMIT 1`).Scan(&runID)
	return runID, err
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunIndexEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, summary_json
FROM depctl_runs
ORDER BY created_at_ns DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunIndexEntry
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var summary RunSummary
		if err := json.Unmarshal([]byte(raw), &summary); err != nil {
			out = append(out, RunIndexEntry{RunID: id, HasSummary: false})
			continue
		}
		out = append(out, RunIndexEntry{
			RunID:      id,
			Status:     summary.Status,
			StartedAt:  summary.StartedAt,
			UpdatedAt:  summary.UpdatedAt,
			Totals:     summary.Totals,
			HasSummary: true,
		})
	}
	return out, rows.Err()
}

// ListEvents returns the durable event log for a run in append order.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]RunEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT ts_ns, stack, type, message, error_class, error_message
FROM depctl_events
WHERE run_id = ?
ORDER BY id
`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunEvent
	for rows.Next() {
		var tsNS int64
		var stackName, typ, msg, errClass, errMsg string
		if err := rows.Scan(&tsNS, &stackName, &typ, &msg, &errClass, &errMsg); err != nil {
			return nil, err
		}
		ev := RunEvent{
			TS:      time.Unix(0, tsNS).UTC().Format(time.RFC3339Nano),
			RunID:   runID,
			Stack:   stackName,
			Type:    typ,
			Message: msg,
		}
		if errClass != "" || errMsg != "" {
			ev.Error = &RunError{Class: errClass, Message: errMsg}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
