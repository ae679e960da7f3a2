package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a run or transcript does not exist.
var ErrNotFound = errors.New("persistence: not found")

// UpsertRun inserts or updates a run record. The store's session ID is
// stamped onto runs that carry none.
func (s *Store) UpsertRun(run *Run) error {
	if run.ID == "" {
		return fmt.Errorf("run ID cannot be empty")
	}
	if run.SessionID == "" {
		run.SessionID = s.sessionID
	}

	warnings, err := marshalWarnings(run.Warnings)
	if err != nil {
		return fmt.Errorf("failed to encode warnings for run %s: %w", run.ID, err)
	}

	query := `
		INSERT INTO runs (
			id, session_id, task, model, status, output, error_kind,
			error_message, warnings, code_block, revisions,
			started_at, finished_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			output = excluded.output,
			error_kind = excluded.error_kind,
			error_message = excluded.error_message,
			warnings = excluded.warnings,
			code_block = excluded.code_block,
			revisions = excluded.revisions,
			finished_at = excluded.finished_at,
			duration_ms = excluded.duration_ms
	`

	_, err = s.db.Exec(query,
		run.ID, run.SessionID, run.Task, run.Model, run.Status,
		nullString(run.Output), nullString(run.ErrorKind), nullString(run.ErrorMessage),
		warnings, run.CodeBlock, run.Revisions,
		run.StartedAt, nullTime(run.FinishedAt), run.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun fetches one run by ID.
func (s *Store) GetRun(id string) (*Run, error) {
	query := `
		SELECT id, session_id, task, model, status, output, error_kind,
		       error_message, warnings, code_block, revisions,
		       started_at, finished_at, duration_ms
		FROM runs WHERE id = ?
	`
	run, err := scanRun(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return run, nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(limit int) ([]*Run, error) {
	query := `
		SELECT id, session_id, task, model, status, output, error_kind,
		       error_message, warnings, code_block, revisions,
		       started_at, finished_at, duration_ms
		FROM runs ORDER BY started_at DESC LIMIT ?
	`
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run iteration error: %w", err)
	}
	return runs, nil
}

// InsertStep appends one step transcript to a run's history. A missing ID is
// generated; the creation timestamp defaults to now.
func (s *Store) InsertStep(st *StepTranscript) error {
	if st.RunID == "" {
		return fmt.Errorf("step transcript requires a run ID")
	}
	if st.ID == "" {
		st.ID = uuid.New().String()
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO run_steps (id, run_id, sequence, step, output, verdict, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		st.ID, st.RunID, st.Sequence, st.Step, st.Output,
		nullString(st.Verdict), st.DurationMS, st.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert step %d of run %s: %w", st.Sequence, st.RunID, err)
	}
	return nil
}

// StepsForRun returns a run's step transcripts in execution order.
func (s *Store) StepsForRun(runID string) ([]*StepTranscript, error) {
	query := `
		SELECT id, run_id, sequence, step, output, verdict, duration_ms, created_at
		FROM run_steps WHERE run_id = ? ORDER BY sequence ASC
	`
	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var steps []*StepTranscript
	for rows.Next() {
		var (
			st      StepTranscript
			verdict sql.NullString
		)
		if err := rows.Scan(&st.ID, &st.RunID, &st.Sequence, &st.Step, &st.Output,
			&verdict, &st.DurationMS, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		st.Verdict = verdict.String
		steps = append(steps, &st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("step iteration error: %w", err)
	}
	return steps, nil
}

// scanner abstracts sql.Row and sql.Rows for shared scan logic.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run          Run
		output       sql.NullString
		errorKind    sql.NullString
		errorMessage sql.NullString
		warnings     sql.NullString
		finishedAt   sql.NullTime
	)
	err := row.Scan(&run.ID, &run.SessionID, &run.Task, &run.Model, &run.Status,
		&output, &errorKind, &errorMessage, &warnings,
		&run.CodeBlock, &run.Revisions,
		&run.StartedAt, &finishedAt, &run.DurationMS)
	if err != nil {
		return nil, err
	}

	run.Output = output.String
	run.ErrorKind = errorKind.String
	run.ErrorMessage = errorMessage.String
	run.FinishedAt = finishedAt.Time
	if warnings.Valid && warnings.String != "" {
		if err := json.Unmarshal([]byte(warnings.String), &run.Warnings); err != nil {
			return nil, fmt.Errorf("failed to decode warnings: %w", err)
		}
	}
	return &run, nil
}

func marshalWarnings(warnings []string) (any, error) {
	if len(warnings) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(warnings)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
