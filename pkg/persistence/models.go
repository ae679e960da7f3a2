package persistence

import "time"

// Run status values.
const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// Run is one stored workflow run: the task, the model that served it, and the
// terminal outcome. Exactly one of Output or ErrorMessage is populated on a
// finished run.
type Run struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Task         string    `json:"task"`
	Model        string    `json:"model"`
	Status       string    `json:"status"`
	Output       string    `json:"output,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Warnings     []string  `json:"warnings,omitempty"`
	CodeBlock    bool      `json:"code_block"`
	Revisions    int       `json:"revisions"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
}

// StepTranscript is one executed step of a run: its position in the sequence,
// the assistant output it produced, and how long it took. VERIFY steps also
// carry the parsed verdict.
type StepTranscript struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Sequence   int       `json:"sequence"`
	Step       string    `json:"step"`
	Output     string    `json:"output"`
	Verdict    string    `json:"verdict,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}
