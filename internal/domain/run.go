package domain

import "time"

// RunStatus represents the lifecycle state of a remediation run
type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunStarting   RunStatus = "starting"
	RunVerifying  RunStatus = "verifying"
	RunPlanning   RunStatus = "planning"
	RunCoding     RunStatus = "coding"
	RunReviewing  RunStatus = "reviewing"
	RunDone       RunStatus = "done"
	RunFailed     RunStatus = "failed"
	RunFalseAlarm RunStatus = "false_alarm"
)

// Terminal reports whether the status is a final state
func (s RunStatus) Terminal() bool {
	switch s {
	case RunDone, RunFailed, RunFalseAlarm:
		return true
	}
	return false
}

// Active reports whether the status counts against the concurrency ceiling
func (s RunStatus) Active() bool {
	switch s {
	case RunStarting, RunVerifying, RunPlanning, RunCoding, RunReviewing:
		return true
	}
	return false
}

var phaseOrder = map[RunStatus]int{
	RunQueued:    0,
	RunStarting:  1,
	RunVerifying: 2,
	RunPlanning:  3,
	RunCoding:    4,
	RunReviewing: 5,
}

// CanTransition reports whether moving from s to the given status is a
// legal step: phases only advance, any non-terminal state may end in a
// terminal one, and terminal states never change.
func (s RunStatus) CanTransition(to RunStatus) bool {
	if s.Terminal() {
		return false
	}
	if to.Terminal() {
		return true
	}
	from, ok := phaseOrder[s]
	next, ok2 := phaseOrder[to]
	return ok && ok2 && next > from
}

// RunRequest describes a remediation task for a detected issue.
// It is immutable once submitted.
type RunRequest struct {
	IssueID     string            `json:"issue_id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Severity    string            `json:"severity"`
	Context     map[string]string `json:"context,omitempty"`
}

// OutputEntry is one line of persisted run output
type OutputEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Phase     RunStatus `json:"phase"`
	Text      string    `json:"text"`
	Category  string    `json:"category"` // "output" or "tool"
}

// RunRecord is the durable state of a single remediation run.
// The orchestrator owns all mutation; records are never deleted.
type RunRecord struct {
	ID              string        `json:"id"`
	IssueID         string        `json:"issue_id"`
	Title           string        `json:"title"`
	Status          RunStatus     `json:"status"`
	WorkspacePath   string        `json:"workspace_path,omitempty"`
	Branch          string        `json:"branch,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	Output          []OutputEntry `json:"output,omitempty"`
	FilesModified   []string      `json:"files_modified,omitempty"`
	Error           string        `json:"error,omitempty"`
	PRNumber        int           `json:"pr_number,omitempty"`
	PRURL           string        `json:"pr_url,omitempty"`
	DismissalReason string        `json:"dismissal_reason,omitempty"`
	CostUSD         float64       `json:"cost_usd,omitempty"`
}

// RunUpdate is a partial update to a RunRecord. Nil fields are left
// untouched, so callers can push a single field (e.g. status) without
// rewriting the whole record.
type RunUpdate struct {
	Status          *RunStatus
	WorkspacePath   *string
	Branch          *string
	CompletedAt     *time.Time
	FilesModified   []string
	Error           *string
	PRNumber        *int
	PRURL           *string
	DismissalReason *string
	CostUSD         *float64
}
