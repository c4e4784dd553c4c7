package domain

// EventType discriminates broadcast events fanned out to live subscribers
type EventType string

const (
	EventStarted     EventType = "started"
	EventOutput      EventType = "output"
	EventTextDelta   EventType = "text_delta"
	EventPhaseChange EventType = "phase_change"
	EventComplete    EventType = "complete"
	EventStopped     EventType = "stopped"
)

// Event is a broadcast message about a run. Delivery is fire-and-forget;
// subscribers that fall behind miss events rather than slowing the run.
type Event struct {
	Type    EventType    `json:"type"`
	RunID   string       `json:"run_id"`
	IssueID string       `json:"issue_id,omitempty"`
	Phase   RunStatus    `json:"phase,omitempty"`
	Status  RunStatus    `json:"status,omitempty"`
	Text    string       `json:"text,omitempty"`
	Entry   *OutputEntry `json:"entry,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// AgentEventKind discriminates events streamed by an agent runner
type AgentEventKind string

const (
	AgentOutput        AgentEventKind = "output"
	AgentTool          AgentEventKind = "tool"
	AgentTextDelta     AgentEventKind = "text_delta"
	AgentPhase         AgentEventKind = "phase"
	AgentFilesModified AgentEventKind = "files_modified"
)

// AgentEvent is one structured event from a running agent. Events from a
// single run arrive in order; no ordering holds across runs.
type AgentEvent struct {
	Kind  AgentEventKind
	Text  string
	Phase RunStatus
	Files []string
}

// AgentResult is the terminal outcome of an agent invocation.
// FalseAlarm is a first-class outcome: the agent found no applicable
// work and declined to act.
type AgentResult struct {
	Success          bool
	FalseAlarm       bool
	FalseAlarmReason string
	PRNumber         int
	PRURL            string
	CostUSD          float64
	FilesModified    []string
	ErrorMessage     string
}
