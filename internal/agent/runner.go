// Package agent invokes the external coding agent for a run and adapts
// its stream-JSON output into typed events.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/ammonwk/truffles/internal/domain"
	"github.com/ammonwk/truffles/internal/prompts"
	"github.com/ammonwk/truffles/internal/workspace"
)

// Task describes the remediation work handed to the agent
type Task struct {
	IssueID     string
	Title       string
	Description string
	Severity    string
	Context     map[string]string
}

// Runner executes a remediation task inside a workspace, streaming
// structured events on the channel and returning a terminal result.
// Implementations must close the events channel when the stream ends,
// and must honor ctx cancellation promptly.
type Runner interface {
	Execute(ctx context.Context, ws workspace.Workspace, task Task, events chan<- domain.AgentEvent) (*domain.AgentResult, error)
}

// ErrorCode classifies agent failures. Infrastructure-class codes
// trigger the one-time isolation fallback; task-logic failures do not.
type ErrorCode string

const (
	CodeSpawnFailed        ErrorCode = "spawn_failed"
	CodeSandboxUnavailable ErrorCode = "sandbox_unavailable"
	CodeSandboxDenied      ErrorCode = "sandbox_denied"
)

// InfraError is an infrastructure-class failure of the agent process,
// as opposed to the agent failing at the task itself.
type InfraError struct {
	Code ErrorCode
	Err  error
}

func (e *InfraError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent infrastructure failure (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("agent infrastructure failure (%s)", e.Code)
}

func (e *InfraError) Unwrap() error { return e.Err }

func infraCode(code string) (ErrorCode, bool) {
	switch ErrorCode(code) {
	case CodeSpawnFailed, CodeSandboxUnavailable, CodeSandboxDenied:
		return ErrorCode(code), true
	}
	return "", false
}

// CLIRunner runs the agent as an external process. The process prints
// one JSON object per line on stdout; see streamLine for the shape.
type CLIRunner struct {
	Binary    string   // agent executable
	ExtraArgs []string // appended to every invocation
	Prompts   *prompts.Loader
}

// NewCLIRunner creates a runner for the given agent binary
func NewCLIRunner(binary string, extraArgs []string) *CLIRunner {
	return &CLIRunner{
		Binary:    binary,
		ExtraArgs: extraArgs,
		Prompts:   prompts.DefaultLoader(),
	}
}

// streamLine is one line of the agent's stdout protocol
type streamLine struct {
	Type  string   `json:"type"`
	Text  string   `json:"text,omitempty"`
	Name  string   `json:"name,omitempty"`
	Phase string   `json:"phase,omitempty"`
	Paths []string `json:"paths,omitempty"`

	// result fields
	Success    bool     `json:"success,omitempty"`
	FalseAlarm bool     `json:"false_alarm,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	PRNumber   int      `json:"pr_number,omitempty"`
	PRURL      string   `json:"pr_url,omitempty"`
	CostUSD    float64  `json:"cost_usd,omitempty"`
	Files      []string `json:"files,omitempty"`
	Error      string   `json:"error,omitempty"`
	ErrorCode  string   `json:"error_code,omitempty"`
}

// Execute runs the agent, first sandboxed. If the sandboxed attempt
// fails with an infrastructure-class error the run is retried exactly
// once without isolation before the failure is surfaced.
func (r *CLIRunner) Execute(ctx context.Context, ws workspace.Workspace, task Task, events chan<- domain.AgentEvent) (*domain.AgentResult, error) {
	defer close(events)

	prompt, err := r.Prompts.BuildFixTaskPrompt(prompts.FixTaskData{
		Title:       task.Title,
		Description: task.Description,
		Severity:    task.Severity,
		Branch:      ws.Branch,
		Context:     task.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("building prompt: %w", err)
	}

	result, err := r.run(ctx, ws, task, prompt, true, events)

	var infra *InfraError
	if errors.As(err, &infra) && ctx.Err() == nil {
		events <- domain.AgentEvent{
			Kind: domain.AgentOutput,
			Text: fmt.Sprintf("sandboxed execution unavailable (%s), retrying without isolation", infra.Code),
		}
		result, err = r.run(ctx, ws, task, prompt, false, events)
	}

	return result, err
}

func (r *CLIRunner) run(ctx context.Context, ws workspace.Workspace, task Task, prompt string, sandboxed bool, events chan<- domain.AgentEvent) (*domain.AgentResult, error) {
	args := []string{"--output-format", "stream-json"}
	if sandboxed {
		args = append(args, "--sandbox")
	}
	args = append(args, r.ExtraArgs...)
	args = append(args, "-p", prompt)

	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Dir = ws.Path
	cmd.Env = append(os.Environ(),
		"TRUFFLES_ISSUE_ID="+task.IssueID,
		"TRUFFLES_BRANCH="+ws.Branch,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, &InfraError{Code: CodeSpawnFailed, Err: err}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// stderr is unstructured; surface it as plain output
		scanner := newLineScanner(stderr)
		for scanner.Scan() {
			events <- domain.AgentEvent{Kind: domain.AgentOutput, Text: scanner.Text()}
		}
	}()

	var result *domain.AgentResult
	var resultCode string

	scanner := newLineScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var msg streamLine
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			// Not part of the protocol; keep it as raw output
			events <- domain.AgentEvent{Kind: domain.AgentOutput, Text: line}
			continue
		}

		switch msg.Type {
		case "output":
			events <- domain.AgentEvent{Kind: domain.AgentOutput, Text: msg.Text}
		case "tool":
			text := msg.Text
			if msg.Name != "" {
				text = msg.Name + ": " + text
			}
			events <- domain.AgentEvent{Kind: domain.AgentTool, Text: text}
		case "text_delta":
			events <- domain.AgentEvent{Kind: domain.AgentTextDelta, Text: msg.Text}
		case "phase":
			events <- domain.AgentEvent{Kind: domain.AgentPhase, Phase: domain.RunStatus(msg.Phase)}
		case "files_modified":
			events <- domain.AgentEvent{Kind: domain.AgentFilesModified, Files: msg.Paths}
		case "result":
			result = &domain.AgentResult{
				Success:          msg.Success,
				FalseAlarm:       msg.FalseAlarm,
				FalseAlarmReason: msg.Reason,
				PRNumber:         msg.PRNumber,
				PRURL:            msg.PRURL,
				CostUSD:          msg.CostUSD,
				FilesModified:    msg.Files,
				ErrorMessage:     msg.Error,
			}
			resultCode = msg.ErrorCode
		}
	}

	wg.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if result == nil {
		if waitErr != nil {
			return nil, fmt.Errorf("agent process: %w", waitErr)
		}
		return nil, fmt.Errorf("agent exited without a result")
	}

	if code, ok := infraCode(resultCode); ok && sandboxed {
		return nil, &InfraError{Code: code, Err: errors.New(result.ErrorMessage)}
	}

	return result, nil
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	// Room for long JSON lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	return scanner
}
