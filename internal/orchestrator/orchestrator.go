// Package orchestrator coordinates remediation runs: it enforces the
// concurrency ceiling, queues overflow, drives each run's state machine,
// batches output for storage and coalesces deltas for broadcast, and
// releases resources on every exit path.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ammonwk/truffles/internal/agent"
	"github.com/ammonwk/truffles/internal/domain"
	"github.com/ammonwk/truffles/internal/notify"
	"github.com/ammonwk/truffles/internal/workspace"
)

// ErrShuttingDown is returned by Start once Shutdown has begun
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// Store is the durable record repository consumed by the orchestrator
type Store interface {
	CreateRun(rec *domain.RunRecord) (string, error)
	UpdateRun(id string, upd domain.RunUpdate) error
	AppendOutput(id string, entries []domain.OutputEntry) error
	GetRun(id string) (*domain.RunRecord, error)
	GetRuns(ids []string) ([]*domain.RunRecord, error)
}

// Provisioner creates and destroys isolated run workspaces
type Provisioner interface {
	Create(issueID string) (workspace.Workspace, error)
	Destroy(path string)
	DestroyAll()
}

// Sink receives live events. Delivery is fire-and-forget and lossy;
// it must never block run execution.
type Sink interface {
	Emit(ev domain.Event)
}

// Options tunes the orchestrator. Zero values fall back to defaults.
type Options struct {
	MaxConcurrent   int
	RunTimeout      time.Duration
	OutputBatchSize int           // entries buffered before a forced persist
	DeltaInterval   time.Duration // broadcast coalescing interval for text deltas
	PersistInterval time.Duration // periodic flush of buffered output
	Notifier        notify.Notifier
}

// StartStatus reports how a submitted request was handled
type StartStatus string

const (
	StartStarted StartStatus = "started"
	StartQueued  StartStatus = "queued"
)

// StartResult is the synchronous response to Start
type StartResult struct {
	RecordID      string      `json:"record_id"`
	Status        StartStatus `json:"status"`
	QueuePosition int         `json:"queue_position,omitempty"` // 1-based, only when queued
}

// QueuedRun describes one entry waiting for a free slot
type QueuedRun struct {
	RecordID string `json:"record_id"`
	IssueID  string `json:"issue_id"`
	Title    string `json:"title"`
	Position int    `json:"position"`
}

// StatusReport is a read-only projection of the orchestrator's state
type StatusReport struct {
	MaxConcurrent int                 `json:"max_concurrent"`
	ActiveCount   int                 `json:"active_count"`
	Active        []*domain.RunRecord `json:"active"`
	Queued        []QueuedRun         `json:"queued"`
}

type queueEntry struct {
	recordID string
	req      domain.RunRequest
}

// activeRun is the in-memory state of one executing run
type activeRun struct {
	recordID      string
	issueID       string
	cancel        context.CancelFunc
	timer         *time.Timer
	workspacePath string

	mu        sync.Mutex
	phase     domain.RunStatus
	pending   []domain.OutputEntry
	delta     strings.Builder
	finalized bool

	// flushMu serializes persistence of taken batches so the stored
	// log keeps event order
	flushMu sync.Mutex
}

func (ar *activeRun) currentPhase() domain.RunStatus {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return ar.phase
}

// setPhase advances the run's phase. It refuses terminal runs and
// backwards moves, so an event still buffered when the run finalizes
// cannot resurrect it.
func (ar *activeRun) setPhase(p domain.RunStatus) bool {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	if ar.finalized || !ar.phase.CanTransition(p) {
		return false
	}
	ar.phase = p
	return true
}

// appendPending buffers an output entry. buffered is false once the run
// has finalized; full reports whether the buffer reached the batch size.
func (ar *activeRun) appendPending(e domain.OutputEntry, batchSize int) (buffered, full bool) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	if ar.finalized {
		return false, false
	}
	ar.pending = append(ar.pending, e)
	return true, len(ar.pending) >= batchSize
}

func (ar *activeRun) takePending() []domain.OutputEntry {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	entries := ar.pending
	ar.pending = nil
	return entries
}

func (ar *activeRun) appendDelta(text string) {
	ar.mu.Lock()
	if !ar.finalized {
		ar.delta.WriteString(text)
	}
	ar.mu.Unlock()
}

func (ar *activeRun) takeDelta() string {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	text := ar.delta.String()
	ar.delta.Reset()
	return text
}

// Orchestrator owns the active set and queue. All mutations to both are
// serialized through its mutex so the concurrency ceiling always holds.
type Orchestrator struct {
	store      Store
	workspaces Provisioner
	runner     agent.Runner
	sink       Sink
	notifier   notify.Notifier

	mu            sync.Mutex
	maxConcurrent int
	timeout       time.Duration
	inFlight      int // active runs plus runs still provisioning
	active        map[string]*activeRun
	queue         []queueEntry
	shuttingDown  bool

	batchSize       int
	deltaInterval   time.Duration
	persistInterval time.Duration
	stopFlush       chan struct{}
	flushWG         sync.WaitGroup
}

// New creates an orchestrator and starts its flush loop
func New(store Store, workspaces Provisioner, runner agent.Runner, sink Sink, opts Options) *Orchestrator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 30 * time.Minute
	}
	if opts.OutputBatchSize <= 0 {
		opts.OutputBatchSize = 25
	}
	if opts.DeltaInterval <= 0 {
		opts.DeltaInterval = 50 * time.Millisecond
	}
	if opts.PersistInterval <= 0 {
		opts.PersistInterval = 2 * time.Second
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NoopNotifier{}
	}

	o := &Orchestrator{
		store:           store,
		workspaces:      workspaces,
		runner:          runner,
		sink:            sink,
		notifier:        opts.Notifier,
		maxConcurrent:   opts.MaxConcurrent,
		timeout:         opts.RunTimeout,
		active:          make(map[string]*activeRun),
		batchSize:       opts.OutputBatchSize,
		deltaInterval:   opts.DeltaInterval,
		persistInterval: opts.PersistInterval,
		stopFlush:       make(chan struct{}),
	}

	o.flushWG.Add(1)
	go o.flushLoop()

	return o
}

// Start submits a run request. It creates the durable record, then
// launches immediately if a slot is free or appends to the FIFO queue.
// It never blocks on run completion.
func (o *Orchestrator) Start(req domain.RunRequest) (StartResult, error) {
	o.mu.Lock()
	rejected := o.shuttingDown
	o.mu.Unlock()
	if rejected {
		return StartResult{}, ErrShuttingDown
	}

	rec := &domain.RunRecord{
		IssueID:   req.IssueID,
		Title:     req.Title,
		Status:    domain.RunQueued,
		StartedAt: time.Now(),
	}
	id, err := o.store.CreateRun(rec)
	if err != nil {
		return StartResult{}, fmt.Errorf("creating run record: %w", err)
	}

	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		// Shutdown began between the check above and here; the record
		// just created would otherwise sit queued forever
		msg := "server shutdown"
		failed := domain.RunFailed
		now := time.Now()
		o.persistUpdate(id, domain.RunUpdate{Status: &failed, Error: &msg, CompletedAt: &now})
		return StartResult{}, ErrShuttingDown
	}
	if o.inFlight < o.maxConcurrent {
		o.inFlight++
		o.mu.Unlock()
		go o.launch(id, req)
		return StartResult{RecordID: id, Status: StartStarted}, nil
	}
	o.queue = append(o.queue, queueEntry{recordID: id, req: req})
	pos := len(o.queue)
	o.mu.Unlock()

	return StartResult{RecordID: id, Status: StartQueued, QueuePosition: pos}, nil
}

// launch runs one request through its whole lifecycle. The caller has
// already reserved a slot (inFlight).
func (o *Orchestrator) launch(recordID string, req domain.RunRequest) {
	starting := domain.RunStarting
	o.persistUpdate(recordID, domain.RunUpdate{Status: &starting})

	ws, err := o.workspaces.Create(req.IssueID)
	if err != nil {
		o.failBeforeActive(recordID, req.IssueID, fmt.Sprintf("provisioning workspace: %v", err))
		return
	}

	o.persistUpdate(recordID, domain.RunUpdate{WorkspacePath: &ws.Path, Branch: &ws.Branch})

	ctx, cancel := context.WithCancel(context.Background())
	ar := &activeRun{
		recordID:      recordID,
		issueID:       req.IssueID,
		cancel:        cancel,
		workspacePath: ws.Path,
		phase:         domain.RunStarting,
	}

	o.mu.Lock()
	if o.shuttingDown {
		o.inFlight--
		o.mu.Unlock()
		cancel()
		o.workspaces.Destroy(ws.Path)
		msg := "server shutdown"
		failed := domain.RunFailed
		now := time.Now()
		o.persistUpdate(recordID, domain.RunUpdate{Status: &failed, Error: &msg, CompletedAt: &now})
		return
	}
	timeout := o.timeout
	ar.timer = time.AfterFunc(timeout, func() { o.expire(recordID, timeout) })
	o.active[recordID] = ar
	o.mu.Unlock()

	o.sink.Emit(domain.Event{Type: domain.EventStarted, RunID: recordID, IssueID: req.IssueID, Phase: domain.RunStarting})

	o.execute(ctx, ar, ws, req)
}

// failBeforeActive terminates a run that never reached the active set.
// The reserved slot is released and the queue drained.
func (o *Orchestrator) failBeforeActive(recordID, issueID, msg string) {
	failed := domain.RunFailed
	now := time.Now()
	o.persistUpdate(recordID, domain.RunUpdate{Status: &failed, Error: &msg, CompletedAt: &now})
	o.sink.Emit(domain.Event{Type: domain.EventComplete, RunID: recordID, Status: domain.RunFailed, Error: msg})
	o.sendNotification(recordID, issueID, domain.RunFailed, msg, "")

	o.mu.Lock()
	o.inFlight--
	o.mu.Unlock()
	o.drainQueue()
}

// execute invokes the agent runner and consumes its event stream
func (o *Orchestrator) execute(ctx context.Context, ar *activeRun, ws workspace.Workspace, req domain.RunRequest) {
	task := agent.Task{
		IssueID:     req.IssueID,
		Title:       req.Title,
		Description: req.Description,
		Severity:    req.Severity,
		Context:     req.Context,
	}

	events := make(chan domain.AgentEvent, 64)

	var (
		result *domain.AgentResult
		runErr error
		done   = make(chan struct{})
	)
	go func() {
		defer close(done)
		result, runErr = o.runner.Execute(ctx, ws, task, events)
	}()

	for ev := range events {
		o.handleEvent(ar, ev)
	}
	<-done

	switch {
	case runErr != nil && errors.Is(runErr, context.Canceled):
		// Stop, timeout or shutdown usually finalized the run already
		// with its own reason; this only lands if the runner aborted
		// on an external cancellation of its own.
		o.finalize(ar, domain.RunFailed, terminalFields{errMsg: "stopped by operator"})
	case runErr != nil:
		o.finalize(ar, domain.RunFailed, terminalFields{errMsg: runErr.Error()})
	case result != nil && result.FalseAlarm:
		o.finalize(ar, domain.RunFalseAlarm, terminalFields{result: result})
	case result != nil && !result.Success:
		o.finalize(ar, domain.RunFailed, terminalFields{result: result, errMsg: result.ErrorMessage})
	default:
		o.finalize(ar, domain.RunDone, terminalFields{result: result})
	}
}

// handleEvent processes one agent event for a run. Events that arrive
// after the run finalized (they can sit buffered in the channel while
// Stop or a timeout wins the race) are dropped: a terminal record must
// never be touched again.
func (o *Orchestrator) handleEvent(ar *activeRun, ev domain.AgentEvent) {
	switch ev.Kind {
	case domain.AgentOutput, domain.AgentTool:
		entry := domain.OutputEntry{
			Timestamp: time.Now(),
			Phase:     ar.currentPhase(),
			Text:      ev.Text,
			Category:  string(ev.Kind),
		}
		buffered, full := ar.appendPending(entry, o.batchSize)
		if !buffered {
			return
		}
		if full {
			o.flushOutput(ar)
		}
		o.sink.Emit(domain.Event{Type: domain.EventOutput, RunID: ar.recordID, Phase: entry.Phase, Entry: &entry})

	case domain.AgentTextDelta:
		// Coalesced by the flush loop; never persisted directly
		ar.appendDelta(ev.Text)

	case domain.AgentPhase:
		// Agents cannot report terminal states, and setPhase refuses
		// backwards moves and finalized runs
		if !ev.Phase.Active() || !ar.setPhase(ev.Phase) {
			return
		}
		// Stored history stays consistent at phase boundaries
		o.flushOutput(ar)
		phase := ev.Phase
		o.persistIfActive(ar, domain.RunUpdate{Status: &phase})
		o.sink.Emit(domain.Event{Type: domain.EventPhaseChange, RunID: ar.recordID, Phase: phase, Status: phase})

	case domain.AgentFilesModified:
		o.persistIfActive(ar, domain.RunUpdate{FilesModified: ev.Files})
	}
}

// persistIfActive persists an update unless the run has finalized.
// Holding ar.mu across the write orders it strictly before the terminal
// update: finalize takes ar.mu to set finalized before it persists.
func (o *Orchestrator) persistIfActive(ar *activeRun, upd domain.RunUpdate) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	if ar.finalized {
		return
	}
	o.persistUpdate(ar.recordID, upd)
}

type terminalFields struct {
	errMsg  string
	result  *domain.AgentResult
	stopped bool // emit a "stopped" event instead of "complete"
}

// finalize is the single exit path for an active run. It is idempotent:
// only the first caller wins; later callers get false. Regardless of how
// the run ended it flushes buffers, clears the timer, cancels the
// context, releases the workspace, persists terminal state, broadcasts,
// and drains the queue.
func (o *Orchestrator) finalize(ar *activeRun, status domain.RunStatus, f terminalFields) bool {
	o.mu.Lock()
	if ar.finalized {
		o.mu.Unlock()
		return false
	}
	// Taking ar.mu blocks until any in-flight event persist finishes,
	// so the terminal update below always lands last
	ar.mu.Lock()
	ar.finalized = true
	ar.mu.Unlock()
	delete(o.active, ar.recordID)
	o.inFlight--
	o.mu.Unlock()

	ar.timer.Stop()
	ar.cancel()

	o.flushOutput(ar)
	if text := ar.takeDelta(); text != "" {
		o.sink.Emit(domain.Event{Type: domain.EventTextDelta, RunID: ar.recordID, Phase: ar.currentPhase(), Text: text})
	}

	now := time.Now()
	upd := domain.RunUpdate{Status: &status, CompletedAt: &now}
	if f.errMsg != "" {
		upd.Error = &f.errMsg
	}
	var prURL string
	if r := f.result; r != nil {
		if r.PRNumber != 0 {
			upd.PRNumber = &r.PRNumber
		}
		if r.PRURL != "" {
			upd.PRURL = &r.PRURL
			prURL = r.PRURL
		}
		if r.FalseAlarmReason != "" {
			upd.DismissalReason = &r.FalseAlarmReason
		}
		if r.CostUSD != 0 {
			upd.CostUSD = &r.CostUSD
		}
		if len(r.FilesModified) > 0 {
			upd.FilesModified = r.FilesModified
		}
	}
	o.persistUpdate(ar.recordID, upd)

	o.workspaces.Destroy(ar.workspacePath)

	evType := domain.EventComplete
	if f.stopped {
		evType = domain.EventStopped
	}
	o.sink.Emit(domain.Event{Type: evType, RunID: ar.recordID, IssueID: ar.issueID, Status: status, Error: f.errMsg})
	o.sendNotification(ar.recordID, ar.issueID, status, f.errMsg, prURL)

	o.drainQueue()
	return true
}

// Stop cancels a currently active run. Queued runs are not affected;
// stopping one returns false.
func (o *Orchestrator) Stop(recordID string) bool {
	o.mu.Lock()
	ar, ok := o.active[recordID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	return o.finalize(ar, domain.RunFailed, terminalFields{errMsg: "manually stopped", stopped: true})
}

// expire handles a run timeout; it shares the cancellation path with
// Stop, differing only in the recorded reason.
func (o *Orchestrator) expire(recordID string, d time.Duration) {
	o.mu.Lock()
	ar, ok := o.active[recordID]
	o.mu.Unlock()
	if !ok {
		return
	}
	o.finalize(ar, domain.RunFailed, terminalFields{errMsg: fmt.Sprintf("timed out after %d minutes", int(d.Minutes()))})
}

// SetMaxConcurrent updates the ceiling and immediately launches queued
// entries up to the new value.
func (o *Orchestrator) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	o.mu.Lock()
	o.maxConcurrent = n
	o.mu.Unlock()
	o.drainQueue()
}

// SetTimeoutMinutes updates the timeout used for future runs; timers
// already armed keep their original duration.
func (o *Orchestrator) SetTimeoutMinutes(n int) {
	if n < 1 {
		return
	}
	o.mu.Lock()
	o.timeout = time.Duration(n) * time.Minute
	o.mu.Unlock()
}

// drainQueue launches queued entries while capacity allows
func (o *Orchestrator) drainQueue() {
	o.mu.Lock()
	var launches []queueEntry
	for !o.shuttingDown && o.inFlight < o.maxConcurrent && len(o.queue) > 0 {
		e := o.queue[0]
		o.queue = o.queue[1:]
		o.inFlight++
		launches = append(launches, e)
	}
	o.mu.Unlock()

	for _, e := range launches {
		go o.launch(e.recordID, e.req)
	}
}

// Status returns a projection of active runs joined with their persisted
// records, plus the queue contents.
func (o *Orchestrator) Status() (*StatusReport, error) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	queued := make([]QueuedRun, len(o.queue))
	for i, e := range o.queue {
		queued[i] = QueuedRun{
			RecordID: e.recordID,
			IssueID:  e.req.IssueID,
			Title:    e.req.Title,
			Position: i + 1,
		}
	}
	report := &StatusReport{
		MaxConcurrent: o.maxConcurrent,
		ActiveCount:   len(o.active),
		Queued:        queued,
	}
	o.mu.Unlock()

	recs, err := o.store.GetRuns(ids)
	if err != nil {
		return nil, err
	}
	report.Active = recs
	return report, nil
}

// Session returns the persisted record for a single run, including its
// output log.
func (o *Orchestrator) Session(recordID string) (*domain.RunRecord, error) {
	return o.store.GetRun(recordID)
}

// Shutdown stops the flush loop, finalizes every active run with reason
// "server shutdown", drops the queue, and removes all workspaces.
// Calling it again is a no-op.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return
	}
	o.shuttingDown = true
	// Queued entries never launched; they are dropped and their records
	// keep the queued status they already have
	o.queue = nil
	actives := make([]*activeRun, 0, len(o.active))
	for _, ar := range o.active {
		actives = append(actives, ar)
	}
	o.mu.Unlock()

	close(o.stopFlush)
	o.flushWG.Wait()

	for _, ar := range actives {
		o.finalize(ar, domain.RunFailed, terminalFields{errMsg: "server shutdown", stopped: true})
	}

	o.workspaces.DestroyAll()
}

// flushLoop coalesces text deltas for broadcast and periodically
// persists buffered output.
func (o *Orchestrator) flushLoop() {
	defer o.flushWG.Done()

	deltaTick := time.NewTicker(o.deltaInterval)
	persistTick := time.NewTicker(o.persistInterval)
	defer deltaTick.Stop()
	defer persistTick.Stop()

	for {
		select {
		case <-o.stopFlush:
			return
		case <-deltaTick.C:
			for _, ar := range o.snapshotActive() {
				if text := ar.takeDelta(); text != "" {
					o.sink.Emit(domain.Event{Type: domain.EventTextDelta, RunID: ar.recordID, Phase: ar.currentPhase(), Text: text})
				}
			}
		case <-persistTick.C:
			for _, ar := range o.snapshotActive() {
				o.flushOutput(ar)
			}
		}
	}
}

func (o *Orchestrator) snapshotActive() []*activeRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	runs := make([]*activeRun, 0, len(o.active))
	for _, ar := range o.active {
		runs = append(runs, ar)
	}
	return runs
}

// flushOutput persists a run's buffered output. Persistence failures
// are logged and swallowed; they never affect the run's outcome.
func (o *Orchestrator) flushOutput(ar *activeRun) {
	ar.flushMu.Lock()
	defer ar.flushMu.Unlock()

	entries := ar.takePending()
	if len(entries) == 0 {
		return
	}
	if err := o.store.AppendOutput(ar.recordID, entries); err != nil {
		log.Printf("orchestrator: persisting output for run %s: %v", ar.recordID, err)
	}
}

func (o *Orchestrator) persistUpdate(id string, upd domain.RunUpdate) {
	if err := o.store.UpdateRun(id, upd); err != nil {
		log.Printf("orchestrator: updating run %s: %v", id, err)
	}
}

func (o *Orchestrator) sendNotification(recordID, issueID string, status domain.RunStatus, errMsg, prURL string) {
	n := notify.ForRunOutcome(recordID, issueID, status, errMsg, prURL)
	if err := o.notifier.Send(n); err != nil {
		log.Printf("orchestrator: sending notification for run %s: %v", recordID, err)
	}
}
