package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ammonwk/truffles/internal/agent"
	"github.com/ammonwk/truffles/internal/domain"
	"github.com/ammonwk/truffles/internal/workspace"
)

// memStore is an in-memory Store for tests
type memStore struct {
	mu      sync.Mutex
	nextID  int
	records map[string]*domain.RunRecord
	output  map[string][]domain.OutputEntry
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]*domain.RunRecord),
		output:  make(map[string][]domain.OutputEntry),
	}
}

func (s *memStore) CreateRun(rec *domain.RunRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("run-%d", s.nextID)
	cp := *rec
	cp.ID = id
	s.records[id] = &cp
	return id, nil
}

func (s *memStore) UpdateRun(id string, upd domain.RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	if upd.Status != nil {
		rec.Status = *upd.Status
	}
	if upd.WorkspacePath != nil {
		rec.WorkspacePath = *upd.WorkspacePath
	}
	if upd.Branch != nil {
		rec.Branch = *upd.Branch
	}
	if upd.Error != nil {
		rec.Error = *upd.Error
	}
	if upd.CompletedAt != nil {
		rec.CompletedAt = upd.CompletedAt
	}
	if upd.PRNumber != nil {
		rec.PRNumber = *upd.PRNumber
	}
	if upd.PRURL != nil {
		rec.PRURL = *upd.PRURL
	}
	if upd.DismissalReason != nil {
		rec.DismissalReason = *upd.DismissalReason
	}
	if upd.CostUSD != nil {
		rec.CostUSD = *upd.CostUSD
	}
	if upd.FilesModified != nil {
		rec.FilesModified = upd.FilesModified
	}
	return nil
}

func (s *memStore) AppendOutput(id string, entries []domain.OutputEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output[id] = append(s.output[id], entries...)
	return nil
}

func (s *memStore) GetRun(id string) (*domain.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	cp.Output = append([]domain.OutputEntry(nil), s.output[id]...)
	return &cp, nil
}

func (s *memStore) GetRuns(ids []string) ([]*domain.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.RunRecord
	for _, id := range ids {
		if rec, ok := s.records[id]; ok {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) record(t *testing.T, id string) domain.RunRecord {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		t.Fatalf("no record %s", id)
	}
	return *rec
}

func (s *memStore) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *memStore) outputFor(id string) []domain.OutputEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OutputEntry(nil), s.output[id]...)
}

// fakeProvisioner hands out fake workspaces and records destroys
type fakeProvisioner struct {
	mu           sync.Mutex
	created      int
	destroyed    []string
	destroyedAll bool
	failWith     error
}

func (p *fakeProvisioner) Create(issueID string) (workspace.Workspace, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return workspace.Workspace{}, p.failWith
	}
	p.created++
	return workspace.Workspace{
		Path:   fmt.Sprintf("/tmp/ws-%s-%d", issueID, p.created),
		Branch: "fix/" + issueID,
	}, nil
}

func (p *fakeProvisioner) Destroy(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = append(p.destroyed, path)
}

func (p *fakeProvisioner) DestroyAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyedAll = true
}

func (p *fakeProvisioner) destroyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.destroyed)
}

// recordingSink collects broadcast events
type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Emit(ev domain.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

// deltaText concatenates all text-delta events for a run; flush timing
// decides how many events carry the text, not what it adds up to
func (s *recordingSink) deltaText(runID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for _, ev := range s.events {
		if ev.Type == domain.EventTextDelta && ev.RunID == runID {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

func (s *recordingSink) find(typ domain.EventType, runID string) (domain.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Type == typ && ev.RunID == runID {
			return ev, true
		}
	}
	return domain.Event{}, false
}

// scriptFunc drives a fakeRunner invocation. It must not close events;
// the runner does that.
type scriptFunc func(ctx context.Context, events chan<- domain.AgentEvent) (*domain.AgentResult, error)

// fakeRunner executes a script per invocation and tracks the peak
// number of concurrent executions
type fakeRunner struct {
	script scriptFunc

	mu      sync.Mutex
	running int
	peak    int
}

func (r *fakeRunner) Execute(ctx context.Context, ws workspace.Workspace, task agent.Task, events chan<- domain.AgentEvent) (*domain.AgentResult, error) {
	defer close(events)

	r.mu.Lock()
	r.running++
	if r.running > r.peak {
		r.peak = r.running
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running--
		r.mu.Unlock()
	}()

	return r.script(ctx, events)
}

func (r *fakeRunner) peakConcurrency() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

// blockUntilCanceled is a script that waits for ctx or a release signal
func blockUntilCanceled(release <-chan struct{}) scriptFunc {
	return func(ctx context.Context, events chan<- domain.AgentEvent) (*domain.AgentResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return &domain.AgentResult{Success: true}, nil
		}
	}
}

func succeedImmediately(ctx context.Context, events chan<- domain.AgentEvent) (*domain.AgentResult, error) {
	return &domain.AgentResult{Success: true}, nil
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestOrchestrator(t *testing.T, runner agent.Runner, opts Options) (*Orchestrator, *memStore, *fakeProvisioner, *recordingSink) {
	t.Helper()
	store := newMemStore()
	prov := &fakeProvisioner{}
	sink := &recordingSink{}
	o := New(store, prov, runner, sink, opts)
	t.Cleanup(o.Shutdown)
	return o, store, prov, sink
}

func TestStart_RunsToCompletion(t *testing.T) {
	runner := &fakeRunner{script: func(ctx context.Context, events chan<- domain.AgentEvent) (*domain.AgentResult, error) {
		events <- domain.AgentEvent{Kind: domain.AgentPhase, Phase: domain.RunPlanning}
		events <- domain.AgentEvent{Kind: domain.AgentOutput, Text: "reading the report"}
		events <- domain.AgentEvent{Kind: domain.AgentTool, Text: "grep: auth.go"}
		events <- domain.AgentEvent{Kind: domain.AgentFilesModified, Files: []string{"auth.go"}}
		return &domain.AgentResult{Success: true, PRNumber: 7, PRURL: "https://example.com/pr/7", CostUSD: 0.42}, nil
	}}
	o, store, prov, sink := newTestOrchestrator(t, runner, Options{MaxConcurrent: 2, PersistInterval: 10 * time.Millisecond})

	res, err := o.Start(domain.RunRequest{IssueID: "sec-1", Title: "SQL injection in login"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StartStarted {
		t.Fatalf("Status = %q, want started", res.Status)
	}

	waitUntil(t, "run completion", func() bool {
		return store.record(t, res.RecordID).Status == domain.RunDone
	})

	rec := store.record(t, res.RecordID)
	if rec.PRNumber != 7 || rec.PRURL != "https://example.com/pr/7" {
		t.Errorf("PR fields not persisted: %+v", rec)
	}
	if rec.CostUSD != 0.42 {
		t.Errorf("CostUSD = %v", rec.CostUSD)
	}
	if rec.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if rec.WorkspacePath == "" || rec.Branch == "" {
		t.Errorf("workspace fields not persisted: %+v", rec)
	}
	if len(rec.FilesModified) != 1 || rec.FilesModified[0] != "auth.go" {
		t.Errorf("FilesModified = %v", rec.FilesModified)
	}

	waitUntil(t, "output persistence", func() bool {
		return len(store.outputFor(res.RecordID)) == 2
	})
	entries := store.outputFor(res.RecordID)
	if entries[0].Text != "reading the report" || entries[0].Category != "output" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Category != "tool" {
		t.Errorf("entry 1 = %+v", entries[1])
	}

	if prov.destroyCount() != 1 {
		t.Errorf("workspace destroys = %d, want 1", prov.destroyCount())
	}

	if _, ok := sink.find(domain.EventStarted, res.RecordID); !ok {
		t.Error("no started event")
	}
	if ev, ok := sink.find(domain.EventComplete, res.RecordID); !ok || ev.Status != domain.RunDone {
		t.Errorf("complete event = %+v, found=%v", ev, ok)
	}
	if ev, ok := sink.find(domain.EventPhaseChange, res.RecordID); !ok || ev.Phase != domain.RunPlanning {
		t.Errorf("phase event = %+v, found=%v", ev, ok)
	}
}

func TestStart_QueuesBeyondLimit(t *testing.T) {
	release := make(chan struct{})
	runner := &fakeRunner{script: blockUntilCanceled(release)}
	o, store, _, _ := newTestOrchestrator(t, runner, Options{MaxConcurrent: 2})

	var results []StartResult
	for i := 0; i < 4; i++ {
		res, err := o.Start(domain.RunRequest{IssueID: fmt.Sprintf("sec-%d", i), Title: "t"})
		if err != nil {
			t.Fatal(err)
		}
		results = append(results, res)
	}

	waitUntil(t, "two active runs", func() bool {
		st, err := o.Status()
		return err == nil && st.ActiveCount == 2
	})

	if results[0].Status != StartStarted || results[1].Status != StartStarted {
		t.Errorf("first two should start: %+v", results[:2])
	}
	if results[2].Status != StartQueued || results[2].QueuePosition != 1 {
		t.Errorf("third = %+v, want queued at 1", results[2])
	}
	if results[3].Status != StartQueued || results[3].QueuePosition != 2 {
		t.Errorf("fourth = %+v, want queued at 2", results[3])
	}

	st, err := o.Status()
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Queued) != 2 || st.Queued[0].RecordID != results[2].RecordID {
		t.Errorf("queue = %+v", st.Queued)
	}

	// Finishing the active runs admits the queued ones in order
	close(release)
	for _, res := range results {
		id := res.RecordID
		waitUntil(t, "completion of "+id, func() bool {
			return store.record(t, id).Status == domain.RunDone
		})
	}

	if runner.peakConcurrency() > 2 {
		t.Errorf("peak concurrency = %d, exceeds limit 2", runner.peakConcurrency())
	}
}

func TestStop_ActiveRun(t *testing.T) {
	runner := &fakeRunner{script: blockUntilCanceled(nil)}
	o, store, prov, sink := newTestOrchestrator(t, runner, Options{MaxConcurrent: 1})

	res, err := o.Start(domain.RunRequest{IssueID: "sec-1", Title: "t"})
	if err != nil {
		t.Fatal(err)
	}
	queued, err := o.Start(domain.RunRequest{IssueID: "sec-2", Title: "t"})
	if err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "run active", func() bool {
		st, err := o.Status()
		return err == nil && st.ActiveCount == 1
	})

	if !o.Stop(res.RecordID) {
		t.Fatal("Stop returned false for active run")
	}

	rec := store.record(t, res.RecordID)
	if rec.Status != domain.RunFailed || rec.Error != "manually stopped" {
		t.Errorf("record = %+v", rec)
	}
	if prov.destroyCount() != 1 {
		t.Errorf("destroys = %d", prov.destroyCount())
	}
	if ev, ok := sink.find(domain.EventStopped, res.RecordID); !ok || ev.Status != domain.RunFailed {
		t.Errorf("stopped event = %+v, found=%v", ev, ok)
	}

	// The freed slot admits the queued run
	waitUntil(t, "queued run promoted", func() bool {
		st, err := o.Status()
		return err == nil && st.ActiveCount == 1 && len(st.Queued) == 0
	})
	_ = queued
}

func TestStop_QueuedRunReturnsFalse(t *testing.T) {
	runner := &fakeRunner{script: blockUntilCanceled(nil)}
	o, _, _, _ := newTestOrchestrator(t, runner, Options{MaxConcurrent: 1})

	if _, err := o.Start(domain.RunRequest{IssueID: "sec-1", Title: "t"}); err != nil {
		t.Fatal(err)
	}
	queued, err := o.Start(domain.RunRequest{IssueID: "sec-2", Title: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if queued.Status != StartQueued {
		t.Fatalf("second run = %+v, want queued", queued)
	}

	if o.Stop(queued.RecordID) {
		t.Error("Stop on a queued run should return false")
	}
	if o.Stop("no-such-run") {
		t.Error("Stop on an unknown run should return false")
	}
}

func TestStop_Twice(t *testing.T) {
	runner := &fakeRunner{script: blockUntilCanceled(nil)}
	o, _, _, _ := newTestOrchestrator(t, runner, Options{MaxConcurrent: 1})

	res, err := o.Start(domain.RunRequest{IssueID: "sec-1", Title: "t"})
	if err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "run active", func() bool {
		st, err := o.Status()
		return err == nil && st.ActiveCount == 1
	})

	if !o.Stop(res.RecordID) {
		t.Fatal("first Stop should succeed")
	}
	if o.Stop(res.RecordID) {
		t.Error("second Stop should return false")
	}
}

func TestTimeout(t *testing.T) {
	runner := &fakeRunner{script: blockUntilCanceled(nil)}
	o, store, prov, _ := newTestOrchestrator(t, runner, Options{MaxConcurrent: 1, RunTimeout: 30 * time.Millisecond})

	res, err := o.Start(domain.RunRequest{IssueID: "sec-1", Title: "t"})
	if err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "timeout", func() bool {
		return store.record(t, res.RecordID).Status == domain.RunFailed
	})

	rec := store.record(t, res.RecordID)
	if !strings.Contains(rec.Error, "timed out after") {
		t.Errorf("Error = %q", rec.Error)
	}
	waitUntil(t, "workspace cleanup", func() bool {
		return prov.destroyCount() == 1
	})
}

func TestProvisioningFailureFreesSlot(t *testing.T) {
	release := make(chan struct{})
	runner := &fakeRunner{script: blockUntilCanceled(release)}
	store := newMemStore()
	prov := &fakeProvisioner{failWith: errors.New("disk full")}
	sink := &recordingSink{}
	o := New(store, prov, runner, sink, Options{MaxConcurrent: 1})
	t.Cleanup(o.Shutdown)

	res, err := o.Start(domain.RunRequest{IssueID: "sec-1", Title: "t"})
	if err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "provisioning failure recorded", func() bool {
		return store.record(t, res.RecordID).Status == domain.RunFailed
	})
	rec := store.record(t, res.RecordID)
	if !strings.Contains(rec.Error, "provisioning workspace") || !strings.Contains(rec.Error, "disk full") {
		t.Errorf("Error = %q", rec.Error)
	}
	if ev, ok := sink.find(domain.EventComplete, res.RecordID); !ok || ev.Status != domain.RunFailed {
		t.Errorf("complete event = %+v, found=%v", ev, ok)
	}

	// The failed run consumed no lasting slot
	prov.mu.Lock()
	prov.failWith = nil
	prov.mu.Unlock()
	second, err := o.Start(domain.RunRequest{IssueID: "sec-2", Title: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != StartStarted {
		t.Errorf("second run = %+v, want started", second)
	}
	close(release)
	waitUntil(t, "second run completion", func() bool {
		return store.record(t, second.RecordID).Status == domain.RunDone
	})
}

func TestFalseAlarm(t *testing.T) {
	runner := &fakeRunner{script: func(ctx context.Context, events chan<- domain.AgentEvent) (*domain.AgentResult, error) {
		return &domain.AgentResult{FalseAlarm: true, FalseAlarmReason: "input is already sanitized upstream"}, nil
	}}
	o, store, _, _ := newTestOrchestrator(t, runner, Options{})

	res, err := o.Start(domain.RunRequest{IssueID: "sec-1", Title: "t"})
	if err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "false alarm recorded", func() bool {
		return store.record(t, res.RecordID).Status == domain.RunFalseAlarm
	})
	rec := store.record(t, res.RecordID)
	if rec.DismissalReason != "input is already sanitized upstream" {
		t.Errorf("DismissalReason = %q", rec.DismissalReason)
	}
	if rec.Error != "" {
		t.Errorf("a false alarm is not an error, got %q", rec.Error)
	}
}

func TestRunnerTaskFailure(t *testing.T) {
	runner := &fakeRunner{script: func(ctx context.Context, events chan<- domain.AgentEvent) (*domain.AgentResult, error) {
		return &domain.AgentResult{Success: false, ErrorMessage: "tests failed after fix"}, nil
	}}
	o, store, _, _ := newTestOrchestrator(t, runner, Options{})

	res, err := o.Start(domain.RunRequest{IssueID: "sec-1", Title: "t"})
	if err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "failure recorded", func() bool {
		return store.record(t, res.RecordID).Status == domain.RunFailed
	})
	if rec := store.record(t, res.RecordID); rec.Error != "tests failed after fix" {
		t.Errorf("Error = %q", rec.Error)
	}
}

func TestSetMaxConcurrent_DrainsQueue(t *testing.T) {
	release := make(chan struct{})
	runner := &fakeRunner{script: blockUntilCanceled(release)}
	o, _, _, _ := newTestOrchestrator(t, runner, Options{MaxConcurrent: 1})

	if _, err := o.Start(domain.RunRequest{IssueID: "sec-1", Title: "t"}); err != nil {
		t.Fatal(err)
	}
	queued, err := o.Start(domain.RunRequest{IssueID: "sec-2", Title: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if queued.Status != StartQueued {
		t.Fatalf("second run = %+v, want queued", queued)
	}

	o.SetMaxConcurrent(2)

	waitUntil(t, "queued run launched", func() bool {
		st, err := o.Status()
		return err == nil && st.ActiveCount == 2 && len(st.Queued) == 0
	})
	close(release)
}

func TestTextDeltaCoalescing(t *testing.T) {
	proceed := make(chan struct{})
	runner := &fakeRunner{script: func(ctx context.Context, events chan<- domain.AgentEvent) (*domain.AgentResult, error) {
		events <- domain.AgentEvent{Kind: domain.AgentTextDelta, Text: "Check"}
		events <- domain.AgentEvent{Kind: domain.AgentTextDelta, Text: "ing "}
		events <- domain.AgentEvent{Kind: domain.AgentTextDelta, Text: "auth.go"}
		<-proceed
		return &domain.AgentResult{Success: true}, nil
	}}
	o, store, _, sink := newTestOrchestrator(t, runner, Options{DeltaInterval: 10 * time.Millisecond})

	res, err := o.Start(domain.RunRequest{IssueID: "sec-1", Title: "t"})
	if err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "coalesced delta", func() bool {
		return sink.deltaText(res.RecordID) == "Checking auth.go"
	})
	close(proceed)

	waitUntil(t, "completion", func() bool {
		return store.record(t, res.RecordID).Status == domain.RunDone
	})
	// Deltas are broadcast-only, never persisted
	if entries := store.outputFor(res.RecordID); len(entries) != 0 {
		t.Errorf("deltas leaked into stored output: %+v", entries)
	}
}

func TestOutputBatchFlushOnSize(t *testing.T) {
	proceed := make(chan struct{})
	runner := &fakeRunner{script: func(ctx context.Context, events chan<- domain.AgentEvent) (*domain.AgentResult, error) {
		for i := 0; i < 3; i++ {
			events <- domain.AgentEvent{Kind: domain.AgentOutput, Text: fmt.Sprintf("line %d", i)}
		}
		<-proceed
		return &domain.AgentResult{Success: true}, nil
	}}
	// Long persist interval so only the size trigger can flush
	o, store, _, _ := newTestOrchestrator(t, runner, Options{OutputBatchSize: 3, PersistInterval: time.Hour})

	res, err := o.Start(domain.RunRequest{IssueID: "sec-1", Title: "t"})
	if err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "size-triggered flush", func() bool {
		return len(store.outputFor(res.RecordID)) == 3
	})
	close(proceed)
}

func TestPhaseChangeFlushesOutput(t *testing.T) {
	proceed := make(chan struct{})
	runner := &fakeRunner{script: func(ctx context.Context, events chan<- domain.AgentEvent) (*domain.AgentResult, error) {
		events <- domain.AgentEvent{Kind: domain.AgentOutput, Text: "scanning"}
		events <- domain.AgentEvent{Kind: domain.AgentPhase, Phase: domain.RunCoding}
		<-proceed
		return &domain.AgentResult{Success: true}, nil
	}}
	o, store, _, _ := newTestOrchestrator(t, runner, Options{PersistInterval: time.Hour})

	res, err := o.Start(domain.RunRequest{IssueID: "sec-1", Title: "t"})
	if err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "flush at phase boundary", func() bool {
		rec := store.record(t, res.RecordID)
		return rec.Status == domain.RunCoding && len(store.outputFor(res.RecordID)) == 1
	})
	close(proceed)
}

func TestShutdown(t *testing.T) {
	runner := &fakeRunner{script: blockUntilCanceled(nil)}
	store := newMemStore()
	prov := &fakeProvisioner{}
	sink := &recordingSink{}
	o := New(store, prov, runner, sink, Options{MaxConcurrent: 1})

	active, err := o.Start(domain.RunRequest{IssueID: "sec-1", Title: "t"})
	if err != nil {
		t.Fatal(err)
	}
	queued, err := o.Start(domain.RunRequest{IssueID: "sec-2", Title: "t"})
	if err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "run active", func() bool {
		st, err := o.Status()
		return err == nil && st.ActiveCount == 1
	})

	o.Shutdown()
	o.Shutdown() // second call is a no-op

	rec := store.record(t, active.RecordID)
	if rec.Status != domain.RunFailed || rec.Error != "server shutdown" {
		t.Errorf("active record = %+v", rec)
	}
	// The queued run never launched; it is dropped, not failed, and its
	// record keeps the queued status it already had
	if rec := store.record(t, queued.RecordID); rec.Status != domain.RunQueued {
		t.Errorf("queued record = %+v, want status queued", rec)
	}
	if !prov.destroyedAll {
		t.Error("DestroyAll not called")
	}

	if _, err := o.Start(domain.RunRequest{IssueID: "sec-3", Title: "t"}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Start after shutdown = %v, want ErrShuttingDown", err)
	}
	// A rejected Start must not leave an orphaned record behind
	if n := store.recordCount(); n != 2 {
		t.Errorf("record count = %d, want 2", n)
	}
}

func TestStop_LateBufferedEventsAreDropped(t *testing.T) {
	sent := make(chan struct{})
	runner := &fakeRunner{script: func(ctx context.Context, events chan<- domain.AgentEvent) (*domain.AgentResult, error) {
		<-ctx.Done()
		// The events channel is buffered, so these land even though the
		// run has already been finalized
		events <- domain.AgentEvent{Kind: domain.AgentPhase, Phase: domain.RunCoding}
		events <- domain.AgentEvent{Kind: domain.AgentFilesModified, Files: []string{"late.go"}}
		events <- domain.AgentEvent{Kind: domain.AgentOutput, Text: "straggler"}
		close(sent)
		return nil, ctx.Err()
	}}
	o, store, _, sink := newTestOrchestrator(t, runner, Options{MaxConcurrent: 1})

	res, err := o.Start(domain.RunRequest{IssueID: "sec-1", Title: "t"})
	if err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "run active", func() bool {
		st, err := o.Status()
		return err == nil && st.ActiveCount == 1
	})

	if !o.Stop(res.RecordID) {
		t.Fatal("Stop returned false for active run")
	}
	<-sent
	// Give the event loop time to drain the stragglers
	time.Sleep(100 * time.Millisecond)

	rec := store.record(t, res.RecordID)
	if rec.Status != domain.RunFailed || rec.Error != "manually stopped" {
		t.Errorf("terminal state overwritten by late events: %+v", rec)
	}
	if len(rec.FilesModified) != 0 {
		t.Errorf("FilesModified persisted after run ended: %v", rec.FilesModified)
	}
	if entries := store.outputFor(res.RecordID); len(entries) != 0 {
		t.Errorf("output persisted after run ended: %+v", entries)
	}
	if _, ok := sink.find(domain.EventPhaseChange, res.RecordID); ok {
		t.Error("phase change broadcast after run ended")
	}
}

func TestSession(t *testing.T) {
	runner := &fakeRunner{script: succeedImmediately}
	o, store, _, _ := newTestOrchestrator(t, runner, Options{})

	res, err := o.Start(domain.RunRequest{IssueID: "sec-1", Title: "t"})
	if err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "completion", func() bool {
		return store.record(t, res.RecordID).Status == domain.RunDone
	})

	rec, err := o.Session(res.RecordID)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.ID != res.RecordID {
		t.Fatalf("Session = %+v", rec)
	}
	if missing, err := o.Session("nope"); err != nil || missing != nil {
		t.Errorf("Session(unknown) = %v, %v", missing, err)
	}
}
