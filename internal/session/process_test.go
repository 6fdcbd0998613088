package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	agendo "github.com/agendo/core"
	"github.com/agendo/core/internal/adapter"
)

// --- fakes ---

type fakeStore struct {
	agendo.Store // embed to satisfy the interface; unused methods panic if called

	mu       sync.Mutex
	status   agendo.SessionStatus
	ref      string
	events   []agendo.Event
	seq      int64
	mode     agendo.PermissionMode
	usageSum float64
}

func (f *fakeStore) UpdateSessionStatus(ctx context.Context, id string, status agendo.SessionStatus, ref string, lastActiveAt int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	if ref != "" {
		f.ref = ref
	}
	return 1, nil
}

func (f *fakeStore) UpdateSessionPermissionMode(ctx context.Context, id string, mode agendo.PermissionMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = mode
	return nil
}

func (f *fakeStore) UpdateSessionModel(ctx context.Context, id string, model string) error { return nil }

func (f *fakeStore) AccumulateSessionUsage(ctx context.Context, id string, costUSD float64, turns int, durationMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usageSum += costUSD
	return nil
}

func (f *fakeStore) AppendEvent(ctx context.Context, e agendo.Event) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	e.Seq = f.seq
	f.events = append(f.events, e)
	return f.seq, nil
}

type fakeSink struct {
	mu       sync.Mutex
	published []agendo.Event
}

func (s *fakeSink) Publish(ctx context.Context, sessionID string, ev agendo.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, ev)
	return nil
}

func (s *fakeSink) snapshot() []agendo.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agendo.Event(nil), s.published...)
}

type fakeControlSource struct {
	ch chan agendo.ControlEnvelope
}

func newFakeControlSource() *fakeControlSource {
	return &fakeControlSource{ch: make(chan agendo.ControlEnvelope, 8)}
}

func (f *fakeControlSource) Subscribe(ctx context.Context, sessionID string) (<-chan agendo.ControlEnvelope, func(), error) {
	return f.ch, func() {}, nil
}

type fakeManagedProcess struct {
	mu       sync.Mutex
	dataCBs  []func(agendo.Event)
	exitCBs  []func(int, error)
	killed   bool
}

func (m *fakeManagedProcess) PID() int { return 1234 }
func (m *fakeManagedProcess) OnData(cb func(agendo.Event)) {
	m.mu.Lock()
	m.dataCBs = append(m.dataCBs, cb)
	m.mu.Unlock()
}
func (m *fakeManagedProcess) OnExit(cb func(int, error)) {
	m.mu.Lock()
	m.exitCBs = append(m.exitCBs, cb)
	m.mu.Unlock()
}
func (m *fakeManagedProcess) Kill(signal int) error {
	m.mu.Lock()
	m.killed = true
	m.mu.Unlock()
	return nil
}
func (m *fakeManagedProcess) emit(ev agendo.Event) {
	m.mu.Lock()
	cbs := append([]func(agendo.Event){}, m.dataCBs...)
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}
func (m *fakeManagedProcess) exit(code int, err error) {
	m.mu.Lock()
	cbs := append([]func(int, error){}, m.exitCBs...)
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(code, err)
	}
}

type fakeAdapter struct {
	mu         sync.Mutex
	proc       *fakeManagedProcess
	approval   adapter.ApprovalHandler
	sessionRefCB func(string)
	interrupted  int
	sentMessages []string
	permissionSet agendo.PermissionMode
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{proc: &fakeManagedProcess{}}
}

func (a *fakeAdapter) Spawn(ctx context.Context, prompt string, opts adapter.SpawnOptions) (adapter.ManagedProcess, error) {
	return a.proc, nil
}
func (a *fakeAdapter) Resume(ctx context.Context, sessionRef, prompt string, opts adapter.SpawnOptions) (adapter.ManagedProcess, error) {
	return a.proc, nil
}
func (a *fakeAdapter) SendMessage(ctx context.Context, text string, image []byte) error {
	a.mu.Lock()
	a.sentMessages = append(a.sentMessages, text)
	a.mu.Unlock()
	return nil
}
func (a *fakeAdapter) SendToolResult(ctx context.Context, toolUseID, content string) error { return nil }
func (a *fakeAdapter) Interrupt(ctx context.Context) error {
	a.mu.Lock()
	a.interrupted++
	a.mu.Unlock()
	return nil
}
func (a *fakeAdapter) SetModel(ctx context.Context, model string) error { return nil }
func (a *fakeAdapter) SetPermissionMode(ctx context.Context, mode agendo.PermissionMode) error {
	a.mu.Lock()
	a.permissionSet = mode
	a.mu.Unlock()
	return nil
}
func (a *fakeAdapter) IsAlive() bool { return true }
func (a *fakeAdapter) OnThinkingChange(cb func(bool)) {}
func (a *fakeAdapter) SetApprovalHandler(h adapter.ApprovalHandler) {
	a.mu.Lock()
	a.approval = h
	a.mu.Unlock()
}
func (a *fakeAdapter) OnSessionRef(cb func(string)) {
	a.mu.Lock()
	a.sessionRefCB = cb
	a.mu.Unlock()
}
func (a *fakeAdapter) ExtractSessionID() string { return "" }

var _ adapter.Adapter = (*fakeAdapter)(nil)

// --- tests ---

func newTestProcess(t *testing.T) (*Process, *fakeStore, *fakeSink, *fakeControlSource, *fakeAdapter) {
	t.Helper()
	store := &fakeStore{}
	sink := &fakeSink{}
	control := newFakeControlSource()
	ad := newFakeAdapter()
	idle := 5
	sess := agendo.Session{ID: "sess1", Status: agendo.SessionIdle, IdleTimeoutSec: &idle}
	p := New(sess, ad, store, sink, control, nil)
	return p, store, sink, control, ad
}

func TestStartTransitionsToActive(t *testing.T) {
	p, store, _, _, _ := newTestProcess(t)
	ctx := context.Background()
	if err := p.Start(ctx, "hello", "", "/tmp", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.Status() != agendo.SessionActive {
		t.Errorf("status = %v, want active", p.Status())
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.status != agendo.SessionActive {
		t.Errorf("persisted status = %v, want active", store.status)
	}
}

func TestAgentResultTransitionsToAwaitingInput(t *testing.T) {
	p, store, sink, _, ad := newTestProcess(t)
	ctx := context.Background()
	if err := p.Start(ctx, "hello", "", "/tmp", nil); err != nil {
		t.Fatal(err)
	}

	payload, _ := json.Marshal(map[string]any{"turns": 1, "durationMs": 100, "costUsd": 0.5})
	ad.proc.emit(agendo.Event{Type: agendo.EventAgentResult, Payload: payload})

	if p.Status() != agendo.SessionAwaitingInput {
		t.Errorf("status = %v, want awaiting_input", p.Status())
	}
	store.mu.Lock()
	if store.usageSum != 0.5 {
		t.Errorf("usageSum = %v, want 0.5", store.usageSum)
	}
	store.mu.Unlock()

	found := false
	for _, ev := range sink.snapshot() {
		if ev.Type == agendo.EventAgentResult {
			found = true
		}
	}
	if !found {
		t.Error("expected agent:result to be published")
	}
}

func TestControlMessageResumesFromAwaitingInput(t *testing.T) {
	p, _, _, control, ad := newTestProcess(t)
	ctx := context.Background()
	if err := p.Start(ctx, "hello", "", "/tmp", nil); err != nil {
		t.Fatal(err)
	}
	payload, _ := json.Marshal(map[string]any{"turns": 1})
	ad.proc.emit(agendo.Event{Type: agendo.EventAgentResult, Payload: payload})
	if p.Status() != agendo.SessionAwaitingInput {
		t.Fatalf("precondition failed: status = %v", p.Status())
	}

	msgPayload, _ := json.Marshal(agendo.ControlMessagePayload{Text: "more please"})
	control.ch <- agendo.ControlEnvelope{Type: agendo.ControlMessage, Payload: msgPayload}

	deadline := time.After(2 * time.Second)
	for p.Status() != agendo.SessionActive {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for active status")
		case <-time.After(5 * time.Millisecond):
		}
	}

	ad.mu.Lock()
	defer ad.mu.Unlock()
	if len(ad.sentMessages) != 1 || ad.sentMessages[0] != "more please" {
		t.Errorf("sentMessages = %v", ad.sentMessages)
	}
}

func TestControlMessageIgnoredWhenIdle(t *testing.T) {
	p, _, _, control, ad := newTestProcess(t)
	// Process never started; status defaults to idle from the session row.
	msgPayload, _ := json.Marshal(agendo.ControlMessagePayload{Text: "cold message"})
	p.handleControl(context.Background(), agendo.ControlEnvelope{Type: agendo.ControlMessage, Payload: msgPayload})

	ad.mu.Lock()
	defer ad.mu.Unlock()
	if len(ad.sentMessages) != 0 {
		t.Errorf("expected idle control message to be ignored, got %v", ad.sentMessages)
	}
	_ = control
}

func TestApprovalPipelineResolvesOnDecision(t *testing.T) {
	p, _, sink, control, ad := newTestProcess(t)
	ctx := context.Background()
	if err := p.Start(ctx, "hello", "", "/tmp", nil); err != nil {
		t.Fatal(err)
	}

	resultCh := make(chan agendo.ApprovalResult, 1)
	go func() {
		r := ad.approval(ctx, "appr-1", "bash", json.RawMessage(`{"command":"ls"}`))
		resultCh <- r
	}()

	deadline := time.After(2 * time.Second)
	for len(sink.snapshot()) == 0 {
		select {
		case <-deadline:
			t.Fatal("approval request was never published")
		case <-time.After(5 * time.Millisecond):
		}
	}

	decisionPayload, _ := json.Marshal(agendo.ControlApprovalPayload{ApprovalID: "appr-1", Decision: agendo.DecisionAllow})
	control.ch <- agendo.ControlEnvelope{Type: agendo.ControlApprovalDecide, Payload: decisionPayload}

	select {
	case r := <-resultCh:
		if r.Decision != agendo.DecisionAllow {
			t.Errorf("decision = %v, want allow", r.Decision)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("approval was never resolved")
	}
}

func TestApprovalDeniedOnSessionExit(t *testing.T) {
	p, _, _, _, ad := newTestProcess(t)
	ctx := context.Background()
	if err := p.Start(ctx, "hello", "", "/tmp", nil); err != nil {
		t.Fatal(err)
	}

	resultCh := make(chan agendo.ApprovalResult, 1)
	go func() {
		r := ad.approval(ctx, "appr-2", "bash", json.RawMessage(`{}`))
		resultCh <- r
	}()
	time.Sleep(20 * time.Millisecond) // let the approval register before exit

	ad.proc.exit(0, nil)

	select {
	case r := <-resultCh:
		if r.Decision != agendo.DecisionDeny {
			t.Errorf("decision = %v, want deny on session exit", r.Decision)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("approval was never resolved on exit")
	}
}

func TestExitWithSessionRefGoesIdle(t *testing.T) {
	p, store, _, _, ad := newTestProcess(t)
	ctx := context.Background()
	if err := p.Start(ctx, "hello", "", "/tmp", nil); err != nil {
		t.Fatal(err)
	}
	ad.sessionRefCB("S1")

	ad.proc.exit(0, nil)

	code, err := p.WaitForExit(context.Background())
	if err != nil {
		t.Fatalf("WaitForExit: %v", err)
	}
	if code != 0 {
		t.Errorf("code = %d, want 0", code)
	}
	if p.Status() != agendo.SessionIdle {
		t.Errorf("status = %v, want idle (session_ref was captured)", p.Status())
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.status != agendo.SessionIdle {
		t.Errorf("persisted status = %v, want idle", store.status)
	}
}

func TestExitWithoutSessionRefGoesEnded(t *testing.T) {
	p, _, _, _, ad := newTestProcess(t)
	ctx := context.Background()
	if err := p.Start(ctx, "hello", "", "/tmp", nil); err != nil {
		t.Fatal(err)
	}
	ad.proc.exit(1, nil)

	if _, err := p.WaitForExit(context.Background()); err != nil {
		t.Fatalf("WaitForExit: %v", err)
	}
	if p.Status() != agendo.SessionEnded {
		t.Errorf("status = %v, want ended (no session_ref captured)", p.Status())
	}
}

func TestSetPermissionModeControlPersistsAndForwards(t *testing.T) {
	p, store, _, control, ad := newTestProcess(t)
	ctx := context.Background()
	if err := p.Start(ctx, "hello", "", "/tmp", nil); err != nil {
		t.Fatal(err)
	}

	payload, _ := json.Marshal(agendo.ControlPermissionPayload{Mode: agendo.PermissionAcceptEdits})
	control.ch <- agendo.ControlEnvelope{Type: agendo.ControlSetPermission, Payload: payload}

	deadline := time.After(2 * time.Second)
	for {
		store.mu.Lock()
		got := store.mode
		store.mu.Unlock()
		if got == agendo.PermissionAcceptEdits {
			break
		}
		select {
		case <-deadline:
			t.Fatal("permission mode was never persisted")
		case <-time.After(5 * time.Millisecond):
		}
	}

	ad.mu.Lock()
	defer ad.mu.Unlock()
	if ad.permissionSet != agendo.PermissionAcceptEdits {
		t.Errorf("adapter permission mode = %v, want acceptEdits", ad.permissionSet)
	}
}
