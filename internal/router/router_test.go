package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/continuum-ai/continuum/internal/auditlog"
	"github.com/continuum-ai/continuum/internal/dedup"
	"github.com/continuum-ai/continuum/internal/provider"
	"github.com/continuum-ai/continuum/internal/registry"
	"github.com/continuum-ai/continuum/internal/thread"
)

// fakeAdapter scripts per-model results and records every payload it receives.
type fakeAdapter struct {
	mu       sync.Mutex
	results  map[string]*provider.Result
	failures map[string]error
	payloads []recordedCall
	block    chan struct{} // when set, Invoke waits for it (or ctx)
}

type recordedCall struct {
	Model   string
	Payload provider.Payload
}

func (f *fakeAdapter) Invoke(ctx context.Context, model string, payload provider.Payload, maxOutputTokens int) (*provider.Result, error) {
	f.mu.Lock()
	f.payloads = append(f.payloads, recordedCall{Model: model, Payload: payload})
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err, ok := f.failures[model]; ok {
		return nil, err
	}
	if res, ok := f.results[model]; ok {
		out := *res
		return &out, nil
	}
	return &provider.Result{Text: "ok from " + model, Usage: provider.Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
}

func (f *fakeAdapter) calls() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCall(nil), f.payloads...)
}

func (f *fakeAdapter) lastPayload(t *testing.T) provider.Payload {
	t.Helper()
	calls := f.calls()
	if len(calls) == 0 {
		t.Fatalf("no adapter calls recorded")
	}
	return calls[len(calls)-1].Payload
}

type fixture struct {
	store   *thread.Store
	router  *Router
	adapter *fakeAdapter
}

func newFixture(t *testing.T, policy thread.BusyPolicy, profiles ...registry.Profile) *fixture {
	t.Helper()
	if len(profiles) == 0 {
		profiles = []registry.Profile{testProfile()}
	}
	reg := registry.New(nil)
	for _, p := range profiles {
		if err := reg.Register(p); err != nil {
			t.Fatalf("Register(%s): %v", p.ID, err)
		}
	}
	store := thread.NewStore(thread.Options{})
	fa := &fakeAdapter{
		results:  map[string]*provider.Result{},
		failures: map[string]error{},
	}
	r, err := New(Options{
		Store:    store,
		Registry: reg,
		Dedup:    dedup.NewIndex(),
		AdapterFactory: func(providerType, baseURL, apiKey string) (provider.Adapter, error) {
			return fa, nil
		},
		ResolveProviderAPIKey: func(providerID string) (string, bool, error) {
			return "test-key", true, nil
		},
		BusyPolicy: policy,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(r.Close)
	return &fixture{store: store, router: r, adapter: fa}
}

func testProfile() registry.Profile {
	return registry.Profile{
		ID:   "test",
		Type: "openai",
		Models: []registry.ModelSpec{
			{Name: "alpha", ContextWindow: 100_000, MaxOutputTokens: 1_000, Default: true},
			{Name: "narrow", ContextWindow: 600, MaxOutputTokens: 100},
			{Name: "tiny", ContextWindow: 40, MaxOutputTokens: 30},
		},
	}
}

func TestHandle_NewConversationGetsContinuationID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, thread.BusyQueue)
	resp, err := f.router.Handle(context.Background(), Request{ToolName: "chat"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.HasPrefix(resp.ContinuationID, "cont_") {
		t.Fatalf("continuation_id=%q, want cont_ prefix", resp.ContinuationID)
	}
	if resp.Model != "test/alpha" {
		t.Fatalf("model=%q, want test/alpha (auto default)", resp.Model)
	}
	if resp.Content == "" {
		t.Fatalf("empty content")
	}

	th, err := f.store.Get(resp.ContinuationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(th.Turns) != 2 {
		t.Fatalf("turns=%d, want caller+model pair", len(th.Turns))
	}
	if th.Turns[0].Role != thread.RoleCaller || th.Turns[1].Role != thread.RoleModel {
		t.Fatalf("roles=[%s %s], want [caller model]", th.Turns[0].Role, th.Turns[1].Role)
	}
}

func TestHandle_ContinuationCarriesHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t, thread.BusyQueue)
	ctx := context.Background()

	first, err := f.router.Handle(ctx, Request{ToolName: "chat", Arguments: map[string]any{"prompt": "remember the number 7"}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	_, err = f.router.Handle(ctx, Request{ToolName: "chat", ContinuationID: first.ContinuationID, Arguments: map[string]any{"prompt": "what number?"}})
	if err != nil {
		t.Fatalf("Handle continuation: %v", err)
	}

	payload := f.adapter.lastPayload(t)
	// Prior caller+model turns plus the incoming message.
	if len(payload.Messages) != 3 {
		t.Fatalf("messages=%d, want 3", len(payload.Messages))
	}
	if payload.Messages[0].Role != provider.RoleUser || !strings.Contains(payload.Messages[0].Text, "remember the number 7") {
		t.Fatalf("history[0]=%+v, want original caller turn", payload.Messages[0])
	}
	if payload.Messages[1].Role != provider.RoleAssistant {
		t.Fatalf("history[1].role=%q, want assistant", payload.Messages[1].Role)
	}
	if !strings.Contains(payload.Messages[2].Text, "what number?") {
		t.Fatalf("incoming=%q, want new prompt", payload.Messages[2].Text)
	}
}

func TestHandle_UnknownContinuation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, thread.BusyQueue)
	_, err := f.router.Handle(context.Background(), Request{ToolName: "chat", ContinuationID: "cont_missing"})
	if err == nil {
		t.Fatalf("Handle succeeded for unknown continuation")
	}
	if KindOf(err) != KindContinuationNotFound {
		t.Fatalf("kind=%q, want continuation_not_found", KindOf(err))
	}
	if len(f.adapter.calls()) != 0 {
		t.Fatalf("adapter invoked for unknown continuation")
	}
}

func TestHandle_UnknownPinnedModelLeavesThreadUntouched(t *testing.T) {
	t.Parallel()

	f := newFixture(t, thread.BusyQueue)
	ctx := context.Background()

	first, err := f.router.Handle(ctx, Request{ToolName: "chat"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	_, err = f.router.Handle(ctx, Request{ToolName: "chat", ContinuationID: first.ContinuationID, Model: "nonexistent"})
	if KindOf(err) != KindModelNotFound {
		t.Fatalf("kind=%q, want model_not_found (err=%v)", KindOf(err), err)
	}

	th, err := f.store.Get(first.ContinuationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(th.Turns) != 2 {
		t.Fatalf("turns=%d, want 2 (failed call must not mutate the thread)", len(th.Turns))
	}

	// The thread remains usable afterwards.
	if _, err := f.router.Handle(ctx, Request{ToolName: "chat", ContinuationID: first.ContinuationID}); err != nil {
		t.Fatalf("Handle after failure: %v", err)
	}
}

func TestHandle_BudgetExceededFailsWithoutInvoking(t *testing.T) {
	t.Parallel()

	f := newFixture(t, thread.BusyQueue)
	ctx := context.Background()

	first, err := f.router.Handle(ctx, Request{ToolName: "chat"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	before := len(f.adapter.calls())

	// tiny leaves 10 usable tokens; any nonempty incoming estimates above that.
	_, err = f.router.Handle(ctx, Request{ToolName: "chat", ContinuationID: first.ContinuationID, Model: "tiny"})
	if KindOf(err) != KindBudgetExceeded {
		t.Fatalf("kind=%q, want budget_exceeded (err=%v)", KindOf(err), err)
	}
	if len(f.adapter.calls()) != before {
		t.Fatalf("adapter invoked despite budget failure")
	}

	th, err := f.store.Get(first.ContinuationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(th.Turns) != 2 {
		t.Fatalf("turns=%d, want 2 (failed call must not mutate the thread)", len(th.Turns))
	}
}

func TestHandle_BudgetDropsOldestTurns(t *testing.T) {
	t.Parallel()

	f := newFixture(t, thread.BusyQueue)
	ctx := context.Background()
	f.adapter.results["alpha"] = &provider.Result{Text: "answer", Usage: provider.Usage{PromptTokens: 50, CompletionTokens: 400}}

	first, err := f.router.Handle(ctx, Request{ToolName: "chat"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, err := f.router.Handle(ctx, Request{ToolName: "chat", ContinuationID: first.ContinuationID}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	// History now holds two 400-token model turns; narrow cannot fit them all.
	resp, err := f.router.Handle(ctx, Request{ToolName: "chat", ContinuationID: first.ContinuationID, Model: "narrow"})
	if err != nil {
		t.Fatalf("Handle narrow: %v", err)
	}
	if resp.DroppedTurns == 0 {
		t.Fatalf("dropped_turns=0, want oldest turns excluded")
	}

	payload := f.adapter.lastPayload(t)
	if got := len(payload.Messages); got >= 5 {
		t.Fatalf("messages=%d, want fewer than full history of 5", got)
	}

	// Dropped turns stay recorded on the thread.
	th, err := f.store.Get(first.ContinuationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(th.Turns) != 6 {
		t.Fatalf("turns=%d, want 6", len(th.Turns))
	}
}

func TestHandle_FileDeduplicationAcrossCalls(t *testing.T) {
	t.Parallel()

	f := newFixture(t, thread.BusyQueue)
	ctx := context.Background()
	content := []byte("package main\n\nfunc main() {}\n")

	first, err := f.router.Handle(ctx, Request{
		ToolName: "analyze",
		Files:    []FileIn{{Name: "main.go", Content: content}},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	payload := f.adapter.lastPayload(t)
	incoming := payload.Messages[len(payload.Messages)-1].Text
	if !strings.Contains(incoming, "func main()") {
		t.Fatalf("first call did not embed file content: %q", incoming)
	}

	_, err = f.router.Handle(ctx, Request{
		ToolName:       "analyze",
		ContinuationID: first.ContinuationID,
		Files:          []FileIn{{Name: "main.go", Content: content}},
	})
	if err != nil {
		t.Fatalf("Handle continuation: %v", err)
	}
	payload = f.adapter.lastPayload(t)
	incoming = payload.Messages[len(payload.Messages)-1].Text
	if strings.Contains(incoming, "func main()") {
		t.Fatalf("second call re-embedded unchanged content: %q", incoming)
	}
	if !strings.Contains(incoming, "unchanged, embedded in turn 0") {
		t.Fatalf("second call missing reference marker: %q", incoming)
	}

	// Changed content embeds fully again.
	_, err = f.router.Handle(ctx, Request{
		ToolName:       "analyze",
		ContinuationID: first.ContinuationID,
		Files:          []FileIn{{Name: "main.go", Content: []byte("package main // v2")}},
	})
	if err != nil {
		t.Fatalf("Handle changed file: %v", err)
	}
	payload = f.adapter.lastPayload(t)
	incoming = payload.Messages[len(payload.Messages)-1].Text
	if !strings.Contains(incoming, "// v2") {
		t.Fatalf("changed content not embedded: %q", incoming)
	}
}

func TestHandle_DedupRolledBackOnFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, thread.BusyQueue)
	ctx := context.Background()
	content := []byte("important file body")
	f.adapter.failures["narrow"] = &provider.Error{Kind: provider.KindUnavailable, Provider: "test", Model: "narrow", Err: errors.New("boom")}

	first, err := f.router.Handle(ctx, Request{ToolName: "chat"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	_, err = f.router.Handle(ctx, Request{
		ToolName:       "analyze",
		ContinuationID: first.ContinuationID,
		Model:          "narrow",
		Files:          []FileIn{{Name: "f.txt", Content: content}},
	})
	if KindOf(err) != KindUpstreamFailure {
		t.Fatalf("kind=%q, want upstream_failure (err=%v)", KindOf(err), err)
	}

	// The failed call's hash was rolled back: the retry embeds content fully.
	_, err = f.router.Handle(ctx, Request{
		ToolName:       "analyze",
		ContinuationID: first.ContinuationID,
		Files:          []FileIn{{Name: "f.txt", Content: content}},
	})
	if err != nil {
		t.Fatalf("Handle retry: %v", err)
	}
	payload := f.adapter.lastPayload(t)
	incoming := payload.Messages[len(payload.Messages)-1].Text
	if !strings.Contains(incoming, "important file body") {
		t.Fatalf("retry did not embed content after rollback: %q", incoming)
	}
}

func TestHandle_AutoModeFallsBackAcrossProviders(t *testing.T) {
	t.Parallel()

	p1 := registry.Profile{ID: "primary", Type: "openai", Models: []registry.ModelSpec{
		{Name: "alpha", ContextWindow: 100_000, MaxOutputTokens: 1_000, Default: true},
	}}
	p2 := registry.Profile{ID: "secondary", Type: "anthropic", Models: []registry.ModelSpec{
		{Name: "beta", ContextWindow: 100_000, MaxOutputTokens: 1_000, Default: true},
	}}
	f := newFixture(t, thread.BusyQueue, p1, p2)
	f.adapter.failures["alpha"] = &provider.Error{Kind: provider.KindUnavailable, Provider: "primary", Model: "alpha", Err: errors.New("down")}

	resp, err := f.router.Handle(context.Background(), Request{ToolName: "chat"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Model != "secondary/beta" {
		t.Fatalf("model=%q, want fallback secondary/beta", resp.Model)
	}
	calls := f.adapter.calls()
	if len(calls) != 2 || calls[0].Model != "alpha" || calls[1].Model != "beta" {
		t.Fatalf("calls=%v, want [alpha beta]", calls)
	}
}

func TestHandle_PinnedModelIsNeverSubstituted(t *testing.T) {
	t.Parallel()

	p1 := registry.Profile{ID: "primary", Type: "openai", Models: []registry.ModelSpec{
		{Name: "alpha", ContextWindow: 100_000, MaxOutputTokens: 1_000, Default: true},
		{Name: "gamma", ContextWindow: 100_000, MaxOutputTokens: 1_000},
	}}
	f := newFixture(t, thread.BusyQueue, p1)
	f.adapter.failures["gamma"] = &provider.Error{Kind: provider.KindRateLimited, Provider: "primary", Model: "gamma", Err: errors.New("429")}

	_, err := f.router.Handle(context.Background(), Request{ToolName: "chat", Model: "gamma"})
	if KindOf(err) != KindUpstreamFailure {
		t.Fatalf("kind=%q, want upstream_failure (err=%v)", KindOf(err), err)
	}
	calls := f.adapter.calls()
	if len(calls) != 1 || calls[0].Model != "gamma" {
		t.Fatalf("calls=%v, want exactly [gamma]", calls)
	}

	var re *Error
	if !errors.As(err, &re) {
		t.Fatalf("err=%T, want *Error", err)
	}
	if len(re.AttemptedChain) != 1 || re.AttemptedChain[0] != "primary/gamma" {
		t.Fatalf("attempted=%v, want [primary/gamma]", re.AttemptedChain)
	}
}

func TestHandle_AllCandidatesFail(t *testing.T) {
	t.Parallel()

	p1 := registry.Profile{ID: "primary", Type: "openai", Models: []registry.ModelSpec{
		{Name: "alpha", ContextWindow: 100_000, MaxOutputTokens: 1_000, Default: true},
	}}
	p2 := registry.Profile{ID: "secondary", Type: "anthropic", Models: []registry.ModelSpec{
		{Name: "beta", ContextWindow: 100_000, MaxOutputTokens: 1_000, Default: true},
	}}
	f := newFixture(t, thread.BusyQueue, p1, p2)
	f.adapter.failures["alpha"] = &provider.Error{Kind: provider.KindUnavailable, Provider: "primary", Model: "alpha", Err: errors.New("down")}
	f.adapter.failures["beta"] = &provider.Error{Kind: provider.KindUnavailable, Provider: "secondary", Model: "beta", Err: errors.New("down")}

	_, err := f.router.Handle(context.Background(), Request{ToolName: "chat"})
	if KindOf(err) != KindUpstreamFailure {
		t.Fatalf("kind=%q, want upstream_failure (err=%v)", KindOf(err), err)
	}
	var re *Error
	if !errors.As(err, &re) {
		t.Fatalf("err=%T, want *Error", err)
	}
	if len(re.AttemptedChain) != 2 {
		t.Fatalf("attempted=%v, want both candidates", re.AttemptedChain)
	}
}

func TestHandle_FailedNewConversationLeavesNoThread(t *testing.T) {
	t.Parallel()

	f := newFixture(t, thread.BusyQueue)
	f.adapter.failures["alpha"] = &provider.Error{Kind: provider.KindAuth, Provider: "test", Model: "alpha", Err: errors.New("401")}
	f.adapter.failures["narrow"] = f.adapter.failures["alpha"]
	f.adapter.failures["tiny"] = f.adapter.failures["alpha"]

	before := f.store.Len()
	_, err := f.router.Handle(context.Background(), Request{ToolName: "chat"})
	if err == nil {
		t.Fatalf("Handle succeeded, want failure")
	}
	if f.store.Len() != before {
		t.Fatalf("live threads=%d, want %d (failed new conversation leaked a thread)", f.store.Len(), before)
	}
}

func TestHandle_RejectPolicyFailsFastOnBusyContinuation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, thread.BusyReject)
	ctx := context.Background()

	first, err := f.router.Handle(ctx, Request{ToolName: "chat"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	release := make(chan struct{})
	f.adapter.mu.Lock()
	f.adapter.block = release
	f.adapter.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := f.router.Handle(ctx, Request{ToolName: "chat", ContinuationID: first.ContinuationID})
		done <- err
	}()

	// Wait until the first call is inside the adapter.
	deadline := time.Now().Add(2 * time.Second)
	for len(f.adapter.calls()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("in-flight call never reached the adapter")
		}
		time.Sleep(time.Millisecond)
	}

	_, err = f.router.Handle(ctx, Request{ToolName: "chat", ContinuationID: first.ContinuationID})
	if KindOf(err) != KindContinuationBusy {
		t.Fatalf("kind=%q, want continuation_busy (err=%v)", KindOf(err), err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("in-flight call failed: %v", err)
	}
}

func TestHandle_QueuePolicySerializesSameContinuation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, thread.BusyQueue)
	ctx := context.Background()

	first, err := f.router.Handle(ctx, Request{ToolName: "chat"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.router.Handle(ctx, Request{ToolName: "chat", ContinuationID: first.ContinuationID}); err != nil {
				t.Errorf("Handle: %v", err)
			}
		}()
	}
	wg.Wait()

	th, err := f.store.Get(first.ContinuationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	// 9 exchanges, each an atomic caller+model pair.
	if len(th.Turns) != 18 {
		t.Fatalf("turns=%d, want 18", len(th.Turns))
	}
	for i, turn := range th.Turns {
		wantRole := thread.RoleCaller
		if i%2 == 1 {
			wantRole = thread.RoleModel
		}
		if turn.Role != wantRole {
			t.Fatalf("turns[%d].role=%q, want %q (exchanges interleaved)", i, turn.Role, wantRole)
		}
	}
}

func TestHandle_MissingToolName(t *testing.T) {
	t.Parallel()

	f := newFixture(t, thread.BusyQueue)
	if _, err := f.router.Handle(context.Background(), Request{}); err == nil {
		t.Fatalf("Handle succeeded without tool_name")
	}
}

func TestHandle_AuditTrailRecordsOutcomes(t *testing.T) {
	t.Parallel()

	audit, err := auditlog.New(auditlog.Options{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("auditlog.New: %v", err)
	}

	reg := registry.New(nil)
	if err := reg.Register(testProfile()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	store := thread.NewStore(thread.Options{})
	fa := &fakeAdapter{results: map[string]*provider.Result{}, failures: map[string]error{}}
	r, err := New(Options{
		Store:    store,
		Registry: reg,
		AdapterFactory: func(providerType, baseURL, apiKey string) (provider.Adapter, error) {
			return fa, nil
		},
		ResolveProviderAPIKey: func(providerID string) (string, bool, error) { return "k", true, nil },
		Audit:                 audit,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	ctx := context.Background()
	if _, err := r.Handle(ctx, Request{ToolName: "chat"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, err := r.Handle(ctx, Request{ToolName: "chat", ContinuationID: "cont_missing"}); err == nil {
		t.Fatalf("Handle succeeded for unknown continuation")
	}

	entries, err := audit.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries=%d, want 2", len(entries))
	}
	// Newest first: the failure, then the routed call.
	if entries[0].Action != "call_failed" || entries[0].ErrorKind != "continuation_not_found" {
		t.Fatalf("entry=%+v, want call_failed/continuation_not_found", entries[0])
	}
	if entries[1].Action != "call_routed" || entries[1].Model != "test/alpha" {
		t.Fatalf("entry=%+v, want call_routed on test/alpha", entries[1])
	}
}

func TestRenderIncoming_Deterministic(t *testing.T) {
	t.Parallel()

	args := map[string]any{"b": 2, "a": 1, "c": 3}
	first, err := renderIncoming("chat", args, nil)
	if err != nil {
		t.Fatalf("renderIncoming: %v", err)
	}
	for i := 0; i < 10; i++ {
		got, err := renderIncoming("chat", args, nil)
		if err != nil {
			t.Fatalf("renderIncoming run %d: %v", i, err)
		}
		if got != first {
			t.Fatalf("rendering diverged on run %d:\n%q\n%q", i, got, first)
		}
	}
	if !strings.Contains(first, `"a":1`) {
		t.Fatalf("arguments missing: %q", first)
	}
}

func TestHandle_UnrenderableArgumentsFailTheCall(t *testing.T) {
	t.Parallel()

	f := newFixture(t, thread.BusyQueue)
	_, err := f.router.Handle(context.Background(), Request{
		ToolName:  "chat",
		Arguments: map[string]any{"bad": make(chan int)},
	})
	if err == nil {
		t.Fatalf("Handle succeeded with unrenderable arguments")
	}
	if KindOf(err) != KindInternal {
		t.Fatalf("kind=%q, want internal (err=%v)", KindOf(err), err)
	}
	// The request must never reach a provider with its arguments missing.
	if calls := f.adapter.calls(); len(calls) != 0 {
		t.Fatalf("adapter invoked %d times, want 0", len(calls))
	}
}

func TestHandle_MetadataSticksToTheThread(t *testing.T) {
	t.Parallel()

	f := newFixture(t, thread.BusyQueue)
	ctx := context.Background()

	resp, err := f.router.Handle(ctx, Request{
		ToolName: "chat",
		Metadata: map[string]string{"thinking_mode": "high"},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	th, err := f.store.Get(resp.ContinuationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if th.Metadata["thinking_mode"] != "high" {
		t.Fatalf("metadata=%v, want thinking_mode=high", th.Metadata)
	}

	// A later call overwrites; a failed call leaves metadata untouched.
	f.adapter.failures["narrow"] = &provider.Error{Kind: provider.KindUnavailable, Provider: "test", Model: "narrow", Err: errors.New("down")}
	_, err = f.router.Handle(ctx, Request{
		ToolName:       "chat",
		ContinuationID: resp.ContinuationID,
		Model:          "narrow",
		Metadata:       map[string]string{"thinking_mode": "low"},
	})
	if err == nil {
		t.Fatalf("Handle succeeded against failing model")
	}
	th, err = f.store.Get(resp.ContinuationID)
	if err != nil {
		t.Fatalf("Get after failure: %v", err)
	}
	if th.Metadata["thinking_mode"] != "high" {
		t.Fatalf("metadata=%v changed by failed call, want thinking_mode=high", th.Metadata)
	}

	if _, err := f.router.Handle(ctx, Request{
		ToolName:       "chat",
		ContinuationID: resp.ContinuationID,
		Metadata:       map[string]string{"thinking_mode": "low"},
	}); err != nil {
		t.Fatalf("Handle overwrite: %v", err)
	}
	th, err = f.store.Get(resp.ContinuationID)
	if err != nil {
		t.Fatalf("Get after overwrite: %v", err)
	}
	if th.Metadata["thinking_mode"] != "low" {
		t.Fatalf("metadata=%v, want thinking_mode=low", th.Metadata)
	}
}
