// Package router orchestrates one tool invocation end to end: continuation
// resolution, file deduplication, budget allocation, model resolution, adapter
// invocation with fallback, and the final atomic turn append.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/continuum-ai/continuum/internal/auditlog"
	"github.com/continuum-ai/continuum/internal/budget"
	"github.com/continuum-ai/continuum/internal/dedup"
	"github.com/continuum-ai/continuum/internal/provider"
	"github.com/continuum-ai/continuum/internal/registry"
	"github.com/continuum-ai/continuum/internal/thread"
)

const defaultInvokeTimeout = 2 * time.Minute

// Options configures a Router.
//
// Store and Registry are required; everything else has working defaults. The router
// never reaches for ambient/global state: all collaborators arrive here.
type Options struct {
	Logger   *slog.Logger
	Store    *thread.Store
	Registry *registry.Registry
	Dedup    *dedup.Index

	// AdapterFactory builds provider adapters. Defaults to the SDK-backed factory.
	AdapterFactory provider.Factory

	// ResolveProviderAPIKey returns the API key for the given provider id.
	//
	// It should read from a local secrets store, not from config.
	ResolveProviderAPIKey func(providerID string) (string, bool, error)

	// BusyPolicy selects queue-behind (default) or fail-fast handling of concurrent
	// requests sharing one continuation id.
	BusyPolicy thread.BusyPolicy

	// InvokeTimeout is the hard cap for a single adapter invocation.
	//
	// When zero, it defaults to 2 minutes.
	InvokeTimeout time.Duration

	// ReservedOutputTokens overrides the per-model reserved output budget when > 0.
	// It is clamped to the model's max output tokens.
	ReservedOutputTokens int

	// Audit, when set, receives one entry per routed or failed call.
	Audit *auditlog.Store
}

// Router is the explicit service object owning the call orchestration. Constructed
// once at process start and passed to the protocol host.
type Router struct {
	log      *slog.Logger
	store    *thread.Store
	reg      *registry.Registry
	dedup    *dedup.Index
	ser      *thread.Serializer
	factory  provider.Factory
	keyFn    func(providerID string) (string, bool, error)
	invokeTO time.Duration
	reserved int
	audit    *auditlog.Store
}

func New(opts Options) (*Router, error) {
	if opts.Store == nil {
		return nil, errors.New("missing Store")
	}
	if opts.Registry == nil {
		return nil, errors.New("missing Registry")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	idx := opts.Dedup
	if idx == nil {
		idx = dedup.NewIndex()
	}
	factory := opts.AdapterFactory
	if factory == nil {
		factory = provider.NewAdapter
	}
	invokeTO := opts.InvokeTimeout
	if invokeTO <= 0 {
		invokeTO = defaultInvokeTimeout
	}

	r := &Router{
		log:      logger,
		store:    opts.Store,
		reg:      opts.Registry,
		dedup:    idx,
		ser:      thread.NewSerializer(opts.BusyPolicy),
		factory:  factory,
		keyFn:    opts.ResolveProviderAPIKey,
		invokeTO: invokeTO,
		reserved: opts.ReservedOutputTokens,
		audit:    opts.Audit,
	}
	// Per-thread side state must not outlive the thread.
	opts.Store.OnEvict(func(id string) {
		idx.Forget(id)
		r.ser.Forget(id)
	})
	return r, nil
}

// Close stops the per-continuation actors. The store's lifecycle is owned by the
// caller that constructed it.
func (r *Router) Close() {
	if r == nil {
		return
	}
	r.ser.Close()
}

// Handle executes one tool call.
//
// A missing continuation id creates a fresh thread; an unknown or evicted one fails
// with ContinuationNotFound. The response always carries the continuation id so the
// next stateless call can resume the conversation.
func (r *Router) Handle(ctx context.Context, req Request) (*Response, error) {
	if r == nil {
		return nil, errors.New("nil router")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	toolName := strings.TrimSpace(req.ToolName)
	if toolName == "" {
		return nil, errors.New("missing tool_name")
	}

	requested := strings.TrimSpace(req.Model)
	mode := registry.ModePinned
	if requested == "" || strings.EqualFold(requested, string(registry.ModeAuto)) {
		mode = registry.ModeAuto
	}

	id := strings.TrimSpace(req.ContinuationID)
	created := false
	if id == "" {
		th, err := r.store.Create(ctx)
		if err != nil {
			return nil, r.wrapErr(KindInternal, "", requested, nil, err)
		}
		id = th.ID
		created = true
	}

	var resp *Response
	err := r.ser.Do(ctx, id, func(ctx context.Context) error {
		out, err := r.handleInThread(ctx, id, toolName, req, requested, mode)
		resp = out
		return err
	})
	if err != nil {
		if created {
			// The thread never recorded a turn; do not leak it.
			_ = r.store.Close(context.Background(), id)
		}
		var re *Error
		if !errors.As(err, &re) {
			err = r.wrapErr(KindOf(err), id, requested, nil, err)
		}
		r.auditFailure(id, toolName, requested, err)
		return nil, err
	}
	return resp, nil
}

func (r *Router) auditFailure(id string, toolName string, requested string, err error) {
	if r.audit == nil {
		return
	}
	entry := auditlog.Entry{
		Action:         "call_failed",
		Status:         "failure",
		ContinuationID: id,
		Tool:           toolName,
		RequestedModel: requested,
		ErrorKind:      string(KindOf(err)),
		Error:          err.Error(),
	}
	var re *Error
	if errors.As(err, &re) && len(re.AttemptedChain) > 0 {
		entry.Detail = map[string]any{"attempted": re.AttemptedChain}
	}
	r.audit.Append(entry)
}

func (r *Router) handleInThread(ctx context.Context, id string, toolName string, req Request, requested string, mode registry.Mode) (*Response, error) {
	th, err := r.store.Get(id)
	if err != nil {
		return nil, r.wrapErr(KindContinuationNotFound, id, requested, nil, err)
	}
	nextIndex := len(th.Turns)

	filtered := r.dedup.Filter(id, nextIndex, fileBlocks(req.Files))

	chain, err := r.reg.FallbackChain(requested, mode)
	if err != nil {
		r.rollbackDedup(id, nextIndex, filtered)
		return nil, r.wrapErr(KindOf(err), id, requested, nil, err)
	}

	incomingText, err := renderIncoming(toolName, req.Arguments, filtered)
	if err != nil {
		r.rollbackDedup(id, nextIndex, filtered)
		return nil, r.wrapErr(KindInternal, id, requested, nil, err)
	}
	incomingTokens := budget.EstimateTokens(incomingText)

	attempted := make([]string, 0, len(chain))
	var lastErr error
	for _, cand := range chain {
		limits := budget.Limits{
			ContextWindow:  cand.Model.ContextWindow,
			ReservedOutput: r.reservedFor(cand.Model),
		}
		alloc, err := budget.Allocate(th.Turns, limits, incomingTokens)
		if err != nil {
			// Caller error: never retried against another candidate, never truncated.
			r.rollbackDedup(id, nextIndex, filtered)
			return nil, r.wrapErr(KindBudgetExceeded, id, requested, attempted, err)
		}

		attempted = append(attempted, cand.String())
		adapter, err := r.adapterFor(cand)
		if err != nil {
			lastErr = err
			r.log.Warn("adapter setup failed", "continuation_id", id, "candidate", cand.String(), "err", err)
			continue
		}

		payload := buildPayload(alloc.Retained, incomingText)
		ictx, cancel := context.WithTimeout(ctx, r.invokeTO)
		result, err := adapter.Invoke(ictx, cand.Model.Name, payload, r.reservedFor(cand.Model))
		cancel()
		if err != nil {
			lastErr = err
			r.log.Warn("adapter invocation failed",
				"continuation_id", id,
				"candidate", cand.String(),
				"kind", string(provider.KindOf(err)),
				"err", err)
			if mode == registry.ModeAuto && ctx.Err() == nil {
				continue
			}
			break
		}

		out, err := r.recordExchange(ctx, id, toolName, cand, incomingText, incomingTokens, filtered, alloc, result)
		if err != nil {
			return nil, err
		}
		// Thread-level metadata sticks only once the exchange is recorded; a failed
		// call leaves the thread untouched.
		for k, v := range req.Metadata {
			if err := r.store.SetMetadata(id, k, v); err != nil {
				r.log.Warn("set metadata failed", "continuation_id", id, "key", k, "err", err)
			}
		}
		return out, nil
	}

	r.rollbackDedup(id, nextIndex, filtered)
	if lastErr == nil {
		lastErr = errors.New("no candidates attempted")
	}
	return nil, r.wrapErr(KindUpstreamFailure, id, requested, attempted, lastErr)
}

// recordExchange appends the caller and model turns after a complete adapter
// response. Running inside the thread's actor, the two appends are observed as one
// atomic exchange: no concurrent request can interleave between them.
func (r *Router) recordExchange(ctx context.Context, id string, toolName string, cand registry.Resolved, incomingText string, incomingTokens int, filtered []dedup.FilteredBlock, alloc budget.Allocation, result *provider.Result) (*Response, error) {
	files := make([]thread.FileReference, 0, len(filtered))
	for _, fb := range filtered {
		files = append(files, thread.FileReference{
			Name:           fb.Name,
			Hash:           fb.Hash,
			Size:           fb.Size,
			FirstTurnIndex: fb.FirstTurnIndex,
		})
	}

	callerTurn := thread.Turn{
		Role:       thread.RoleCaller,
		ToolName:   toolName,
		Blocks:     []thread.ContentBlock{{Type: "text", Text: incomingText}},
		Files:      files,
		TokenCount: incomingTokens,
	}
	modelTurn := thread.Turn{
		Role:       thread.RoleModel,
		ToolName:   toolName,
		Blocks:     []thread.ContentBlock{{Type: "text", Text: result.Text}},
		TokenCount: int(result.Usage.CompletionTokens),
	}

	if _, err := r.store.Append(ctx, id, callerTurn); err != nil {
		return nil, r.wrapErr(KindOf(err), id, "", nil, err)
	}
	if _, err := r.store.Append(ctx, id, modelTurn); err != nil {
		return nil, r.wrapErr(KindOf(err), id, "", nil, err)
	}

	r.log.Info("call routed",
		"continuation_id", id,
		"tool", toolName,
		"model", cand.String(),
		"history_tokens", alloc.HistoryTokens,
		"incoming_tokens", incomingTokens,
		"dropped_turns", len(alloc.Dropped))

	if r.audit != nil {
		r.audit.Append(auditlog.Entry{
			Action:           "call_routed",
			ContinuationID:   id,
			Tool:             toolName,
			Model:            cand.String(),
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			DroppedTurns:     len(alloc.Dropped),
		})
	}

	return &Response{
		Content:        result.Text,
		ContinuationID: id,
		Model:          cand.String(),
		TokenUsage: TokenUsage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
		},
		DroppedTurns: len(alloc.Dropped),
	}, nil
}

func (r *Router) reservedFor(m registry.ModelSpec) int {
	if r.reserved > 0 && r.reserved < m.MaxOutputTokens {
		return r.reserved
	}
	return m.MaxOutputTokens
}

func (r *Router) adapterFor(cand registry.Resolved) (provider.Adapter, error) {
	if r.keyFn == nil {
		return nil, errors.New("no provider api key resolver configured")
	}
	key, ok, err := r.keyFn(cand.ProviderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no api key for provider %q", cand.ProviderID)
	}
	return r.factory(cand.ProviderType, cand.BaseURL, key)
}

func (r *Router) rollbackDedup(id string, turnIndex int, filtered []dedup.FilteredBlock) {
	var hashes []string
	for _, fb := range filtered {
		if !fb.Reference {
			hashes = append(hashes, fb.Hash)
		}
	}
	r.dedup.Rollback(id, turnIndex, hashes)
}

func buildPayload(retained []thread.Turn, incomingText string) provider.Payload {
	msgs := make([]provider.Message, 0, len(retained)+1)
	for _, t := range retained {
		role := provider.RoleUser
		if t.Role == thread.RoleModel {
			role = provider.RoleAssistant
		}
		msgs = append(msgs, provider.Message{Role: role, Text: t.Text()})
	}
	msgs = append(msgs, provider.Message{Role: provider.RoleUser, Text: incomingText})
	return provider.Payload{Messages: msgs}
}

// renderIncoming produces the deterministic text form of one call: tool name,
// arguments, then each file either embedded whole or as a reference marker. A request
// whose arguments cannot be rendered fails rather than going out without them.
func renderIncoming(toolName string, args map[string]any, files []dedup.FilteredBlock) (string, error) {
	var b strings.Builder
	b.WriteString("Tool: ")
	b.WriteString(toolName)
	if len(args) > 0 {
		// json.Marshal sorts map keys, keeping the rendering stable across calls.
		raw, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("render arguments: %w", err)
		}
		b.WriteString("\nArguments: ")
		b.Write(raw)
	}
	for _, f := range files {
		b.WriteString("\n")
		if f.Reference {
			fmt.Fprintf(&b, "=== FILE %s (unchanged, embedded in turn %d, hash %s) ===", f.Name, f.FirstTurnIndex, f.Hash)
			continue
		}
		fmt.Fprintf(&b, "=== FILE %s (hash %s) ===\n", f.Name, f.Hash)
		b.Write(f.Content)
		b.WriteString("\n=== END FILE ===")
	}
	return b.String(), nil
}
