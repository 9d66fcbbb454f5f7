package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/continuum-ai/continuum/internal/budget"
	"github.com/continuum-ai/continuum/internal/registry"
	"github.com/continuum-ai/continuum/internal/thread"
)

// Kind is the error tag surfaced verbatim at the tool-invocation boundary.
type Kind string

const (
	KindContinuationNotFound Kind = "continuation_not_found"
	KindContinuationBusy     Kind = "continuation_busy"
	KindModelNotFound        Kind = "model_not_found"
	KindBudgetExceeded       Kind = "budget_exceeded"
	KindUpstreamFailure      Kind = "upstream_failure"
	KindConfiguration        Kind = "configuration_error"
	KindInternal             Kind = "internal"
)

// Error carries enough context for the caller to log a failure: the continuation,
// the requested model, and the fallback candidates that were attempted.
type Error struct {
	Kind           Kind
	ContinuationID string
	RequestedModel string
	AttemptedChain []string
	Err            error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.ContinuationID != "" {
		fmt.Fprintf(&b, " continuation=%s", e.ContinuationID)
	}
	if e.RequestedModel != "" {
		fmt.Fprintf(&b, " model=%s", e.RequestedModel)
	}
	if len(e.AttemptedChain) > 0 {
		fmt.Fprintf(&b, " attempted=[%s]", strings.Join(e.AttemptedChain, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf classifies any error from the routing core.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) && re != nil {
		return re.Kind
	}
	switch {
	case errors.Is(err, thread.ErrContinuationNotFound):
		return KindContinuationNotFound
	case errors.Is(err, thread.ErrContinuationBusy):
		return KindContinuationBusy
	case errors.Is(err, registry.ErrModelNotFound):
		return KindModelNotFound
	case errors.Is(err, registry.ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, budget.ErrBudgetExceeded):
		return KindBudgetExceeded
	default:
		return KindInternal
	}
}

func (r *Router) wrapErr(kind Kind, continuationID string, requestedModel string, attempted []string, err error) error {
	return &Error{
		Kind:           kind,
		ContinuationID: strings.TrimSpace(continuationID),
		RequestedModel: strings.TrimSpace(requestedModel),
		AttemptedChain: attempted,
		Err:            err,
	}
}
