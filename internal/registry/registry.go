// Package registry resolves model names and aliases to concrete (provider, model)
// pairs with a deterministic priority order.
package registry

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	ErrModelNotFound = errors.New("model not found")
	ErrConfiguration = errors.New("invalid provider profile")
)

// Mode selects between pinned-model and registry-driven resolution.
type Mode string

const (
	// ModeAuto leaves model selection to the registry's priority/fallback policy.
	ModeAuto Mode = "auto"
	// ModePinned resolves exactly the requested model, with no substitution.
	ModePinned Mode = "pinned"
)

// Resolved is a concrete (provider, model) pair.
type Resolved struct {
	ProviderID   string
	ProviderType string
	BaseURL      string
	Model        ModelSpec
}

func (r Resolved) String() string {
	return r.ProviderID + "/" + r.Model.Name
}

type snapshot struct {
	profiles []Profile
}

// Registry holds normalized provider profiles. Registration order defines resolution
// priority.
//
// Reads are lock-free on an immutable snapshot; Register and Reload swap the snapshot
// so in-flight resolutions keep a stable prior view.
type Registry struct {
	log *slog.Logger

	mu   sync.Mutex // serializes Register/Reload
	snap atomic.Pointer[snapshot]
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Registry{log: logger}
	r.snap.Store(&snapshot{})
	return r
}

// Register validates and appends a profile. Malformed profiles are rejected with an
// error matching ErrConfiguration.
func (r *Registry) Register(p Profile) error {
	if r == nil {
		return errors.New("nil registry")
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: provider %q: %s", ErrConfiguration, strings.TrimSpace(p.ID), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snap.Load()
	for _, existing := range cur.profiles {
		if strings.EqualFold(strings.TrimSpace(existing.ID), strings.TrimSpace(p.ID)) {
			return fmt.Errorf("%w: duplicate provider id %q", ErrConfiguration, p.ID)
		}
	}
	next := &snapshot{profiles: append(append([]Profile(nil), cur.profiles...), p)}
	r.snap.Store(next)
	r.log.Info("provider registered", "provider_id", strings.TrimSpace(p.ID), "models", len(p.Models))
	return nil
}

// Reload atomically replaces all profiles (hot-reload of custom model definitions).
// In-flight resolutions continue against the prior snapshot.
func (r *Registry) Reload(profiles []Profile) error {
	if r == nil {
		return errors.New("nil registry")
	}
	seen := make(map[string]struct{}, len(profiles))
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: provider %q: %s", ErrConfiguration, strings.TrimSpace(p.ID), err)
		}
		key := strings.ToLower(strings.TrimSpace(p.ID))
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%w: duplicate provider id %q", ErrConfiguration, p.ID)
		}
		seen[key] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.Store(&snapshot{profiles: append([]Profile(nil), profiles...)})
	r.log.Info("provider registry reloaded", "providers", len(profiles))
	return nil
}

// Profiles returns the current snapshot's profiles in priority order.
func (r *Registry) Profiles() []Profile {
	if r == nil {
		return nil
	}
	return append([]Profile(nil), r.snap.Load().profiles...)
}

// Resolve maps a model name or alias to a concrete (provider, model) pair.
//
// Pinned mode scans registered profiles in order, matching the canonical model name
// or any alias case-insensitively; the first match wins. An alias present on two
// profiles resolves to the first-registered one rather than erroring. Auto mode
// returns the highest-priority profile's recommended model.
//
// Resolution is a pure function of the current snapshot: repeatable and deterministic.
func (r *Registry) Resolve(nameOrAlias string, mode Mode) (Resolved, error) {
	if r == nil {
		return Resolved{}, errors.New("nil registry")
	}
	snap := r.snap.Load()

	if mode == ModeAuto {
		for _, p := range snap.profiles {
			if m, ok := p.RecommendedModel(); ok {
				return resolved(p, m), nil
			}
		}
		return Resolved{}, fmt.Errorf("%w: no providers registered", ErrModelNotFound)
	}

	want := strings.ToLower(strings.TrimSpace(nameOrAlias))
	if want == "" {
		return Resolved{}, fmt.Errorf("%w: empty model name", ErrModelNotFound)
	}
	for _, p := range snap.profiles {
		for _, m := range p.Models {
			if strings.ToLower(strings.TrimSpace(m.Name)) == want {
				return resolved(p, m), nil
			}
			for _, alias := range m.Aliases {
				if strings.ToLower(strings.TrimSpace(alias)) == want {
					return resolved(p, m), nil
				}
			}
		}
	}
	return Resolved{}, fmt.Errorf("%w: %q", ErrModelNotFound, strings.TrimSpace(nameOrAlias))
}

// FallbackChain returns the ordered (provider, model) candidates for a request.
//
// Auto mode yields each profile's recommended model in registration order. Pinned
// mode yields exactly one candidate: an explicitly requested model is never silently
// substituted.
func (r *Registry) FallbackChain(nameOrAlias string, mode Mode) ([]Resolved, error) {
	if r == nil {
		return nil, errors.New("nil registry")
	}
	if mode != ModeAuto {
		one, err := r.Resolve(nameOrAlias, mode)
		if err != nil {
			return nil, err
		}
		return []Resolved{one}, nil
	}

	snap := r.snap.Load()
	out := make([]Resolved, 0, len(snap.profiles))
	for _, p := range snap.profiles {
		if m, ok := p.RecommendedModel(); ok {
			out = append(out, resolved(p, m))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no providers registered", ErrModelNotFound)
	}
	return out, nil
}

func resolved(p Profile, m ModelSpec) Resolved {
	return Resolved{
		ProviderID:   strings.TrimSpace(p.ID),
		ProviderType: strings.TrimSpace(p.Type),
		BaseURL:      strings.TrimSpace(p.BaseURL),
		Model:        m,
	}
}
