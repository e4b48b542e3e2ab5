// Package provider adapts model backends (OpenAI-compatible APIs, Ollama,
// Gemini and a deterministic rules engine) to a single completion interface.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
)

// Request is one completion call. System carries the task instruction and
// Prompt the document plus any retrieved context. Input is the bare document,
// for providers that do not understand prompts.
type Request struct {
	Model    string
	System   string
	Prompt   string
	Input    string
	TaskType string
	JSON     bool
}

// Provider completes prompts against one backend. Implementations never
// retry internally; the caller walks the fallback chain instead.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// Kind classifies why a provider call failed.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindRateLimit   Kind = "rate_limit"
	KindUnavailable Kind = "unavailable"
	KindBadStatus   Kind = "bad_status"
)

// Error is returned by every provider for transport-level failures.
type Error struct {
	Provider string
	Kind     Kind
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider %s: %s (HTTP %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// classify wraps a transport error from a provider call.
func classify(provider string, ctx context.Context, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	kind := KindUnavailable
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), ctx.Err() == context.DeadlineExceeded:
		kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	}
	return &Error{Provider: provider, Kind: kind, Err: err}
}

// statusError builds the error for a non-success HTTP status.
func statusError(provider string, status int, body string) *Error {
	kind := KindBadStatus
	switch {
	case status == 429:
		kind = KindRateLimit
	case status >= 500:
		kind = KindUnavailable
	}
	return &Error{Provider: provider, Kind: kind, Status: status, Err: fmt.Errorf("unexpected status: %s", body)}
}

// Registry maps provider names to instances. It is built once at startup
// and never mutated afterwards.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(ps))}
	for _, p := range ps {
		r.providers[p.Name()] = p
	}
	return r
}

// Lookup returns the provider registered under name.
func (r *Registry) Lookup(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
