package httpapi

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/yourorg/agentguard/internal/wrapper"
)

// Invocation is the argument every HTTP-exposed operation receives. It is
// what the audit log records as the call's arguments.
type Invocation struct {
	PrincipalID string          `json:"principalId"`
	Input       json.RawMessage `json:"input"`

	remoteIP string
}

// RemoteIP lets session logging record the caller address.
func (i Invocation) RemoteIP() string { return i.remoteIP }

type Operation func(ctx context.Context, inv Invocation) (any, error)

// Registry holds operations wrapped with the audit pipeline.
type Registry struct {
	pipeline *wrapper.Pipeline

	mu  sync.RWMutex
	ops map[string]func(context.Context, Invocation) (any, error)
}

func NewRegistry(pipeline *wrapper.Pipeline) *Registry {
	return &Registry{pipeline: pipeline, ops: map[string]func(context.Context, Invocation) (any, error){}}
}

// Register wraps op under name. md.Operation is set to name.
func (r *Registry) Register(name string, md wrapper.Metadata, op Operation) {
	md.Operation = name
	wrapped := wrapper.Wrap(r.pipeline, md, func(ctx context.Context, inv Invocation) (any, error) {
		return op(ctx, inv)
	})
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[name] = wrapped
}

func (r *Registry) lookup(name string) (func(context.Context, Invocation) (any, error), bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	return op, ok
}

// Names lists registered operations in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Echo returns its input unchanged.
func Echo(_ context.Context, inv Invocation) (any, error) {
	if len(inv.Input) == 0 {
		return nil, nil
	}
	return inv.Input, nil
}
