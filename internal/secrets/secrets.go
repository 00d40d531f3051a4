// Package secrets resolves named secrets at stage-execution time. Resolved
// values are handed to the executor and nowhere else: they are never
// logged, never persisted, and never cached across stages.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound means the named secret does not exist in the backend.
	// Wrapped errors name the missing key, never a value.
	ErrNotFound = errors.New("secret not found")

	// ErrUnavailable means the backend could not be reached. Transient:
	// callers retry with backoff.
	ErrUnavailable = errors.New("secret store unavailable")
)

// Store is the narrow external key lookup interface.
type Store interface {
	Get(ctx context.Context, name, scope string) (string, error)
}

// Resolver resolves a set of secret names within one scope. Resolution is
// performed fresh on every call to respect rotation and keep the exposure
// window small.
type Resolver struct {
	store Store
	scope string
}

func NewResolver(store Store, scope string) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("secret store is required")
	}
	if strings.TrimSpace(scope) == "" {
		return nil, errors.New("scope is required")
	}
	return &Resolver{store: store, scope: scope}, nil
}

// Resolve returns a name to value mapping for every requested name, or
// fails on the first missing or unreachable entry. Names are resolved in
// sorted order so failures are deterministic.
func (r *Resolver) Resolve(ctx context.Context, names []string) (map[string]string, error) {
	sorted := make([]string, 0, len(names))
	for _, name := range names {
		if name = strings.TrimSpace(name); name != "" {
			sorted = append(sorted, name)
		}
	}
	sort.Strings(sorted)

	out := make(map[string]string, len(sorted))
	for _, name := range sorted {
		value, err := r.store.Get(ctx, name, r.scope)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", name, err)
		}
		out[name] = value
	}
	return out, nil
}
