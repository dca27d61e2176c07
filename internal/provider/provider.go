package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat conversation sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tune a single generation call.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Provider is a pluggable LLM backend. Adapters own their wire encoding
// (single-prompt vs. messages array, header authentication).
type Provider interface {
	Name() string
	Available(ctx context.Context) bool
	Generate(ctx context.Context, messages []Message, opts Options) (string, error)
}

// ErrNoProvider is returned when no configured provider can serve a request.
var ErrNoProvider = errors.New("no_provider_available")

// Error wraps a failure from a specific provider.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider_failed: %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Registry maps provider names to adapters.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns registered provider names in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FirstAvailable returns any provider reporting availability, preferring
// the given order and falling back to the remaining providers in name order.
func (r *Registry) FirstAvailable(ctx context.Context, prefer ...string) (Provider, error) {
	tried := make(map[string]bool)
	for _, name := range prefer {
		if p, ok := r.Get(name); ok && !tried[name] {
			tried[name] = true
			if p.Available(ctx) {
				return p, nil
			}
		}
	}
	for _, name := range r.Names() {
		if tried[name] {
			continue
		}
		p, _ := r.Get(name)
		if p.Available(ctx) {
			return p, nil
		}
	}
	return nil, ErrNoProvider
}
