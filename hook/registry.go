package hook

import (
	"log/slog"
	"sync"
)

// Capability identifies a family of hooks, of interface type H.
type Capability[H any] struct {
	name string
}

// NewCapability returns a capability with a name, which must be unique.
func NewCapability[H any](name string) Capability[H] {
	return Capability[H]{name}
}

func (c Capability[H]) Name() string {
	return c.name
}

// Registry holds hooks per capability, and result hooks for all capabilities.
// Chains are created from a registry after all hooks are registered. The zero
// value is an empty registry without logger.
type Registry struct {
	sync.Mutex
	Log       *slog.Logger
	ErrorCode Code // For new chains, DenySoft if Declined.

	hooks       map[string][]any
	resultHooks []ResultHook
}

// NewRegistry returns an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{Log: log}
}

// Register adds h to the end of the hooks for capability c.
func Register[H any](reg *Registry, c Capability[H], h H) {
	reg.Lock()
	defer reg.Unlock()
	if reg.hooks == nil {
		reg.hooks = map[string][]any{}
	}
	reg.hooks[c.name] = append(reg.hooks[c.name], h)
}

// RegisterResultHook adds a result hook, applied to results of all chains
// created afterwards.
func (reg *Registry) RegisterResultHook(h ResultHook) {
	reg.Lock()
	defer reg.Unlock()
	reg.resultHooks = append(reg.resultHooks, h)
}
