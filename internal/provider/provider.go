package provider

import (
	"context"
	"fmt"
	"strings"

	"mediagen/internal/config"
	"mediagen/internal/entity"
)

// Provider identifiers accepted in submit requests.
const (
	ProviderMidjourney = "midjourney"
	ProviderKling      = "kling"
	ProviderRecraft    = "recraft"
	ProviderSeedream   = "seedream"
	ProviderLuma       = "luma"
)

// Capabilities describes what an adapter's upstream API supports.
type Capabilities struct {
	TaskTypes          []string
	Models             []string
	AspectRatios       []string
	SupportedSizes     []string
	SupportedDurations []int
	MaxReferenceImages int
	SupportsCallback   bool
	// SupportsExternalLookup reports whether the upstream API can resolve a
	// client-assigned external_task_id directly. When false, external refs
	// must be canonicalized to a provider task id before polling.
	SupportsExternalLookup bool
}

// SupportsTaskType reports whether the given operation is available.
func (c *Capabilities) SupportsTaskType(taskType string) bool {
	if c == nil {
		return false
	}
	for _, t := range c.TaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

// Adapter is the per-vendor implementation of the shared task protocol:
// validate locally, submit, then observe the task through polling until it
// reaches a terminal state.
type Adapter interface {
	// ProviderID returns the adapter's registry identifier.
	ProviderID() string

	// Capabilities describes supported operations and parameter domains.
	Capabilities() *Capabilities

	// Validate checks the request against the provider's documented
	// constraints without touching the network. Violations surface as
	// *ValidationError naming the offending field.
	Validate(request entity.SubmitTaskRequest) error

	// Submit issues the creation call and returns the provider-assigned
	// task id. Transport failures surface as *SubmissionError, capacity
	// exhaustion as *RateLimitError, credential rejection as *AuthError.
	Submit(ctx context.Context, request entity.SubmitTaskRequest) (string, error)

	// Poll returns the current task snapshot. Safe to call repeatedly and
	// does not consume submission concurrency quota.
	Poll(ctx context.Context, ref entity.TaskRef) (*entity.GenerationTask, error)
}

// CallbackParser is implemented by adapters whose upstream can push webhook
// notifications on terminal state.
type CallbackParser interface {
	// ParseCallback decodes a webhook body into a task snapshot.
	ParseCallback(body []byte) (*entity.GenerationTask, error)
}

// Registry holds the configured adapters keyed by provider id.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry instantiates every adapter whose credentials are configured.
// Providers without an API key are skipped, not failed: a gateway deployment
// rarely carries credentials for all five vendors.
func NewRegistry(cfg config.Config) (*Registry, error) {
	reg := &Registry{adapters: make(map[string]Adapter)}

	if strings.TrimSpace(cfg.MidjourneyAPIKey) != "" {
		adapter, err := NewMidjourney(cfg)
		if err != nil {
			return nil, fmt.Errorf("init midjourney adapter: %w", err)
		}
		reg.adapters[adapter.ProviderID()] = adapter
	}
	if strings.TrimSpace(cfg.KlingAPIKey) != "" {
		adapter, err := NewKling(cfg)
		if err != nil {
			return nil, fmt.Errorf("init kling adapter: %w", err)
		}
		reg.adapters[adapter.ProviderID()] = adapter
	}
	if strings.TrimSpace(cfg.RecraftAPIKey) != "" {
		adapter, err := NewRecraft(cfg)
		if err != nil {
			return nil, fmt.Errorf("init recraft adapter: %w", err)
		}
		reg.adapters[adapter.ProviderID()] = adapter
	}
	if strings.TrimSpace(cfg.ArkAPIKey) != "" {
		adapter, err := NewSeedream(cfg)
		if err != nil {
			return nil, fmt.Errorf("init seedream adapter: %w", err)
		}
		reg.adapters[adapter.ProviderID()] = adapter
	}
	if strings.TrimSpace(cfg.LumaAPIKey) != "" {
		adapter, err := NewLuma(cfg)
		if err != nil {
			return nil, fmt.Errorf("init luma adapter: %w", err)
		}
		reg.adapters[adapter.ProviderID()] = adapter
	}

	return reg, nil
}

// Get returns the adapter for the given provider id.
func (r *Registry) Get(providerID string) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	adapter, ok := r.adapters[strings.ToLower(strings.TrimSpace(providerID))]
	return adapter, ok
}

// IDs returns the registered provider ids.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}

// register is used by tests to install fake adapters.
func (r *Registry) register(adapter Adapter) {
	if r.adapters == nil {
		r.adapters = make(map[string]Adapter)
	}
	r.adapters[adapter.ProviderID()] = adapter
}

// NewRegistryWith builds a registry from explicit adapters. Exposed for the
// service layer's tests.
func NewRegistryWith(adapters ...Adapter) *Registry {
	reg := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		reg.register(a)
	}
	return reg
}
