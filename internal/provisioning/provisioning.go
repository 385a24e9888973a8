// Package provisioning abstracts the remote control panels that host
// the services billforge bills for. The lifecycle coordinator drives
// these modules; billing state never changes until the remote call
// succeeds.
package provisioning

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var ErrUnknownModule = errors.New("unknown_provisioning_module")

// ServiceRef carries what a module needs to locate the remote account.
type ServiceRef struct {
	ID       snowflake.ID
	OrgID    snowflake.ID
	ClientID snowflake.ID
	Module   string
	Name     string
	Metadata map[string]any
}

// Module is one control panel integration. Implementations must be
// idempotent; the coordinator retries failed transitions on the next
// run.
type Module interface {
	Key() string
	Activate(ctx context.Context, ref ServiceRef) error
	Suspend(ctx context.Context, ref ServiceRef) error
	Unsuspend(ctx context.Context, ref ServiceRef) error
	Cancel(ctx context.Context, ref ServiceRef) error
}

// Registry resolves a service's module key to an integration. Services
// with no module key resolve to the noop module.
type Registry struct {
	modules map[string]Module
}

func NewRegistry(modules ...Module) *Registry {
	r := &Registry{modules: make(map[string]Module, len(modules)+1)}
	r.register(noopModule{})
	for _, m := range modules {
		r.register(m)
	}
	return r
}

func (r *Registry) register(m Module) {
	r.modules[m.Key()] = m
}

func (r *Registry) Resolve(key string) (Module, error) {
	if key == "" {
		key = NoopKey
	}
	m, ok := r.modules[key]
	if !ok {
		return nil, ErrUnknownModule
	}
	return m, nil
}
