package binding

import (
	"context"
	"sync"

	"krypt.co/dispatch/common/protocol"
	"krypt.co/dispatch/common/transport"
)

//	Registry keeps one Binding per reference so that every handler for the
//	same target shares its connection.
type Registry struct {
	connector transport.Connector
	opts      Options

	mu       sync.Mutex
	bindings map[string]*Binding
}

func NewRegistry(connector transport.Connector, opts Options) *Registry {
	return &Registry{
		connector: connector,
		opts:      opts.withDefaults(),
		bindings:  map[string]*Binding{},
	}
}

func (r *Registry) Options() Options {
	return r.opts
}

func (r *Registry) Get(ref protocol.Reference) *Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := ref.Key()
	b, ok := r.bindings[key]
	if !ok {
		b = NewBinding(ref, r.connector, r.opts)
		r.bindings[key] = b
	}
	return b
}

//	Close closes every binding, waiting up to the configured close timeout
//	for their connections to drain. It returns the first error seen.
func (r *Registry) Close(ctx context.Context) (err error) {
	r.mu.Lock()
	bindings := r.bindings
	r.bindings = map[string]*Binding{}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.opts.CloseTimeout)
	defer cancel()
	for _, b := range bindings {
		if closeErr := b.Close(ctx); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return
}
