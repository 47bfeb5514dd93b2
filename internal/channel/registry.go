package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/claps-dev/claps/internal/task"
)

// Registry owns adapter lifecycle. Adapters are registered in order; the
// first registered adapter is the default notification target. A failure in
// one adapter never blocks the others.
type Registry struct {
	mu       sync.Mutex
	adapters []Adapter
	started  map[string]bool
	inited   map[string]bool
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		started: make(map[string]bool),
		inited:  make(map[string]bool),
		logger:  logger.With().Str("component", "channel-registry").Logger(),
	}
}

// Register adds an adapter. Call before InitAll.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = append(r.adapters, a)
}

// InitAll initializes every adapter, isolating failures. Returns an error
// if no adapter initialized.
func (r *Registry) InitAll(cb Callbacks) error {
	ok := 0
	for _, a := range r.adapters {
		if err := r.safeInit(a, cb); err != nil {
			r.logger.Error().Err(err).Str("adapter", a.Name()).Msg("adapter init failed")
			continue
		}
		r.mu.Lock()
		r.inited[a.Name()] = true
		r.mu.Unlock()
		ok++
	}
	if ok == 0 && len(r.adapters) > 0 {
		return fmt.Errorf("all %d adapters failed to initialize", len(r.adapters))
	}
	return nil
}

// StartAll starts every successfully initialized adapter.
func (r *Registry) StartAll(ctx context.Context) {
	for _, a := range r.adapters {
		r.mu.Lock()
		inited := r.inited[a.Name()]
		r.mu.Unlock()
		if !inited {
			continue
		}
		if err := r.safeStart(ctx, a); err != nil {
			r.logger.Error().Err(err).Str("adapter", a.Name()).Msg("adapter start failed")
			continue
		}
		r.mu.Lock()
		r.started[a.Name()] = true
		r.mu.Unlock()
		r.logger.Info().Str("adapter", a.Name()).Msg("adapter started")
	}
}

// StopAll stops every started adapter.
func (r *Registry) StopAll(ctx context.Context) {
	for _, a := range r.adapters {
		r.mu.Lock()
		started := r.started[a.Name()]
		r.mu.Unlock()
		if !started {
			continue
		}
		if err := r.safeStop(ctx, a); err != nil {
			r.logger.Error().Err(err).Str("adapter", a.Name()).Msg("adapter stop failed")
		}
		r.mu.Lock()
		delete(r.started, a.Name())
		r.mu.Unlock()
	}
}

// Active returns adapters whose Start succeeded, in registration order.
func (r *Registry) Active() []Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		if r.started[a.Name()] {
			out = append(out, a)
		}
	}
	return out
}

// Default returns the first active adapter, or nil.
func (r *Registry) Default() Adapter {
	active := r.Active()
	if len(active) == 0 {
		return nil
	}
	return active[0]
}

// BySource returns the active adapter handling the given source.
func (r *Registry) BySource(source task.Source) Adapter {
	for _, a := range r.Active() {
		if a.Source() == source {
			return a
		}
	}
	return nil
}

// HealthAll returns per-adapter health for active adapters.
func (r *Registry) HealthAll() map[string]error {
	out := make(map[string]error)
	for _, a := range r.Active() {
		out[a.Name()] = r.safeHealth(a)
	}
	return out
}

func (r *Registry) safeInit(a Adapter, cb Callbacks) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("init panic: %v", rec)
		}
	}()
	return a.Init(cb)
}

func (r *Registry) safeStart(ctx context.Context, a Adapter) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("start panic: %v", rec)
		}
	}()
	return a.Start(ctx)
}

func (r *Registry) safeStop(ctx context.Context, a Adapter) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("stop panic: %v", rec)
		}
	}()
	return a.Stop(ctx)
}

func (r *Registry) safeHealth(a Adapter) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("health panic: %v", rec)
		}
	}()
	return a.Health()
}
