package component

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Registry manages the lifecycle of all registered components.
type Registry struct {
	mu         sync.RWMutex
	components map[string]Component
	order      []string
	started    []string
	logger     *zap.Logger
}

// NewRegistry creates a new component registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		components: make(map[string]Component),
		logger:     logger,
	}
}

// Register adds a component. Components start in registration order.
func (r *Registry) Register(c Component) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.Name()
	if _, exists := r.components[name]; exists {
		return fmt.Errorf("component %q already registered", name)
	}

	r.components[name] = c
	r.order = append(r.order, name)
	r.logger.Debug("component registered", zap.String("name", name))
	return nil
}

// StartAll starts every component. If one fails, those already started
// are stopped again in reverse order.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		c := r.components[name]
		r.logger.Info("starting component", zap.String("name", name))
		if err := c.Start(ctx); err != nil {
			r.stopLocked(context.WithoutCancel(ctx))
			return fmt.Errorf("failed to start component %q: %w", name, err)
		}
		r.started = append(r.started, name)
	}
	return nil
}

// StopAll stops started components in reverse order and joins their
// errors.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked(ctx)
}

func (r *Registry) stopLocked(ctx context.Context) error {
	var errs []error
	for i := len(r.started) - 1; i >= 0; i-- {
		name := r.started[i]
		r.logger.Info("stopping component", zap.String("name", name))
		if err := r.components[name].Stop(ctx); err != nil {
			r.logger.Error("failed to stop component", zap.String("name", name), zap.Error(err))
			errs = append(errs, fmt.Errorf("stop %q: %w", name, err))
		}
	}
	r.started = nil
	return errors.Join(errs...)
}

// Get returns a component by name.
func (r *Registry) Get(name string) (Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[name]
	return c, ok
}

// All returns all registered components in registration order.
func (r *Registry) All() []Component {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Component, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.components[name])
	}
	return result
}

// Running reports whether the named component has been started.
func (r *Registry) Running(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.started {
		if n == name {
			return true
		}
	}
	return false
}
