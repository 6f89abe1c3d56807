package component

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Loop adapts a blocking run function into a Component. Stop cancels the
// run context and waits for the function to return.
type Loop struct {
	name   string
	run    func(ctx context.Context) error
	stop   func(ctx context.Context) error
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewLoop returns a component that runs fn until stopped. A non-nil
// onStop runs after fn has returned.
func NewLoop(name string, fn func(ctx context.Context) error, onStop func(ctx context.Context) error, logger *zap.Logger) *Loop {
	return &Loop{name: name, run: fn, stop: onStop, logger: logger}
}

// Name implements Component.
func (l *Loop) Name() string { return l.name }

// Start implements Component.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return errors.New("component: " + l.name + " already started")
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		err := l.run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Error("component exited", zap.String("name", l.name), zap.Error(err))
		}
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
	}()
	return nil
}

// Stop implements Component.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if l.stop != nil {
		return l.stop(ctx)
	}
	return nil
}

// Err returns the error the run function returned, once it has.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
