// Package authority implements the actuator authority handoff between the
// controller and an RTU, and the monotonic epoch gate both sides use to
// reject replayed writes.
package authority

import (
	"errors"
	"fmt"
	"sync"
)

// Authority errors.
var (
	ErrReplayRejected    = errors.New("authority: epoch not newer than last accepted")
	ErrHandoffDenied     = errors.New("authority: handoff denied")
	ErrInvalidTransition = errors.New("authority: invalid transition")
)

// Gate accepts strictly increasing epochs. The zero value accepts any
// epoch above zero.
type Gate struct {
	mu   sync.Mutex
	last uint32
}

// Accept records epoch if it is newer than every epoch accepted so far.
func (g *Gate) Accept(epoch uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if epoch <= g.last {
		return fmt.Errorf("epoch %d, last %d: %w", epoch, g.last, ErrReplayRejected)
	}
	g.last = epoch
	return nil
}

// Last returns the highest accepted epoch.
func (g *Gate) Last() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Raise moves the floor up to epoch. It never lowers it.
func (g *Gate) Raise(epoch uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if epoch > g.last {
		g.last = epoch
	}
}
