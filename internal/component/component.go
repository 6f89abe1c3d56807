// Package component runs the long-lived parts of the controller (frame
// mux, AR manager, discovery scheduler, telemetry bridge) under one
// start/stop lifecycle.
package component

import "context"

// Component is a unit the controller starts at boot and stops at
// shutdown.
type Component interface {
	// Name returns the component's unique identifier (e.g., "link", "ar").
	Name() string

	// Start begins background work. It must not block.
	Start(ctx context.Context) error

	// Stop shuts the component down and waits for its goroutines.
	Stop(ctx context.Context) error
}
