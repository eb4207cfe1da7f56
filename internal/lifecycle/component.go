// Package lifecycle starts and stops the long-running pieces of the server
// in dependency order.
package lifecycle

import "context"

// Component is a long-running part of the process managed as a unit.
type Component interface {
	// Start brings the component up. It must be safe to call once per
	// process and should return promptly once the component is usable.
	Start(ctx context.Context) error

	// Stop shuts the component down, honoring the context deadline for
	// in-flight work. Errors are logged by the manager, not fatal.
	Stop(ctx context.Context) error

	// Name identifies the component in logs. Must be non-empty.
	Name() string
}
