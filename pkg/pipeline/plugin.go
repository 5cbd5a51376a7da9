package pipeline

import "context"

// Plugin is the uniform capability set every pipeline participant
// implements. Three variants compose a pipeline:
//
//   - Validators inspect the context and return it unchanged, optionally
//     wrapping the stream with a pass-through that fails on observed
//     violations. A validation rejection is an error from Process.
//   - Transformers return a context whose Stream is a new lazy sequence
//     derived from the previous one. They may publish metadata observed
//     at end-of-stream (digests, sizes).
//   - Storage plugins are terminal: Process consumes the stream and
//     returns a context with the Storage descriptor populated.
//
// Plugin instances are process-wide: Initialize runs once before traffic,
// Shutdown once at termination, and Process must be safe for concurrent
// invocations across requests unless the plugin holds per-request
// counters and is documented as per-request (see Resettable).
type Plugin interface {
	// Name identifies the plugin in logs and error messages.
	Name() string

	// Initialize prepares process-wide state. Called once before the
	// plugin sees traffic.
	Initialize(ctx context.Context) error

	// ValidateConfig checks the plugin's configuration. Called before
	// Initialize.
	ValidateConfig() error

	// Process runs the plugin against one file's context and returns the
	// context to hand to the next stage. A plugin that returns an error
	// is assumed to have left no state behind and does not receive
	// Cleanup for that file.
	Process(ctx context.Context, pc *Context) (*Context, error)

	// Cleanup rolls back whatever Process established for this file.
	// Called exactly once, in reverse completion order, when a later
	// stage fails. cause is the originating pipeline error.
	Cleanup(ctx context.Context, pc *Context, cause error) error

	// Shutdown releases process-wide state at termination.
	Shutdown(ctx context.Context) error
}

// StoragePlugin is a terminal sink with rollback support.
type StoragePlugin interface {
	Plugin

	// Delete removes a stored artifact by key, for cleanup and rollback.
	Delete(ctx context.Context, key string) error
}

// Resettable marks a plugin holding per-request counters. The framework
// calls Reset between requests; such plugins are documented per-request
// and must not be shared across concurrently processed requests.
type Resettable interface {
	Reset()
}

// NopPlugin provides no-op lifecycle methods for plugins without
// process-wide state. Embed it and override what matters.
type NopPlugin struct{}

func (NopPlugin) Initialize(ctx context.Context) error { return nil }

func (NopPlugin) ValidateConfig() error { return nil }

func (NopPlugin) Cleanup(ctx context.Context, pc *Context, cause error) error { return nil }

func (NopPlugin) Shutdown(ctx context.Context) error { return nil }
