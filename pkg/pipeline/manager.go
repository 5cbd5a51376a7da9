package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/TheEntropyCollective/fluxgate/pkg/infrastructure/logging"
)

// Manager threads one file part's stream through the configured chain of
// validators, transformers, and storage sinks. One Manager serves the
// whole process; each Run invocation is one pipeline (one file part) and
// owns nothing beyond that file.
//
// The manager keeps an executed-plugins ledger per Run: every plugin that
// returned successfully from Process is recorded, and on a later failure
// each ledger entry receives exactly one Cleanup call in reverse order.
// The failing plugin itself never gets Cleanup — a Process that errors is
// assumed to have left nothing behind.
type Manager struct {
	validators   []Plugin
	transformers []Plugin
	storage      []StoragePlugin
	logger       *logging.Logger
}

// NewManager builds a pipeline manager. At least one storage sink is
// required; validators and transformers are optional.
func NewManager(validators, transformers []Plugin, storage []StoragePlugin, logger *logging.Logger) (*Manager, error) {
	if len(storage) == 0 {
		return nil, NewError(CodePipelineError, "", "at least one storage plugin is required", nil)
	}
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("pipeline")
	}
	return &Manager{
		validators:   validators,
		transformers: transformers,
		storage:      storage,
		logger:       logger,
	}, nil
}

// Plugins returns every configured plugin in declaration order:
// validators, transformers, storage. Used for lifecycle fan-out.
func (m *Manager) Plugins() []Plugin {
	out := make([]Plugin, 0, len(m.validators)+len(m.transformers)+len(m.storage))
	out = append(out, m.validators...)
	out = append(out, m.transformers...)
	for _, s := range m.storage {
		out = append(out, s)
	}
	return out
}

// Run executes the pipeline for one file context and returns the settled
// per-file result. On failure the executed-plugins ledger unwinds in
// reverse order before the originating error is returned; cleanup errors
// are logged, never surfaced.
func (m *Manager) Run(ctx context.Context, pc *Context) (*FileResult, error) {
	source := pc.Stream
	var ledger []Plugin

	fail := func(err error) (*FileResult, error) {
		m.unwind(ctx, ledger, pc, err)
		// Release the source so the parser can drain the remainder of
		// this part instead of blocking on a consumer that went away.
		if c, ok := source.(io.Closer); ok {
			c.Close()
		}
		return nil, err
	}

	for _, v := range m.validators {
		out, err := m.runPlugin(ctx, v, pc)
		if err != nil {
			return fail(err)
		}
		pc = out
		ledger = append(ledger, v)
	}

	for _, t := range m.transformers {
		out, err := m.runPlugin(ctx, t, pc)
		if err != nil {
			return fail(err)
		}
		if out.Stream == nil {
			return fail(NewError(CodeInvalidStream, t.Name(),
				"transformer returned context without stream", nil))
		}
		pc = out
		ledger = append(ledger, t)
	}

	var results []*StorageResult
	if len(m.storage) == 1 {
		sink := m.storage[0]
		out, err := m.runPlugin(ctx, sink, pc)
		if err != nil {
			return fail(err)
		}
		if out.Storage == nil {
			return fail(NewError(CodePipelineError, sink.Name(),
				"storage returned context without result", nil))
		}
		pc = out
		results = []*StorageResult{out.Storage}
	} else {
		var err error
		results, err = m.fanOut(ctx, pc, m.storage)
		if err != nil {
			return fail(err)
		}
		pc.Storage = results[0]
	}

	info := pc.FileInfo
	return &FileResult{
		FieldName: info.FieldName,
		Filename:  info.Filename,
		MimeType:  info.MimeType,
		Size:      results[0].Size,
		Metadata:  pc.Metadata,
		Storage:   results,
	}, nil
}

// runPlugin invokes one Process call and enforces the context contract:
// a non-nil context comes back, and no metadata key set by an earlier
// plugin disappears.
func (m *Manager) runPlugin(ctx context.Context, p Plugin, pc *Context) (*Context, error) {
	before := make([]string, 0, len(pc.Metadata))
	for k := range pc.Metadata {
		before = append(before, k)
	}

	out, err := p.Process(ctx, pc)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, NewError(CodePipelineError, p.Name(), "plugin returned nil context", nil)
	}
	if out.Metadata == nil {
		return nil, NewError(CodePipelineError, p.Name(), "plugin dropped context metadata", nil)
	}
	for _, k := range before {
		if _, ok := out.Metadata[k]; !ok {
			return nil, NewError(CodePipelineError, p.Name(),
				fmt.Sprintf("plugin removed metadata key %q", k), nil)
		}
	}
	return out, nil
}

// unwind delivers Cleanup to every ledger entry in reverse order.
func (m *Manager) unwind(ctx context.Context, ledger []Plugin, pc *Context, cause error) {
	for i := len(ledger) - 1; i >= 0; i-- {
		p := ledger[i]
		if err := p.Cleanup(ctx, pc, cause); err != nil {
			m.logger.Warnf("cleanup failed for plugin %s: %v", p.Name(), err)
		}
	}
}
