// Package fluxgate is the framework façade: it accepts a request body,
// drives the streaming multipart parser, dispatches every file part into
// its pipeline, and aggregates the request's fields and per-file results.
package fluxgate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/TheEntropyCollective/fluxgate/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/fluxgate/pkg/multipart"
	"github.com/TheEntropyCollective/fluxgate/pkg/pipeline"
)

// readChunkSize is the unit the façade pulls from the request body.
const readChunkSize = 32 << 10

// Uploader is the process-wide entry point. Build it once, Initialize it
// before traffic, call Process per request, and Shutdown at termination.
type Uploader struct {
	cfg     *Config
	manager *pipeline.Manager
	logger  *logging.Logger

	mu      sync.Mutex
	started bool
}

// New creates an Uploader from the configuration.
func New(cfg *Config) (*Uploader, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("fluxgate")
	}

	manager, err := pipeline.NewManager(cfg.Validators, cfg.Transformers, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	return &Uploader{
		cfg:     cfg,
		manager: manager,
		logger:  logger,
	}, nil
}

// Initialize validates and initializes every configured plugin, in
// declaration order. A failure rolls back the already-initialized
// plugins in reverse before returning.
func (u *Uploader) Initialize(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.started {
		return fmt.Errorf("uploader already initialized")
	}

	plugins := u.manager.Plugins()
	for _, p := range plugins {
		if err := p.ValidateConfig(); err != nil {
			return fmt.Errorf("plugin %s configuration invalid: %w", p.Name(), err)
		}
	}

	var initialized []pipeline.Plugin
	for _, p := range plugins {
		if err := p.Initialize(ctx); err != nil {
			for i := len(initialized) - 1; i >= 0; i-- {
				if serr := initialized[i].Shutdown(ctx); serr != nil {
					u.logger.Warnf("shutdown of plugin %s failed during rollback: %v",
						initialized[i].Name(), serr)
				}
			}
			return fmt.Errorf("plugin %s failed to initialize: %w", p.Name(), err)
		}
		initialized = append(initialized, p)
	}

	u.started = true
	return nil
}

// Shutdown shuts every plugin down in reverse declaration order.
func (u *Uploader) Shutdown(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.started {
		return nil
	}
	u.started = false

	var errs []error
	plugins := u.manager.Plugins()
	for i := len(plugins) - 1; i >= 0; i-- {
		if err := plugins[i].Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: %w", plugins[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Process parses a multipart body and settles every file pipeline. It
// returns when the parser has finished AND every pipeline has settled.
// Once parsing has begun, the returned Result reflects what completed;
// failures before that (uninitialized uploader, unusable Content-Type)
// return a nil Result. The error is the request's first failure, if any.
func (u *Uploader) Process(ctx context.Context, contentType string, body io.Reader) (*Result, error) {
	return u.process(ctx, contentType, body, nil)
}

// ProcessRequest is the HTTP adapter around Process: it reads the
// content type from the request and threads the request handle into
// plugin contexts for caller-identity checks.
func (u *Uploader) ProcessRequest(ctx context.Context, r *http.Request) (*Result, error) {
	return u.process(ctx, r.Header.Get("Content-Type"), r.Body, r)
}

func (u *Uploader) process(ctx context.Context, contentType string, body io.Reader, req *http.Request) (*Result, error) {
	u.mu.Lock()
	started := u.started
	u.mu.Unlock()
	if !started {
		return nil, fmt.Errorf("uploader not initialized")
	}

	boundary, err := multipart.ParseBoundary(contentType)
	if err != nil {
		return nil, err
	}

	u.resetPerRequest()

	limits := u.cfg.Limits.Normalize()
	result := newResult()

	var (
		filesMu     sync.Mutex
		fileResults []*pipeline.FileResult
		fileErrs    []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limits.Files)

	handlers := multipart.Handlers{
		OnField: func(name, value string) {
			result.addField(name, value)
			if u.cfg.OnField != nil {
				u.cfg.OnField(name, value)
			}
		},
		OnFile: func(info *multipart.FileInfo, stream *multipart.PartStream) {
			filesMu.Lock()
			idx := len(fileResults)
			fileResults = append(fileResults, nil)
			fileErrs = append(fileErrs, nil)
			filesMu.Unlock()

			if u.cfg.OnFile != nil {
				u.cfg.OnFile(info)
			}

			// The pipeline goroutine must start in this synchronous
			// turn: the parser's next body write blocks until this
			// consumer reads.
			g.Go(func() error {
				pc := pipeline.NewContext(stream, info, req)
				res, perr := u.manager.Run(gctx, pc)
				filesMu.Lock()
				fileResults[idx] = res
				fileErrs[idx] = perr
				filesMu.Unlock()
				if perr != nil {
					u.logger.Warnf("pipeline failed for file %q (field %q): %v",
						info.Filename, info.FieldName, perr)
				}
				// Pipeline failures are per-file; never poison the group.
				return nil
			})
		},
		OnLimit: func(kind multipart.LimitKind, limit int64) {
			u.logger.Warnf("request exceeded %s limit (%d)", kind, limit)
		},
		OnFinish: func() {
			if u.cfg.OnFinish != nil {
				u.cfg.OnFinish()
			}
		},
	}

	parser, err := multipart.NewParser(boundary, limits, handlers)
	if err != nil {
		return nil, err
	}

	// Cancellation watchdog: destroys the parser (and with it every
	// active part stream) the moment the request context dies.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			parser.Abort(multipart.NewError(multipart.CodeCancelled, "request cancelled", ctx.Err()))
		case <-watchDone:
		}
	}()

	parseErr := u.drive(parser, body)

	// Every pipeline settles before the request settles, whatever the
	// parse outcome.
	g.Wait()

	filesMu.Lock()
	var firstPipelineErr error
	for _, res := range fileResults {
		if res != nil {
			result.Files = append(result.Files, res)
		}
	}
	for _, perr := range fileErrs {
		if perr != nil {
			firstPipelineErr = perr
			break
		}
	}
	filesMu.Unlock()

	requestErr := parseErr
	if requestErr == nil {
		requestErr = firstPipelineErr
	}
	if requestErr != nil {
		if u.cfg.OnError != nil {
			u.cfg.OnError(requestErr)
		}
		return result, requestErr
	}
	return result, nil
}

// drive pumps the body through the parser chunk by chunk.
func (u *Uploader) drive(parser *multipart.Parser, body io.Reader) error {
	buf := make([]byte, readChunkSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := parser.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			return parser.Finish()
		}
		if rerr != nil {
			err := multipart.NewError(multipart.CodeInvalidStream, "request stream failed", rerr)
			parser.Abort(err)
			return err
		}
	}
}

// resetPerRequest applies the explicit reset contract to plugins holding
// per-request counters.
func (u *Uploader) resetPerRequest() {
	for _, p := range u.manager.Plugins() {
		if r, ok := p.(pipeline.Resettable); ok {
			r.Reset()
		}
	}
}
