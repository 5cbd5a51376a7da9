// Package validators bundles the built-in validation plugins: per-file
// and per-request size caps, magic-byte MIME sniffing, image dimension
// probing, CSRF verification, and client rate limiting. Each validator
// returns the context it received, at most wrapping the stream with a
// pass-through that fails on an observed violation.
package validators

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/TheEntropyCollective/fluxgate/pkg/multipart"
	"github.com/TheEntropyCollective/fluxgate/pkg/pipeline"
)

func init() {
	pipeline.RegisterPlugin(pipeline.KindValidator, "size", func(cfg map[string]any) (pipeline.Plugin, error) {
		maxFile, err := confInt64(cfg, "max_file_size", 0)
		if err != nil {
			return nil, err
		}
		maxTotal, err := confInt64(cfg, "max_total_size", 0)
		if err != nil {
			return nil, err
		}
		return NewSizeValidator(SizeConfig{MaxFileSize: maxFile, MaxTotalSize: maxTotal}), nil
	})
}

// SizeConfig configures the size validator. Zero disables a cap.
type SizeConfig struct {
	// MaxFileSize caps one file's byte count.
	MaxFileSize int64
	// MaxTotalSize caps the running total across all files of one
	// request. A validator with this cap set holds a per-request
	// counter: it must not be shared across concurrent requests, and
	// the framework resets it between requests.
	MaxTotalSize int64
}

// SizeValidator rejects streams that exceed the configured caps. The
// check rides on the stream itself, so the downstream sink observes the
// limit error the moment the violating byte is read.
type SizeValidator struct {
	pipeline.NopPlugin
	cfg   SizeConfig
	total atomic.Int64
}

// NewSizeValidator creates a size validator.
func NewSizeValidator(cfg SizeConfig) *SizeValidator {
	return &SizeValidator{cfg: cfg}
}

func (v *SizeValidator) Name() string { return "size" }

func (v *SizeValidator) ValidateConfig() error {
	if v.cfg.MaxFileSize < 0 || v.cfg.MaxTotalSize < 0 {
		return fmt.Errorf("size caps must not be negative")
	}
	return nil
}

// Reset clears the per-request total. Called by the framework between
// requests per the reset contract.
func (v *SizeValidator) Reset() {
	v.total.Store(0)
}

func (v *SizeValidator) Process(ctx context.Context, pc *pipeline.Context) (*pipeline.Context, error) {
	pc.Stream = &sizeLimitReader{
		r: pc.Stream,
		v: v,
	}
	return pc, nil
}

// sizeLimitReader counts bytes and fails the stream on exceedance.
type sizeLimitReader struct {
	r     io.Reader
	v     *SizeValidator
	count int64
	err   error
}

func (lr *sizeLimitReader) Read(p []byte) (int, error) {
	if lr.err != nil {
		return 0, lr.err
	}
	n, err := lr.r.Read(p)
	if n > 0 {
		lr.count += int64(n)
		total := lr.v.total.Add(int64(n))
		if lr.v.cfg.MaxFileSize > 0 && lr.count > lr.v.cfg.MaxFileSize {
			lr.err = pipeline.NewError(multipart.CodeLimitFileSize, "size",
				fmt.Sprintf("file exceeds %d byte limit", lr.v.cfg.MaxFileSize), nil)
			return 0, lr.err
		}
		if lr.v.cfg.MaxTotalSize > 0 && total > lr.v.cfg.MaxTotalSize {
			lr.err = pipeline.NewError(multipart.CodeLimitTotalSize, "size",
				fmt.Sprintf("request exceeds %d byte total limit", lr.v.cfg.MaxTotalSize), nil)
			return 0, lr.err
		}
	}
	return n, err
}
