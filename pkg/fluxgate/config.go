package fluxgate

import (
	"fmt"

	"github.com/TheEntropyCollective/fluxgate/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/fluxgate/pkg/multipart"
	"github.com/TheEntropyCollective/fluxgate/pkg/pipeline"
)

// Config assembles one Uploader: the parser limits, the per-file plugin
// chain, and the observer callbacks.
type Config struct {
	// Limits are the parser's quantitative caps; zero-valued fields use
	// the documented defaults.
	Limits multipart.Limits

	// Validators run first, in order.
	Validators []pipeline.Plugin

	// Transformers run after validation, in order.
	Transformers []pipeline.Plugin

	// Storage is the terminal sink set. One sink stores directly; more
	// than one fans the stream out with shared back-pressure. Required.
	Storage []pipeline.StoragePlugin

	// Observer callbacks. All fire synchronously with request
	// processing; nil callbacks are skipped.
	OnField  func(name, value string)
	OnFile   func(info *multipart.FileInfo)
	OnFinish func()
	OnError  func(err error)

	// Logger defaults to the global logger.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.Storage) == 0 {
		return fmt.Errorf("at least one storage plugin is required")
	}
	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("invalid limits: %w", err)
	}
	return nil
}
