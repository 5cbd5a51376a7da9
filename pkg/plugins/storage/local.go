package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/TheEntropyCollective/fluxgate/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/fluxgate/pkg/multipart"
	"github.com/TheEntropyCollective/fluxgate/pkg/pipeline"
	"github.com/TheEntropyCollective/fluxgate/pkg/security"
)

func init() {
	pipeline.RegisterPlugin(pipeline.KindStorage, "local", func(cfg map[string]any) (pipeline.Plugin, error) {
		c := LocalConfig{}
		if v, ok := cfg["base_dir"].(string); ok {
			c.BaseDir = v
		}
		if v, ok := cfg["naming"].(string); ok {
			c.Naming = NamingStrategy(v)
		}
		if v, ok := cfg["prefix"].(string); ok {
			c.Prefix = v
		}
		return NewLocalStorage(c)
	})
}

// LocalConfig configures the local filesystem sink.
type LocalConfig struct {
	// BaseDir is the directory all artifacts land under. Required.
	BaseDir string
	// Naming selects the key strategy; default uuid.
	Naming NamingStrategy
	// Prefix becomes a leading key segment (a subdirectory).
	Prefix string
	// FileMode is the artifact permission; default 0644.
	FileMode os.FileMode
}

// LocalStorage writes each file part under BaseDir. The write is atomic:
// bytes spool into a temp file in the same directory tree and a rename
// publishes the artifact, so a failed upload never leaves a partial file
// at its final key.
type LocalStorage struct {
	pipeline.NopPlugin
	cfg    LocalConfig
	namer  *Namer
	logger *logging.Logger
}

// NewLocalStorage creates a local filesystem sink.
func NewLocalStorage(cfg LocalConfig) (*LocalStorage, error) {
	if cfg.FileMode == 0 {
		cfg.FileMode = 0644
	}
	namer, err := NewNamer(cfg.Naming, cfg.Prefix)
	if err != nil {
		return nil, err
	}
	return &LocalStorage{
		cfg:    cfg,
		namer:  namer,
		logger: logging.GetGlobalLogger().WithComponent("storage.local"),
	}, nil
}

func (s *LocalStorage) Name() string { return "local" }

func (s *LocalStorage) ValidateConfig() error {
	if s.cfg.BaseDir == "" {
		return fmt.Errorf("base_dir is required")
	}
	return nil
}

func (s *LocalStorage) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.BaseDir, 0755); err != nil {
		return fmt.Errorf("failed to create base directory: %w", err)
	}
	return nil
}

func (s *LocalStorage) Process(ctx context.Context, pc *pipeline.Context) (*pipeline.Context, error) {
	key := s.namer.KeyFor(pc.FileInfo, pc.Metadata)
	if err := security.ValidateKeyInBounds(key, s.cfg.BaseDir); err != nil {
		return nil, pipeline.NewError(pipeline.CodeStorageFailed, "local", "invalid storage key", err)
	}

	target := filepath.Join(s.cfg.BaseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, pipeline.NewError(pipeline.CodeStorageFailed, "local", "failed to create target directory", err)
	}

	tmp, err := os.CreateTemp(s.cfg.BaseDir, ".upload-*")
	if err != nil {
		return nil, pipeline.NewError(pipeline.CodeStorageFailed, "local", "failed to create temp file", err)
	}

	n, err := io.Copy(tmp, pc.Stream)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, wrapStreamErr("local", "write failed", err)
	}
	if err := tmp.Chmod(s.cfg.FileMode); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, pipeline.NewError(pipeline.CodeStorageFailed, "local", "failed to set permissions", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, pipeline.NewError(pipeline.CodeStorageFailed, "local", "failed to close temp file", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return nil, pipeline.NewError(pipeline.CodeStorageFailed, "local", "failed to publish artifact", err)
	}

	pc.Storage = &pipeline.StorageResult{
		Backend:  "local",
		Key:      key,
		Location: target,
		Size:     n,
		StoredAt: time.Now(),
	}
	return pc, nil
}

// Cleanup removes the published artifact when a sibling sink failed
// after this one succeeded.
func (s *LocalStorage) Cleanup(ctx context.Context, pc *pipeline.Context, cause error) error {
	if pc.Storage == nil || pc.Storage.Backend != "local" {
		return nil
	}
	return s.Delete(ctx, pc.Storage.Key)
}

// Delete removes an artifact by key.
func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	if err := security.ValidateKeyInBounds(key, s.cfg.BaseDir); err != nil {
		return err
	}
	target := filepath.Join(s.cfg.BaseDir, filepath.FromSlash(key))
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact %s: %w", key, err)
	}
	return nil
}

// wrapStreamErr keeps coded stream errors (limit violations, framing
// errors, validator rejections) intact while giving plain I/O failures a
// storage code.
func wrapStreamErr(plugin, message string, err error) error {
	var pe *pipeline.Error
	var me *multipart.Error
	if errors.As(err, &pe) || errors.As(err, &me) {
		return err
	}
	return pipeline.NewError(pipeline.CodeStorageFailed, plugin, message, err)
}
