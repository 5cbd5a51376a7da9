// Package storage bundles the built-in terminal sinks (local filesystem,
// S3, and an in-memory mock for tests) plus the key naming strategies
// they share.
package storage

import (
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/TheEntropyCollective/fluxgate/pkg/multipart"
	"github.com/TheEntropyCollective/fluxgate/pkg/pipeline"
	"github.com/TheEntropyCollective/fluxgate/pkg/security"
)

// NamingStrategy selects how storage keys are derived from file parts.
type NamingStrategy string

const (
	// NamingUUID keys by a fresh UUID, keeping the original extension.
	NamingUUID NamingStrategy = "uuid"
	// NamingOriginal keys by the sanitized client filename. Collisions
	// overwrite; use only with trusted uploaders.
	NamingOriginal NamingStrategy = "original"
	// NamingTimestamp prefixes the sanitized filename with a
	// nanosecond-resolution UTC timestamp.
	NamingTimestamp NamingStrategy = "timestamp"
)

// Namer derives storage keys for both real sinks.
type Namer struct {
	strategy NamingStrategy
	prefix   string
}

// NewNamer creates a namer. An empty strategy defaults to uuid; prefix,
// when set, becomes a leading key segment.
func NewNamer(strategy NamingStrategy, prefix string) (*Namer, error) {
	if strategy == "" {
		strategy = NamingUUID
	}
	switch strategy {
	case NamingUUID, NamingOriginal, NamingTimestamp:
	default:
		return nil, fmt.Errorf("unknown naming strategy %q", strategy)
	}
	return &Namer{strategy: strategy, prefix: prefix}, nil
}

// KeyFor derives the storage key for one file part. Transformers may
// request a suffix (e.g. ".gz") through metadata.
func (n *Namer) KeyFor(info *multipart.FileInfo, metadata map[string]any) string {
	base := security.SanitizeFilename(info.Filename)

	var key string
	switch n.strategy {
	case NamingOriginal:
		key = base
	case NamingTimestamp:
		key = time.Now().UTC().Format("20060102T150405.000000000") + "_" + base
	default:
		key = uuid.NewString() + path.Ext(base)
	}

	if suffix, ok := metadata[pipeline.MetaStoredSuffix].(string); ok {
		key += suffix
	}
	if n.prefix != "" {
		key = path.Join(n.prefix, key)
	}
	return key
}
