// Package transformers bundles the built-in stream transformers. A
// transformer returns a context whose Stream is a new lazy sequence over
// the previous one; observations made at end-of-stream are published
// into the shared metadata.
package transformers

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/TheEntropyCollective/fluxgate/pkg/pipeline"
)

func init() {
	pipeline.RegisterPlugin(pipeline.KindTransformer, "hash", func(cfg map[string]any) (pipeline.Plugin, error) {
		alg := "sha256"
		if v, ok := cfg["algorithm"]; ok {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("config key \"algorithm\": expected string, got %T", v)
			}
			alg = s
		}
		return NewHashTransformer(HashConfig{Algorithm: alg}), nil
	})
}

// HashConfig configures the hash transformer.
type HashConfig struct {
	// Algorithm selects the digest: sha256 (default), sha512, blake2b,
	// or xxh64.
	Algorithm string
}

// HashTransformer computes a digest of the bytes flowing through the
// pipeline without altering them. The digest lands in metadata when the
// stream reaches end-of-stream, so it covers exactly the bytes the sink
// consumed.
type HashTransformer struct {
	pipeline.NopPlugin
	cfg HashConfig
}

// NewHashTransformer creates a hash transformer.
func NewHashTransformer(cfg HashConfig) *HashTransformer {
	if cfg.Algorithm == "" {
		cfg.Algorithm = "sha256"
	}
	return &HashTransformer{cfg: cfg}
}

func (t *HashTransformer) Name() string { return "hash" }

func (t *HashTransformer) ValidateConfig() error {
	_, err := newDigest(t.cfg.Algorithm)
	return err
}

func (t *HashTransformer) Process(ctx context.Context, pc *pipeline.Context) (*pipeline.Context, error) {
	h, err := newDigest(t.cfg.Algorithm)
	if err != nil {
		return nil, pipeline.NewError(pipeline.CodePipelineError, "hash", "unsupported algorithm", err)
	}
	pc.Stream = &hashReader{
		r:    pc.Stream,
		h:    h,
		alg:  t.cfg.Algorithm,
		meta: pc.Metadata,
	}
	return pc, nil
}

func newDigest(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	case "blake2b":
		return blake2b.New256(nil)
	case "xxh64":
		return xxhash.New(), nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", algorithm)
	}
}

// hashReader tees bytes into the digest and publishes it once at EOF.
type hashReader struct {
	r         io.Reader
	h         hash.Hash
	alg       string
	meta      map[string]any
	published bool
}

func (hr *hashReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
	}
	if err == io.EOF && !hr.published {
		hr.published = true
		hr.meta[pipeline.MetaHash] = hex.EncodeToString(hr.h.Sum(nil))
		hr.meta[pipeline.MetaHashAlgorithm] = hr.alg
	}
	return n, err
}
