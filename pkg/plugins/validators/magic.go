package validators

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"

	"github.com/TheEntropyCollective/fluxgate/pkg/pipeline"
)

func init() {
	pipeline.RegisterPlugin(pipeline.KindValidator, "magic", func(cfg map[string]any) (pipeline.Plugin, error) {
		allowed, err := confStrings(cfg, "allowed_types")
		if err != nil {
			return nil, err
		}
		sniff, err := confInt(cfg, "sniff_size", 0)
		if err != nil {
			return nil, err
		}
		return NewMagicByteValidator(MagicConfig{AllowedTypes: allowed, SniffSize: sniff}), nil
	})
}

// defaultSniffSize matches the detection window mimetype reads itself.
const defaultSniffSize = 3072

// MagicConfig configures the magic-byte validator.
type MagicConfig struct {
	// AllowedTypes is the MIME allow list. Empty means detect-only: the
	// detected type is recorded but nothing is rejected.
	AllowedTypes []string
	// SniffSize is how many leading bytes to inspect.
	SniffSize int
}

// MagicByteValidator detects the actual content type from the stream's
// leading bytes, ignoring the client-declared Content-Type entirely. The
// sniffed prefix is re-prepended so the downstream stages see the body
// byte-for-byte.
type MagicByteValidator struct {
	pipeline.NopPlugin
	cfg MagicConfig
}

// NewMagicByteValidator creates a magic-byte validator.
func NewMagicByteValidator(cfg MagicConfig) *MagicByteValidator {
	if cfg.SniffSize <= 0 {
		cfg.SniffSize = defaultSniffSize
	}
	return &MagicByteValidator{cfg: cfg}
}

func (v *MagicByteValidator) Name() string { return "magic" }

func (v *MagicByteValidator) ValidateConfig() error {
	for _, t := range v.cfg.AllowedTypes {
		if t == "" {
			return fmt.Errorf("allowed type must not be empty")
		}
	}
	return nil
}

func (v *MagicByteValidator) Process(ctx context.Context, pc *pipeline.Context) (*pipeline.Context, error) {
	head := make([]byte, v.cfg.SniffSize)
	n, err := io.ReadFull(pc.Stream, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	head = head[:n]

	detected := mimetype.Detect(head)
	pc.Metadata[pipeline.MetaDetectedMimeType] = detected.String()

	if len(v.cfg.AllowedTypes) > 0 && !v.allowed(detected) {
		return nil, pipeline.NewError(pipeline.CodeValidationFailed, "magic",
			fmt.Sprintf("detected type %s is not allowed", detected.String()), nil)
	}

	pc.Stream = io.MultiReader(bytes.NewReader(head), pc.Stream)
	return pc, nil
}

// allowed walks the detection hierarchy so an allow list entry like
// text/plain also admits its subtypes.
func (v *MagicByteValidator) allowed(detected *mimetype.MIME) bool {
	for _, t := range v.cfg.AllowedTypes {
		if detected.Is(t) {
			return true
		}
	}
	for parent := detected.Parent(); parent != nil; parent = parent.Parent() {
		for _, t := range v.cfg.AllowedTypes {
			if parent.Is(t) {
				return true
			}
		}
	}
	return false
}
