package validators

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"strings"

	// Header decoders for the formats the probe understands.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/TheEntropyCollective/fluxgate/pkg/pipeline"
)

func init() {
	pipeline.RegisterPlugin(pipeline.KindValidator, "image_dimensions", func(cfg map[string]any) (pipeline.Plugin, error) {
		c := ImageDimensionsConfig{}
		var err error
		if c.MinWidth, err = confInt(cfg, "min_width", 0); err != nil {
			return nil, err
		}
		if c.MaxWidth, err = confInt(cfg, "max_width", 0); err != nil {
			return nil, err
		}
		if c.MinHeight, err = confInt(cfg, "min_height", 0); err != nil {
			return nil, err
		}
		if c.MaxHeight, err = confInt(cfg, "max_height", 0); err != nil {
			return nil, err
		}
		return NewImageDimensionsValidator(c), nil
	})
}

// absoluteDimensionLimit guards against decompression bombs regardless
// of the configured bounds.
const absoluteDimensionLimit = 100000

// imageProbeSize bounds how much of the stream the header probe buffers.
const imageProbeSize = 64 << 10

// ImageDimensionsConfig configures the dimension probe. Zero disables a
// bound; the absolute guard always applies.
type ImageDimensionsConfig struct {
	MinWidth  int
	MaxWidth  int
	MinHeight int
	MaxHeight int
}

// ImageDimensionsValidator decodes only the image header of a part and
// enforces dimension bounds. Non-image parts pass through untouched; a
// part that claims to be an image but has an undecodable header is
// rejected.
type ImageDimensionsValidator struct {
	pipeline.NopPlugin
	cfg ImageDimensionsConfig
}

// NewImageDimensionsValidator creates an image dimension validator.
func NewImageDimensionsValidator(cfg ImageDimensionsConfig) *ImageDimensionsValidator {
	return &ImageDimensionsValidator{cfg: cfg}
}

func (v *ImageDimensionsValidator) Name() string { return "image_dimensions" }

func (v *ImageDimensionsValidator) ValidateConfig() error {
	if v.cfg.MinWidth < 0 || v.cfg.MaxWidth < 0 || v.cfg.MinHeight < 0 || v.cfg.MaxHeight < 0 {
		return fmt.Errorf("dimension bounds must not be negative")
	}
	if v.cfg.MaxWidth > 0 && v.cfg.MinWidth > v.cfg.MaxWidth {
		return fmt.Errorf("min width exceeds max width")
	}
	if v.cfg.MaxHeight > 0 && v.cfg.MinHeight > v.cfg.MaxHeight {
		return fmt.Errorf("min height exceeds max height")
	}
	return nil
}

func (v *ImageDimensionsValidator) Process(ctx context.Context, pc *pipeline.Context) (*pipeline.Context, error) {
	if !v.isImagePart(pc) {
		return pc, nil
	}

	head := make([]byte, imageProbeSize)
	n, err := io.ReadFull(pc.Stream, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	head = head[:n]

	cfg, format, derr := image.DecodeConfig(bytes.NewReader(head))
	if derr != nil {
		return nil, pipeline.NewError(pipeline.CodeValidationFailed, "image_dimensions",
			"image header could not be decoded", derr)
	}

	if err := v.checkBounds(cfg.Width, cfg.Height); err != nil {
		return nil, err
	}

	pc.Metadata[pipeline.MetaImageWidth] = cfg.Width
	pc.Metadata[pipeline.MetaImageHeight] = cfg.Height
	pc.Metadata["imageFormat"] = format

	pc.Stream = io.MultiReader(bytes.NewReader(head), pc.Stream)
	return pc, nil
}

// isImagePart consults the detected type when an earlier sniff recorded
// one, falling back to the client-declared Content-Type.
func (v *ImageDimensionsValidator) isImagePart(pc *pipeline.Context) bool {
	if detected, ok := pc.Metadata[pipeline.MetaDetectedMimeType].(string); ok {
		return strings.HasPrefix(detected, "image/")
	}
	return strings.HasPrefix(pc.FileInfo.MimeType, "image/")
}

func (v *ImageDimensionsValidator) checkBounds(width, height int) error {
	reject := func(msg string) error {
		return pipeline.NewError(pipeline.CodeValidationFailed, "image_dimensions", msg, nil)
	}
	if width <= 0 || height <= 0 {
		return reject(fmt.Sprintf("invalid image dimensions %dx%d", width, height))
	}
	if width > absoluteDimensionLimit || height > absoluteDimensionLimit {
		return reject(fmt.Sprintf("image dimensions %dx%d exceed the absolute %d px guard",
			width, height, absoluteDimensionLimit))
	}
	if v.cfg.MinWidth > 0 && width < v.cfg.MinWidth {
		return reject(fmt.Sprintf("image width %d below minimum %d", width, v.cfg.MinWidth))
	}
	if v.cfg.MaxWidth > 0 && width > v.cfg.MaxWidth {
		return reject(fmt.Sprintf("image width %d above maximum %d", width, v.cfg.MaxWidth))
	}
	if v.cfg.MinHeight > 0 && height < v.cfg.MinHeight {
		return reject(fmt.Sprintf("image height %d below minimum %d", height, v.cfg.MinHeight))
	}
	if v.cfg.MaxHeight > 0 && height > v.cfg.MaxHeight {
		return reject(fmt.Sprintf("image height %d above maximum %d", height, v.cfg.MaxHeight))
	}
	return nil
}
