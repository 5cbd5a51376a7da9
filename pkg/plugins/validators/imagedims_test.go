package validators

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEntropyCollective/fluxgate/pkg/pipeline"
)

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, width, height))))
	return buf.Bytes()
}

func imageContext(t *testing.T, width, height int) *pipeline.Context {
	pc := newTestContext(encodePNG(t, width, height))
	pc.FileInfo.MimeType = "image/png"
	return pc
}

func TestImageDimensionsWithinBounds(t *testing.T) {
	v := NewImageDimensionsValidator(ImageDimensionsConfig{MaxWidth: 100, MaxHeight: 100})

	payload := encodePNG(t, 10, 20)
	pc := imageContext(t, 10, 20)

	out, err := v.Process(context.Background(), pc)
	require.NoError(t, err)
	assert.Equal(t, 10, out.Metadata[pipeline.MetaImageWidth])
	assert.Equal(t, 20, out.Metadata[pipeline.MetaImageHeight])
	assert.Equal(t, "png", out.Metadata["imageFormat"])

	// The probed prefix is re-prepended: the body survives unchanged.
	data, err := io.ReadAll(out.Stream)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestImageDimensionsRejectsOutOfBounds(t *testing.T) {
	tests := []struct {
		name          string
		cfg           ImageDimensionsConfig
		width, height int
	}{
		{"too wide", ImageDimensionsConfig{MaxWidth: 5}, 10, 2},
		{"too tall", ImageDimensionsConfig{MaxHeight: 5}, 2, 10},
		{"too narrow", ImageDimensionsConfig{MinWidth: 50}, 10, 10},
		{"too short", ImageDimensionsConfig{MinHeight: 50}, 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewImageDimensionsValidator(tt.cfg)
			_, err := v.Process(context.Background(), imageContext(t, tt.width, tt.height))
			require.Error(t, err)
			assert.True(t, pipeline.IsCode(err, pipeline.CodeValidationFailed))
		})
	}
}

func TestImageDimensionsRejectsUndecodableImage(t *testing.T) {
	v := NewImageDimensionsValidator(ImageDimensionsConfig{})

	pc := newTestContext([]byte("this is not an image at all"))
	pc.FileInfo.MimeType = "image/png"

	_, err := v.Process(context.Background(), pc)
	require.Error(t, err)
	assert.True(t, pipeline.IsCode(err, pipeline.CodeValidationFailed))
}

func TestImageDimensionsSkipsNonImages(t *testing.T) {
	v := NewImageDimensionsValidator(ImageDimensionsConfig{MaxWidth: 1})

	payload := []byte("plain text payload")
	pc := newTestContext(payload)

	out, err := v.Process(context.Background(), pc)
	require.NoError(t, err)
	data, err := io.ReadAll(out.Stream)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.NotContains(t, out.Metadata, pipeline.MetaImageWidth)
}

func TestImageDimensionsConfigValidation(t *testing.T) {
	require.Error(t, NewImageDimensionsValidator(ImageDimensionsConfig{MinWidth: 10, MaxWidth: 5}).ValidateConfig())
	require.Error(t, NewImageDimensionsValidator(ImageDimensionsConfig{MinHeight: 10, MaxHeight: 5}).ValidateConfig())
	require.NoError(t, NewImageDimensionsValidator(ImageDimensionsConfig{}).ValidateConfig())
}
