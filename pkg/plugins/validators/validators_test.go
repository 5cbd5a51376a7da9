package validators

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEntropyCollective/fluxgate/pkg/multipart"
	"github.com/TheEntropyCollective/fluxgate/pkg/pipeline"
	"github.com/TheEntropyCollective/fluxgate/pkg/security"
)

func newTestContext(payload []byte) *pipeline.Context {
	info := &multipart.FileInfo{FieldName: "f", Filename: "x.bin", MimeType: "application/octet-stream"}
	return pipeline.NewContext(strings.NewReader(string(payload)), info, nil)
}

func TestSizeValidatorWithinLimit(t *testing.T) {
	v := NewSizeValidator(SizeConfig{MaxFileSize: 100})
	pc, err := v.Process(context.Background(), newTestContext([]byte("small")))
	require.NoError(t, err)

	data, err := io.ReadAll(pc.Stream)
	require.NoError(t, err)
	assert.Equal(t, "small", string(data))
}

func TestSizeValidatorFileLimitExceeded(t *testing.T) {
	v := NewSizeValidator(SizeConfig{MaxFileSize: 4})
	pc, err := v.Process(context.Background(), newTestContext([]byte("too large")))
	require.NoError(t, err)

	_, err = io.ReadAll(pc.Stream)
	require.Error(t, err)
	assert.True(t, pipeline.IsCode(err, multipart.CodeLimitFileSize))

	// The wrapped stream stays failed on subsequent reads.
	_, err2 := pc.Stream.Read(make([]byte, 1))
	assert.Equal(t, err, err2)
}

func TestSizeValidatorTotalLimitAndReset(t *testing.T) {
	v := NewSizeValidator(SizeConfig{MaxTotalSize: 10})

	// First file: 8 bytes, fine.
	pc, err := v.Process(context.Background(), newTestContext([]byte("12345678")))
	require.NoError(t, err)
	_, err = io.ReadAll(pc.Stream)
	require.NoError(t, err)

	// Second file pushes the request total over.
	pc, err = v.Process(context.Background(), newTestContext([]byte("12345678")))
	require.NoError(t, err)
	_, err = io.ReadAll(pc.Stream)
	require.Error(t, err)
	assert.True(t, pipeline.IsCode(err, multipart.CodeLimitTotalSize))

	// The framework resets the counter between requests.
	v.Reset()
	pc, err = v.Process(context.Background(), newTestContext([]byte("12345678")))
	require.NoError(t, err)
	_, err = io.ReadAll(pc.Stream)
	require.NoError(t, err)
}

func TestMagicByteValidatorDetectOnly(t *testing.T) {
	v := NewMagicByteValidator(MagicConfig{})
	payload := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, make([]byte, 32)...)

	pc, err := v.Process(context.Background(), newTestContext(payload))
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", pc.Metadata[pipeline.MetaDetectedMimeType])

	// The sniffed prefix is re-prepended losslessly.
	data, err := io.ReadAll(pc.Stream)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestMagicByteValidatorRejectsMismatch(t *testing.T) {
	// Declared PNG, actual JPEG magic, allow list admits PNG only.
	v := NewMagicByteValidator(MagicConfig{AllowedTypes: []string{"image/png"}})
	payload := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, make([]byte, 16)...)

	pc := newTestContext(payload)
	pc.FileInfo.MimeType = "image/png"

	_, err := v.Process(context.Background(), pc)
	require.Error(t, err)
	assert.True(t, pipeline.IsCode(err, pipeline.CodeValidationFailed))
	assert.Contains(t, err.Error(), "image/jpeg")
}

func TestMagicByteValidatorRejectsUnknownWithAllowList(t *testing.T) {
	v := NewMagicByteValidator(MagicConfig{AllowedTypes: []string{"image/png"}})

	_, err := v.Process(context.Background(), newTestContext([]byte{0x01, 0x02, 0x03, 0x04}))
	require.Error(t, err)
	assert.True(t, pipeline.IsCode(err, pipeline.CodeValidationFailed))
}

func TestCSRFValidatorAcceptsValidToken(t *testing.T) {
	store := security.NewTokenStore(16, time.Minute)
	token, err := store.Issue("session-1")
	require.NoError(t, err)

	v := NewCSRFValidator(CSRFConfig{Store: store})

	r := httptest.NewRequest("POST", "/upload", nil)
	r.Header.Set("X-CSRF-Token", token)
	r.Header.Set("Cookie", "session_id=session-1")
	pc := newTestContext([]byte("x"))
	pc.Request = r

	_, err = v.Process(context.Background(), pc)
	require.NoError(t, err)
}

func TestCSRFValidatorRejections(t *testing.T) {
	store := security.NewTokenStore(16, time.Minute)
	token, err := store.Issue("session-1")
	require.NoError(t, err)

	v := NewCSRFValidator(CSRFConfig{Store: store})

	tests := []struct {
		name  string
		setup func(pc *pipeline.Context)
	}{
		{"no request", func(pc *pipeline.Context) { pc.Request = nil }},
		{"missing token", func(pc *pipeline.Context) {
			r := httptest.NewRequest("POST", "/upload", nil)
			r.Header.Set("Cookie", "session_id=session-1")
			pc.Request = r
		}},
		{"missing session", func(pc *pipeline.Context) {
			r := httptest.NewRequest("POST", "/upload", nil)
			r.Header.Set("X-CSRF-Token", token)
			pc.Request = r
		}},
		{"token mismatch", func(pc *pipeline.Context) {
			r := httptest.NewRequest("POST", "/upload", nil)
			r.Header.Set("X-CSRF-Token", "forged")
			r.Header.Set("Cookie", "session_id=session-1")
			pc.Request = r
		}},
		{"token for another session", func(pc *pipeline.Context) {
			r := httptest.NewRequest("POST", "/upload", nil)
			r.Header.Set("X-CSRF-Token", token)
			r.Header.Set("Cookie", "session_id=session-2")
			pc.Request = r
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc := newTestContext([]byte("x"))
			tt.setup(pc)
			_, err := v.Process(context.Background(), pc)
			require.Error(t, err)
			assert.True(t, pipeline.IsCode(err, pipeline.CodeCSRFRejected))
		})
	}
}

func TestRateLimitValidatorEnforcesBucket(t *testing.T) {
	v := NewRateLimitValidator(RateLimitConfig{
		RequestsPerSecond: 0.001, // effectively no refill during the test
		Burst:             2,
	})
	require.NoError(t, v.Initialize(context.Background()))
	defer v.Shutdown(context.Background())

	makeCtx := func() *pipeline.Context {
		r := httptest.NewRequest("POST", "/upload", nil)
		r.RemoteAddr = "198.51.100.7:4411"
		pc := newTestContext([]byte("x"))
		pc.Request = r
		return pc
	}

	_, err := v.Process(context.Background(), makeCtx())
	require.NoError(t, err)
	_, err = v.Process(context.Background(), makeCtx())
	require.NoError(t, err)

	_, err = v.Process(context.Background(), makeCtx())
	require.Error(t, err)
	assert.True(t, pipeline.IsCode(err, pipeline.CodeRateLimited))

	var rle *RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Greater(t, rle.RetryAfter, time.Duration(0))
}

func TestRateLimitValidatorKeysByForwardedFor(t *testing.T) {
	v := NewRateLimitValidator(RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1})
	require.NoError(t, v.Initialize(context.Background()))
	defer v.Shutdown(context.Background())

	makeCtx := func(ip string) *pipeline.Context {
		r := httptest.NewRequest("POST", "/upload", nil)
		r.RemoteAddr = "10.0.0.1:1234"
		r.Header.Set("X-Forwarded-For", ip)
		pc := newTestContext([]byte("x"))
		pc.Request = r
		return pc
	}

	_, err := v.Process(context.Background(), makeCtx("203.0.113.5"))
	require.NoError(t, err)
	_, err = v.Process(context.Background(), makeCtx("203.0.113.5"))
	require.Error(t, err)

	// A different client has its own bucket.
	_, err = v.Process(context.Background(), makeCtx("203.0.113.6"))
	require.NoError(t, err)
}

func TestRateLimitValidatorSkipsWithoutRequest(t *testing.T) {
	v := NewRateLimitValidator(RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1})
	_, err := v.Process(context.Background(), newTestContext([]byte("x")))
	require.NoError(t, err)
}
