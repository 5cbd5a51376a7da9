package validators

import (
	"context"

	"github.com/TheEntropyCollective/fluxgate/pkg/pipeline"
	"github.com/TheEntropyCollective/fluxgate/pkg/security"
)

// CSRFConfig configures the CSRF validator.
type CSRFConfig struct {
	// HeaderName is the request header carrying the token.
	HeaderName string
	// QueryParam is the fallback query parameter. The request body is
	// the multipart stream itself, so a form-field fallback is not an
	// option here.
	QueryParam string
	// SessionCookie names the cookie identifying the session the token
	// was issued for.
	SessionCookie string
	// Store holds the issued tokens. Required.
	Store *security.TokenStore
}

// CSRFValidator verifies that the request presents the token issued for
// its session. Comparison is constant-time inside the token store.
// Rejections never echo the presented token back.
type CSRFValidator struct {
	pipeline.NopPlugin
	cfg CSRFConfig
}

// NewCSRFValidator creates a CSRF validator backed by the given store.
func NewCSRFValidator(cfg CSRFConfig) *CSRFValidator {
	if cfg.HeaderName == "" {
		cfg.HeaderName = "X-CSRF-Token"
	}
	if cfg.QueryParam == "" {
		cfg.QueryParam = "csrf_token"
	}
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = "session_id"
	}
	return &CSRFValidator{cfg: cfg}
}

func (v *CSRFValidator) Name() string { return "csrf" }

func (v *CSRFValidator) ValidateConfig() error {
	if v.cfg.Store == nil {
		return pipeline.NewError(pipeline.CodePipelineError, "csrf", "token store is required", nil)
	}
	return nil
}

func (v *CSRFValidator) Process(ctx context.Context, pc *pipeline.Context) (*pipeline.Context, error) {
	reject := func(msg string) error {
		return pipeline.NewError(pipeline.CodeCSRFRejected, "csrf", msg, nil)
	}

	r := pc.Request
	if r == nil {
		return nil, reject("no request context available")
	}

	token := r.Header.Get(v.cfg.HeaderName)
	if token == "" {
		token = r.URL.Query().Get(v.cfg.QueryParam)
	}
	if token == "" {
		return nil, reject("missing CSRF token")
	}

	cookie, err := r.Cookie(v.cfg.SessionCookie)
	if err != nil || cookie.Value == "" {
		return nil, reject("missing session")
	}

	if !v.cfg.Store.Verify(cookie.Value, token) {
		return nil, reject("CSRF token mismatch")
	}

	return pc, nil
}
