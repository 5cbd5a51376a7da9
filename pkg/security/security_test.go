package security

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKeyInBounds(t *testing.T) {
	root := t.TempDir()

	require.NoError(t, ValidateKeyInBounds("file.txt", root))
	require.NoError(t, ValidateKeyInBounds("nested/dir/file.txt", root))

	tests := []struct {
		name string
		key  string
	}{
		{"parent escape", "../outside.txt"},
		{"deep escape", "a/../../outside.txt"},
		{"absolute path", "/etc/passwd"},
		{"empty key", ""},
		{"dot only", "."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, ValidateKeyInBounds(tt.key, root))
		})
	}

	assert.Error(t, ValidateKeyInBounds("file.txt", ""))
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"with spaces.txt", "with_spaces.txt"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\victim\boot.ini`, "boot.ini"},
		{"", "unnamed"},
		{"...", "unnamed"},
		{"héllo wörld.png", "h_llo_w_rld.png"},
		{".hidden", "hidden"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), "input %q", tt.in)
	}
}

func TestTokenStoreIssueAndVerify(t *testing.T) {
	store := NewTokenStore(16, time.Minute)

	token, err := store.Issue("session-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	assert.True(t, store.Verify("session-1", token))
	assert.False(t, store.Verify("session-1", "forged"))
	assert.False(t, store.Verify("session-2", token))
	assert.False(t, store.Verify("session-1", ""))
}

func TestTokenStoreRevoke(t *testing.T) {
	store := NewTokenStore(16, time.Minute)
	token, err := store.Issue("s")
	require.NoError(t, err)

	store.Revoke("s")
	assert.False(t, store.Verify("s", token))
	assert.Zero(t, store.Len())
}

func TestTokenStoreLRUEviction(t *testing.T) {
	store := NewTokenStore(3, time.Minute)

	tokens := make(map[string]string)
	for i := 0; i < 3; i++ {
		session := fmt.Sprintf("s%d", i)
		tok, err := store.Issue(session)
		require.NoError(t, err)
		tokens[session] = tok
	}

	// Touch s0 so s1 becomes the LRU victim.
	require.True(t, store.Verify("s0", tokens["s0"]))

	_, err := store.Issue("s3")
	require.NoError(t, err)

	assert.Equal(t, 3, store.Len())
	assert.True(t, store.Verify("s0", tokens["s0"]))
	assert.False(t, store.Verify("s1", tokens["s1"]))
	assert.True(t, store.Verify("s2", tokens["s2"]))
}

func TestTokenStoreTTLExpiry(t *testing.T) {
	store := NewTokenStore(16, time.Nanosecond)

	token, err := store.Issue("s")
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	assert.False(t, store.Verify("s", token))
	assert.Zero(t, store.Len())
}
