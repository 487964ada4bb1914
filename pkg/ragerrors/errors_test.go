package ragerrors

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsKind(t *testing.T) {
	err := InvalidArgument("bad field %s", "query")
	assert.True(t, IsKind(err, KindInvalidArgument))
	assert.False(t, IsKind(err, KindNotFound))

	wrapped := fmt.Errorf("handler: %w", NotFound("conversation %s", "c1"))
	assert.True(t, IsKind(wrapped, KindNotFound))

	assert.False(t, IsKind(errors.New("plain"), KindInternal))
	assert.False(t, IsKind(nil, KindInternal))
}

func TestAllProvidersUnavailableCarriesAttempts(t *testing.T) {
	err := AllProvidersUnavailable([]ProviderError{
		{Provider: "openai", Message: "timeout"},
		{Provider: "ollama", Message: "refused"},
	})

	assert.True(t, err.Retryable)
	require.Len(t, err.ProviderErrors, 2)
	assert.Contains(t, err.Error(), "openai, ollama")
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("root cause")
	err := Internal("something broke", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "root cause")
}

func TestSanitizeRedactsSecrets(t *testing.T) {
	err := fmt.Errorf("call failed: api_key=sk-abc123 at https://api.openai.com/v1/chat")
	msg := Sanitize(err)

	assert.NotContains(t, msg, "sk-abc123")
	assert.NotContains(t, msg, "api.openai.com")
	assert.Contains(t, msg, "[redacted]")
	assert.Contains(t, msg, "[endpoint]")
}

func TestSanitizeCapsLength(t *testing.T) {
	err := errors.New(strings.Repeat("x", 1000))
	msg := Sanitize(err)

	assert.LessOrEqual(t, len(msg), 303)
	assert.True(t, strings.HasSuffix(msg, "..."))
	assert.Empty(t, Sanitize(nil))
}
