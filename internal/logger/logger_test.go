package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_WritesRoleAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "server", "warn")

	l.Info().Msg("dropped")
	l.Warn().Msg("kept")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "server", entry["role"])
	assert.Equal(t, "kept", entry["message"])
	assert.Contains(t, entry, "func")
}

func TestNewLogger_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "server", "loud")

	assert.Equal(t, zerolog.InfoLevel, l.GetLevel())
}

func TestFromContext_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "test", "debug")
	child := l.GetChildLogger()
	child.UpdateContext(func(c zerolog.Context) zerolog.Context {
		return c.Str("trace_id", "abc")
	})

	ctx := child.WithContext(context.Background())
	FromContext(ctx).Info().Msg("hello")

	assert.Contains(t, buf.String(), `"trace_id":"abc"`)
}

func TestFromRequest_WithoutLoggerIsSafe(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	assert.NotPanics(t, func() {
		FromRequest(r).Info().Msg("nothing attached")
	})
}

func TestNop(t *testing.T) {
	assert.Equal(t, zerolog.Disabled, Nop().GetLevel())
}
