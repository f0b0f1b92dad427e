package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedact(t *testing.T) {
	r := NewRedactor()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "json secret field",
			input:    `{"auth_secret":"hunter2","level":"info"}`,
			expected: `{"auth_secret":"[REDACTED]","level":"info"}`,
		},
		{
			name:     "json token field with spaces",
			input:    `{"token" : "abc.def"}`,
			expected: `{"token":"[REDACTED]"}`,
		},
		{
			name:     "query parameter",
			input:    "GET /ws?token=abcdef&x=1",
			expected: "GET /ws?token=[REDACTED]&x=1",
		},
		{
			name:     "bearer token",
			input:    "Authorization: Bearer abc123.def456",
			expected: "Authorization: [REDACTED]",
		},
		{
			name:     "hmac signature",
			input:    "sig " + strings.Repeat("ab", 32),
			expected: "sig [REDACTED]",
		},
		{
			name:     "session traffic untouched",
			input:    `{"jsonrpc":"2.0","id":1,"method":"system_name"}`,
			expected: `{"jsonrpc":"2.0","id":1,"method":"system_name"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, r.Redact(tt.input))
		})
	}
}

func TestAddPattern(t *testing.T) {
	r := NewRedactor()

	require.NoError(t, r.AddPattern(`genesis-[0-9]+`))
	assert.Equal(t, "chain [REDACTED]", r.Redact("chain genesis-42"))

	assert.Error(t, r.AddPattern(`[unclosed`))
}

func TestWrap(t *testing.T) {
	var buf bytes.Buffer
	w := NewRedactor().Wrap(&buf)

	input := []byte(`{"secret":"s3cr3t","message":"client authenticated"}`)
	n, err := w.Write(input)
	require.NoError(t, err)
	assert.Equal(t, len(input), n)
	assert.NotContains(t, buf.String(), "s3cr3t")
	assert.Contains(t, buf.String(), "client authenticated")
}
