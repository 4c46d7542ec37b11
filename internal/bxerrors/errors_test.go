package bxerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructorsSetKind(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want Kind
	}{
		{"no install", NewNoInstallApp("no record"), KindNoInstallApp},
		{"module", NewModuleError("boom", nil, ""), KindModuleError},
		{"network", NewNetworkError("timeout", nil), KindNetworkError},
		{"client", NewClientError(404, nil, "not found"), KindClientError},
		{"server", NewServerError(500, nil, "boom"), KindServerError},
		{"redirect", NewRedirectError("no location"), KindRedirectError},
		{"parse", NewResponseParseError(200, "text/plain"), KindResponseParseError},
		{"unexpected", NewUnexpectedStatus(999), KindUnexpectedStatus},
		{"install", NewInstallError("bad payload", nil, ""), KindInstallError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Kind)
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := NewModuleError("wrapped", cause, "")
	assert.True(t, errors.Is(err, cause), "expected errors.Is to find the wrapped cause")
}

func TestAs(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", NewClientError(403, nil, "forbidden"))
	e, ok := As(wrapped)
	require.True(t, ok, "expected As to find the wrapped *Error")
	assert.Equal(t, KindClientError, e.Kind)
	assert.Equal(t, 403, e.Status)
}

func TestErrorString(t *testing.T) {
	err := NewClientError(404, nil, "not found")
	assert.NotEmpty(t, err.Error())
}

func TestLogProperties(t *testing.T) {
	err := NewClientError(404, map[string]any{"error": "NOT_FOUND"}, "not found")
	props := err.LogProperties()
	assert.Equal(t, string(KindClientError), props["kind"])
	assert.Equal(t, 404, props["status"])
	assert.NotNil(t, props["body"])
}
