package plugin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewContext_DefaultEmitIsNoop(t *testing.T) {
	tokenID := "tok-1"
	pc := NewContext("run-1", nil, "node-2", &tokenID, nil)

	assert.NotPanics(t, func() {
		pc.EmitTelemetry("http_sink", "ok", time.Now())
	})
}

func TestContext_EmitTelemetry_SetsStateAndTokenNeverOperationID(t *testing.T) {
	tokenID := "tok-1"

	var got ExternalCallCompleted

	pc := NewContext("run-1", nil, "node-2", &tokenID, func(e ExternalCallCompleted) {
		got = e
	})

	start := time.Now().Add(-10 * time.Millisecond)
	pc.EmitTelemetry("http_sink", "ok", start)

	require.NotNil(t, got.StateID)
	assert.Equal(t, "node-2", *got.StateID)
	require.NotNil(t, got.TokenID)
	assert.Equal(t, "tok-1", *got.TokenID)
	assert.Nil(t, got.OperationID)
	assert.Equal(t, "http_sink", got.Plugin)
	assert.Equal(t, "ok", got.Status)
	assert.GreaterOrEqual(t, got.LatencyMS, int64(0))
}

func TestContext_EmitLifecycleTelemetry_SetsOperationIDNeverStateOrToken(t *testing.T) {
	var got ExternalCallCompleted

	pc := NewContext("run-1", nil, "node-2", nil, func(e ExternalCallCompleted) {
		got = e
	})

	pc.EmitLifecycleTelemetry("csv_source", "startup", "ok", time.Now())

	require.NotNil(t, got.OperationID)
	assert.Equal(t, "startup", *got.OperationID)
	assert.Nil(t, got.StateID)
	assert.Nil(t, got.TokenID)
}
