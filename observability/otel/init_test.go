package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitDisabled(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)

	shutdown, err := Init(context.Background(), Config{ServiceName: "settlementd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	require.NotNil(t, Tracer())
}

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = abc ,broken, =x,tenant=ops")
	require.Equal(t, map[string]string{"api-key": "abc", "tenant": "ops"}, headers)
}

func TestSampler(t *testing.T) {
	require.Contains(t, Config{}.sampler().Description(), "AlwaysOnSampler")
	require.Contains(t, Config{SampleRatio: 0.25}.sampler().Description(), "TraceIDRatioBased")
}
