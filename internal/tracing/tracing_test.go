package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/zk-share/internal/config"
)

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{Enabled: false}, nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetup_UnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracingConfig{Enabled: true, Exporter: "jaeger"}, nil)
	assert.Error(t, err)
}

func TestProvider_StdoutExport(t *testing.T) {
	cfg := config.TracingConfig{
		Enabled:        true,
		ServiceName:    "zk-share-test",
		ServiceVersion: "test",
		Exporter:       "stdout",
		SamplingRatio:  1.0,
	}

	var buf bytes.Buffer
	exp, err := newExporter(context.Background(), cfg, &buf)
	require.NoError(t, err)

	tp := NewProvider(cfg, exp)
	_, span := tp.Tracer("test").Start(context.Background(), "blob.put")
	span.End()

	require.NoError(t, tp.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "blob.put")
	assert.Contains(t, buf.String(), "zk-share-test")
}

func TestProvider_ZeroSamplingDropsSpans(t *testing.T) {
	cfg := config.TracingConfig{ServiceName: "zk-share-test", SamplingRatio: 0}

	var buf bytes.Buffer
	exp, err := newExporter(context.Background(), cfg, &buf)
	require.NoError(t, err)

	tp := NewProvider(cfg, exp)
	_, span := tp.Tracer("test").Start(context.Background(), "dropped")
	span.End()

	require.NoError(t, tp.Shutdown(context.Background()))
	assert.NotContains(t, buf.String(), "dropped")
}
