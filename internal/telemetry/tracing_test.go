package telemetry

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetup_ExportsSpans(t *testing.T) {
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	var buf bytes.Buffer
	shutdown, err := Setup(Config{Enabled: true, ServiceName: "grotto-bridge", Version: "test", Output: &buf})
	require.NoError(t, err)

	ctx, span := StartSpan(context.Background(), "bridge.session", AttrSessionID.String("s-1"))
	SetAttributes(ctx, AttrShape.String("unary"))
	AddEvent(ctx, "frame", AttrFramesIn.Int(1))
	RecordError(ctx, errors.New("boom"))
	span.End()

	require.NoError(t, shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, `"Name":"bridge.session"`)
	assert.Contains(t, out, "s-1")
	assert.Contains(t, out, "boom")
	assert.Contains(t, out, "grotto-bridge")
}
