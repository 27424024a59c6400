package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInvoke_RecordsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	rc := newRecorder()
	rc.fail["bad"] = errors.New("no inputs")
	r, d := setupRegistry(t, rc.compute)

	r.AddSubscriber("bad", d)
	r.AddSubscriber("good", d)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	for _, s := range spans {
		assert.Equal(t, "coordinator.start", s.Name())
	}
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Len(t, spans[0].Events(), 1, "error recorded on the span")
	assert.Equal(t, codes.Ok, spans[1].Status().Code)

	attrs := map[string]string{}
	for _, kv := range spans[1].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "essay", attrs["derive.doc"])
	assert.Equal(t, "good", attrs["derive.token"])
	assert.Equal(t, t.Name(), attrs["derive.kind"])
}

func TestRegistry_Metrics(t *testing.T) {
	rc := newRecorder()
	rc.fail["bad"] = errors.New("no inputs")
	r, d := setupRegistry(t, rc.compute)
	kind := t.Name()

	r.AddSubscriber("bad", d)
	assert.Equal(t, 1.0, testutil.ToFloat64(computationsStarted.WithLabelValues(kind)))
	assert.Equal(t, 1.0, testutil.ToFloat64(computationsFailed.WithLabelValues(kind)))
	assert.Equal(t, 0.0, testutil.ToFloat64(activeComputations.WithLabelValues(kind)))

	r.AddSubscriber("a", d)
	r.AddSubscriber("b", d)
	assert.Equal(t, 1.0, testutil.ToFloat64(activeComputations.WithLabelValues(kind)))
	assert.Equal(t, 1.0, testutil.ToFloat64(pendingSubscribers.WithLabelValues(kind)))
	assert.Equal(t, 1.0, testutil.ToFloat64(coordinatorEntries.WithLabelValues(kind)))

	r.RemoveSubscriber("a", d)
	assert.Equal(t, 1.0, testutil.ToFloat64(computationsStopped.WithLabelValues(kind)))
	assert.Equal(t, 0.0, testutil.ToFloat64(pendingSubscribers.WithLabelValues(kind)))
	assert.Equal(t, 1.0, testutil.ToFloat64(activeComputations.WithLabelValues(kind)))

	r.RemoveSubscriber("b", d)
	assert.Equal(t, 0.0, testutil.ToFloat64(activeComputations.WithLabelValues(kind)))
	assert.Equal(t, 0.0, testutil.ToFloat64(coordinatorEntries.WithLabelValues(kind)))
	assert.Equal(t, 3.0, testutil.ToFloat64(computationsStarted.WithLabelValues(kind)))
}
