package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "motivate", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	// Recorders are no-ops when disabled.
	p.RecordCreated(context.Background(), 100)
	p.RecordSettled(context.Background(), 100, "creator")
	_, done := p.TrackOperation(context.Background(), "escrow.create")
	done(errors.New("boom"))

	require.NoError(t, p.Shutdown(context.Background()))
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	s, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", agg)
	var total int64
	for _, dp := range s.DataPoints {
		total += dp.Value
	}
	return total
}

func TestEscrowMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := NewWithReader(DefaultConfig(), reader)
	require.NoError(t, err)
	ctx := context.Background()

	p.RecordCreated(ctx, 100)
	p.RecordCreated(ctx, 50)
	p.RecordSettled(ctx, 100, "owner")

	m := collect(t, reader)
	require.Equal(t, int64(2), sumOf(t, m["motivate.promises.created"]))
	require.Equal(t, int64(1), sumOf(t, m["motivate.promises.settled"]))
	require.Equal(t, int64(50), sumOf(t, m["motivate.stake.locked"]))
}

func TestTrackOperation(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := NewWithReader(DefaultConfig(), reader)
	require.NoError(t, err)

	_, done := p.TrackOperation(context.Background(), "escrow.resolve")
	done(nil)
	_, done = p.TrackOperation(context.Background(), "escrow.resolve")
	done(errors.New("unauthorized"))

	m := collect(t, reader)
	require.Equal(t, int64(2), sumOf(t, m["motivate.requests.total"]))
	require.Equal(t, int64(1), sumOf(t, m["motivate.errors.total"]))
	require.Equal(t, int64(0), sumOf(t, m["motivate.operations.active"]))
	require.Contains(t, m, "motivate.request.duration")
}
