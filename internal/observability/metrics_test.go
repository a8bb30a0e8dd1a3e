package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weaver/internal/store"
)

func TestNewMetricsCollectorDisabled(t *testing.T) {
	collector, err := NewMetricsCollector(MetricsConfig{Enabled: false}, nil)
	require.NoError(t, err)

	// All recording paths must be safe on a disabled collector.
	collector.RecordStoreOp(context.Background(), "memory", "GetWorkflow", time.Now(), nil)
	require.NoError(t, collector.Shutdown(context.Background()))
}

func TestRecordStoreOpNilCollector(t *testing.T) {
	var collector *MetricsCollector
	collector.RecordStoreOp(context.Background(), "memory", "GetWorkflow", time.Now(), nil)
}

func TestInstrumentStoreDisabledPassthrough(t *testing.T) {
	inner := store.NewMemoryStore()

	collector, err := NewMetricsCollector(MetricsConfig{Enabled: false}, nil)
	require.NoError(t, err)

	wrapped := InstrumentStore(inner, "memory", collector)
	assert.Same(t, store.Store(inner), wrapped)

	wrapped = InstrumentStore(inner, "memory", nil)
	assert.Same(t, store.Store(inner), wrapped)
}
