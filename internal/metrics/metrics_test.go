package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ProcessingMillisAveragesPerType(t *testing.T) {
	m := New()
	m.ObserveDispatch("zone_created", 2*time.Millisecond)
	m.ObserveDispatch("zone_created", 4*time.Millisecond)
	m.ObserveDispatch("health_update", 10*time.Millisecond)

	got := m.ProcessingMillis()
	require.Len(t, got, 2)
	assert.InDelta(t, 3.0, got["zone_created"], 0.001)
	assert.InDelta(t, 10.0, got["health_update"], 0.001)
}

func TestMetrics_ProcessingMillisEmptyBeforeDispatch(t *testing.T) {
	assert.Empty(t, New().ProcessingMillis())
}
