package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestCollector returns a collector with a controllable clock that
// records every alert.
func newTestCollector(t *testing.T) (*metricsCollector, *time.Time, *[]AlertEvent) {
	t.Helper()
	now := epoch
	var alerts []AlertEvent
	c := newMetricsCollector(func(e AlertEvent) { alerts = append(alerts, e) })
	c.now = func() time.Time { return now }
	return c, &now, &alerts
}

func TestLoginFailureSpikeAlert(t *testing.T) {
	c, _, alerts := newTestCollector(t)
	c.failures.threshold = 5

	for i := 0; i < 4; i++ {
		c.recordEvent(AuditLoginFailure)
	}
	assert.Empty(t, *alerts, "no alert below threshold")

	c.recordEvent(AuditLoginFailure)
	require.Len(t, *alerts, 1)
	assert.Equal(t, AlertLoginFailureSpike, (*alerts)[0].Type)
	assert.Equal(t, 5, (*alerts)[0].Count)
	assert.Equal(t, 5, (*alerts)[0].Threshold)
	assert.Equal(t, epoch, (*alerts)[0].Timestamp)
}

func TestRateLimitSpikeAlert(t *testing.T) {
	c, _, alerts := newTestCollector(t)
	c.rateLimited.threshold = 3

	c.recordEvent(AuditLoginRateLimited)
	c.recordEvent(AuditLoginRateLimited)
	assert.Empty(t, *alerts)

	c.recordEvent(AuditLoginRateLimited)
	require.Len(t, *alerts, 1)
	assert.Equal(t, AlertRateLimitSpike, (*alerts)[0].Type)
	assert.Equal(t, 3, (*alerts)[0].Count)
}

func TestMetricsIgnoresOtherEvents(t *testing.T) {
	c, _, alerts := newTestCollector(t)
	c.failures.threshold = 1
	c.rateLimited.threshold = 1

	c.recordEvent(AuditLoginSuccess)
	c.recordEvent(AuditLogout)
	assert.Empty(t, *alerts)
}

func TestMetricsSlidingWindowExpiry(t *testing.T) {
	c, now, alerts := newTestCollector(t)
	c.failures.threshold = 5
	c.failures.window = time.Minute

	for i := 0; i < 4; i++ {
		c.recordEvent(AuditLoginFailure)
	}
	*now = now.Add(2 * time.Minute)

	c.recordEvent(AuditLoginFailure)
	assert.Empty(t, *alerts, "failures outside the window should not count")
}

func TestMetricsResetAfterAlert(t *testing.T) {
	c, _, alerts := newTestCollector(t)
	c.failures.threshold = 3

	for i := 0; i < 3; i++ {
		c.recordEvent(AuditLoginFailure)
	}
	require.Len(t, *alerts, 1)

	c.recordEvent(AuditLoginFailure)
	c.recordEvent(AuditLoginFailure)
	assert.Len(t, *alerts, 1, "window restarts after an alert")

	c.recordEvent(AuditLoginFailure)
	assert.Len(t, *alerts, 2)
}

func TestMetricsNoAlertWithoutCallback(t *testing.T) {
	c := newMetricsCollector(nil)
	assert.NotPanics(t, func() { c.recordEvent(AuditLoginFailure) })
}

func TestMetricsNilCollector(t *testing.T) {
	var c *metricsCollector
	assert.NotPanics(t, func() { c.recordEvent(AuditLoginFailure) })
}
