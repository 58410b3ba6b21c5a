package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertRateLimitSpike    AlertType = "rate_limit_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is called when an anomaly is detected. It runs on the request
// goroutine and should return quickly.
type AlertFunc func(AlertEvent)

// slidingWindow counts events inside a trailing time window and fires once
// the threshold is reached.
type slidingWindow struct {
	times     []time.Time
	window    time.Duration
	threshold int
}

// add records an event at now and reports the count when the threshold is
// reached. The window is reset after firing.
func (s *slidingWindow) add(now time.Time) (int, bool) {
	s.times = append(s.times, now)
	cutoff := now.Add(-s.window)
	start := 0
	for start < len(s.times) && s.times[start].Before(cutoff) {
		start++
	}
	s.times = s.times[start:]
	if len(s.times) < s.threshold {
		return 0, false
	}
	n := len(s.times)
	s.times = s.times[:0]
	return n, true
}

// metricsCollector turns audit events into anomaly alerts.
type metricsCollector struct {
	mu          sync.Mutex
	now         func() time.Time
	failures    slidingWindow
	rateLimited slidingWindow
	alertFn     AlertFunc
}

const (
	defaultLoginFailureWindow    = 1 * time.Minute
	defaultLoginFailureThreshold = 50
	defaultRateLimitWindow       = 1 * time.Minute
	defaultRateLimitThreshold    = 100
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		now:         time.Now,
		failures:    slidingWindow{window: defaultLoginFailureWindow, threshold: defaultLoginFailureThreshold},
		rateLimited: slidingWindow{window: defaultRateLimitWindow, threshold: defaultRateLimitThreshold},
		alertFn:     alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant window.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}

	var (
		alert AlertEvent
		fire  bool
	)
	m.mu.Lock()
	now := m.now()
	switch event {
	case AuditLoginFailure:
		if n, ok := m.failures.add(now); ok {
			alert = AlertEvent{
				Type:      AlertLoginFailureSpike,
				Message:   "login failure rate exceeds threshold",
				Count:     n,
				Threshold: m.failures.threshold,
				Timestamp: now,
			}
			fire = true
		}
	case AuditLoginRateLimited:
		if n, ok := m.rateLimited.add(now); ok {
			alert = AlertEvent{
				Type:      AlertRateLimitSpike,
				Message:   "rate limited login rate exceeds threshold",
				Count:     n,
				Threshold: m.rateLimited.threshold,
				Timestamp: now,
			}
			fire = true
		}
	}
	m.mu.Unlock()

	if fire {
		m.alertFn(alert)
	}
}
