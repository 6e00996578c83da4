// Package monitor tracks background task health for the health endpoint.
package monitor

import (
	"sync"
	"time"
)

// ConsolidationMonitor tracks consolidation health for one tier pair.
type ConsolidationMonitor struct {
	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
}

// RecordSuccess records a successful consolidation batch.
func (cm *ConsolidationMonitor) RecordSuccess() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.lastSuccess = time.Now()
	cm.lastAttempt = time.Now()
	cm.consecutiveErrors = 0
	cm.lastError = ""
}

// RecordFailure records a failed consolidation batch.
func (cm *ConsolidationMonitor) RecordFailure(err error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.lastAttempt = time.Now()
	cm.consecutiveErrors++
	if err != nil {
		cm.lastError = err.Error()
	}
}

// IsHealthy returns true if consolidation for this pair is working.
// Unhealthy conditions:
//   - Attempted but never succeeded
//   - More than 3 consecutive failures
func (cm *ConsolidationMonitor) IsHealthy() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.healthy()
}

func (cm *ConsolidationMonitor) healthy() bool {
	if cm.lastSuccess.IsZero() && !cm.lastAttempt.IsZero() {
		return false
	}
	return cm.consecutiveErrors <= 3
}

// ConsolidationStatus is one pair's status for health checks.
type ConsolidationStatus struct {
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns the pair's current status.
func (cm *ConsolidationMonitor) Status() ConsolidationStatus {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	status := ConsolidationStatus{
		Healthy: cm.healthy(),
	}

	if !cm.lastSuccess.IsZero() {
		status.LastSuccess = cm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = time.Since(cm.lastSuccess).String()
	}

	if !cm.lastAttempt.IsZero() {
		status.LastAttempt = cm.lastAttempt.Format(time.RFC3339)
	}

	if cm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = cm.consecutiveErrors
		status.LastError = cm.lastError
	}

	return status
}

// MonitorSet holds one monitor per tier pair.
type MonitorSet struct {
	mu       sync.Mutex
	monitors map[string]*ConsolidationMonitor
}

// NewMonitorSet creates an empty monitor set.
func NewMonitorSet() *MonitorSet {
	return &MonitorSet{monitors: make(map[string]*ConsolidationMonitor)}
}

// For returns the monitor for a tier pair, creating it on first use.
func (ms *MonitorSet) For(pair string) *ConsolidationMonitor {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cm, ok := ms.monitors[pair]
	if !ok {
		cm = &ConsolidationMonitor{}
		ms.monitors[pair] = cm
	}
	return cm
}

// Status returns every pair's status.
func (ms *MonitorSet) Status() map[string]ConsolidationStatus {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make(map[string]ConsolidationStatus, len(ms.monitors))
	for pair, cm := range ms.monitors {
		out[pair] = cm.Status()
	}
	return out
}

// Healthy reports whether every pair is healthy.
func (ms *MonitorSet) Healthy() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, cm := range ms.monitors {
		if !cm.IsHealthy() {
			return false
		}
	}
	return true
}
