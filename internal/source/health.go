package source

import (
	"sync"
	"time"
)

// Health is a snapshot of the source's recent behaviour.
type Health struct {
	Healthy             bool      `json:"healthy"`
	LastSuccess         time.Time `json:"lastSuccess,omitempty"`
	LastFailure         time.Time `json:"lastFailure,omitempty"`
	LastError           string    `json:"lastError,omitempty"`
	LastDuration        string    `json:"lastDuration,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	CircuitState        string    `json:"circuitState"`
}

type healthTracker struct {
	mu     sync.Mutex
	health Health
}

func (h *healthTracker) success(at time.Time, took time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.health.LastDuration = took.String()
	h.health.LastSuccess = at
	h.health.ConsecutiveFailures = 0
	h.health.LastError = ""
}

func (h *healthTracker) failure(at time.Time, took time.Duration, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.health.LastDuration = took.String()
	h.health.LastFailure = at
	h.health.ConsecutiveFailures++
	h.health.LastError = err.Error()
}

func (h *healthTracker) snapshot(circuit string) Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.health
	out.CircuitState = circuit
	out.Healthy = out.ConsecutiveFailures == 0 && circuit != "open"
	return out
}
