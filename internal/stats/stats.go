// Package stats samples tunnel byte counters and derives transfer rates and
// session totals.
package stats

import "time"

// CounterSource exposes cumulative byte counters, typically a tunnel.Handle.
type CounterSource interface {
	BytesIn() uint64
	BytesOut() uint64
}

// Sample is one reading of the cumulative counters.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	BytesIn   uint64    `json:"bytes_in"`
	BytesOut  uint64    `json:"bytes_out"`
}

// SessionStats accumulates over the lifetime of one connected tunnel.
type SessionStats struct {
	StartedAt     time.Time     `json:"started_at"`
	BytesInTotal  uint64        `json:"bytes_in_total"`
	BytesOutTotal uint64        `json:"bytes_out_total"`
	PeakRateIn    float64       `json:"peak_rate_in"`
	PeakRateOut   float64       `json:"peak_rate_out"`
	Uptime        time.Duration `json:"uptime"`
}

// Update is published after every sample.
type Update struct {
	Sample  Sample       `json:"sample"`
	RateIn  float64      `json:"rate_in"`
	RateOut float64      `json:"rate_out"`
	Session SessionStats `json:"session"`
	// CounterReset is set when a counter went backwards in this sample.
	CounterReset bool `json:"counter_reset,omitempty"`
}
