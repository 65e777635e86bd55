package cycle

import "time"

// Debouncer filters a noisy boolean input: a reading must hold for the
// window before it becomes the stable value. The zero reading is assumed
// stable at start.
type Debouncer struct {
	window       time.Duration
	stable       bool
	pending      bool
	pendingSince time.Time
	hasPending   bool
}

// NewDebouncer creates a Debouncer with the given hold window.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{window: window}
}

// Sample feeds one raw reading and returns the stable value.
func (d *Debouncer) Sample(raw bool, now time.Time) bool {
	if raw == d.stable {
		d.hasPending = false
		return d.stable
	}

	if !d.hasPending || d.pending != raw {
		d.pending = raw
		d.pendingSince = now
		d.hasPending = true
		return d.stable
	}

	if now.Sub(d.pendingSince) >= d.window {
		d.stable = raw
		d.hasPending = false
	}
	return d.stable
}

// Stable returns the current stable value without feeding a reading.
func (d *Debouncer) Stable() bool {
	return d.stable
}
