package circuitbreaker

import "time"

// Sample is one recorded request outcome.
type Sample struct {
	Success bool
	At      time.Time
}

// Window is a fixed-capacity ring of the most recent samples. It is not safe
// for concurrent use; the owning Breaker serializes access.
type Window struct {
	samples  []Sample
	next     int
	count    int
	failures int
}

// NewWindow creates a window holding at most capacity samples.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{samples: make([]Sample, capacity)}
}

// Add appends a sample, evicting the oldest one when full.
func (w *Window) Add(success bool, at time.Time) {
	if w.count == len(w.samples) {
		if !w.samples[w.next].Success {
			w.failures--
		}
	} else {
		w.count++
	}
	w.samples[w.next] = Sample{Success: success, At: at}
	if !success {
		w.failures++
	}
	w.next = (w.next + 1) % len(w.samples)
}

// Len returns the number of samples held.
func (w *Window) Len() int { return w.count }

// Capacity returns the maximum number of samples.
func (w *Window) Capacity() int { return len(w.samples) }

// Failures returns the number of failed samples held.
func (w *Window) Failures() int { return w.failures }

// FailurePercent returns failures*100/len, or 0 for an empty window.
func (w *Window) FailurePercent() int {
	if w.count == 0 {
		return 0
	}
	return w.failures * 100 / w.count
}

// Oldest returns the timestamp of the oldest sample held.
func (w *Window) Oldest() (time.Time, bool) {
	if w.count == 0 {
		return time.Time{}, false
	}
	idx := (w.next - w.count + len(w.samples)) % len(w.samples)
	return w.samples[idx].At, true
}

// Reset drops all samples.
func (w *Window) Reset() {
	clear(w.samples)
	w.next, w.count, w.failures = 0, 0, 0
}
