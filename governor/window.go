package governor

import (
	"sort"
	"time"
)

// tokenWindow is a fixed-length reservation window aligned to wall-clock
// boundaries. Reservations accumulate until the window rolls over.
type tokenWindow struct {
	start    time.Time
	reserved int
}

// roll resets the window when now has passed the current boundary.
func (w *tokenWindow) roll(now time.Time, length time.Duration) {
	if now.Sub(w.start) >= length {
		w.start = now.Truncate(length)
		w.reserved = 0
	}
}

// reserve attempts to book est tokens against usable capacity. On refusal it
// returns the wait until the next window boundary.
func (w *tokenWindow) reserve(now time.Time, length time.Duration, est, usable int) (bool, time.Duration) {
	w.roll(now, length)
	// An estimate larger than the usable budget is still admitted into an
	// empty window; otherwise the request could never start.
	if w.reserved+est <= usable || w.reserved == 0 {
		w.reserved += est
		return true, 0
	}
	return false, w.start.Add(length).Sub(now)
}

// credit returns unused tokens to the window the reservation was made in.
// If the window has already rolled over the credit is dropped.
func (w *tokenWindow) credit(windowStart time.Time, tokens int) {
	if !w.start.Equal(windowStart) || tokens <= 0 {
		return
	}
	w.reserved -= tokens
	if w.reserved < 0 {
		w.reserved = 0
	}
}

// ratioRing keeps the most recent actual/estimated token ratios for the
// adaptive grounded multiplier.
type ratioRing struct {
	samples []float64
	next    int
	filled  bool
}

const ratioRingSize = 16

func newRatioRing() *ratioRing {
	return &ratioRing{samples: make([]float64, ratioRingSize)}
}

func (r *ratioRing) add(ratio float64) {
	r.samples[r.next] = ratio
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.filled = true
	}
}

func (r *ratioRing) count() int {
	if r.filled {
		return len(r.samples)
	}
	return r.next
}

// median returns the median of recorded samples, or 0 when empty.
func (r *ratioRing) median() float64 {
	n := r.count()
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, r.samples[:n])
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
