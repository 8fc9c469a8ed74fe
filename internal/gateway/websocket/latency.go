package websocket

import "sync"

const latencyRingSize = 1024

// latencyRing records per-send latencies in a bounded ring and exposes a
// rolling mean.
type latencyRing struct {
	mu      sync.Mutex
	samples [latencyRingSize]float64
	next    int
	filled  int
}

// record adds one latency sample in milliseconds.
func (r *latencyRing) record(ms float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = ms
	r.next = (r.next + 1) % latencyRingSize
	if r.filled < latencyRingSize {
		r.filled++
	}
}

// mean returns the rolling mean in milliseconds, 0 when empty.
func (r *latencyRing) mean() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filled == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < r.filled; i++ {
		sum += r.samples[i]
	}
	return sum / float64(r.filled)
}
