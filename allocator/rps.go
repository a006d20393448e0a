package allocator

import (
	"sync"
	"time"
)

// rateSampler measures the recent allocation request rate with one-second
// buckets over a sliding window. It drives the sync worker's adaptive
// batch thresholds.
type rateSampler struct {
	mu      sync.Mutex
	window  time.Duration
	buckets map[int64]int64
}

func newRateSampler(window time.Duration) *rateSampler {
	return &rateSampler{
		window:  window,
		buckets: make(map[int64]int64),
	}
}

// Record counts one request in the current second.
func (r *rateSampler) Record() {
	now := time.Now().Unix()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.buckets[now]++
	r.trim(now)
}

// Rate returns requests per second averaged over the window.
func (r *rateSampler) Rate() float64 {
	now := time.Now().Unix()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.trim(now)

	var total int64
	for _, n := range r.buckets {
		total += n
	}
	secs := r.window.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(total) / secs
}

func (r *rateSampler) trim(now int64) {
	horizon := now - int64(r.window.Seconds())
	for sec := range r.buckets {
		if sec < horizon {
			delete(r.buckets, sec)
		}
	}
}
