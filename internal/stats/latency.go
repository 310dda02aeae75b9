package stats

import (
	"sort"
	"sync"
	"time"
)

// maxSamples caps the samples kept between resets.
const maxSamples = 100000

// LatencyRecorder records latency samples for percentile calculation.
type LatencyRecorder struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	sum     time.Duration
	count   int64
	min     time.Duration
	max     time.Duration
}

// Percentiles summarizes recorded latencies.
type Percentiles struct {
	Count int64         `json:"count"`
	Avg   time.Duration `json:"avg"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	P50   time.Duration `json:"p50"`
	P90   time.Duration `json:"p90"`
	P99   time.Duration `json:"p99"`
}

// NewLatencyRecorder creates a new latency recorder.
func NewLatencyRecorder() *LatencyRecorder {
	return &LatencyRecorder{
		samples: make([]time.Duration, 0, 1024),
		min:     time.Hour,
	}
}

// Record adds a latency sample. Once maxSamples are held, the oldest samples
// are overwritten; count, sum, min and max still cover every sample.
func (r *LatencyRecorder) Record(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) < maxSamples {
		r.samples = append(r.samples, d)
	} else {
		r.samples[r.next] = d
		r.next = (r.next + 1) % maxSamples
	}
	r.sum += d
	r.count++

	if d < r.min {
		r.min = d
	}
	if d > r.max {
		r.max = d
	}
}

// Reset clears all recorded samples.
func (r *LatencyRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
}

func (r *LatencyRecorder) reset() {
	r.samples = r.samples[:0]
	r.next = 0
	r.sum = 0
	r.count = 0
	r.min = time.Hour
	r.max = 0
}

// Percentiles calculates and returns latency percentiles.
func (r *LatencyRecorder) Percentiles() Percentiles {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.percentiles()
}

// Take returns the percentiles and resets the recorder.
func (r *LatencyRecorder) Take() Percentiles {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.percentiles()
	r.reset()
	return p
}

func (r *LatencyRecorder) percentiles() Percentiles {
	if len(r.samples) == 0 {
		return Percentiles{}
	}

	sorted := make([]time.Duration, len(r.samples))
	copy(sorted, r.samples)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	n := len(sorted)
	return Percentiles{
		Count: r.count,
		Avg:   r.sum / time.Duration(r.count),
		Min:   r.min,
		Max:   r.max,
		P50:   sorted[percentileIndex(n, 50)],
		P90:   sorted[percentileIndex(n, 90)],
		P99:   sorted[percentileIndex(n, 99)],
	}
}

func percentileIndex(n int, percentile float64) int {
	idx := int(float64(n) * percentile / 100)
	if idx >= n {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}
