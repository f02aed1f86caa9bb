package coherence

import "sync"

// DefaultHistoryCapacity is the sample window kept by NewSampleHistory(0).
const DefaultHistoryCapacity = 64

// SampleHistory is a fixed-capacity ring buffer of FieldSamples.
//
// When full, the oldest sample is overwritten. Memory use is bounded by the
// capacity and independent of how long the loop runs.
type SampleHistory struct {
	mu         sync.RWMutex
	samples    []FieldSample
	capacity   int
	writeIndex int   // Next write position
	total      int64 // Samples ever pushed (monotonic)
}

// NewSampleHistory creates a history holding at most capacity samples.
// Capacities below 2 are raised to 2 so drift can always be computed.
func NewSampleHistory(capacity int) *SampleHistory {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	if capacity < 2 {
		capacity = 2
	}
	return &SampleHistory{
		samples:  make([]FieldSample, capacity),
		capacity: capacity,
	}
}

// Push appends a sample, evicting the oldest one when the buffer is full.
func (h *SampleHistory) Push(s FieldSample) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples[h.writeIndex] = s
	h.writeIndex = (h.writeIndex + 1) % h.capacity
	h.total++
}

// Len returns the number of samples currently held.
func (h *SampleHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.effectiveLen()
}

// Cap returns the fixed capacity.
func (h *SampleHistory) Cap() int {
	return h.capacity
}

// Total returns how many samples were ever pushed.
func (h *SampleHistory) Total() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// Latest returns the newest sample. ok is false on an empty history.
func (h *SampleHistory) Latest() (FieldSample, bool) {
	last := h.Tail(1)
	if len(last) == 0 {
		return FieldSample{}, false
	}
	return last[0], true
}

// Tail returns up to n of the newest samples, oldest first.
func (h *SampleHistory) Tail(n int) []FieldSample {
	h.mu.RLock()
	defer h.mu.RUnlock()

	size := h.effectiveLen()
	if n > size {
		n = size
	}
	if n <= 0 {
		return nil
	}

	out := make([]FieldSample, n)
	start := h.writeIndex - n
	for i := 0; i < n; i++ {
		idx := (start + i + h.capacity) % h.capacity
		out[i] = h.samples[idx]
	}
	return out
}

// Snapshot returns every held sample, oldest first.
func (h *SampleHistory) Snapshot() []FieldSample {
	return h.Tail(h.capacity)
}

// Reset drops all samples but keeps the allocation.
func (h *SampleHistory) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writeIndex = 0
	h.total = 0
	clear(h.samples)
}

func (h *SampleHistory) effectiveLen() int {
	if h.total < int64(h.capacity) {
		return int(h.total)
	}
	return h.capacity
}
