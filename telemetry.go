package coherence

import (
	"sync"
	"sync/atomic"
	"time"
)

// TelemetryRecord is the per-tick diagnostic record handed to a Sink.
type TelemetryRecord struct {
	At       time.Time      `json:"at"`
	State    CoherenceState `json:"state"`
	Params   CouplingParams `json:"params"`
	Decision DecisionKind   `json:"decision,omitempty"`
	Sample   *FieldSample   `json:"sample,omitempty"`
	Note     string         `json:"note,omitempty"`
}

// Sink receives one record per tick. Record must not block the loop and has
// no error path: a failing sink loses records, never ticks.
type Sink interface {
	Record(TelemetryRecord)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(TelemetryRecord)

// Record implements Sink.
func (f SinkFunc) Record(r TelemetryRecord) { f(r) }

// MultiSink fans a record out to every non-nil sink, in order.
func MultiSink(sinks ...Sink) Sink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return multiSink(out)
}

type multiSink []Sink

func (m multiSink) Record(r TelemetryRecord) {
	for _, s := range m {
		s.Record(r)
	}
}

// MemorySink keeps records in memory. Used by tests and the simulation CLI.
type MemorySink struct {
	mu      sync.Mutex
	records []TelemetryRecord
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{records: make([]TelemetryRecord, 0, 64)}
}

// Record implements Sink.
func (s *MemorySink) Record(r TelemetryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
}

// Records returns a copy of everything recorded.
func (s *MemorySink) Records() []TelemetryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TelemetryRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Len returns the number of records.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// QueuedSink decouples the loop from a slow sink with a bounded queue.
// When the queue is full the record is dropped and counted.
type QueuedSink struct {
	next  Sink
	queue chan TelemetryRecord
	done  chan struct{}

	mu     sync.RWMutex // Guards closed against sends on a closed queue
	closed bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// DefaultQueueCapacity is used when NewQueuedSink gets a capacity below 1.
const DefaultQueueCapacity = 256

// NewQueuedSink starts a goroutine forwarding records to next.
func NewQueuedSink(next Sink, capacity int) *QueuedSink {
	if capacity < 1 {
		capacity = DefaultQueueCapacity
	}
	q := &QueuedSink{
		next:  next,
		queue: make(chan TelemetryRecord, capacity),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

// Record enqueues without blocking.
func (q *QueuedSink) Record(r TelemetryRecord) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Add(1)
		return
	}
	select {
	case q.queue <- r:
	default:
		q.dropped.Add(1)
	}
}

// Close stops accepting records, drains the queue and waits for delivery.
// Close is idempotent.
func (q *QueuedSink) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.queue)
	}
	q.mu.Unlock()
	<-q.done
}

// Dropped returns how many records were discarded.
func (q *QueuedSink) Dropped() uint64 {
	return q.dropped.Load()
}

// Delivered returns how many records reached the wrapped sink.
func (q *QueuedSink) Delivered() uint64 {
	return q.delivered.Load()
}

func (q *QueuedSink) run() {
	defer close(q.done)
	for r := range q.queue {
		q.deliver(r)
	}
}

func (q *QueuedSink) deliver(r TelemetryRecord) {
	if q.next != nil && !safeRecord(q.next, r) {
		q.dropped.Add(1)
		return
	}
	q.delivered.Add(1)
}

// safeRecord hands r to s and reports false if s panicked. A sink failure
// never reaches the loop.
func safeRecord(s Sink, r TelemetryRecord) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	s.Record(r)
	return true
}
