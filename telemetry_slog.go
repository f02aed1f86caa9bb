package coherence

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// SlogSink writes telemetry records to a structured logger.
//
// Routine ticks are logged at Debug through a token bucket so a fast loop
// cannot flood the log. Entering couple-down is logged at Warn and leaving it
// at Info; those transitions bypass the limiter.
type SlogSink struct {
	logger  *slog.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	lastKind DecisionKind

	suppressed atomic.Uint64
}

// NewSlogSink returns a sink allowing perSecond routine records with the
// given burst. perSecond <= 0 disables limiting.
func NewSlogSink(logger *slog.Logger, perSecond float64, burst int) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &SlogSink{
		logger:  logger,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Record implements Sink.
func (s *SlogSink) Record(r TelemetryRecord) {
	s.mu.Lock()
	prev := s.lastKind
	s.lastKind = r.Decision
	s.mu.Unlock()

	attrs := recordAttrs(r)

	switch {
	case r.Decision == DecisionCoupleDown && prev != DecisionCoupleDown:
		s.logger.Warn("coupling down", attrs...)
	case prev == DecisionCoupleDown && r.Decision != DecisionCoupleDown:
		s.logger.Info("coupling recovered", attrs...)
	case s.limiter.Allow():
		s.logger.Debug("coherence tick", attrs...)
	default:
		s.suppressed.Add(1)
	}
}

// Suppressed returns how many routine records the limiter dropped.
func (s *SlogSink) Suppressed() uint64 {
	return s.suppressed.Load()
}

func recordAttrs(r TelemetryRecord) []any {
	attrs := []any{
		slog.Time("at", r.At),
		slog.String("decision", string(r.Decision)),
		slog.Float64("margin", r.State.Margin),
		slog.Float64("drift", r.State.Drift),
		slog.Float64("reserve", r.State.Reserve),
		slog.String("horizon", formatHorizon(r.State.Horizon)),
		slog.Group("params",
			slog.Float64("batch", r.Params.BatchSize),
			slog.Float64("concurrency", r.Params.Concurrency),
			slog.Float64("redundancy", r.Params.Redundancy),
			slog.Float64("pace_ms", r.Params.PaceMs),
		),
	}
	if r.Sample != nil {
		attrs = append(attrs,
			slog.Float64("p99_ms", r.Sample.P99Ms),
			slog.Float64("error_rate", r.Sample.ErrorRate))
	}
	if r.Note != "" {
		attrs = append(attrs, slog.String("note", r.Note))
	}
	return attrs
}
