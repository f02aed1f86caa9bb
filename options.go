package coherence

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/alexshd/coherence"

// Option customizes a Loop, a simulation run or a sweep.
type Option func(*options)

type options struct {
	logger         *slog.Logger
	sink           Sink
	estimator      Estimator
	tracerProvider trace.TracerProvider

	historyCapacity int
	onDecision      func(Decision)
	runStore        *RunStore
}

func defaultOptions() options {
	return options{
		logger:         slog.Default(),
		estimator:      NewMarginEstimator(),
		tracerProvider: otel.GetTracerProvider(),
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithLogger sets the structured logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSink sends one TelemetryRecord per tick to s.
func WithSink(s Sink) Option {
	return func(o *options) {
		o.sink = s
	}
}

// WithEstimator swaps the estimation strategy.
func WithEstimator(e Estimator) Option {
	return func(o *options) {
		if e != nil {
			o.estimator = e
		}
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider used for run spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithHistoryCapacity sets the sample window of a Loop. Zero keeps
// DefaultHistoryCapacity.
func WithHistoryCapacity(n int) Option {
	return func(o *options) {
		o.historyCapacity = n
	}
}

// WithDecisionHook is called by Loop.Run after every successful tick, with
// the lock released. It is where the caller applies the new params.
func WithDecisionHook(fn func(Decision)) Option {
	return func(o *options) {
		o.onDecision = fn
	}
}

// WithRunStore keeps every finished simulation result in store.
func WithRunStore(store *RunStore) Option {
	return func(o *options) {
		o.runStore = store
	}
}

func (o options) tracer() trace.Tracer {
	return o.tracerProvider.Tracer(instrumentationName)
}
