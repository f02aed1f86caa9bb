package coherence

import "fmt"

// EventKind classifies an injected disturbance.
type EventKind string

const (
	EventJitter     EventKind = "jitter"     // Widens latency spread (tail)
	EventCrosstalk  EventKind = "crosstalk"  // Raises error rate and correlation spikes
	EventCongestion EventKind = "congestion" // Pushes queue slope positive
)

// SimulationEvent is one disturbance on the synthetic timeline.
// It is active on [StartMs, StartMs+DurationMs).
type SimulationEvent struct {
	Kind       EventKind `json:"kind" yaml:"kind" validate:"oneof=jitter crosstalk congestion"`
	StartMs    int64     `json:"startMs" yaml:"startMs" validate:"gte=0"`
	DurationMs int64     `json:"durationMs" yaml:"durationMs" validate:"gt=0"`
	Magnitude  float64   `json:"magnitude" yaml:"magnitude" validate:"gte=0"`
	Label      string    `json:"label,omitempty" yaml:"label,omitempty"`
}

// EndMs is the first instant the event is no longer active.
func (e SimulationEvent) EndMs() int64 {
	return e.StartMs + e.DurationMs
}

// ActiveAt reports whether t falls inside the event window.
func (e SimulationEvent) ActiveAt(tMs int64) bool {
	return e.StartMs <= tMs && tMs < e.EndMs()
}

// SimulationConfig fully determines a simulation run, seed included.
type SimulationConfig struct {
	DurationMs int64  `json:"durationMs" yaml:"durationMs" validate:"gt=0"`
	StepMs     int64  `json:"stepMs" yaml:"stepMs" validate:"gt=0"`
	Seed       uint32 `json:"seed" yaml:"seed"`

	Controller    CoherenceConfig   `json:"controller" yaml:"controller"`
	InitialParams CouplingParams    `json:"initialParams" yaml:"initialParams"`
	Events        []SimulationEvent `json:"events" yaml:"events" validate:"dive"`

	HistoryCapacity   int     `json:"historyCapacity" yaml:"historyCapacity" validate:"gte=0"`
	CollapseMargin    float64 `json:"collapseMargin" yaml:"collapseMargin" validate:"gte=0,lte=1"`
	StableWindowSteps int     `json:"stableWindowSteps" yaml:"stableWindowSteps" validate:"gt=0"`

	// Synthetic field baseline.
	BaseLatencyMs    float64 `json:"baseLatencyMs" yaml:"baseLatencyMs" validate:"gte=0"`
	BaseJitterMs     float64 `json:"baseJitterMs" yaml:"baseJitterMs" validate:"gte=0"`
	NoiseMs          float64 `json:"noiseMs" yaml:"noiseMs" validate:"gte=0"`
	BaseErrorRate    float64 `json:"baseErrorRate" yaml:"baseErrorRate" validate:"gte=0,lte=1"`
	QueueDrainPerSec float64 `json:"queueDrainPerSec" yaml:"queueDrainPerSec" validate:"gte=0"`
}

// DefaultSimulationConfig returns the reference stress timeline: a jitter
// burst, a crosstalk episode that drives margin through the collapse
// threshold, and a queue congestion wave.
func DefaultSimulationConfig() SimulationConfig {
	return SimulationConfig{
		DurationMs:    60_000,
		StepMs:        200,
		Seed:          1337,
		Controller:    DefaultCoherenceConfig(),
		InitialParams: DefaultCouplingParams(),
		Events: []SimulationEvent{
			{Kind: EventJitter, StartMs: 10_000, DurationMs: 8_000, Magnitude: 1.5, Label: "gc-pause storm"},
			{Kind: EventCrosstalk, StartMs: 20_000, DurationMs: 8_000, Magnitude: 0.25, Label: "noisy neighbour"},
			{Kind: EventCongestion, StartMs: 35_000, DurationMs: 10_000, Magnitude: 2.5, Label: "ingest backlog"},
		},
		HistoryCapacity:   DefaultHistoryCapacity,
		CollapseMargin:    0.5,
		StableWindowSteps: 5,
		BaseLatencyMs:     20,
		BaseJitterMs:      2,
		NoiseMs:           2,
		BaseErrorRate:     0.01,
		QueueDrainPerSec:  0.5,
	}
}

// MaxSimulationSteps caps StepCount so a run and its trace stay bounded.
const MaxSimulationSteps = 1_000_000

// Validate checks the run and controller configuration.
func (c SimulationConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return describeValidation(err)
	}
	if c.DurationMs/c.StepMs >= MaxSimulationSteps {
		return fmt.Errorf("%w: durationMs %d / stepMs %d exceeds %d steps",
			ErrInvalidConfig, c.DurationMs, c.StepMs, MaxSimulationSteps)
	}
	return nil
}

// LastEventEndMs is the end of the latest event window, 0 without events.
func (c SimulationConfig) LastEventEndMs() int64 {
	var end int64
	for _, ev := range c.Events {
		end = max(end, ev.EndMs())
	}
	return end
}

// StepCount is the number of ticks in [0, DurationMs] at StepMs spacing.
func (c SimulationConfig) StepCount() int {
	if c.StepMs <= 0 || c.DurationMs < 0 {
		return 0
	}
	return int(c.DurationMs/c.StepMs) + 1
}
