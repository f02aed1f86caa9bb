package coherence

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidConfig is wrapped by every configuration error. Configuration is
// the only place this package fails; estimation and adaptation never do.
var ErrInvalidConfig = errors.New("coherence: invalid config")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("finite", isFinite); err != nil {
		panic(err)
	}
	return v
}

// isFinite rejects NaN and ±Inf.
func isFinite(fl validator.FieldLevel) bool {
	f := fl.Field()
	if f.Kind() != reflect.Float64 && f.Kind() != reflect.Float32 {
		return false
	}
	v := f.Float()
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Bounds constrains one coupling parameter.
type Bounds struct {
	Floor    float64 `json:"floor" yaml:"floor" validate:"finite"`
	Ceiling  float64 `json:"ceiling" yaml:"ceiling" validate:"finite,gtefield=Floor"`
	MaxDelta float64 `json:"maxDelta" yaml:"maxDelta" validate:"finite,gte=0"` // Rate limit per tick
}

// Clamp bounds v into [Floor, Ceiling]. NaN maps to Floor.
func (b Bounds) Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return b.Floor
	}
	return clamp(v, b.Floor, b.Ceiling)
}

// Damp limits next so it differs from prev by at most MaxDelta.
func (b Bounds) Damp(prev, next float64) float64 {
	return clamp(next, prev-b.MaxDelta, prev+b.MaxDelta)
}

// RelaxPolicy enables gentle couple-up toward a nominal operating point once
// the system is healthy again. Damping keeps the glide back rate-limited.
type RelaxPolicy struct {
	Nominal      CouplingParams `json:"nominal" yaml:"nominal"`
	MarginTarget float64        `json:"marginTarget" yaml:"marginTarget" validate:"gte=0,lte=1"`
	DriftStable  float64        `json:"driftStable" yaml:"driftStable" validate:"gte=0"`
}

// CoherenceConfig is the controller configuration surface.
type CoherenceConfig struct {
	// HorizonMin is the safety threshold in seconds. H below it forces couple-down.
	HorizonMin float64 `json:"horizonMin" yaml:"horizonMin" validate:"gt=0"`

	BatchSize   Bounds `json:"batchSize" yaml:"batchSize"`
	Concurrency Bounds `json:"concurrency" yaml:"concurrency"`
	Redundancy  Bounds `json:"redundancy" yaml:"redundancy"`
	PaceMs      Bounds `json:"paceMs" yaml:"paceMs"`

	// Couple-down increments for the additive dimensions.
	RedundancyStep float64 `json:"redundancyStep" yaml:"redundancyStep" validate:"finite,gte=0"`
	PaceStepMs     float64 `json:"paceStepMs" yaml:"paceStepMs" validate:"finite,gte=0"`

	// Relax is optional; nil means no couple-up.
	Relax *RelaxPolicy `json:"relax,omitempty" yaml:"relax,omitempty"`
}

// DefaultCouplingParams is the nominal operating point used by the defaults.
func DefaultCouplingParams() CouplingParams {
	return CouplingParams{
		BatchSize:   64,
		Concurrency: 16,
		Redundancy:  1,
		PaceMs:      0,
	}
}

// DefaultCoherenceConfig returns conservative defaults.
func DefaultCoherenceConfig() CoherenceConfig {
	return CoherenceConfig{
		HorizonMin:     5.0, // seconds
		BatchSize:      Bounds{Floor: 1, Ceiling: 256, MaxDelta: 8},
		Concurrency:    Bounds{Floor: 1, Ceiling: 64, MaxDelta: 2},
		Redundancy:     Bounds{Floor: 1, Ceiling: 3, MaxDelta: 0.2},
		PaceMs:         Bounds{Floor: 0, Ceiling: 250, MaxDelta: 10},
		RedundancyStep: 0.2,
		PaceStepMs:     10,
		Relax: &RelaxPolicy{
			Nominal:      DefaultCouplingParams(),
			MarginTarget: 0.7,
			DriftStable:  0.02,
		},
	}
}

// Validate checks every constraint and returns an error wrapping
// ErrInvalidConfig that lists all violations.
func (c CoherenceConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return describeValidation(err)
	}
	return nil
}

// describeValidation flattens validator output into one wrapped error.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, describeField(fe))
	}
	return fmt.Errorf("%w:\n  %s", ErrInvalidConfig, strings.Join(problems, "\n  "))
}

func describeField(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "finite":
		return fmt.Sprintf("%s = %v must be finite", field, fe.Value())
	case "gtefield":
		return fmt.Sprintf("%s = %v must be >= %s (floor > ceiling)", field, fe.Value(), fe.Param())
	case "gt":
		return fmt.Sprintf("%s = %v must be > %s", field, fe.Value(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s = %v must be >= %s", field, fe.Value(), fe.Param())
	case "lte":
		return fmt.Sprintf("%s = %v must be <= %s", field, fe.Value(), fe.Param())
	default:
		return fmt.Sprintf("%s = %v fails %q", field, fe.Value(), fe.Tag())
	}
}
