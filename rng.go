package coherence

// LCG is the simulation's linear-congruential generator.
//
//	state ← (1664525·state + 1013904223) mod 2^32
//	Next() = state / (2^32 − 1)
//
// It is chosen for reproducibility, not statistical quality. The recurrence
// is shared with other implementations of the harness; changing it breaks
// trace compatibility.
type LCG struct {
	state uint32
}

const (
	lcgMultiplier = 1664525
	lcgIncrement  = 1013904223
	lcgDivisor    = float64(1<<32 - 1)
)

// NewLCG seeds a generator.
func NewLCG(seed uint32) *LCG {
	return &LCG{state: seed}
}

// Next advances the state and returns a value in [0,1].
func (g *LCG) Next() float64 {
	g.state = lcgMultiplier*g.state + lcgIncrement // uint32 wraps mod 2^32
	return float64(g.state) / lcgDivisor
}

// NextSigned returns a value in [-scale, scale].
func (g *LCG) NextSigned(scale float64) float64 {
	return (g.Next()*2 - 1) * scale
}

// State exposes the raw generator state.
func (g *LCG) State() uint32 {
	return g.state
}
