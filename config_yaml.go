package coherence

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// DecodeSimulationConfig reads a YAML document over DefaultSimulationConfig:
// keys present in the document replace the defaults, absent keys keep them.
// Unknown keys are rejected so typos do not silently fall back to defaults.
// The result is validated.
func DecodeSimulationConfig(r io.Reader) (SimulationConfig, error) {
	cfg := DefaultSimulationConfig()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return SimulationConfig{}, fmt.Errorf("%w: parse yaml: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return SimulationConfig{}, err
	}
	return cfg, nil
}

// EncodeSimulationConfig writes cfg as YAML, the inverse of
// DecodeSimulationConfig.
func EncodeSimulationConfig(w io.Writer, cfg SimulationConfig) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}
