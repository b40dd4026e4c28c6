package domain

// PersonaConfig is the process-wide persona loaded once at startup.
// It must not be mutated after construction; use Clone when handing it out.
type PersonaConfig struct {
	InstructionText string `yaml:"instruction"`
	PrimingTurns    []Turn `yaml:"priming"`
}

// Clone returns a deep copy so callers cannot alias the priming slice.
func (p PersonaConfig) Clone() PersonaConfig {
	out := PersonaConfig{InstructionText: p.InstructionText}
	if len(p.PrimingTurns) > 0 {
		out.PrimingTurns = append([]Turn(nil), p.PrimingTurns...)
	}
	return out
}

// IsZero reports whether no persona content is configured.
func (p PersonaConfig) IsZero() bool {
	return p.InstructionText == "" && len(p.PrimingTurns) == 0
}
