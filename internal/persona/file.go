package persona

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"portfolio-relay/internal/domain"
)

// LoadFile reads a persona definition from a YAML file:
//
//	instruction: "You are ..."
//	priming:
//	  - role: user
//	    text: "..."
//	  - role: model
//	    text: "..."
func LoadFile(path string) (domain.PersonaConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return domain.PersonaConfig{}, errors.New("persona: file path must not be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.PersonaConfig{}, fmt.Errorf("persona: read %s: %w", path, err)
	}
	p, err := Parse(raw)
	if err != nil {
		return domain.PersonaConfig{}, fmt.Errorf("persona: %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a YAML persona document. Unknown keys are rejected so a typo
// does not silently drop priming content.
func Parse(raw []byte) (domain.PersonaConfig, error) {
	var p domain.PersonaConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.PersonaConfig{}, errors.New("persona: document is empty")
		}
		return domain.PersonaConfig{}, fmt.Errorf("persona: decode yaml: %w", err)
	}
	if err := Validate(p); err != nil {
		return domain.PersonaConfig{}, err
	}
	return p, nil
}

// Validate checks priming turns. Persona roles are checked here, once, because
// the assembler never re-validates them.
func Validate(p domain.PersonaConfig) error {
	for i, t := range p.PrimingTurns {
		switch t.Role {
		case domain.RoleUser, domain.RoleModel:
		default:
			return fmt.Errorf("persona: priming[%d]: unknown role %q", i, t.Role)
		}
		if strings.TrimSpace(t.Text) == "" {
			return fmt.Errorf("persona: priming[%d]: text must not be empty", i)
		}
	}
	return nil
}
