package usecase

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"portfolio-relay/internal/domain"
)

// PersonaPolicy selects how the persona reaches the upstream model.
type PersonaPolicy string

const (
	// PolicyNone sends history and the new message only.
	PolicyNone PersonaPolicy = "none"
	// PolicyPriming prepends the persona's priming turns on every request.
	PolicyPriming PersonaPolicy = "priming"
	// PolicySystem sends the persona instruction in the systemInstruction field.
	PolicySystem PersonaPolicy = "system"
)

func ParsePersonaPolicy(s string) (PersonaPolicy, error) {
	switch p := PersonaPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyNone, PolicyPriming, PolicySystem:
		return p, nil
	case "":
		return PolicyNone, nil
	default:
		return "", newError(ErrorConfig, "unknown_persona_policy", fmt.Errorf("persona policy %q", s))
	}
}

// Limits bounds client input. Zero disables a limit.
type Limits struct {
	MaxMessageRunes int
	MaxHistoryTurns int
}

// Assembler builds upstream payloads. It keeps no per-request state, so one
// instance serves every request.
type Assembler struct {
	policy  PersonaPolicy
	persona domain.PersonaConfig
	limits  Limits
}

func NewAssembler(policy PersonaPolicy, persona domain.PersonaConfig, limits Limits) (*Assembler, error) {
	switch policy {
	case PolicyNone:
	case PolicyPriming:
		if len(persona.PrimingTurns) == 0 {
			return nil, newError(ErrorConfig, "missing_priming_turns", nil)
		}
	case PolicySystem:
		if strings.TrimSpace(persona.InstructionText) == "" {
			return nil, newError(ErrorConfig, "missing_instruction", nil)
		}
	default:
		return nil, newError(ErrorConfig, "unknown_persona_policy", fmt.Errorf("persona policy %q", policy))
	}
	if limits.MaxMessageRunes < 0 || limits.MaxHistoryTurns < 0 {
		return nil, newError(ErrorConfig, "negative_limit", nil)
	}
	return &Assembler{policy: policy, persona: persona.Clone(), limits: limits}, nil
}

func (a *Assembler) Policy() PersonaPolicy { return a.policy }

// Assemble returns priming ++ history ++ [user:message] (priming only under
// PolicyPriming). History roles are forwarded as given.
func (a *Assembler) Assemble(message string, history []domain.Turn) (domain.RequestPayload, error) {
	if strings.TrimSpace(message) == "" {
		return domain.RequestPayload{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if a.limits.MaxMessageRunes > 0 && utf8.RuneCountInString(message) > a.limits.MaxMessageRunes {
		return domain.RequestPayload{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	if a.limits.MaxHistoryTurns > 0 && len(history) > a.limits.MaxHistoryTurns {
		return domain.RequestPayload{}, newError(ErrorInvalidInput, "history_too_long", nil)
	}

	var priming []domain.Turn
	if a.policy == PolicyPriming {
		priming = a.persona.PrimingTurns
	}

	turns := make([]domain.Turn, 0, len(priming)+len(history)+1)
	turns = append(turns, priming...)
	turns = append(turns, history...)
	turns = append(turns, domain.Turn{Role: domain.RoleUser, Text: message})

	payload := domain.RequestPayload{Turns: turns}
	if a.policy == PolicySystem {
		payload.SystemInstruction = a.persona.InstructionText
	}
	return payload, nil
}
