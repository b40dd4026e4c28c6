package usecase

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"portfolio-relay/internal/domain"
)

var testPersona = domain.PersonaConfig{
	InstructionText: "Answer as the portfolio owner.",
	PrimingTurns: []domain.Turn{
		{Role: domain.RoleUser, Text: "From now on, you are me."},
		{Role: domain.RoleModel, Text: "Understood."},
	},
}

func mustAssembler(t *testing.T, policy PersonaPolicy) *Assembler {
	t.Helper()
	a, err := NewAssembler(policy, testPersona, Limits{MaxMessageRunes: 50, MaxHistoryTurns: 4})
	require.NoError(t, err)
	return a
}

func requireCode(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var ucErr *Error
	require.True(t, errors.As(err, &ucErr), "expected *usecase.Error, got %v", err)
	require.Equal(t, code, ucErr.Code)
	if reason != "" {
		require.Equal(t, reason, ucErr.Reason)
	}
}

func TestAssemble_PolicyNone(t *testing.T) {
	history := []domain.Turn{{Role: domain.RoleUser, Text: "q1"}, {Role: domain.RoleModel, Text: "a1"}}
	payload, err := mustAssembler(t, PolicyNone).Assemble("hi", history)
	require.NoError(t, err)
	require.Equal(t, domain.RequestPayload{Turns: []domain.Turn{
		{Role: domain.RoleUser, Text: "q1"},
		{Role: domain.RoleModel, Text: "a1"},
		{Role: domain.RoleUser, Text: "hi"},
	}}, payload)
}

func TestAssemble_PolicySystem(t *testing.T) {
	payload, err := mustAssembler(t, PolicySystem).Assemble("hi", nil)
	require.NoError(t, err)
	require.Equal(t, testPersona.InstructionText, payload.SystemInstruction)
	require.Equal(t, []domain.Turn{{Role: domain.RoleUser, Text: "hi"}}, payload.Turns)
}

func TestAssemble_PrimingAlwaysFirst(t *testing.T) {
	a := mustAssembler(t, PolicyPriming)
	histories := [][]domain.Turn{
		nil,
		{},
		{{Role: domain.RoleUser, Text: "q1"}},
		{{Role: domain.RoleUser, Text: "q1"}, {Role: domain.RoleModel, Text: "a1"}, {Role: domain.RoleUser, Text: "q2"}},
	}
	for _, h := range histories {
		payload, err := a.Assemble("next", h)
		require.NoError(t, err)
		require.Len(t, payload.Turns, len(h)+3)
		require.Equal(t, testPersona.PrimingTurns, payload.Turns[:2])
		require.Equal(t, domain.Turn{Role: domain.RoleUser, Text: "next"}, payload.Turns[len(payload.Turns)-1])
		require.Empty(t, payload.SystemInstruction)
	}
}

func TestAssemble_RePrimesEveryCall(t *testing.T) {
	a := mustAssembler(t, PolicyPriming)
	first, err := a.Assemble("one", nil)
	require.NoError(t, err)
	second, err := a.Assemble("two", first.Turns)
	require.NoError(t, err)
	require.Equal(t, testPersona.PrimingTurns, second.Turns[:2])
}

func TestAssemble_RejectsBlankMessageForEveryPolicy(t *testing.T) {
	for _, policy := range []PersonaPolicy{PolicyNone, PolicyPriming, PolicySystem} {
		a := mustAssembler(t, policy)
		for _, msg := range []string{"", " ", "\t\n", "\u00a0 "} {
			_, err := a.Assemble(msg, testPersona.PrimingTurns)
			requireCode(t, err, ErrorInvalidInput, "empty_message")
		}
	}
}

func TestAssemble_Limits(t *testing.T) {
	a := mustAssembler(t, PolicyNone)

	_, err := a.Assemble(strings.Repeat("é", 50), nil)
	require.NoError(t, err)

	_, err = a.Assemble(strings.Repeat("é", 51), nil)
	requireCode(t, err, ErrorInvalidInput, "message_too_long")

	history := make([]domain.Turn, 5)
	_, err = a.Assemble("hi", history)
	requireCode(t, err, ErrorInvalidInput, "history_too_long")
}

func TestAssemble_DoesNotAliasInputs(t *testing.T) {
	persona := testPersona.Clone()
	a, err := NewAssembler(PolicyPriming, persona, Limits{})
	require.NoError(t, err)

	history := []domain.Turn{{Role: domain.RoleUser, Text: "q1"}}
	payload, err := a.Assemble("hi", history)
	require.NoError(t, err)

	payload.Turns[0].Text = "mutated"
	payload.Turns[2].Text = "mutated"
	persona.PrimingTurns[1].Text = "mutated"

	again, err := a.Assemble("hi", history)
	require.NoError(t, err)
	require.Equal(t, "From now on, you are me.", again.Turns[0].Text)
	require.Equal(t, "Understood.", again.Turns[1].Text)
	require.Equal(t, "q1", history[0].Text)
}

func TestAssemble_DoesNotValidateHistoryRoles(t *testing.T) {
	payload, err := mustAssembler(t, PolicyNone).Assemble("hi", []domain.Turn{{Role: "assistant", Text: "x"}})
	require.NoError(t, err)
	require.Equal(t, domain.Role("assistant"), payload.Turns[0].Role)
}

func TestNewAssembler_ConfigErrors(t *testing.T) {
	_, err := NewAssembler(PolicyPriming, domain.PersonaConfig{InstructionText: "x"}, Limits{})
	requireCode(t, err, ErrorConfig, "missing_priming_turns")

	_, err = NewAssembler(PolicySystem, domain.PersonaConfig{}, Limits{})
	requireCode(t, err, ErrorConfig, "missing_instruction")

	_, err = NewAssembler("sometimes", testPersona, Limits{})
	requireCode(t, err, ErrorConfig, "unknown_persona_policy")

	_, err = NewAssembler(PolicyNone, testPersona, Limits{MaxMessageRunes: -1})
	requireCode(t, err, ErrorConfig, "negative_limit")
}

func TestParsePersonaPolicy(t *testing.T) {
	for in, want := range map[string]PersonaPolicy{
		"":          PolicyNone,
		"none":      PolicyNone,
		" Priming ": PolicyPriming,
		"SYSTEM":    PolicySystem,
	} {
		got, err := ParsePersonaPolicy(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParsePersonaPolicy("turns")
	requireCode(t, err, ErrorConfig, "unknown_persona_policy")
}
