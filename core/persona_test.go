package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPersonaConfig_Validate(t *testing.T) {
	p := PersonaConfig{ID: "concierge", Role: "hotel concierge"}
	assert.NoError(t, p.Validate())

	assert.Error(t, PersonaConfig{Role: "x"}.Validate())
	assert.Error(t, PersonaConfig{ID: "x"}.Validate())
}

func TestPersonaConfig_DisplayName(t *testing.T) {
	assert.Equal(t, "Ada", PersonaConfig{ID: "agent-1", Name: "Ada"}.DisplayName())
	assert.Equal(t, "agent-1", PersonaConfig{ID: "agent-1"}.DisplayName())
}

func TestPersonaConfig_SystemPrompt(t *testing.T) {
	p := PersonaConfig{
		ID:    "sales",
		Name:  "Sam",
		Role:  "sales representative",
		Tone:  "friendly",
		Goals: []string{"qualify the lead", "book a demo"},
		Style: []string{"short sentences"},
	}
	prompt := p.SystemPrompt()

	assert.True(t, strings.HasPrefix(prompt, "You are Sam, acting as: sales representative."))
	assert.Contains(t, prompt, "Tone: friendly.")
	assert.Contains(t, prompt, "- qualify the lead")
	assert.Contains(t, prompt, "- short sentences")
}

func TestPersonaConfig_SystemPrompt_Minimal(t *testing.T) {
	p := PersonaConfig{ID: "greeter", Role: "greeter"}
	assert.Equal(t, "You are greeter, acting as: greeter.", p.SystemPrompt())
}
