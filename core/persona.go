package core

import (
	"fmt"
	"strings"
)

// PersonaConfig is the closed, typed form of an agent card: the persona a
// node embodies while its agent context is active. It is validated when
// loaded so the runtime never deals with half-formed personas.
type PersonaConfig struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name,omitempty" yaml:"name,omitempty"`
	Role     string   `json:"role" yaml:"role"`
	Tone     string   `json:"tone,omitempty" yaml:"tone,omitempty"`
	Goals    []string `json:"goals,omitempty" yaml:"goals,omitempty"`
	Style    []string `json:"style,omitempty" yaml:"style,omitempty"`
	Greeting string   `json:"greeting,omitempty" yaml:"greeting,omitempty"`
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

// Validate checks the minimum shape of a persona card.
func (p PersonaConfig) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("persona: empty id")
	}
	if p.Role == "" {
		return fmt.Errorf("persona %s: empty role", p.ID)
	}
	return nil
}

// DisplayName returns the persona's name, falling back to its id.
func (p PersonaConfig) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// SystemPrompt composes the persona fields into a single instruction block
// suitable as a system message for conversational backends.
func (p PersonaConfig) SystemPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, acting as: %s.", p.DisplayName(), p.Role)
	if p.Tone != "" {
		fmt.Fprintf(&b, "\nTone: %s.", p.Tone)
	}
	if len(p.Goals) > 0 {
		fmt.Fprintf(&b, "\nGoals:\n- %s", strings.Join(p.Goals, "\n- "))
	}
	if len(p.Style) > 0 {
		fmt.Fprintf(&b, "\nStyle constraints:\n- %s", strings.Join(p.Style, "\n- "))
	}
	return b.String()
}
