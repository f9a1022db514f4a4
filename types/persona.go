package types

import "time"

// Temperature bounds accepted for personas and system defaults.
const (
	MinTemperature = 0.0
	MaxTemperature = 2.0
)

// Persona is a named configuration of behavioral instructions and
// model/generation parameters representing one conversational participant.
type Persona struct {
	// Name is the unique, human-chosen primary key.
	Name string `json:"name"`
	// Model is the target model identifier. Empty means "use the
	// system-wide active model".
	Model string `json:"model"`
	// Instructions is the free-text system prompt establishing behavior.
	Instructions string `json:"instructions"`
	// Temperature is the sampling temperature, in [0.0, 2.0].
	Temperature float32 `json:"temperature"`
	// MaxTokens is the maximum response length in tokens, > 0.
	MaxTokens int `json:"max_tokens"`
	// Traits are optional free-form personality traits.
	Traits map[string]string `json:"traits,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Validate checks the generation parameter ranges.
func (p *Persona) Validate() error {
	if p.Name == "" {
		return NewError(ErrValidation, "persona name is required")
	}
	if p.Temperature < MinTemperature || p.Temperature > MaxTemperature {
		return NewError(ErrValidation, "temperature must be between 0.0 and 2.0")
	}
	if p.MaxTokens <= 0 {
		return NewError(ErrValidation, "max_tokens must be positive")
	}
	return nil
}

// Clone returns a deep copy of the persona.
func (p *Persona) Clone() *Persona {
	cp := *p
	if p.Traits != nil {
		cp.Traits = make(map[string]string, len(p.Traits))
		for k, v := range p.Traits {
			cp.Traits[k] = v
		}
	}
	return &cp
}
