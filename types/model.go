package types

import "time"

// ModelDescriptor describes one model known to the inference backend.
// The Loading flag is transient state owned by the lifecycle manager and
// is never persisted: after a restart it defaults to false until the
// backend is queried again.
type ModelDescriptor struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
	Loading    bool      `json:"loading"`
}

// Settings is the process-wide system configuration record: the active
// model plus the generation defaults used when a persona does not carry
// its own override.
type Settings struct {
	ActiveModel string  `json:"active_model"`
	Temperature float32 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// Validate checks the settings ranges.
func (s *Settings) Validate() error {
	if s.ActiveModel == "" {
		return NewError(ErrValidation, "active_model is required")
	}
	if s.Temperature < MinTemperature || s.Temperature > MaxTemperature {
		return NewError(ErrValidation, "temperature must be between 0.0 and 2.0")
	}
	if s.MaxTokens <= 0 {
		return NewError(ErrValidation, "max_tokens must be positive")
	}
	return nil
}
