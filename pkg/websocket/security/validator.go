package security

import (
	"encoding/json"
	"fmt"
)

type ValidationConfig struct {
	MaxMessageSize int
	// EnvelopeFields lists the top-level keys of which at least one must be present
	EnvelopeFields []string
}

type messageValidator struct {
	config ValidationConfig
}

func NewMessageValidator(config ValidationConfig) MessageValidator {
	return &messageValidator{config: config}
}

func (mv *messageValidator) ValidateMessage(message []byte) error {
	if mv.config.MaxMessageSize > 0 && len(message) > mv.config.MaxMessageSize {
		return fmt.Errorf("message too large: %d bytes (max: %d)",
			len(message), mv.config.MaxMessageSize)
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(message, &envelope); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if len(mv.config.EnvelopeFields) == 0 {
		return nil
	}

	for _, field := range mv.config.EnvelopeFields {
		if raw, exists := envelope[field]; exists && len(raw) > 0 && string(raw) != "null" {
			return nil
		}
	}

	return fmt.Errorf("missing envelope field, expected one of %v", mv.config.EnvelopeFields)
}
