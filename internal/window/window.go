// Package window reduces a full conversation record to the bounded slice
// handed to the model client. The optimizer is a count-based heuristic: it
// trades exact token accounting for O(1) cost per call.
package window

import (
	"fmt"

	"github.com/hollowlog/parley/internal/conversation"
)

// Config controls optimizer behavior.
type Config struct {
	// MaxLength mirrors the store's per-conversation cap. The recent-message
	// budget is derived from half of it.
	MaxLength int
	// SkipThreshold is the record length at or below which optimization is
	// skipped entirely (default: 4).
	SkipThreshold int
	// Persona synthesizes the system message when a record arrives without one.
	Persona string
}

const defaultSkipThreshold = 4

func (c Config) normalized() Config {
	if c.MaxLength <= 0 {
		c.MaxLength = conversation.DefaultMaxLength
	}
	if c.SkipThreshold <= 0 {
		c.SkipThreshold = defaultSkipThreshold
	}
	if c.Persona == "" {
		c.Persona = conversation.DefaultPersona
	}
	return c
}

// OptimizeForCall returns the API-bound slice for a record: the system
// message followed by the most recent non-system messages, where the recent
// budget is half the configured max conversation length. Records at or below
// the skip threshold are returned as-is (after the system-message guarantee).
// The result always starts with exactly one system message and never exceeds
// the cap.
func OptimizeForCall(record []conversation.Message, cfg Config) []conversation.Message {
	cfg = cfg.normalized()

	system := systemOf(record, cfg.Persona)
	if len(record) <= cfg.SkipThreshold {
		if len(record) > 0 && record[0].Role == conversation.RoleSystem {
			return record
		}
		return append([]conversation.Message{system}, nonSystem(record)...)
	}

	rest := nonSystem(record)
	budget := cfg.MaxLength / 2
	if budget < 1 {
		budget = 1
	}
	if len(rest) > budget {
		rest = rest[len(rest)-budget:]
	}
	return append([]conversation.Message{system}, rest...)
}

func systemOf(record []conversation.Message, persona string) conversation.Message {
	for _, msg := range record {
		if msg.Role == conversation.RoleSystem {
			return msg
		}
	}
	return conversation.SystemMessage(persona)
}

func nonSystem(record []conversation.Message) []conversation.Message {
	out := make([]conversation.Message, 0, len(record))
	for _, msg := range record {
		if msg.Role != conversation.RoleSystem {
			out = append(out, msg)
		}
	}
	return out
}

// Strategy is one way of producing an API-bound slice. Strategies are tried
// in order; the first one to return without error wins.
type Strategy struct {
	Name  string
	Apply func(record []conversation.Message, cfg Config) ([]conversation.Message, error)
}

// DefaultStrategies returns the ordered fallback chain: the optimizer, a
// plain tail slice, then a minimal two-message default that cannot fail.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "optimized", Apply: func(record []conversation.Message, cfg Config) ([]conversation.Message, error) {
			out := OptimizeForCall(record, cfg)
			if err := validate(out, cfg); err != nil {
				return nil, err
			}
			return out, nil
		}},
		{Name: "tail", Apply: func(record []conversation.Message, cfg Config) ([]conversation.Message, error) {
			cfg = cfg.normalized()
			rest := nonSystem(record)
			if len(rest) > cfg.MaxLength-1 {
				rest = rest[len(rest)-(cfg.MaxLength-1):]
			}
			out := append([]conversation.Message{systemOf(record, cfg.Persona)}, rest...)
			if err := validate(out, cfg); err != nil {
				return nil, err
			}
			return out, nil
		}},
		{Name: "minimal", Apply: func(record []conversation.Message, cfg Config) ([]conversation.Message, error) {
			cfg = cfg.normalized()
			out := []conversation.Message{systemOf(record, cfg.Persona)}
			if rest := nonSystem(record); len(rest) > 0 {
				out = append(out, rest[len(rest)-1])
			}
			return out, nil
		}},
	}
}

func validate(slice []conversation.Message, cfg Config) error {
	if len(slice) == 0 || slice[0].Role != conversation.RoleSystem {
		return fmt.Errorf("slice does not start with a system message")
	}
	for _, msg := range slice[1:] {
		if msg.Role == conversation.RoleSystem {
			return fmt.Errorf("slice contains more than one system message")
		}
	}
	if len(slice) > cfg.normalized().MaxLength {
		return fmt.Errorf("slice length %d exceeds cap %d", len(slice), cfg.MaxLength)
	}
	return nil
}
