// Package conversation owns the authoritative in-memory conversation state:
// one ordered message sequence per identity, with an inline pruning policy
// that keeps every record bounded and its persona message intact.
package conversation

import "time"

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
)

// Message is a single conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Author is the display name of the sender, when the platform provides one.
	Author string `json:"author,omitempty"`

	// ExternalID is the platform message identifier. Used for reply-chain
	// linking and edit/delete reconciliation; opaque to this package.
	ExternalID string `json:"externalId,omitempty"`

	Timestamp time.Time `json:"timestamp,omitzero"`

	// IsReference marks a message injected from a resolved reply chain rather
	// than authored directly in this conversation. References are evicted
	// last: the pruning policy removes directly-authored messages first.
	IsReference bool `json:"isReference,omitempty"`
}

// SystemMessage builds the persona message that sits at index 0 of every record.
func SystemMessage(persona string) Message {
	return Message{Role: RoleSystem, Content: persona}
}
