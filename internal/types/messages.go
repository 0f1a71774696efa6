// Package types holds the data model shared by the step controller, the
// samplers, the verifiers and the replay/rollout machinery.
package types

import "slices"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in an agent conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// IsThought marks assistant text that carries reasoning in addition to
	// (or instead of) the action. Replay can drop these messages.
	IsThought bool `json:"is_thought,omitempty"`
}

// System builds a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User builds a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant builds an assistant message flagged as a thought.
func Assistant(content string) Message {
	return Message{Role: RoleAssistant, Content: content, IsThought: true}
}

// CloneMessages returns an independent copy of a message slice.
// Message has no reference fields, so a shallow slice copy is a deep copy.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	return slices.Clone(msgs)
}

// FilterThoughts drops assistant messages flagged as thoughts and keeps every
// other message in its original order.
func FilterThoughts(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleAssistant && m.IsThought {
			continue
		}
		out = append(out, m)
	}
	return out
}
