package types

import "time"

// Role represents the role of a chat message as seen by the inference backend.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage represents one role-tagged message in a prompt context.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// NewChatMessage creates a new chat message with the given role and content.
func NewChatMessage(role Role, content string) ChatMessage {
	return ChatMessage{Role: role, Content: content}
}

// SystemSpeaker is the reserved speaker marker for transcript messages that
// carry initiating instructions rather than a persona utterance.
const SystemSpeaker = "system"

// TranscriptMessage represents one message in a conversation transcript.
// Speaker is a persona name or the reserved SystemSpeaker marker. The
// position index is implicit in the append order.
type TranscriptMessage struct {
	Speaker   string    `json:"speaker"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}
