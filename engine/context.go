package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/BaSui01/personaflow/types"
)

// WindowConfig bounds the amount of prior transcript included in a prompt.
type WindowConfig struct {
	// MaxMessages caps the number of history messages.
	MaxMessages int
	// TokenBudget caps the summed token count of the history. Zero disables
	// token-based trimming.
	TokenBudget int
}

// ContextBuilder assembles the role-tagged prompt context for one speaker.
//
// The same transcript yields a different context per speaker: the speaker's
// own past utterances become assistant turns, everyone else's become user
// turns. The mapping is therefore recomputed on every call.
type ContextBuilder struct {
	window WindowConfig

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
	encErr  error
}

// NewContextBuilder creates a context builder with the given window bounds.
func NewContextBuilder(window WindowConfig) *ContextBuilder {
	if window.MaxMessages <= 0 {
		window.MaxMessages = 20
	}
	return &ContextBuilder{window: window}
}

// initEncoding lazily initializes the tiktoken encoding (may fetch BPE data
// on first use).
func (b *ContextBuilder) initEncoding() error {
	b.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			b.encErr = fmt.Errorf("init tiktoken encoding: %w", err)
			return
		}
		b.enc = enc
	})
	return b.encErr
}

// countTokens returns the token count for text, or an estimate when the
// encoding is unavailable.
func (b *ContextBuilder) countTokens(text string) int {
	if err := b.initEncoding(); err != nil {
		// Rough bytes-per-token estimate keeps the window bounded even
		// when the encoding data cannot be loaded.
		return len(text) / 4
	}
	return len(b.enc.Encode(text, nil, nil))
}

// Build produces the ordered prompt context for speaker: the persona's
// instruction message followed by the windowed transcript with per-speaker
// role mapping applied.
func (b *ContextBuilder) Build(conv *types.Conversation, speaker *types.Persona) []types.ChatMessage {
	msgs := make([]types.ChatMessage, 0, len(conv.Messages)+1)
	msgs = append(msgs, types.NewChatMessage(types.RoleSystem, b.renderInstructions(conv, speaker)))

	for _, m := range b.windowHistory(conv.Messages) {
		if m.Speaker == speaker.Name {
			msgs = append(msgs, types.ChatMessage{
				Role:    types.RoleAssistant,
				Content: m.Content,
			})
			continue
		}
		// Other participants all map to the user role; the speaker name is
		// kept in the content so multi-party turns stay distinguishable.
		msgs = append(msgs, types.ChatMessage{
			Role:    types.RoleUser,
			Name:    m.Speaker,
			Content: fmt.Sprintf("%s: %s", m.Speaker, m.Content),
		})
	}

	return msgs
}

// windowHistory selects the newest transcript messages within the message
// and token bounds, preserving order. Transcript messages with the reserved
// system speaker are initiating instructions, not utterances, and are
// excluded from the history window.
func (b *ContextBuilder) windowHistory(messages []types.TranscriptMessage) []types.TranscriptMessage {
	spoken := make([]types.TranscriptMessage, 0, len(messages))
	for _, m := range messages {
		if m.Speaker == types.SystemSpeaker {
			continue
		}
		spoken = append(spoken, m)
	}

	if len(spoken) > b.window.MaxMessages {
		spoken = spoken[len(spoken)-b.window.MaxMessages:]
	}

	if b.window.TokenBudget <= 0 {
		return spoken
	}

	// Walk backwards from the newest message until the budget is spent.
	total := 0
	start := 0
	for i := len(spoken) - 1; i >= 0; i-- {
		total += b.countTokens(spoken[i].Content)
		if total > b.window.TokenBudget {
			start = i + 1
			break
		}
	}

	// Always keep at least the newest message so the model sees what it is
	// replying to, even if that single message overflows the budget.
	if start >= len(spoken) && len(spoken) > 0 {
		start = len(spoken) - 1
	}
	return spoken[start:]
}

// renderInstructions renders the persona's system instructions together with
// the conversational framing and response rules.
func (b *ContextBuilder) renderInstructions(conv *types.Conversation, speaker *types.Persona) string {
	others := make([]string, 0, len(conv.Participants)-1)
	for _, name := range conv.Participants {
		if name != speaker.Name {
			others = append(others, name)
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the character %s.\n", speaker.Name)
	if speaker.Instructions != "" {
		sb.WriteString(speaker.Instructions)
		sb.WriteString("\n")
	}
	if len(speaker.Traits) > 0 {
		traits := make([]string, 0, len(speaker.Traits))
		for trait := range speaker.Traits {
			traits = append(traits, trait)
		}
		sort.Strings(traits)
		for _, trait := range traits {
			fmt.Fprintf(&sb, "%s: %s\n", trait, speaker.Traits[trait])
		}
	}
	fmt.Fprintf(&sb, "\nYou are taking part in a conversation with %s.\n", strings.Join(others, ", "))
	sb.WriteString(`Respond in character, as part of a natural conversation.

Rules:
1. Always answer briefly, as your character.
2. Do not include <think> tags or your reasoning process.
3. Do not wrap your reply in quotation marks.
4. Do not prefix your reply with your character name.
5. Keep the conversation natural; when the topic has run its course, move it along, and follow when someone else changes it.`)

	return sb.String()
}
