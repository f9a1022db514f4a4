package types

import "time"

// Conversation is an ordered, append-only transcript among two or more
// personas plus participant metadata. Participant order defines the fixed
// round-robin turn order. The transcript is never reordered or mutated in
// place, only appended to.
type Conversation struct {
	ID           string              `json:"id"`
	Participants []string            `json:"participants"`
	Messages     []TranscriptMessage `json:"messages"`
	// Snapshots holds the persona parameters captured at creation time,
	// keyed by persona name. Used as a fallback when a participant is
	// later removed from the registry.
	Snapshots map[string]*Persona `json:"snapshots,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// Turns returns the number of non-system messages in the transcript.
// This is the conversation's turn counter: the next speaker is always
// Participants[Turns() mod len(Participants)].
func (c *Conversation) Turns() int {
	n := 0
	for _, m := range c.Messages {
		if m.Speaker != SystemSpeaker {
			n++
		}
	}
	return n
}

// NextSpeaker returns the persona name whose turn is next. The decision is
// a pure function of the participant order and the persisted transcript, so
// resuming after a restart reproduces the same result.
func (c *Conversation) NextSpeaker() string {
	return c.Participants[c.Turns()%len(c.Participants)]
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	cp.Messages = append([]TranscriptMessage(nil), c.Messages...)
	if c.Snapshots != nil {
		cp.Snapshots = make(map[string]*Persona, len(c.Snapshots))
		for k, v := range c.Snapshots {
			cp.Snapshots[k] = v.Clone()
		}
	}
	return &cp
}
