package conversation

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/personaflow/types"
)

// fakeResolver is an in-memory PersonaResolver for store tests.
type fakeResolver struct {
	personas map[string]*types.Persona
}

func newFakeResolver(names ...string) *fakeResolver {
	r := &fakeResolver{personas: make(map[string]*types.Persona)}
	for _, name := range names {
		r.personas[name] = &types.Persona{
			Name:         name,
			Model:        "llama3",
			Instructions: "You are " + name + ".",
			Temperature:  0.7,
			MaxTokens:    256,
		}
	}
	return r
}

func (r *fakeResolver) Exists(name string) bool {
	_, ok := r.personas[name]
	return ok
}

func (r *fakeResolver) Get(name string) (*types.Persona, error) {
	p, ok := r.personas[name]
	if !ok {
		return nil, types.NewError(types.ErrPersonaNotFound, fmt.Sprintf("persona %q not found", name))
	}
	return p.Clone(), nil
}

func TestStore_Create(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir(), newFakeResolver("Detective", "Philosopher"), nil)
	require.NoError(t, err)

	conv, err := store.Create([]string{"Detective", "Philosopher"}, "Who stole the manuscript?")
	require.NoError(t, err)

	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, []string{"Detective", "Philosopher"}, conv.Participants)

	// The opening utterance is attributed to the first participant.
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "Detective", conv.Messages[0].Speaker)
	assert.Equal(t, "Who stole the manuscript?", conv.Messages[0].Content)

	// Persona parameters are snapshotted at creation.
	require.Contains(t, conv.Snapshots, "Philosopher")
	assert.Equal(t, "llama3", conv.Snapshots["Philosopher"].Model)

	// One turn has been taken, so the second participant speaks next.
	assert.Equal(t, 1, conv.Turns())
	assert.Equal(t, "Philosopher", conv.NextSpeaker())
}

func TestStore_CreateValidation(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir(), newFakeResolver("Detective", "Philosopher"), nil)
	require.NoError(t, err)

	t.Run("too few participants", func(t *testing.T) {
		_, err := store.Create([]string{"Detective"}, "hello")
		require.Error(t, err)
		assert.Equal(t, types.ErrInsufficientParticipants, types.GetErrorCode(err))
	})

	t.Run("duplicate participant", func(t *testing.T) {
		_, err := store.Create([]string{"Detective", "Detective"}, "hello")
		require.Error(t, err)
		assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
	})

	t.Run("unknown persona", func(t *testing.T) {
		_, err := store.Create([]string{"Detective", "Ghost"}, "hello")
		require.Error(t, err)
		assert.Equal(t, types.ErrUnknownPersona, types.GetErrorCode(err))
	})
}

func TestStore_AppendAndTurnOrder(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir(), newFakeResolver("A", "B", "C"), nil)
	require.NoError(t, err)

	conv, err := store.Create([]string{"A", "B", "C"}, "opening")
	require.NoError(t, err)

	// Round-robin over three participants: A opened, so B then C then A.
	for _, expected := range []string{"B", "C", "A", "B"} {
		got, err := store.Get(conv.ID)
		require.NoError(t, err)
		assert.Equal(t, expected, got.NextSpeaker())

		_, err = store.Append(conv.ID, expected, "reply from "+expected)
		require.NoError(t, err)
	}

	final, err := store.Get(conv.ID)
	require.NoError(t, err)
	assert.Len(t, final.Messages, 5)
}

func TestStore_AppendUnknownConversation(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir(), newFakeResolver("A", "B"), nil)
	require.NoError(t, err)

	_, err = store.Append("no-such-id", "A", "hello")
	require.Error(t, err)
	assert.Equal(t, types.ErrConversationNotFound, types.GetErrorCode(err))
}

func TestStore_SurvivesRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	resolver := newFakeResolver("Detective", "Philosopher")

	store, err := NewStore(dir, resolver, nil)
	require.NoError(t, err)

	conv, err := store.Create([]string{"Detective", "Philosopher"}, "opening")
	require.NoError(t, err)
	_, err = store.Append(conv.ID, "Philosopher", "a reply")
	require.NoError(t, err)

	// A second store over the same directory reproduces the transcript and
	// the turn counter.
	reloaded, err := NewStore(dir, resolver, nil)
	require.NoError(t, err)

	got, err := reloaded.Get(conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "a reply", got.Messages[1].Content)
	assert.Equal(t, "Detective", got.NextSpeaker())
	require.Contains(t, got.Snapshots, "Detective")
}

func TestStore_SystemMessagesDoNotAdvanceTurns(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir(), newFakeResolver("A", "B"), nil)
	require.NoError(t, err)

	conv, err := store.Create([]string{"A", "B"}, "opening")
	require.NoError(t, err)
	require.Equal(t, "B", conv.NextSpeaker())

	_, err = store.Append(conv.ID, types.SystemSpeaker, "moderator note")
	require.NoError(t, err)

	got, err := store.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Turns(), "system messages are excluded from the turn counter")
	assert.Equal(t, "B", got.NextSpeaker())
}

func TestStore_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir(), newFakeResolver("A", "B"), nil)
	require.NoError(t, err)

	conv, err := store.Create([]string{"A", "B"}, "opening")
	require.NoError(t, err)

	got, err := store.Get(conv.ID)
	require.NoError(t, err)
	got.Messages[0].Content = "mutated"
	got.Participants[0] = "mutated"

	again, err := store.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "opening", again.Messages[0].Content)
	assert.Equal(t, "A", again.Participants[0])
}

func TestStore_ListCreationOrder(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir(), newFakeResolver("A", "B"), nil)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		conv, err := store.Create([]string{"A", "B"}, fmt.Sprintf("opening %d", i))
		require.NoError(t, err)
		ids = append(ids, conv.ID)
	}

	listed := store.List()
	require.Len(t, listed, 3)
	assert.ElementsMatch(t, ids, listed)
}
