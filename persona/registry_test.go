package persona

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/personaflow/types"
)

func testPersona(name string) *types.Persona {
	return &types.Persona{
		Name:         name,
		Model:        "llama3",
		Instructions: "You are " + name + ".",
		Temperature:  0.7,
		MaxTokens:    256,
	}
}

func TestRegistry_DefineAndGet(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(t.TempDir(), nil)
	require.NoError(t, err)

	defined, err := reg.Define(testPersona("Detective"))
	require.NoError(t, err)
	assert.Equal(t, "Detective", defined.Name)
	assert.False(t, defined.CreatedAt.IsZero(), "CreatedAt should be stamped on define")

	got, err := reg.Get("Detective")
	require.NoError(t, err)
	assert.Equal(t, defined.Name, got.Name)
	assert.Equal(t, defined.Instructions, got.Instructions)
	assert.True(t, reg.Exists("Detective"))
}

func TestRegistry_DuplicateName(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = reg.Define(testPersona("Detective"))
	require.NoError(t, err)

	_, err = reg.Define(testPersona("Detective"))
	require.Error(t, err)
	assert.Equal(t, types.ErrDuplicateName, types.GetErrorCode(err))
}

func TestRegistry_Validation(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(t.TempDir(), nil)
	require.NoError(t, err)

	cases := []struct {
		name    string
		mutate  func(*types.Persona)
	}{
		{"empty name", func(p *types.Persona) { p.Name = "" }},
		{"temperature too high", func(p *types.Persona) { p.Temperature = 2.5 }},
		{"negative temperature", func(p *types.Persona) { p.Temperature = -0.1 }},
		{"zero max_tokens", func(p *types.Persona) { p.MaxTokens = 0 }},
		{"path separator in name", func(p *types.Persona) { p.Name = "a/b" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := testPersona("Valid")
			tc.mutate(p)
			_, err := reg.Define(p)
			require.Error(t, err)
			assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
		})
	}
}

func TestRegistry_GetNotFound(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = reg.Get("Ghost")
	require.Error(t, err)
	assert.Equal(t, types.ErrPersonaNotFound, types.GetErrorCode(err))
	assert.False(t, reg.Exists("Ghost"))
}

func TestRegistry_SurvivesRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	reg, err := NewRegistry(dir, nil)
	require.NoError(t, err)

	p := testPersona("Philosopher")
	p.Traits = map[string]string{"style": "socratic"}
	_, err = reg.Define(p)
	require.NoError(t, err)

	// A second registry over the same directory sees the record.
	reloaded, err := NewRegistry(dir, nil)
	require.NoError(t, err)

	got, err := reloaded.Get("Philosopher")
	require.NoError(t, err)
	assert.Equal(t, "socratic", got.Traits["style"])
}

func TestRegistry_SkipsInvalidRecord(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "personas"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "personas", "broken.json"), []byte("{not json"), 0644))

	reg, err := NewRegistry(dir, nil)
	require.NoError(t, err, "an operator-corrupted record must not block startup")
	assert.Empty(t, reg.List())
}

func TestRegistry_ListCreationOrder(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(t.TempDir(), nil)
	require.NoError(t, err)

	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"Charlie", "Alice", "Bob"} {
		p := testPersona(name)
		p.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		_, err := reg.Define(p)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"Charlie", "Alice", "Bob"}, reg.List())
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(t.TempDir(), nil)
	require.NoError(t, err)

	p := testPersona("Detective")
	p.Traits = map[string]string{"mood": "grim"}
	_, err = reg.Define(p)
	require.NoError(t, err)

	got, err := reg.Get("Detective")
	require.NoError(t, err)
	got.Traits["mood"] = "cheerful"
	got.Instructions = "mutated"

	again, err := reg.Get("Detective")
	require.NoError(t, err)
	assert.Equal(t, "grim", again.Traits["mood"])
	assert.NotEqual(t, "mutated", again.Instructions)
}
