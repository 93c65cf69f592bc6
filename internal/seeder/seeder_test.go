package seeder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsrelay-systems/opsrelay/internal/normalizer"
)

func TestGenerate_AllEnvelopesNormalize(t *testing.T) {
	g := New(42)
	registry := normalizer.DefaultRegistry()

	envelopes := g.Generate(200, 10*time.Minute)
	require.Len(t, envelopes, 200)

	sources := make(map[string]int)
	for _, env := range envelopes {
		sources[env.Source]++
		event, err := registry.Normalize(context.Background(), env)
		require.NoError(t, err, "source %s", env.Source)
		assert.NotEmpty(t, event.EventID)
		assert.NotEmpty(t, event.Title)
	}

	// All four sources show up in a reasonable sample.
	assert.Len(t, sources, 4)
}

func TestGenerate_DeterministicWithSeed(t *testing.T) {
	a := New(7).Generate(5, 0)
	b := New(7).Generate(5, 0)

	for i := range a {
		assert.Equal(t, a[i].Source, b[i].Source)
	}
}
