package service_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibreez3/story-echo/service"
	"github.com/ibreez3/story-echo/story"
)

func sampleSession() service.Session {
	return service.Session{
		ID:          "s-1",
		Theme:       "mystery",
		Status:      service.StatusContinue,
		Phase:       story.PhaseSho,
		ComicStatus: service.ComicNotStarted,
		Story: story.Story{
			Theme:      "mystery",
			Title:      "Letters",
			Characters: []story.Character{{Name: "Aoi", Age: 17}, {Name: "Ren", Age: 18}},
			Scenes:     []story.Scene{{Phase: story.PhaseKi, Narrative: "It began."}},
		},
		Suggestions: map[story.Phase][]string{story.PhaseSho: {"a", "b", "c"}},
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

func exerciseStore(t *testing.T, st service.Store) {
	t.Helper()
	ctx := context.Background()

	_, err := st.Load(ctx, "s-1")
	assert.ErrorIs(t, err, service.ErrSessionNotFound)

	in := sampleSession()
	require.NoError(t, st.Save(ctx, in))
	out, err := st.Load(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, in.Story, out.Story)
	assert.Equal(t, in.Suggestions, out.Suggestions)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))

	// the loaded copy is independent of the stored one
	out.Story.Scenes[0].Narrative = "changed"
	again, err := st.Load(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "It began.", again.Story.Scenes[0].Narrative)

	require.NoError(t, st.Delete(ctx, "s-1"))
	_, err = st.Load(ctx, "s-1")
	assert.ErrorIs(t, err, service.ErrSessionNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, service.NewMemoryStore())
}

func TestMemoryStore_TTL(t *testing.T) {
	ctx := context.Background()
	st := service.NewMemoryStore().WithTTL(30 * time.Millisecond)
	require.NoError(t, st.Save(ctx, sampleSession()))
	_, err := st.Load(ctx, "s-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := st.Load(ctx, "s-1")
		return errors.Is(err, service.ErrSessionNotFound)
	}, 2*time.Second, 5*time.Millisecond)

	// the next save sweeps the expired snapshot out of the map
	other := sampleSession()
	other.ID = "s-2"
	require.NoError(t, st.Save(ctx, other))
	assert.Equal(t, 1, st.Len())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := service.NewRedisStore(client, time.Hour)
	exerciseStore(t, st)

	require.NoError(t, st.Save(context.Background(), sampleSession()))
	assert.True(t, mr.Exists("story-echo:session:s-1"))
	assert.Equal(t, time.Hour, mr.TTL("story-echo:session:s-1"))

	mr.FastForward(2 * time.Hour)
	_, err := st.Load(context.Background(), "s-1")
	assert.ErrorIs(t, err, service.ErrSessionNotFound)
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := service.DialRedis(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = service.DialRedis(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestSessionLogger(t *testing.T) {
	l, err := service.NewSessionLogger(t.TempDir(), "abc")
	require.NoError(t, err)
	var progress []string
	l.OnProgress(func(msg string) { progress = append(progress, msg) })

	l.Log("setup complete")
	l.RetryProgress(1, 60*time.Second, "rate limited, waiting 60s (1/5)")
	require.NoError(t, l.Close())
	l.Log("after close")

	assert.Equal(t, []string{"rate limited, waiting 60s (1/5)"}, progress)
	assert.True(t, strings.HasSuffix(l.Path(), "sessions/abc.log"))
	b, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Contains(t, string(b), "setup complete")
	assert.Contains(t, string(b), "attempt=1")
	assert.NotContains(t, string(b), "after close")
}
