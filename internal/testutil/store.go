package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/researchmesh/core"
)

// RunStoreSuite exercises the core.SessionStore contract against stores
// produced by newStore. Each subtest receives a fresh store.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) core.SessionStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("LoadUnknown", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Load(ctx, "missing")
		assert.True(t, errors.Is(err, core.ErrSessionNotFound))

		_, err = store.LoadHead(ctx, "missing")
		assert.True(t, errors.Is(err, core.ErrSessionNotFound))
	})

	t.Run("RoundTrip", func(t *testing.T) {
		store := newStore(t)

		h := NewHistoryBuilder().
			User("Which drugs target EGFR?").
			ToolOK("TargetSearch", "search", `{"query":"EGFR"}`, map[string]any{"hits": 3}).
			Agent("TargetSearch", "EGFR is a receptor tyrosine kinase.").
			Build()
		sess := NewSessionBuilder("s1").Cursor("TargetSearch").Messages(h...).Build()

		require.NoError(t, store.Save(ctx, sess))
		assert.Equal(t, int64(1), sess.Version)
		assert.False(t, sess.CheckpointedAt.IsZero())

		got, err := store.Load(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, sess.Version, got.Version)
		assert.Equal(t, "TargetSearch", got.Cursor)
		assert.Equal(t, core.StateRunning, got.State)
		require.Len(t, got.Messages, len(h))
		for i := range h {
			assert.Equal(t, h[i].ID, got.Messages[i].ID)
			assert.Equal(t, h[i].Role, got.Messages[i].Role)
			assert.Equal(t, h[i].Author, got.Messages[i].Author)
			assert.Equal(t, h[i].Text(), got.Messages[i].Text())
		}
		assert.Equal(t, h[1].ToolCalls(), got.Messages[1].ToolCalls())
		assert.JSONEq(t, `{"hits":3}`, string(got.Messages[2].ToolResults()[0].Output))

		head, err := store.LoadHead(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, len(h), head.Messages)
		assert.Equal(t, int64(1), head.Version)
	})

	t.Run("LoadReturnsPrivateCopy", func(t *testing.T) {
		store := newStore(t)

		sess := NewSessionBuilder("s1").Messages(core.NewUserMessage("hi")).Build()
		require.NoError(t, store.Save(ctx, sess))

		sess.Append(core.NewAgentMessage("Critique", "unsaved"))

		got, err := store.Load(ctx, "s1")
		require.NoError(t, err)
		got.Cursor = "mutated"

		again, err := store.Load(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, again.Messages, 1)
		assert.Empty(t, again.Cursor)
	})

	t.Run("StaleVersion", func(t *testing.T) {
		store := newStore(t)

		sess := NewSessionBuilder("s1").Build()
		require.NoError(t, store.Save(ctx, sess))

		a, err := store.Load(ctx, "s1")
		require.NoError(t, err)
		b, err := store.Load(ctx, "s1")
		require.NoError(t, err)

		a.Append(core.NewUserMessage("first"))
		require.NoError(t, store.Save(ctx, a))
		assert.Equal(t, int64(2), a.Version)

		b.Append(core.NewUserMessage("second"))
		err = store.Save(ctx, b)
		assert.True(t, errors.Is(err, core.ErrStoreConflict))

		got, err := store.Load(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, got.Messages, 1)
		assert.Equal(t, "first", got.Messages[0].Text())
	})

	t.Run("CreateTwice", func(t *testing.T) {
		store := newStore(t)

		require.NoError(t, store.Save(ctx, NewSessionBuilder("s1").Build()))
		err := store.Save(ctx, NewSessionBuilder("s1").Build())
		assert.True(t, errors.Is(err, core.ErrStoreConflict))
	})

	t.Run("ConcurrentSaves", func(t *testing.T) {
		store := newStore(t)

		const writers = 8

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			ok        int
			conflicts int
		)

		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.Save(ctx, NewSessionBuilder("s1").Build())
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, core.ErrStoreConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, ok)
		assert.Equal(t, writers-1, conflicts)
	})

	t.Run("DeleteAndList", func(t *testing.T) {
		store := newStore(t)

		for _, id := range []string{"b", "a", "c"} {
			require.NoError(t, store.Save(ctx, NewSessionBuilder(id).Build()))
		}
		require.NoError(t, store.Delete(ctx, "c"))
		require.NoError(t, store.Delete(ctx, "unknown"))

		heads, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, heads, 2)
		assert.Equal(t, "a", heads[0].ID)
		assert.Equal(t, "b", heads[1].ID)
	})
}
