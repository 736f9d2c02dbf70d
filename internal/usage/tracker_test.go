package usage

import (
	"context"
	"errors"
	"testing"

	"github.com/EternisAI/silo-lease/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	byKey  map[string]int
	byUser map[string]int
	err    error
}

func (f *fakeCounter) CountActiveLeasesByKey(_ context.Context, keyID string) (int, error) {
	return f.byKey[keyID], f.err
}

func (f *fakeCounter) CountActiveLeasesByUser(_ context.Context, userID string) (int, error) {
	return f.byUser[userID], f.err
}

func keys(ids ...string) []store.ManagedKey {
	out := make([]store.ManagedKey, len(ids))
	for i, id := range ids {
		out[i] = store.ManagedKey{ID: id}
	}
	return out
}

func TestLeastLoaded(t *testing.T) {
	cases := []struct {
		name   string
		counts map[string]int
		keys   []store.ManagedKey
		want   string
		count  int
	}{
		{"single", map[string]int{"a": 4}, keys("a"), "a", 4},
		{"minimum wins", map[string]int{"a": 3, "b": 1, "c": 2}, keys("a", "b", "c"), "b", 1},
		{"tie goes to first", map[string]int{"a": 2, "b": 1, "c": 1}, keys("a", "b", "c"), "b", 1},
		{"all zero", map[string]int{}, keys("x", "y"), "x", 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewTracker(&fakeCounter{byKey: tc.counts})
			best, n, err := tr.LeastLoaded(context.Background(), tc.keys)
			require.NoError(t, err)
			require.NotNil(t, best)
			assert.Equal(t, tc.want, best.ID)
			assert.Equal(t, tc.count, n)
		})
	}
}

func TestLeastLoadedEmpty(t *testing.T) {
	best, n, err := NewTracker(&fakeCounter{}).LeastLoaded(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, best)
	assert.Zero(t, n)
}

func TestCountErrorsAreWrapped(t *testing.T) {
	boom := errors.New("boom")
	tr := NewTracker(&fakeCounter{err: boom})

	_, err := tr.ActiveLeasesForUser(context.Background(), "u")
	assert.ErrorIs(t, err, boom)

	_, _, err = tr.LeastLoaded(context.Background(), keys("a"))
	assert.ErrorIs(t, err, boom)
}
