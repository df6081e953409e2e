package biz

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWriteGuard(clock *fakeClock) (*WriteGuard, *memGuardRepo) {
	repo := newMemGuardRepo()
	g := NewWriteGuard(repo, testLogger)
	g.now = clock.Now
	return g, repo
}

func TestReadGuardDuplicateWithinWindow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	g, _ := newTestWriteGuard(clock)

	res, err := g.ReadGuard(ctx, "user-1", "health-setup", "hash-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Skip)
	assert.Equal(t, 1, res.HitCount)

	clock.Advance(10 * time.Second)
	res, err = g.ReadGuard(ctx, "user-1", "health-setup", "hash-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Skip)
	assert.Equal(t, 2, res.HitCount)

	res, err = g.ReadGuard(ctx, "user-1", "health-setup", "hash-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Skip)
	assert.Equal(t, 3, res.HitCount)
}

func TestReadGuardNewPayloadOrStaleWindow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	g, repo := newTestWriteGuard(clock)

	_, err := g.ReadGuard(ctx, "user-1", "scope", "hash-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, g.RecordWrite(ctx, "user-1", "scope", "hash-a", "rec-1"))

	// different payload supersedes the row
	res, err := g.ReadGuard(ctx, "user-1", "scope", "hash-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Skip)
	assert.Equal(t, 1, res.HitCount)
	assert.Equal(t, "hash-b", repo.entries[guardKey("user-1", "scope")].PayloadHash)
	assert.Empty(t, repo.entries[guardKey("user-1", "scope")].LastRecordID)

	// same payload after the window is fresh again
	clock.Advance(2 * time.Minute)
	res, err = g.ReadGuard(ctx, "user-1", "scope", "hash-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Skip)
	assert.Equal(t, 1, res.HitCount)
}

func TestRecordWriteReturnsOriginalRecord(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	g, _ := newTestWriteGuard(clock)

	_, err := g.ReadGuard(ctx, "user-1", "scope", "hash-a", time.Hour)
	require.NoError(t, err)
	require.NoError(t, g.RecordWrite(ctx, "user-1", "scope", "hash-a", "rec-42"))

	res, err := g.ReadGuard(ctx, "user-1", "scope", "hash-a", time.Hour)
	require.NoError(t, err)
	assert.True(t, res.Skip)
	assert.Equal(t, "rec-42", res.LastRecordID)
}

func TestReadGuardEmptyInputs(t *testing.T) {
	g, repo := newTestWriteGuard(newFakeClock(time.Now()))
	repo.err = errStore

	for _, in := range [][3]string{{"", "s", "h"}, {"o", "", "h"}, {"o", "s", ""}} {
		res, err := g.ReadGuard(context.Background(), in[0], in[1], in[2], time.Minute)
		require.NoError(t, err)
		assert.False(t, res.Skip)
		assert.Zero(t, res.HitCount)
	}
}

func TestReadGuardPropagatesStoreErrors(t *testing.T) {
	g, repo := newTestWriteGuard(newFakeClock(time.Now()))
	repo.err = errStore
	_, err := g.ReadGuard(context.Background(), "o", "s", "h", time.Minute)
	assert.ErrorIs(t, err, errStore)
}

func TestReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestWriteGuard(newFakeClock(time.Now()))

	_, err := g.ReadGuard(ctx, "o", "s", "h", time.Hour)
	require.NoError(t, err)
	require.NoError(t, g.Release(ctx, "o", "s"))

	res, err := g.ReadGuard(ctx, "o", "s", "h", time.Hour)
	require.NoError(t, err)
	assert.False(t, res.Skip)
}

func TestReadGuardConcurrentIdenticalRequests(t *testing.T) {
	g, _ := newTestWriteGuard(newFakeClock(time.Now()))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := g.ReadGuard(context.Background(), "o", "s", "h", time.Hour)
			if assert.NoError(t, err) && !res.Skip {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fresh)
}

func TestPurgeRemovesOldEntries(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	g, repo := newTestWriteGuard(clock)

	_, _ = g.ReadGuard(ctx, "o", "old", "h", time.Hour)
	clock.Advance(48 * time.Hour)
	_, _ = g.ReadGuard(ctx, "o", "new", "h", time.Hour)

	n, err := g.Purge(ctx, clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, repo.entries, 1)
}

func TestHashPayloadNormalisesKeyOrder(t *testing.T) {
	a, err := HashPayload(map[string]interface{}{
		"b": 1,
		"a": map[string]interface{}{"y": []interface{}{1, 2}, "x": "v"},
	})
	require.NoError(t, err)

	type inner struct {
		Y []int  `json:"y"`
		X string `json:"x"`
	}
	type outer struct {
		A inner `json:"a"`
		B int   `json:"b"`
	}
	b, err := HashPayload(outer{A: inner{Y: []int{1, 2}, X: "v"}, B: 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	// array order is significant
	c, err := HashPayload(map[string]interface{}{
		"b": 1,
		"a": map[string]interface{}{"y": []interface{}{2, 1}, "x": "v"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	// large integers are preserved
	d1, _ := HashPayload(map[string]interface{}{"n": int64(9007199254740993)})
	d2, _ := HashPayload(map[string]interface{}{"n": int64(9007199254740992)})
	assert.NotEqual(t, d1, d2)
}
