package bucket

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCheck(key string) Check {
	return Check{
		Key:        key,
		Capacity:   10,
		RefillRate: 1,
		SoftPct:    50,
		HardPct:    200,
		TTL:        time.Minute,
	}
}

func TestEngineCheck_InitializesFullBucket(t *testing.T) {
	store := newFakeStore()
	eng := NewEngine(store, 0, nil)

	res, err := eng.Check(context.Background(), testCheck("t1:bucket"))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, StateNormal, res.State)
	assert.Equal(t, 9, res.Tokens)
	assert.Equal(t, 10, res.UsagePct)
}

func TestEngineCheck_TimeoutClassification(t *testing.T) {
	store := newFakeStore()
	store.failErr = context.DeadlineExceeded
	eng := NewEngine(store, 0, nil)

	_, err := eng.Check(context.Background(), testCheck("t8:bucket"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreTimeout)
}

func TestEngineCheck_ConnErrorClassification(t *testing.T) {
	store := newFakeStore()
	store.failErr = errors.New("dial tcp 127.0.0.1:6379: connection refused")
	eng := NewEngine(store, 0, nil)

	_, err := eng.Check(context.Background(), testCheck("t9:bucket"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestEngineCheck_InvalidCheckRejected(t *testing.T) {
	eng := NewEngine(newFakeStore(), 0, nil)

	_, err := eng.Check(context.Background(), Check{})
	assert.ErrorIs(t, err, ErrEmptyKey)

	c := testCheck("ok")
	c.Capacity = 0
	_, err = eng.Check(context.Background(), c)
	assert.Error(t, err)
}

func TestEngineCheckMany_OrderAndGrouping(t *testing.T) {
	store := newFakeStore()
	eng := NewEngine(store, 0, nil)
	require.NoError(t, eng.Load(context.Background()))

	checks := []Check{
		testCheck("{tenant:acme}:user:alice:bucket"),
		testCheck("{tenant:acme}:bucket"),
		testCheck("{tenant:globex}:bucket"),
		testCheck("global:bucket"),
		testCheck("global:endpoint:api_search:bucket"),
	}
	results, err := eng.CheckMany(context.Background(), checks)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i, r := range results {
		assert.True(t, r.Allowed, "result %d", i)
		assert.Equal(t, 9, r.Tokens, "result %d", i)
	}

	// The two acme keys ride one pipeline; the rest go as singles.
	assert.Equal(t, 1, store.execCalls)

	for _, c := range checks {
		_, ok := store.bucket(c.Key)
		assert.True(t, ok, "bucket %s should exist", c.Key)
	}
}

func TestEngineCheckMany_ReloadsScriptOnce(t *testing.T) {
	store := newFakeStore()
	eng := NewEngine(store, 0, nil)
	// Scripts deliberately not loaded: the first pipeline round misses.

	checks := []Check{
		testCheck("{tenant:acme}:user:alice:bucket"),
		testCheck("{tenant:acme}:bucket"),
	}
	results, err := eng.CheckMany(context.Background(), checks)
	require.NoError(t, err)
	assert.True(t, results[0].Allowed)
	assert.True(t, results[1].Allowed)
	assert.Equal(t, 2, store.execCalls)
}

func TestEngineCheckMany_ReloadFailureSurfaces(t *testing.T) {
	store := newFakeStore()
	store.loadErr = errors.New("dial tcp: connection refused")
	eng := NewEngine(store, 0, nil)

	checks := []Check{
		testCheck("{tenant:acme}:user:alice:bucket"),
		testCheck("{tenant:acme}:bucket"),
	}
	_, err := eng.CheckMany(context.Background(), checks)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestEngineReset_RestoresFullBucket(t *testing.T) {
	store := newFakeStore()
	eng := NewEngine(store, 0, nil)
	ctx := context.Background()

	c := testCheck("t11:bucket")
	for i := 0; i < 4; i++ {
		_, err := eng.Check(ctx, c)
		require.NoError(t, err)
	}
	require.NoError(t, eng.Reset(ctx, c.Key))

	res, err := eng.Check(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, 9, res.Tokens)
}

func TestEngineLoad_CachesDigests(t *testing.T) {
	store := newFakeStore()
	eng := NewEngine(store, 0, nil)
	require.NoError(t, eng.Load(context.Background()))

	// Loaded digests make single checks run by digest without an Eval
	// fallback.
	_, err := eng.Check(context.Background(), testCheck("t12:bucket"))
	require.NoError(t, err)
	assert.Equal(t, 0, store.evalCalls)
	assert.Equal(t, 1, store.shaCalls)
}
