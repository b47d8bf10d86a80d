// SPDX-License-Identifier: Apache-2.0

package observer

import (
	"context"
	"errors"
	"testing"

	"github.com/adiadia/driftq-starter/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestCacheFetchStoresAndOverwrites(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{rec: domain.DeadLetterRecord{RunID: "r1", ReplaySeq: 0}, found: true}
	cache := NewDeadLetterCache(fetcher, discardLogger())

	require.Nil(t, cache.Cached())

	rec, err := cache.Fetch(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.EqualValues(t, 0, rec.ReplaySeq)

	fetcher.mu.Lock()
	fetcher.rec = domain.DeadLetterRecord{RunID: "r1", ReplaySeq: 1}
	fetcher.mu.Unlock()

	rec, err = cache.Fetch(context.Background(), "r1")
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.ReplaySeq, "fetch always performs a live call and overwrites")
	require.EqualValues(t, 1, cache.Cached().ReplaySeq)
}

func TestCacheNotFoundClearsWithoutError(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{rec: domain.DeadLetterRecord{RunID: "r1"}, found: true}
	cache := NewDeadLetterCache(fetcher, discardLogger())

	_, err := cache.Fetch(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, cache.Cached())

	fetcher.mu.Lock()
	fetcher.found = false
	fetcher.mu.Unlock()

	rec, err := cache.Fetch(context.Background(), "r1")
	require.NoError(t, err, "absence is a normal negative result, not an error")
	require.Nil(t, rec)
	require.Nil(t, cache.Cached())
	require.NotEmpty(t, cache.Status())
}

func TestCacheFetchErrorKeepsRecord(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{rec: domain.DeadLetterRecord{RunID: "r1"}, found: true}
	cache := NewDeadLetterCache(fetcher, discardLogger())

	_, err := cache.Fetch(context.Background(), "r1")
	require.NoError(t, err)

	fetcher.mu.Lock()
	fetcher.err = errors.New("api down")
	fetcher.mu.Unlock()

	_, err = cache.Fetch(context.Background(), "r1")
	require.Error(t, err)
	require.NotNil(t, cache.Cached(), "a transport failure must not clear the cached record")
}

func TestCacheResetRearmsAutoFetch(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{rec: domain.DeadLetterRecord{RunID: "r1"}, found: true}
	cache := NewDeadLetterCache(fetcher, discardLogger())

	cache.AutoFetchOnce(context.Background(), "r1")
	cache.AutoFetchOnce(context.Background(), "r1")
	require.Equal(t, 1, fetcher.callCount())

	cache.Reset()
	require.Nil(t, cache.Cached())
	require.Empty(t, cache.Status())

	cache.AutoFetchOnce(context.Background(), "r1")
	require.Equal(t, 2, fetcher.callCount(), "reset re-arms the one-shot marker")
}

func TestCacheAutoFetchSwallowsErrors(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{err: errors.New("api down")}
	cache := NewDeadLetterCache(fetcher, discardLogger())

	cache.AutoFetchOnce(context.Background(), "r1") // must not panic or surface
	require.Nil(t, cache.Cached())
	require.Equal(t, 1, fetcher.callCount())
}
