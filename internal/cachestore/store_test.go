package cachestore

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func backends(t *testing.T) map[string]storeFactory {
	out := map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"leveldb": func(t *testing.T) Store {
			s, err := OpenLevelDB(filepath.Join(t.TempDir(), "db"), 1<<20)
			require.NoError(t, err)
			return s
		},
		"leveldb-noram": func(t *testing.T) Store {
			s, err := OpenLevelDB(filepath.Join(t.TempDir(), "db"), 0)
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
			require.NoError(t, err)
			return s
		},
	}
	if addr := os.Getenv("ASSETPROXY_TEST_REDIS_ADDR"); addr != "" {
		out["redis"] = func(t *testing.T) Store {
			prefix := "assetproxy-test:" + t.Name() + ":"
			s, err := NewRedis(RedisConfig{Addr: addr, Prefix: prefix})
			require.NoError(t, err)
			t.Cleanup(func() {
				names, _ := s.Names(context.Background())
				for _, n := range names {
					_, _ = s.Delete(context.Background(), n)
				}
			})
			return s
		}
	}
	return out
}

func eachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func textEntry(body string) Entry {
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	return NewEntry(http.StatusOK, h, []byte(body), "basic")
}

func TestStore_PutAndMatch(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		gen, err := s.Open(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, "v1", gen.Name())

		_, found, err := gen.Match(ctx, "GET https://site.test/a.css")
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, gen.Put(ctx, "GET https://site.test/a.css", textEntry("body{}")))

		got, found, err := gen.Match(ctx, "GET https://site.test/a.css")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, http.StatusOK, got.Status)
		assert.Equal(t, "body{}", string(got.Body))
		assert.Equal(t, "basic", got.Type)
		assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))
	})
}

func TestStore_PutOverwritesSameKey(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		gen, err := s.Open(ctx, "v1")
		require.NoError(t, err)

		key := "GET https://site.test/app.js"
		require.NoError(t, gen.Put(ctx, key, textEntry("one")))
		require.NoError(t, gen.Put(ctx, key, textEntry("two")))

		got, found, err := gen.Match(ctx, key)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "two", string(got.Body))

		keys, err := gen.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{key}, keys)
	})
}

func TestStore_PutBatchAndKeys(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		gen, err := s.Open(ctx, "v1")
		require.NoError(t, err)

		recs := []Record{
			{Key: "GET https://site.test/b", Entry: textEntry("b")},
			{Key: "GET https://site.test/a", Entry: textEntry("a")},
			{Key: "GET https://cdn.test/x.css", Entry: textEntry("x")},
		}
		require.NoError(t, gen.PutBatch(ctx, recs))

		keys, err := gen.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{
			"GET https://cdn.test/x.css",
			"GET https://site.test/a",
			"GET https://site.test/b",
		}, keys)
	})
}

func TestStore_GenerationsAreIsolated(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		v1, err := s.Open(ctx, "v1")
		require.NoError(t, err)
		v10, err := s.Open(ctx, "v10")
		require.NoError(t, err)

		require.NoError(t, v1.Put(ctx, "GET /", textEntry("old")))

		_, found, err := v10.Match(ctx, "GET /")
		require.NoError(t, err)
		assert.False(t, found)

		names, err := s.Names(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"v1", "v10"}, names)
	})
}

func TestStore_DeleteGeneration(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		old, err := s.Open(ctx, "v1")
		require.NoError(t, err)
		require.NoError(t, old.Put(ctx, "GET /", textEntry("old")))
		cur, err := s.Open(ctx, "v2")
		require.NoError(t, err)
		require.NoError(t, cur.Put(ctx, "GET /", textEntry("new")))

		existed, err := s.Delete(ctx, "v1")
		require.NoError(t, err)
		assert.True(t, existed)

		existed, err = s.Delete(ctx, "v1")
		require.NoError(t, err)
		assert.False(t, existed)

		has, err := s.Has(ctx, "v1")
		require.NoError(t, err)
		assert.False(t, has)

		names, err := s.Names(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"v2"}, names)

		// Reopening yields an empty generation.
		reopened, err := s.Open(ctx, "v1")
		require.NoError(t, err)
		_, found, err := reopened.Match(ctx, "GET /")
		require.NoError(t, err)
		assert.False(t, found)

		got, found, err := cur.Match(ctx, "GET /")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "new", string(got.Body))
	})
}

func TestStore_PutIntoDeletedGeneration(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		gen, err := s.Open(ctx, "v1")
		require.NoError(t, err)
		_, err = s.Delete(ctx, "v1")
		require.NoError(t, err)

		err = gen.Put(ctx, "GET /late", textEntry("late"))
		assert.ErrorIs(t, err, ErrGenerationGone)

		has, err := s.Has(ctx, "v1")
		require.NoError(t, err)
		assert.False(t, has)
	})
}

func TestStore_ConcurrentPuts(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		gen, err := s.Open(ctx, "v1")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, gen.Put(ctx, "GET /same", textEntry("same")))
			}()
		}
		wg.Wait()

		got, found, err := gen.Match(ctx, "GET /same")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "same", string(got.Body))
	})
}

func TestLevelDB_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db")

	s, err := OpenLevelDB(path, 0)
	require.NoError(t, err)
	gen, err := s.Open(ctx, "v1")
	require.NoError(t, err)
	require.NoError(t, gen.Put(ctx, "GET /", textEntry("persisted")))
	require.NoError(t, s.Close())

	s, err = OpenLevelDB(path, 0)
	require.NoError(t, err)
	defer s.Close()

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, names)
	assert.Positive(t, s.TotalSize())

	gen, err = s.Open(ctx, "v1")
	require.NoError(t, err)
	got, found, err := gen.Match(ctx, "GET /")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "persisted", string(got.Body))
}

func TestRAMCache_EvictsLeastRecentlyUsed(t *testing.T) {
	a := textEntry("aaaa")
	sz := entrySize(a)
	c := newRAMCache(2 * sz)

	c.Put("a", a)
	c.Put("b", textEntry("bbbb"))
	_, _ = c.Get("a")
	c.Put("c", textEntry("cccc"))

	_, okA := c.Get("a")
	_, okB := c.Get("b")
	_, okC := c.Get("c")
	assert.True(t, okA)
	assert.False(t, okB)
	assert.True(t, okC)
	assert.LessOrEqual(t, c.TotalSize(), 2*sz)
}

func TestRAMCache_DropPrefix(t *testing.T) {
	c := newRAMCache(1 << 20)
	c.Put(ramKey("v1", "GET /"), textEntry("1"))
	c.Put(ramKey("v10", "GET /"), textEntry("10"))

	c.DropPrefix(ramKey("v1", ""))

	_, ok := c.Get(ramKey("v1", "GET /"))
	assert.False(t, ok)
	_, ok = c.Get(ramKey("v10", "GET /"))
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestLevelDB_StaleRAMFillAfterDeleteIsDropped(t *testing.T) {
	ctx := context.Background()
	s, err := OpenLevelDB(filepath.Join(t.TempDir(), "db"), 1<<20)
	require.NoError(t, err)
	defer s.Close()

	gen, err := s.Open(ctx, "v1")
	require.NoError(t, err)
	require.NoError(t, gen.Put(ctx, "GET /app.js", textEntry("old build")))

	// A read of v1 captures its epoch, then v1 is deleted and recreated
	// before the read gets to fill the RAM cache.
	epoch := s.epoch("v1")
	_, err = s.Delete(ctx, "v1")
	require.NoError(t, err)
	gen, err = s.Open(ctx, "v1")
	require.NoError(t, err)
	s.fillRAM("v1", epoch, "GET /app.js", textEntry("old build"))

	_, found, err := gen.Match(ctx, "GET /app.js")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, s.ram.Len())
}

func TestLevelDB_RecreateDropsLeftoverRAM(t *testing.T) {
	ctx := context.Background()
	s, err := OpenLevelDB(filepath.Join(t.TempDir(), "db"), 1<<20)
	require.NoError(t, err)
	defer s.Close()

	s.ram.Put(ramKey("v1", "GET /"), textEntry("leftover"))
	gen, err := s.Open(ctx, "v1")
	require.NoError(t, err)

	_, found, err := gen.Match(ctx, "GET /")
	require.NoError(t, err)
	assert.False(t, found)
	keys, err := gen.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLevelDB_WritesAfterCloseFail(t *testing.T) {
	ctx := context.Background()
	s, err := OpenLevelDB(filepath.Join(t.TempDir(), "db"), 0)
	require.NoError(t, err)
	gen, err := s.Open(ctx, "v1")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.NotPanics(t, func() {
		assert.ErrorIs(t, gen.Put(ctx, "GET /", textEntry("late")), ErrClosed)
		_, err := s.Delete(ctx, "v1")
		assert.ErrorIs(t, err, ErrClosed)
	})
}
