package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipflow/internal/model"
	logx "clipflow/pkg/logx"
)

func runStoreSuite(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := st.Get(ctx, "things", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.Put(ctx, "things", "b", []byte(`{"n":1}`)))
	require.NoError(t, st.Put(ctx, "things", "a", []byte(`{"n":2}`)))
	require.NoError(t, st.Put(ctx, "things", "c", []byte(`{"n":3}`)))
	require.NoError(t, st.Put(ctx, "other", "a", []byte(`{"n":9}`)))

	// Replacing keeps the original position.
	require.NoError(t, st.Put(ctx, "things", "b", []byte(`{"n":10}`)))

	doc, ok, err := st.Get(ctx, "things", "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"n":10}`, string(doc))

	recs, err := st.List(ctx, "things")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"b", "a", "c"}, ids(recs))

	removed, err := st.Delete(ctx, "things", "a")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = st.Delete(ctx, "things", "a")
	require.NoError(t, err)
	assert.False(t, removed)

	recs, err = st.List(ctx, "things")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(recs))

	recs, err = st.List(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func ids(recs []Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	st := NewMemory()
	defer st.Close()
	runStoreSuite(t, st)
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	runStoreSuite(t, st)
}

func TestFileStoreReplaysJournalAndSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	st, err := openFile(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	fs := st.(*fileStore)
	fs.compactEvery = 3

	for _, id := range []string{"x", "y", "z", "w"} {
		require.NoError(t, st.Put(ctx, "items", id, []byte(`{"id":"`+id+`"}`)))
	}
	_, err = st.Delete(ctx, "items", "y")
	require.NoError(t, err)

	// Simulate a crash: drop the handle without the compacting Close.
	require.NoError(t, fs.journal.Close())

	reopened, err := openFile(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	recs, err := reopened.List(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "z", "w"}, ids(recs))
}

func TestFileStoreIgnoresTornJournalTail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	journal := `{"op":"put","c":"items","id":"a","doc":{"v":1}}` + "\n" + `{"op":"put","c":"it`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.journal.jsonl"), []byte(journal), 0o600))

	st, err := openFile(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	doc, ok, err := st.Get(ctx, "items", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"v":1}`, string(doc))
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "clipflow.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	runStoreSuite(t, st)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("CLIPFLOW_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CLIPFLOW_TEST_REDIS_URL not set")
	}
	st, err := Open(Config{Driver: "redis", URL: url, Prefix: "clipflow-test-" + t.Name()}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	rs := st.(*redisStore)
	ctx := context.Background()
	for _, c := range []string{"things", "other", "empty"} {
		rs.client.Del(ctx, rs.key(c, "docs"), rs.key(c, "order"), rs.key(c, "seq"))
	}
	runStoreSuite(t, st)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("CLIPFLOW_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("CLIPFLOW_TEST_POSTGRES_URL not set")
	}
	st, err := Open(Config{Driver: "postgres", URL: url}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	ps := st.(*postgresStore)
	_, err = ps.pool.Exec(context.Background(), `DELETE FROM documents WHERE collection IN ('things','other','empty')`)
	require.NoError(t, err)
	runStoreSuite(t, st)
}

func TestOpenRejectsUnknownAndDisabled(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{}, logx.Nop())
	assert.ErrorIs(t, err, ErrDisabled)
	_, err = Open(Config{Driver: "etcd"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}

type counter struct {
	ID string `json:"id"`
	N  int    `json:"n"`
}

func TestCollectionUpdateIsSerialized(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewCollection[counter](NewMemory(), "counters", "counter")
	require.NoError(t, c.Put(ctx, "k", counter{ID: "k"}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Update(ctx, "k", func(v *counter) error { v.N++; return nil })
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 50, got.N)
}

func TestCollectionNotFoundAndAbortedUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewCollection[counter](NewMemory(), "counters", "counter")

	_, err := c.Get(ctx, "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, c.Delete(ctx, "nope"), model.ErrNotFound)

	require.NoError(t, c.Put(ctx, "k", counter{ID: "k", N: 1}))
	boom := errors.New("boom")
	_, err = c.Update(ctx, "k", func(v *counter) error { v.N = 99; return boom })
	assert.ErrorIs(t, err, boom)

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, got.N)
}

func TestCollectionClaimTakesEachDocumentOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewCollection[counter](NewMemory(), "counters", "counter")
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, c.Put(ctx, id, counter{ID: id}))
	}

	pickFree := func(vs []counter) (int, bool) {
		for i, v := range vs {
			if v.N == 0 {
				return i, true
			}
		}
		return -1, false
	}

	var (
		mu     sync.Mutex
		got    []string
		misses int
		wg     sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, found, err := c.Claim(ctx, pickFree, func(v *counter) error { v.N = 1; return nil })
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if found {
				got = append(got, v.ID)
			} else {
				misses++
			}
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, 3, misses)
}

func TestCollectionFilterAndDeleteWhere(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewCollection[counter](NewMemory(), "counters", "counter")
	for i, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, c.Put(ctx, id, counter{ID: id, N: i}))
	}

	even, err := c.Filter(ctx, func(v *counter) bool { return v.N%2 == 0 })
	require.NoError(t, err)
	require.Len(t, even, 2)
	assert.Equal(t, "a", even[0].ID)
	assert.Equal(t, "c", even[1].ID)

	n, err := c.DeleteWhere(ctx, func(v *counter) bool { return v.N >= 2 })
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
