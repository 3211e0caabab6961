package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

func TestStore_MissingFileIsEmpty(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "accounts.json"), zaptest.NewLogger(t))
	names, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, names)
	assert.Empty(t, names)
}

func TestStore_MalformedFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	s := New(path, zaptest.NewLogger(t))

	names, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)

	added, err := s.Append(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, added)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `["alice"]`, string(data))
}

func TestStore_AppendKeepsOrderAndDedupes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	require.NoError(t, os.WriteFile(path, []byte(`["alice","carol"]`), 0o644))
	s := New(path, zaptest.NewLogger(t))
	ctx := context.Background()

	added, err := s.Append(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.Append(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, added)

	names, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol", "bob"}, names)
}

func TestStore_AppendReplacesFileAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	s := New(path, zaptest.NewLogger(t))
	ctx := context.Background()

	for _, id := range []string{"alice", "bob", "carol"} {
		_, err := s.Append(ctx, id)
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
	assert.Equal(t, "accounts.json", entries[0].Name())

	names, err := New(path, zaptest.NewLogger(t)).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, names)
}

func TestStore_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "accounts.yaml")
	s := New(path, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := s.Append(ctx, "alice")
	require.NoError(t, err)
	_, err = s.Append(ctx, "bob")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "- alice\n- bob\n", string(data))

	names, err := New(path, zaptest.NewLogger(t)).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, names)
}

func TestStore_RejectsEmptyIdentity(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "accounts.json"), zaptest.NewLogger(t))
	_, err := s.Append(context.Background(), " ")
	assert.Error(t, err)
}

func TestStore_ConcurrentAppends(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "accounts.json"), zaptest.NewLogger(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Append(ctx, fmt.Sprintf("bot%d", i%10))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	names, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, names, 10)
}

// Property: the stored list is the input sequence with later duplicates removed.
func TestPropertyAppendIsOrderedSet(t *testing.T) {
	dir := t.TempDir()
	n := 0
	rapid.Check(t, func(rt *rapid.T) {
		n++
		s := New(filepath.Join(dir, fmt.Sprintf("accounts-%d.json", n)), zaptest.NewLogger(t))
		input := rapid.SliceOf(rapid.SampledFrom([]string{"a", "b", "c", "d"})).Draw(rt, "input")

		var want []string
		seen := map[string]bool{}
		for _, name := range input {
			added, err := s.Append(context.Background(), name)
			if err != nil {
				rt.Fatalf("append: %v", err)
			}
			if added == seen[name] {
				rt.Fatalf("append %q reported added=%v", name, added)
			}
			if !seen[name] {
				seen[name] = true
				want = append(want, name)
			}
		}
		got, _ := s.Load(context.Background())
		if len(got) != len(want) {
			rt.Fatalf("got %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				rt.Fatalf("got %v, want %v", got, want)
			}
		}
	})
}
