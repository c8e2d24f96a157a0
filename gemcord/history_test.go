package gemcord

import (
	"context"
	"encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func sampleHistory() History {
	return History{
		{
			Role: RoleUser,
			Parts: []Part{
				{Text: "[Ann's Message In #general Channel]: hello"},
				{InlineData: &InlineData{MimeType: "image/png", Data: "aGVsbG8="}},
			},
		},
		{
			Role:  RoleModel,
			Parts: []Part{{Text: "hi Ann"}},
		},
	}
}

func TestHistoryStore_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	store := NewHistoryStore(dir, nil)
	h := sampleHistory()
	require.NoError(t, store.Save("1234", h))

	data, err := os.ReadFile(filepath.Join(dir, "1234.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  {")
	assert.Contains(t, string(data), `"inlineData"`)
	assert.Contains(t, string(data), `"mimeType": "image/png"`)

	reloaded := NewHistoryStore(dir, nil)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, h, reloaded.Get("1234"))
	assert.Equal(t, []string{"1234"}, reloaded.Guilds())
}

func TestHistoryStore_SaveEmpty(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	store := NewHistoryStore(dir, nil)
	require.NoError(t, store.Save("1", nil))

	data, err := os.ReadFile(filepath.Join(dir, "1.json"))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))

	reloaded := NewHistoryStore(dir, nil)
	require.NoError(t, reloaded.Load(context.Background()))
	assert.Equal(t, History{}, reloaded.Get("1"))
}

func TestHistoryStore_LoadSkipsCorruptFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	good, err := json.Marshal(sampleHistory())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.json"), good, 0o644))
	require.NoError(
		t,
		os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o644),
	)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))

	store := NewHistoryStore(dir, nil)
	require.NoError(t, store.Load(context.Background()))

	assert.Equal(t, []string{"good"}, store.Guilds())
	assert.Equal(t, sampleHistory(), store.Get("good"))
	assert.Nil(t, store.Get("bad"))
}

func TestHistoryStore_SaveReplacesFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store := NewHistoryStore(dir, nil)

	require.NoError(t, store.Save("1", sampleHistory()))
	require.NoError(t, store.Save("1", sampleHistory()[:1]))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "1.json", entries[0].Name())

	data, err := os.ReadFile(filepath.Join(dir, "1.json"))
	require.NoError(t, err)
	var saved History
	require.NoError(t, json.Unmarshal(data, &saved))
	assert.Equal(t, sampleHistory()[:1], saved)

	// leftover temp files from an interrupted save aren't loaded
	require.NoError(
		t,
		os.WriteFile(filepath.Join(dir, "2.json.tmp.123"), []byte("[]"), 0o644),
	)
	reloaded := NewHistoryStore(dir, nil)
	require.NoError(t, reloaded.Load(context.Background()))
	assert.Equal(t, []string{"1"}, reloaded.Guilds())
}

func TestHistoryStore_LoadCreatesFolder(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "nested", "history")

	store := NewHistoryStore(dir, nil)
	require.NoError(t, store.Load(context.Background()))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Empty(t, store.Guilds())
}

func TestHistoryStore_InvalidGuildID(t *testing.T) {
	t.Parallel()
	store := NewHistoryStore(t.TempDir(), nil)

	for _, id := range []string{"", "..", "a/b", `a\b`} {
		err := store.Save(id, sampleHistory())
		assert.ErrorIs(t, err, ErrInvalidGuildID, id)
	}
}

func TestHistoryStore_GetReturnsCopy(t *testing.T) {
	t.Parallel()
	store := NewHistoryStore(t.TempDir(), nil)
	store.Set("1", sampleHistory())

	h := store.Get("1")
	h[0].Parts[0].Text = "changed"
	h[1].Role = RoleUser

	assert.Equal(t, sampleHistory(), store.Get("1"))
}

func TestHistoryStore_SaveFailureKeepsMemory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	store := NewHistoryStore(filepath.Join(blocker, "history"), nil)
	store.Set("1", sampleHistory())

	err := store.Save("1", History{{Role: RoleUser, Parts: []Part{{Text: "new"}}}})
	require.Error(t, err)
	assert.Equal(t, sampleHistory(), store.Get("1"))
}

func TestHistoryStore_PruneLast(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		history  History
		n        int
		expected History
		pruned   bool
	}{
		{
			name:     "drops trailing pair",
			history:  sampleHistory(),
			n:        2,
			expected: History{},
			pruned:   true,
		},
		{
			name:     "too short",
			history:  sampleHistory()[:1],
			n:        2,
			expected: sampleHistory()[:1],
			pruned:   false,
		},
		{
			name:     "zero",
			history:  sampleHistory(),
			n:        0,
			expected: sampleHistory(),
			pruned:   false,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				store := NewHistoryStore(t.TempDir(), nil)
				store.Set("g", tc.history)
				assert.Equal(t, tc.pruned, store.PruneLast("g", tc.n))
				assert.Equal(t, tc.expected, store.Get("g"))
			},
		)
	}
}

func TestHistoryStore_LockSerializesGuild(t *testing.T) {
	t.Parallel()
	store := NewHistoryStore(t.TempDir(), nil)

	unlock := store.Lock("a")

	otherDone := make(chan struct{})
	go func() {
		u := store.Lock("b")
		u()
		close(otherDone)
	}()
	select {
	case <-otherDone:
	case <-time.After(time.Second):
		t.Fatal("lock on a different guild was blocked")
	}

	var wg sync.WaitGroup
	acquired := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		u := store.Lock("a")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("acquired a held guild lock")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	wg.Wait()
	<-acquired
}
