package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spineldb/spineldb/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	db := storage.NewDatabase(0, 8, nil)
	db.ShardFor("str").Put("str", &storage.StoredValue{Kind: storage.KindString, Str: []byte("hello")}, nil)
	db.ShardFor("list").Put("list", &storage.StoredValue{Kind: storage.KindList, List: [][]byte{[]byte("a"), []byte("b")}}, nil)
	zs := storage.NewSortedSet()
	zs.Add("m1", 1.5)
	zs.Add("m2", 2.5)
	db.ShardFor("zset").Put("zset", &storage.StoredValue{Kind: storage.KindSortedSet, ZSet: zs}, nil)

	dir := t.TempDir()
	path := filepath.Join(dir, "test.spldb")
	require.NoError(t, Save(path, []*storage.Database{db}))

	loaded := storage.NewDatabase(0, 8, nil)
	require.NoError(t, Load(path, []*storage.Database{loaded}))

	v, ok := loaded.ShardFor("str").Peek("str", time.Now())
	require.True(t, ok)
	require.Equal(t, "hello", string(v.Str))

	v, ok = loaded.ShardFor("list").Peek("list", time.Now())
	require.True(t, ok)
	require.Len(t, v.List, 2)

	v, ok = loaded.ShardFor("zset").Peek("zset", time.Now())
	require.True(t, ok)
	require.Equal(t, 2, v.ZSet.Len())
	score, ok := v.ZSet.Score("m1")
	require.True(t, ok)
	require.Equal(t, 1.5, score)
}

func TestLoadMissingFileIsNoop(t *testing.T) {
	db := storage.NewDatabase(0, 8, nil)
	err := Load(filepath.Join(t.TempDir(), "nope.spldb"), []*storage.Database{db})
	require.NoError(t, err)
}

func TestLoadRejectsCorruptCRC(t *testing.T) {
	db := storage.NewDatabase(0, 8, nil)
	db.ShardFor("k").Put("k", &storage.StoredValue{Kind: storage.KindString, Str: []byte("v")}, nil)

	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt.spldb")
	require.NoError(t, Save(path, []*storage.Database{db}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[10] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0644))

	err = Load(path, []*storage.Database{storage.NewDatabase(0, 8, nil)})
	require.Error(t, err)
}
