package txn

import (
	"testing"
	"time"

	"github.com/spineldb/spineldb/internal/executor"
	"github.com/spineldb/spineldb/internal/storage"
	"github.com/stretchr/testify/require"
)

// setCmd is a minimal executor.Command used only to exercise the
// transaction manager's queuing/exec machinery in tests.
type setCmd struct {
	key, val string
}

func (c *setCmd) Spec() executor.Spec { return executor.Spec{Name: "SET", Flags: executor.FlagWrite} }
func (c *setCmd) Keys() []string      { return []string{c.key} }
func (c *setCmd) Execute(ctx *executor.Context) (any, executor.WriteOutcome, error) {
	shard := ctx.Shard(c.key)
	v, ok := shard.GetMut(c.key, time.Now())
	if !ok {
		v = &storage.StoredValue{Kind: storage.KindString}
		shard.Put(c.key, v, nil)
		v, _ = shard.GetMut(c.key, time.Now())
	}
	v.Str = []byte(c.val)
	return "OK", executor.WriteOutcome{Kind: executor.Write, KeysModified: 1}, nil
}

type noopBus struct{ published bool }

func (b *noopBus) PublishTransaction(all []executor.Command, writeOnly []executor.Command) {
	b.published = true
}

// TestWatchExecRace reproduces spec §8 scenario 1: C1 watches k, queues
// SET k "b", then C2 concurrently sets k "x" before C1's EXEC — EXEC must
// abort with a null-array result and leave k's value at C2's write.
func TestWatchExecRace(t *testing.T) {
	db := storage.NewDatabase(0, 8, nil)
	shard := db.ShardFor("k")
	shard.Put("k", &storage.StoredValue{Kind: storage.KindString, Str: []byte("a")}, nil)

	bus := &noopBus{}
	mgr := NewManager(db, &executor.Pipeline{}, bus)

	require.NoError(t, mgr.Watch(1, []string{"k"}))
	require.NoError(t, mgr.Multi(1))
	queued, err := mgr.Queue(1, &setCmd{key: "k", val: "b"})
	require.NoError(t, err)
	require.True(t, queued)

	// C2's concurrent write bumps k's version.
	shard.GetMut("k", time.Now())
	v, _ := shard.Peek("k", time.Now())
	v.Str = []byte("x")

	result, err := mgr.Exec(1)
	require.NoError(t, err)
	require.True(t, result.Aborted)
	require.False(t, bus.published)

	got, ok := shard.Peek("k", time.Now())
	require.True(t, ok)
	require.Equal(t, "x", string(got.Str))
}

func TestExecSuccessPublishes(t *testing.T) {
	db := storage.NewDatabase(0, 8, nil)
	bus := &noopBus{}
	mgr := NewManager(db, &executor.Pipeline{}, bus)

	require.NoError(t, mgr.Multi(1))
	_, err := mgr.Queue(1, &setCmd{key: "k", val: "b"})
	require.NoError(t, err)

	result, err := mgr.Exec(1)
	require.NoError(t, err)
	require.False(t, result.Aborted)
	require.Len(t, result.Results, 1)
	require.True(t, bus.published)
}

func TestNestedMultiRejected(t *testing.T) {
	db := storage.NewDatabase(0, 8, nil)
	mgr := NewManager(db, &executor.Pipeline{}, &noopBus{})
	require.NoError(t, mgr.Multi(1))
	require.Error(t, mgr.Multi(1))
}
