package executor

import "github.com/spineldb/spineldb/internal/storage"

// Context is the execution context a Command runs against (spec §4.3):
// a pointer to the target database, the lock plan that's already been
// acquired, the authenticated user (if any), and the originating session.
type Context struct {
	DB           *storage.Database
	Locks        LockPlan
	SessionID    uint64
	User         string
	Now          func() int64 // unix seconds; overridable in tests
}

// Shard returns the shard owning key. The caller is responsible for having
// included key in the keys passed to BuildLockPlan for this context.
func (c *Context) Shard(key string) *storage.Shard {
	return c.DB.ShardFor(key)
}
