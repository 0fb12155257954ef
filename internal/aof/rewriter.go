package aof

import (
	"bufio"
	"io"
	"os"
	"sync/atomic"

	"github.com/gofrs/flock"
	"github.com/spineldb/spineldb/internal/log"
	"github.com/spineldb/spineldb/internal/metrics"
	"github.com/spineldb/spineldb/internal/storage"
)

// SnapshotWriter is the narrow seam into the snapshot codec (spec §4.8):
// the rewriter doesn't need the full snapshot package, only "stream every
// database's current state to a writer".
type SnapshotWriter interface {
	WriteDatabases(w io.Writer, dbs []*storage.Database) error
}

// Rewriter implements spec §4.7's rewrite algorithm: latch the writer so
// concurrent appends buffer instead of racing the temp file, stream a
// fresh base image via the snapshot codec, drain the buffered tail onto
// it, then atomically replace the live file.
type Rewriter struct {
	Writer   *Writer
	Snapshot SnapshotWriter
	Dbs      []*storage.Database

	inProgress atomic.Bool
}

// ShouldRewrite reports whether currentSize has grown enough over
// lastRewriteSize to warrant a rewrite, per the configured percentage and
// minimum absolute size (spec §4.7 "Rewrite: triggered ... when current
// file size grows by >= configured percentage over the last-rewrite size
// and exceeds a minimum absolute size").
func ShouldRewrite(currentSize, lastRewriteSize, minSize, percent uint64) bool {
	if currentSize < minSize {
		return false
	}
	if lastRewriteSize == 0 {
		return true
	}
	if currentSize < lastRewriteSize {
		return false
	}
	growth := (currentSize - lastRewriteSize) * 100 / lastRewriteSize
	return growth >= percent
}

// Rewrite performs one rewrite pass. Only one rewrite runs at a time;
// a concurrent call while one is in progress is a no-op.
func (r *Rewriter) Rewrite() error {
	if !r.inProgress.CompareAndSwap(false, true) {
		log.WithComponent("aof-rewriter").Debug().Msg("rewrite already in progress, skipping")
		return nil
	}
	defer r.inProgress.Store(false)

	logger := log.WithComponent("aof-rewriter")
	tempPath := r.Writer.Path + ".rewrite.tmp"

	r.Writer.rewrite.mu.Lock()
	r.Writer.rewrite.inProgress = true
	r.Writer.rewrite.mu.Unlock()

	succeeded := false
	defer func() {
		r.Writer.mu.Lock()
		r.Writer.drainRewriteBufferLocked(succeeded)
		r.Writer.mu.Unlock()
	}()

	f, err := os.Create(tempPath)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create AOF rewrite temp file")
		return err
	}

	bw := bufio.NewWriter(f)
	if err := r.Snapshot.WriteDatabases(bw, r.Dbs); err != nil {
		logger.Error().Err(err).Msg("failed to stream base image to AOF rewrite temp file")
		_ = f.Close()
		_ = os.Remove(tempPath)
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tempPath)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tempPath)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tempPath)
		return err
	}

	if err := r.swapFile(tempPath); err != nil {
		logger.Error().Err(err).Msg("failed to replace AOF file with rewritten temp file")
		_ = os.Remove(tempPath)
		return err
	}

	succeeded = true
	metrics.AOFRewritesTotal.Inc()
	if info, err := os.Stat(r.Writer.Path); err == nil {
		r.Writer.mu.Lock()
		r.Writer.lastSize = uint64(info.Size())
		r.Writer.mu.Unlock()
	}
	logger.Info().Msg("AOF rewrite completed")
	return nil
}

// swapFile replaces the live AOF file's contents with tempPath's,
// re-taking the advisory lock and reopening the writer's file handle so
// subsequent appends land in the new file.
func (r *Rewriter) swapFile(tempPath string) error {
	r.Writer.mu.Lock()
	defer r.Writer.mu.Unlock()

	_ = r.Writer.buf.Flush()
	_ = r.Writer.lock.Unlock()
	_ = r.Writer.file.Close()

	if err := os.Rename(tempPath, r.Writer.Path); err != nil {
		// Best-effort: reopen the old file so the writer isn't left dangling.
		r.reopenLocked()
		return err
	}

	fl := flock.New(r.Writer.Path + ".lock")
	if _, err := fl.TryLock(); err != nil {
		r.reopenLocked()
		return err
	}
	f, err := os.OpenFile(r.Writer.Path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	r.Writer.file = f
	r.Writer.buf = bufio.NewWriter(f)
	r.Writer.lock = fl
	return nil
}

func (r *Rewriter) reopenLocked() {
	f, err := os.OpenFile(r.Writer.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	fl := flock.New(r.Writer.Path + ".lock")
	_, _ = fl.TryLock()
	r.Writer.file = f
	r.Writer.buf = bufio.NewWriter(f)
	r.Writer.lock = fl
}
