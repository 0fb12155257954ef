// Grounded on original_source/src/core/persistence/aof_loader.rs: stream
// the log, decode frames one at a time, execute each against an
// initially-empty state, track SELECT and MULTI/EXEC blocks, and tolerate
// a truncated trailing frame (spec §4.7 "Loader").
package aof

import (
	"io"
	"os"

	"github.com/spineldb/spineldb/internal/executor"
	"github.com/spineldb/spineldb/internal/log"
	"github.com/spineldb/spineldb/internal/spinelerr"
	"github.com/spineldb/spineldb/internal/storage"
	"github.com/spineldb/spineldb/internal/wire"
)

// Loader replays an append log file against a fresh set of databases.
type Loader struct {
	Decoder wire.Decoder
}

// Load reads path (a no-op, not an error, if it doesn't exist yet — first
// boot) and replays its frames against dbs, indexed by logical database.
func (l *Loader) Load(path string, dbs []*storage.Database) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.WithComponent("aof-loader").Info().Str("path", path).Msg("AOF file not found, starting with empty state")
			return nil
		}
		return err
	}
	defer f.Close()

	logger := log.WithComponent("aof-loader")
	currentDB := 0
	inTx := false
	var txCommands []executor.Command
	loaded := 0

	for {
		cmd, _, err := l.Decoder.Decode(f)
		if err != nil {
			if err == io.EOF {
				break
			}
			if err == wire.ErrShortFrame {
				logger.Warn().Msg("AOF file has trailing, incomplete data; ignoring")
				break
			}
			return spinelerr.Wrap(spinelerr.AofError, err)
		}
		if cmd == nil {
			continue // SELECT or other control frame fully handled by the decoder's own state
		}

		switch cmd.Spec().Name {
		case "SELECT":
			// The out-of-scope command collaborator is expected to expose
			// the target index via a TargetDB() int method; absent that,
			// this loader can't change DBs and logs a warning instead of
			// guessing.
			if sel, ok := cmd.(interface{ TargetDB() int }); ok {
				idx := sel.TargetDB()
				if idx >= 0 && idx < len(dbs) {
					currentDB = idx
				} else {
					logger.Warn().Int("db", idx).Msg("SELECT to out-of-range DB index in AOF file, ignoring")
				}
			}
			continue
		case "MULTI":
			if inTx {
				return spinelerr.New(spinelerr.AofError, "nested MULTI in AOF")
			}
			inTx = true
			txCommands = nil
			continue
		case "EXEC":
			if !inTx {
				return spinelerr.New(spinelerr.AofError, "EXEC without MULTI in AOF")
			}
			inTx = false
			if err := l.execBatch(dbs[currentDB], txCommands); err != nil {
				return err
			}
			loaded += len(txCommands)
			txCommands = nil
			continue
		}

		if inTx {
			txCommands = append(txCommands, cmd)
			continue
		}
		if err := l.execBatch(dbs[currentDB], []executor.Command{cmd}); err != nil {
			return err
		}
		loaded++
	}

	logger.Info().Int("commands", loaded).Msg("AOF load complete")
	return nil
}

// execBatch acquires the canonical lock plan for cmds' combined keys and
// executes them in order, matching the atomic replay of a MULTI/EXEC block
// (and the degenerate single-command case).
func (l *Loader) execBatch(db *storage.Database, cmds []executor.Command) error {
	if len(cmds) == 0 {
		return nil
	}
	var allKeys []string
	for _, c := range cmds {
		allKeys = append(allKeys, c.Keys()...)
	}
	plan := executor.BuildLockPlan(db, allKeys)
	plan.Acquire(db)
	defer plan.Release(db)

	ctx := &executor.Context{DB: db, Locks: plan}
	for _, c := range cmds {
		if _, _, err := c.Execute(ctx); err != nil {
			return spinelerr.Wrap(spinelerr.AofError, err)
		}
	}
	return nil
}
