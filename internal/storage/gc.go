package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"
)

// compactTxMaxSize bounds the size of each copy transaction during compaction.
const compactTxMaxSize = 64 * 1024

// GarbageCollect removes expired persisted grants and sessions.
func (s *State) GarbageCollect(ctx context.Context) error {
	grantsDeleted, err := s.PersistedGrants().RemoveExpired(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("collect grants: %w", err)
	}
	gcDeletedTotal.WithLabelValues("grant").Add(float64(grantsDeleted))

	sessionsDeleted, err := s.SessionKV().GC(ctx)
	if err != nil {
		return fmt.Errorf("collect sessions: %w", err)
	}
	gcDeletedTotal.WithLabelValues("session").Add(float64(sessionsDeleted))

	slog.InfoContext(ctx, "state garbage collection complete", "grants_deleted", grantsDeleted, "sessions_deleted", sessionsDeleted)
	return nil
}

// GarbageCollector returns a run.Group actor that collects expired state
// every interval.
func (s *State) GarbageCollector(interval time.Duration) (execute func() error, interrupt func(error)) {
	return s.periodic("garbage collection", interval, s.GarbageCollect)
}

// Compact rewrites the state file into a fresh file, reclaiming space freed
// by deletes. Other users of the state are blocked while it runs.
func (s *State) Compact(ctx context.Context) error {
	err := s.dbAccessor.exclusive(func(cur *bolt.DB) (*bolt.DB, error) {
		tmp := s.path + ".compact"
		_ = os.Remove(tmp)

		dst, err := bolt.Open(tmp, 0o600, nil)
		if err != nil {
			return nil, fmt.Errorf("open compaction target: %w", err)
		}
		if err := bolt.Compact(dst, cur, compactTxMaxSize); err != nil {
			dst.Close()
			os.Remove(tmp)
			return nil, fmt.Errorf("compact: %w", err)
		}
		if err := dst.Close(); err != nil {
			os.Remove(tmp)
			return nil, fmt.Errorf("close compaction target: %w", err)
		}
		if err := cur.Close(); err != nil {
			return nil, fmt.Errorf("close state: %w", err)
		}
		if err := os.Rename(tmp, s.path); err != nil {
			// The original file is still in place, reopen it.
			db, oerr := openBolt(s.path)
			if oerr != nil {
				return nil, fmt.Errorf("rename compacted file: %w (reopen: %v)", err, oerr)
			}
			return db, fmt.Errorf("rename compacted file: %w", err)
		}
		return openBolt(s.path)
	})
	if err != nil {
		return err
	}
	reportStateFileSize(s.path)
	return nil
}

// Compactor returns a run.Group actor that compacts the state every
// interval.
func (s *State) Compactor(interval time.Duration) (execute func() error, interrupt func(error)) {
	return s.periodic("compaction", interval, s.Compact)
}

func (s *State) periodic(name string, interval time.Duration, fn func(context.Context) error) (func() error, func(error)) {
	ctx, cancel := context.WithCancel(context.Background())
	return func() error {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					if err := fn(ctx); err != nil {
						// keep running, the next tick may succeed.
						slog.ErrorContext(ctx, "periodic state task failed", "task", name, "err", err)
					}
					reportStateFileSize(s.path)
				}
			}
		}, func(error) {
			cancel()
		}
}
