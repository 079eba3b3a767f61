package db

import (
	"context"
	"database/sql"
	"fmt"
	"hash/crc32"
	"sync"
)

// runnerLockID derives a signed 31-bit lock key from a runner_id, matching
// the original locking scheme bit for bit: CRC32 of the UTF-8 bytes, masked
// to clear the sign bit so the value fits pg_try_advisory_lock's bigint
// argument (and any int32-keyed fallback) without surprises.
func runnerLockID(runnerID string) int32 {
	sum := crc32.ChecksumIEEE([]byte(runnerID))
	return int32(sum & 0x7FFFFFFF)
}

// inProcessLocks backs the advisory lock for the sqlite driver, where there
// is no server to hold a session-scoped lock. It is keyed by the same hash
// as the postgres path so tests exercise identical mutual-exclusion
// semantics without a real database server.
var (
	inProcessMu    sync.Mutex
	inProcessLocks = map[int32]bool{}
)

// pinnedConns holds the single *sql.Conn each held postgres advisory lock is
// bound to. pg_try_advisory_lock and pg_advisory_unlock must run on the same
// backend connection — a session-scoped lock acquired on one pooled
// connection is invisible to pg_advisory_unlock called from another. The
// conn is checked out of the pool for the lifetime of the hold and returned
// to it (closed) on release.
var (
	pinnedMu    sync.Mutex
	pinnedConns = map[int32]*sql.Conn{}
)

// TryAdvisoryLock attempts to acquire the mutual-exclusion lock for a
// runner_id without blocking. It returns false (no error) if the lock is
// already held by someone else. Callers MUST pair a successful acquisition
// with ReleaseAdvisoryLock — on postgres the underlying connection is
// pinned internally so the unlock is guaranteed to land on the same session.
func TryAdvisoryLock(ctx context.Context, database *DB, runnerID string) (bool, error) {
	key := runnerLockID(runnerID)

	switch database.Driver {
	case "postgres":
		sqlDB, err := database.DB.DB()
		if err != nil {
			return false, fmt.Errorf("db: failed to get sql.DB: %w", err)
		}
		conn, err := sqlDB.Conn(ctx)
		if err != nil {
			return false, fmt.Errorf("db: failed to pin connection: %w", err)
		}

		var acquired bool
		row := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key)
		if err := row.Scan(&acquired); err != nil {
			conn.Close()
			return false, fmt.Errorf("db: pg_try_advisory_lock: %w", err)
		}
		if !acquired {
			conn.Close()
			return false, nil
		}

		pinnedMu.Lock()
		pinnedConns[key] = conn
		pinnedMu.Unlock()
		return true, nil

	default:
		inProcessMu.Lock()
		defer inProcessMu.Unlock()
		if inProcessLocks[key] {
			return false, nil
		}
		inProcessLocks[key] = true
		return true, nil
	}
}

// ReleaseAdvisoryLock releases a lock previously acquired by TryAdvisoryLock.
// It returns whether a lock was actually held and released.
func ReleaseAdvisoryLock(ctx context.Context, database *DB, runnerID string) (bool, error) {
	key := runnerLockID(runnerID)

	switch database.Driver {
	case "postgres":
		pinnedMu.Lock()
		conn, ok := pinnedConns[key]
		if ok {
			delete(pinnedConns, key)
		}
		pinnedMu.Unlock()
		if !ok {
			return false, nil
		}
		defer conn.Close()

		var released bool
		row := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", key)
		if err := row.Scan(&released); err != nil {
			return false, fmt.Errorf("db: pg_advisory_unlock: %w", err)
		}
		return released, nil

	default:
		inProcessMu.Lock()
		defer inProcessMu.Unlock()
		if !inProcessLocks[key] {
			return false, nil
		}
		delete(inProcessLocks, key)
		return true, nil
	}
}
