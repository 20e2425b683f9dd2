// Package lock serializes write-mode sync runs across processes with a
// PostgreSQL session advisory lock.
//
// Acquisition is try-once: a second concurrent run fails immediately with
// ErrLockHeld instead of waiting. The lock lives on one pinned connection
// for the whole run and is released when the lease is released.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Key is the advisory lock key shared by every sync process.
const Key int64 = 90210077

// ErrLockHeld is returned when another session holds the sync lock.
var ErrLockHeld = errors.New("Another sync process is already running (advisory lock in use)")

// Conn is a dedicated session. Close ends the session itself, so a lock
// it may still hold dies with it; Release returns it to its pool.
type Conn interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close(context.Context) error
	Release()
}

// poolConn adapts a pooled connection. The pool destroys a closed
// connection on Release instead of reusing it.
type poolConn struct {
	*pgxpool.Conn
}

func (c poolConn) Close(ctx context.Context) error {
	return c.Conn.Conn().Close(ctx)
}

// Lease is a held advisory lock.
type Lease struct {
	conn Conn
	key  int64
	once sync.Once
	err  error
}

// TryAcquire attempts the lock on conn. On failure conn is released and
// ErrLockHeld returned. On success the lease owns conn.
func TryAcquire(ctx context.Context, conn Conn, key int64) (*Lease, error) {
	var ok bool
	if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, ErrLockHeld
	}
	return &Lease{conn: conn, key: key}, nil
}

// Release unlocks and returns the connection to its pool. When the unlock
// fails the session is closed first so a lock it may still hold never goes
// back into the pool. Safe to call more than once; only the first call
// does anything.
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		ctx = context.WithoutCancel(ctx)
		if _, err := l.conn.Exec(ctx, "select pg_advisory_unlock($1)", l.key); err != nil {
			slog.Error("failed to release advisory lock, closing session", "key", l.key, "error", err)
			l.err = fmt.Errorf("release advisory lock: %w", err)
			if cerr := l.conn.Close(ctx); cerr != nil {
				slog.Warn("failed to close lock session", "key", l.key, "error", cerr)
			}
		}
		l.conn.Release()
	})
	return l.err
}

// Acquire pins a pool connection and tries the sync lock on it.
func Acquire(ctx context.Context, pool *pgxpool.Pool) (*Lease, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for lock: %w", err)
	}
	return TryAcquire(ctx, poolConn{conn}, Key)
}

// With runs fn while holding the lease obtained by acquire. The lease is
// released on every exit path, including panics.
func With(ctx context.Context, acquire func(context.Context) (*Lease, error), fn func(context.Context) error) (err error) {
	lease, err := acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lease.Release(ctx); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(ctx)
}
