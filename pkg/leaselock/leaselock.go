// Package leaselock hands out named, expiring leases stored in the
// app_locks table. A replica holding a lease keeps extending it until it
// releases the lease or can no longer reach the database; work run under
// the lease is cancelled as soon as the lease is lost.
package leaselock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrBusy = errors.New("lease is held by another replica")
	ErrLost = errors.New("lease lost")
)

const (
	defaultTTL  = 5 * time.Minute
	defaultPoll = 250 * time.Millisecond
	// extendFailures is how many extensions in a row may fail on transient
	// errors before the lease is given up.
	extendFailures = 3
)

// Locker runs fn while holding the lease named key. *Client implements it.
type Locker interface {
	WithLease(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error
}

type Options struct {
	// TTL is the lifetime of the lease row; it is extended every TTL/3.
	TTL time.Duration
	// Wait polls until the lease is free instead of returning ErrBusy.
	Wait   bool
	Poll   time.Duration
	Jitter time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL < time.Millisecond {
		o.TTL = defaultTTL
	}
	if o.Poll <= 0 {
		o.Poll = defaultPoll
	}
	o.Jitter = max(o.Jitter, 0)
	return o
}

func (o Options) extendEvery() time.Duration {
	return max(o.TTL/3, 100*time.Millisecond)
}

type db interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Client struct {
	db db
	// owner identifies this process in the holder column.
	owner string
}

func New(pool *pgxpool.Pool) *Client {
	return newClient(pool)
}

func newClient(conn db) *Client {
	id, err := gonanoid.New(10)
	if err != nil {
		id = fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return &Client{db: conn, owner: id}
}

// Lease is held until Release is called or Context is cancelled because an
// extension failed.
type Lease struct {
	Key    string
	Holder string

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	c      *Client
}

// Context is cancelled with ErrLost (or the extension error) once the lease
// can no longer be guaranteed.
func (l *Lease) Context() context.Context {
	return l.ctx
}

// WithLease acquires key, runs fn and releases the lease. When the lease is
// lost while fn runs, the returned error wraps ErrLost.
func (c *Client) WithLease(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	l, err := c.Acquire(ctx, key, opts)
	if err != nil {
		return err
	}

	fnErr := fn(l.ctx)
	lost := context.Cause(l.ctx)

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.Release(releaseCtx); err != nil {
		logger.Warn("[LeaseLock] Release failed", "key", key, "err", err)
	}

	if lost != nil && ctx.Err() == nil {
		return errors.Join(fnErr, fmt.Errorf("%w: %s: %v", ErrLost, key, lost))
	}
	return fnErr
}

// Acquire takes the lease for key. Without opts.Wait a held lease yields
// ErrBusy.
func (c *Client) Acquire(ctx context.Context, key string, opts Options) (*Lease, error) {
	if key == "" {
		return nil, errors.New("lease key is empty")
	}
	opts = opts.withDefaults()

	suffix, err := gonanoid.New(12)
	if err != nil {
		return nil, err
	}
	holder := c.owner + "/" + suffix

	for {
		ok, err := c.claim(ctx, acquireSQL, key, holder, opts.TTL)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lease %s: %w", key, err)
		}
		if ok {
			break
		}
		if !opts.Wait {
			return nil, ErrBusy
		}
		if err := pause(ctx, opts.Poll+jitter(opts.Jitter)); err != nil {
			return nil, err
		}
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	l := &Lease{
		Key:    key,
		Holder: holder,
		ctx:    leaseCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		c:      c,
	}
	go l.keepAlive(opts)
	return l, nil
}

// Release stops extending the lease and deletes the row if it is still
// ours. It is safe to call more than once.
func (l *Lease) Release(ctx context.Context) error {
	l.cancel(context.Canceled)
	<-l.done
	_, err := l.c.db.Exec(ctx, releaseSQL, l.Key, l.Holder)
	return err
}

func (l *Lease) keepAlive(opts Options) {
	defer close(l.done)

	t := time.NewTicker(opts.extendEvery())
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-t.C:
		}

		extendCtx, cancel := context.WithTimeout(l.ctx, 10*time.Second)
		ok, err := l.c.claim(extendCtx, extendSQL, l.Key, l.Holder, opts.TTL)
		cancel()
		if l.ctx.Err() != nil {
			return
		}

		switch {
		case err == nil && ok:
			failures = 0
			continue
		case err == nil:
			err = ErrLost
		default:
			failures++
			if failures < extendFailures {
				logger.Debug("[LeaseLock] Extension failed, retrying", "key", l.Key, "err", err)
				continue
			}
		}
		logger.Warn("[LeaseLock] Lease lost", "key", l.Key, "err", err)
		l.cancel(err)
		return
	}
}

// claim runs an acquire or extend statement and reports whether the row
// now names holder.
func (c *Client) claim(ctx context.Context, sql, key, holder string, ttl time.Duration) (bool, error) {
	var got string
	err := c.db.QueryRow(ctx, sql, key, holder, ttl.Seconds()).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return got == holder, nil
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit) + 1))
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// The table is created by the app_locks migration.
const (
	acquireSQL = `
INSERT INTO app_locks AS l (name, holder, expires_at)
VALUES ($1, $2, now() + make_interval(secs => $3::double precision))
ON CONFLICT (name) DO UPDATE
SET holder = excluded.holder, expires_at = excluded.expires_at
WHERE l.expires_at < now() OR l.holder = excluded.holder
RETURNING holder`

	extendSQL = `
UPDATE app_locks
SET expires_at = now() + make_interval(secs => $3::double precision)
WHERE name = $1 AND holder = $2
RETURNING holder`

	releaseSQL = `DELETE FROM app_locks WHERE name = $1 AND holder = $2`
)
