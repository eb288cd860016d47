package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another holder owns the lock.
var ErrLockHeld = errors.New("platform/cache: lock held by another worker")

// LockOptions configures one lock acquisition.
type LockOptions struct {
	// Expiry bounds how long a crashed holder blocks others.
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

// DefaultLockOptions suits jobs that should skip, not queue, when another worker runs.
func DefaultLockOptions() LockOptions {
	return LockOptions{Expiry: 10 * time.Minute, Tries: 1, RetryDelay: 250 * time.Millisecond}
}

// Locker serialises work across processes through redis.
type Locker struct {
	rs     *redsync.Redsync
	logger *slog.Logger
}

// NewLocker builds a Locker over client.
func NewLocker(client redis.UniversalClient, logger *slog.Logger) *Locker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{rs: redsync.New(goredis.NewPool(client)), logger: logger}
}

// WithLock runs fn while holding key. ErrLockHeld means fn did not run,
// including when redis is unreachable.
func (l *Locker) WithLock(ctx context.Context, key string, opts LockOptions, fn func(context.Context) error) error {
	if opts.Expiry <= 0 {
		opts = DefaultLockOptions()
	}
	if opts.Tries <= 0 {
		opts.Tries = 1
	}
	mutex := l.rs.NewMutex(key,
		redsync.WithExpiry(opts.Expiry),
		redsync.WithTries(opts.Tries),
		redsync.WithRetryDelay(opts.RetryDelay),
	)
	if err := mutex.LockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("platform/cache: acquire %s: %w", key, ctx.Err())
		}
		return fmt.Errorf("%w: %s: %v", ErrLockHeld, key, err)
	}
	defer func() {
		if ok, err := mutex.UnlockContext(context.WithoutCancel(ctx)); !ok || err != nil {
			l.logger.Warn("release lock", slog.String("key", key), slog.Bool("ok", ok), slog.Any("error", err))
		}
	}()
	return fn(ctx)
}
