package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLocker(client, nil), mr
}

func TestWithLockRunsAndReleases(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	ran := false
	err := locker.WithLock(ctx, "ledger:audit:lock", DefaultLockOptions(), func(context.Context) error {
		ran = true
		require.True(t, mr.Exists("ledger:audit:lock"))
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
	require.False(t, mr.Exists("ledger:audit:lock"))
}

func TestWithLockSkipsWhenHeld(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()
	opts := LockOptions{Expiry: time.Minute, Tries: 1}

	err := locker.WithLock(ctx, "k", opts, func(ctx context.Context) error {
		inner := locker.WithLock(ctx, "k", opts, func(context.Context) error {
			t.Fatal("inner critical section must not run")
			return nil
		})
		require.ErrorIs(t, inner, ErrLockHeld)
		return nil
	})
	require.NoError(t, err)
}

func TestWithLockPropagatesError(t *testing.T) {
	locker, mr := newTestLocker(t)
	boom := errors.New("boom")

	err := locker.WithLock(context.Background(), "k", DefaultLockOptions(), func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	require.False(t, mr.Exists("k"))
}

func TestNewPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := New(context.Background(), mr.Addr())
	require.NoError(t, err)
	require.NoError(t, client.Close())

	addr := mr.Addr()
	mr.Close()
	_, err = New(context.Background(), addr)
	require.Error(t, err)
}
