package redislease_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/conflict-engine/conflict"
	"github.com/warp/conflict-engine/lease/redislease"
	"github.com/warp/conflict-engine/orchestrator"
)

func newLeaser(t *testing.T) (*redislease.Leaser, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redislease.New(rdb), mr
}

func TestAcquire_ExclusiveUntilExpiry(t *testing.T) {
	// GIVEN: node-a holds the lease
	l, mr := newLeaser(t)
	ctx := context.Background()
	held, err := l.Acquire(ctx, orchestrator.LeaseName, "node-a", "run-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "run-1", held.RunID)

	// WHEN: node-b tries to acquire it
	_, err = l.Acquire(ctx, orchestrator.LeaseName, "node-b", "run-2", time.Minute)

	// THEN: It is refused with the holder's identity
	require.Error(t, err)
	assert.True(t, errors.Is(err, conflict.ErrLeaseHeld))
	var lh *conflict.LeaseHeldError
	require.ErrorAs(t, err, &lh)
	assert.Equal(t, "node-a", lh.Owner)
	assert.Equal(t, "run-1", lh.RunID)

	// WHEN: The lease expires
	mr.FastForward(2 * time.Minute)

	// THEN: node-b gets it
	taken, err := l.Acquire(ctx, orchestrator.LeaseName, "node-b", "run-2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "node-b", taken.Owner)
}

func TestRenew_ExtendsOnlyOwnLease(t *testing.T) {
	l, mr := newLeaser(t)
	ctx := context.Background()
	held, err := l.Acquire(ctx, orchestrator.LeaseName, "node-a", "run-1", time.Minute)
	require.NoError(t, err)

	mr.FastForward(50 * time.Second)
	require.NoError(t, l.Renew(ctx, held, time.Minute))
	mr.FastForward(50 * time.Second)

	// Still held after the original TTL passed.
	_, err = l.Acquire(ctx, orchestrator.LeaseName, "node-b", "run-2", time.Minute)
	assert.True(t, errors.Is(err, conflict.ErrLeaseHeld))

	// A stranger cannot renew it.
	stranger := &orchestrator.Lease{Name: orchestrator.LeaseName, Owner: "node-b", RunID: "run-2"}
	assert.True(t, errors.Is(l.Renew(ctx, stranger, time.Minute), conflict.ErrLeaseHeld))
}

func TestRelease_OnlyByOwner(t *testing.T) {
	l, _ := newLeaser(t)
	ctx := context.Background()
	held, err := l.Acquire(ctx, orchestrator.LeaseName, "node-a", "run-1", time.Minute)
	require.NoError(t, err)

	stranger := &orchestrator.Lease{Name: orchestrator.LeaseName, Owner: "node-b", RunID: "run-2"}
	require.NoError(t, l.Release(ctx, stranger))
	_, err = l.Acquire(ctx, orchestrator.LeaseName, "node-b", "run-2", time.Minute)
	assert.Error(t, err)

	require.NoError(t, l.Release(ctx, held))
	_, err = l.Acquire(ctx, orchestrator.LeaseName, "node-b", "run-2", time.Minute)
	assert.NoError(t, err)
}

func TestAcquire_SameOwnerOtherRunIsRefused(t *testing.T) {
	// GIVEN: One process holds the lease for run-1
	l, _ := newLeaser(t)
	ctx := context.Background()
	held, err := l.Acquire(ctx, orchestrator.LeaseName, "host-a", "run-1", time.Minute)
	require.NoError(t, err)

	// WHEN: The same process starts run-2
	_, err = l.Acquire(ctx, orchestrator.LeaseName, "host-a", "run-2", time.Minute)

	// THEN: run-2 waits, and run-1 keeps renewing
	var lh *conflict.LeaseHeldError
	require.ErrorAs(t, err, &lh)
	assert.Equal(t, "run-1", lh.RunID)
	require.NoError(t, l.Renew(ctx, held, time.Minute))

	// The same run may re-acquire after a restart.
	again, err := l.Acquire(ctx, orchestrator.LeaseName, "host-a", "run-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "run-1", again.RunID)
}
