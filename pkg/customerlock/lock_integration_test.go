//go:build integration

package customerlock_test

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/customerlock"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/store"
	"github.com/platinummonkey/tollgate/pkg/store/storetest"
)

func TestPostgresLocker_MutualExclusion(t *testing.T) {
	db, cleanup := storetest.SetupPostgres(t)
	defer cleanup()
	db.SetMaxOpenConns(10)

	locker := customerlock.NewPostgresLocker(db, observability.NewLogger(observability.ErrorLevel, io.Discard))

	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithCustomerLock(context.Background(), 42, "test", func(context.Context, store.Repository) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					seen := atomic.LoadInt32(&maxSeen)
					if n <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)
}

func TestPostgresLocker_DifferentCustomersRunConcurrently(t *testing.T) {
	db, cleanup := storetest.SetupPostgres(t)
	defer cleanup()

	locker := customerlock.NewPostgresLocker(db, observability.NewLogger(observability.ErrorLevel, io.Discard))

	firstHolding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- locker.WithCustomerLock(context.Background(), 1, "hold", func(context.Context, store.Repository) error {
			close(firstHolding)
			<-release
			return nil
		})
	}()
	<-firstHolding

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, locker.WithCustomerLock(ctx, 2, "other", func(context.Context, store.Repository) error { return nil }))

	close(release)
	require.NoError(t, <-done)
}
