package wait

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUntilReturnsAsSoonAsConditionHolds(t *testing.T) {
	var calls atomic.Int32
	err := Until(context.Background(), 5*time.Millisecond, time.Second, func(context.Context) (bool, error) {
		return calls.Add(1) == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestUntilTimeoutBounds(t *testing.T) {
	const (
		interval = 20 * time.Millisecond
		timeout  = 110 * time.Millisecond
	)
	start := time.Now()
	err := Until(context.Background(), interval, timeout, func(context.Context) (bool, error) {
		return false, nil
	})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, timeout)
	// generous slack for scheduler jitter on busy CI machines
	assert.Less(t, elapsed, timeout+interval+50*time.Millisecond)
}

func TestUntilStopsOnConditionError(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32
	err := Until(context.Background(), time.Millisecond, time.Second, func(context.Context) (bool, error) {
		calls.Add(1)
		return false, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), calls.Load())
}

func TestUntilObservesCancellationAtNextTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	err := Until(ctx, 10*time.Millisecond, time.Minute, func(context.Context) (bool, error) {
		if calls.Add(1) == 2 {
			cancel()
		}
		return false, nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(2), calls.Load())
}

func TestUntilZeroTimeoutChecksOnce(t *testing.T) {
	var calls atomic.Int32
	err := Until(context.Background(), time.Millisecond, 0, func(context.Context) (bool, error) {
		calls.Add(1)
		return false, nil
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, int32(1), calls.Load())
}
