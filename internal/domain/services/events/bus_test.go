package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/custody_service/pkg/logger"
	"github.com/rail-service/custody_service/pkg/retry"
)

func newTestBus() *Bus {
	return NewBus(Config{
		BufferSize:     8,
		HandlerTimeout: time.Second,
		Retry:          retry.Policy{MaxAttempts: 3, Delay: 5 * time.Millisecond},
	}, logger.New("debug", "test"))
}

func TestBus_DeliversInOrderToSubscribersOfType(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var got []uint64
	bus.Subscribe(MonitoringStarted, "recorder", func(ctx context.Context, e Event) error {
		p := e.Payload.(MonitoringStartedPayload)
		mu.Lock()
		got = append(got, p.StartBlock)
		mu.Unlock()
		return nil
	})
	var other int32
	bus.Subscribe(ScanError, "other", func(ctx context.Context, e Event) error {
		atomic.AddInt32(&other, 1)
		return nil
	})

	bus.Start()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), MonitoringStarted, MonitoringStartedPayload{StartBlock: i}))
	}
	bus.Stop()

	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, got)
	assert.Zero(t, atomic.LoadInt32(&other))
}

func TestBus_RetriesFailingHandler(t *testing.T) {
	bus := newTestBus()

	var calls int32
	bus.Subscribe(DepositDetected, "flaky", func(ctx context.Context, e Event) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("sink unavailable")
		}
		return nil
	})

	bus.Start()
	require.NoError(t, bus.Publish(context.Background(), DepositDetected, DepositDetectedPayload{Source: "scanner"}))
	bus.Stop()

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestBus_GivesUpAfterMaxAttempts(t *testing.T) {
	bus := newTestBus()

	var calls, after int32
	bus.Subscribe(ScanError, "broken", func(ctx context.Context, e Event) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("always fails")
	})
	bus.Subscribe(ScanError, "healthy", func(ctx context.Context, e Event) error {
		atomic.AddInt32(&after, 1)
		return nil
	})

	bus.Start()
	require.NoError(t, bus.Publish(context.Background(), ScanError, ScanErrorPayload{Error: "boom"}))
	bus.Stop()

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&after))
}

func TestBus_PublishAfterStop(t *testing.T) {
	bus := newTestBus()
	bus.Start()
	bus.Stop()

	err := bus.Publish(context.Background(), MonitoringStopped, MonitoringStoppedPayload{})
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestBus_PublishRespectsContextWhenFull(t *testing.T) {
	bus := NewBus(Config{BufferSize: 1}, logger.New("debug", "test"))
	require.NoError(t, bus.Publish(context.Background(), ScanError, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := bus.Publish(ctx, ScanError, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
