package reconnect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond, MaxAttempts: 2}
}

func TestNewScheduler(t *testing.T) {
	s := NewScheduler(fastPolicy(), true)

	assert.NotNil(t, s)
	assert.True(t, s.enabled)
	assert.Equal(t, 0, s.AttemptCount())
}

func TestScheduler_OnConnectionSucceeded(t *testing.T) {
	s := NewScheduler(fastPolicy(), true)
	s.attemptCount = 5
	s.userInitiatedDisconnect = true

	s.OnConnectionSucceeded()

	assert.Equal(t, 0, s.attemptCount)
	assert.False(t, s.userInitiatedDisconnect)
}

func TestScheduler_HandleDrop_UserInitiated(t *testing.T) {
	s := NewScheduler(fastPolicy(), true)
	s.SetUserDisconnect()

	assert.False(t, s.HandleDrop())
	assert.False(t, s.userInitiatedDisconnect, "flag is consumed")
	assert.Equal(t, 0, s.AttemptCount())
}

func TestScheduler_HandleDrop_Disabled(t *testing.T) {
	s := NewScheduler(fastPolicy(), false)

	assert.False(t, s.HandleDrop())
}

func TestScheduler_HandleDrop_ReconnectsAfterDelay(t *testing.T) {
	s := NewScheduler(fastPolicy(), true)

	called := make(chan int, 1)
	s.SetCallbacks(Callbacks{OnReconnecting: func(attempt int) { called <- attempt }})

	connected := make(chan struct{}, 1)
	s.SetConnectFunc(func(ctx context.Context) error {
		connected <- struct{}{}
		return nil
	})

	require.True(t, s.HandleDrop())
	assert.Equal(t, 1, s.AttemptCount())

	select {
	case attempt := <-called:
		assert.Equal(t, 1, attempt)
	case <-time.After(time.Second):
		t.Fatal("OnReconnecting was not called")
	}
	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("connect function was not called")
	}
}

func TestScheduler_HandleDrop_BudgetExhausted(t *testing.T) {
	s := NewScheduler(fastPolicy(), true)
	s.attemptCount = 2

	assert.False(t, s.HandleDrop())
	assert.Equal(t, 2, s.AttemptCount())
}

func TestScheduler_Cancel(t *testing.T) {
	s := NewScheduler(Policy{BaseDelay: time.Hour, MaxDelay: time.Hour, MaxAttempts: 1}, true)
	var calls int
	var mu sync.Mutex
	s.SetConnectFunc(func(ctx context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	require.True(t, s.HandleDrop())
	s.Cancel()
	assert.Nil(t, s.timer)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls)
}

func TestScheduler_PerformReconnect_Failure(t *testing.T) {
	s := NewScheduler(fastPolicy(), true)
	failed := make(chan error, 1)
	s.SetCallbacks(Callbacks{OnFailed: func(err error) { failed <- err }})
	s.SetConnectFunc(func(ctx context.Context) error { return errors.New("refused") })

	s.performReconnect()

	select {
	case err := <-failed:
		assert.EqualError(t, err, "refused")
	default:
		t.Fatal("OnFailed was not called")
	}
}

func TestScheduler_PerformReconnect_NoConnectFunc(t *testing.T) {
	s := NewScheduler(fastPolicy(), true)
	var got error
	s.SetCallbacks(Callbacks{OnFailed: func(err error) { got = err }})

	s.performReconnect()

	require.Error(t, got)
	assert.Contains(t, got.Error(), "not configured")
}

func TestScheduler_PerformReconnect_UserDisconnectedDuringWait(t *testing.T) {
	s := NewScheduler(fastPolicy(), true)
	called := false
	s.SetConnectFunc(func(ctx context.Context) error {
		called = true
		return nil
	})
	s.userInitiatedDisconnect = true

	s.performReconnect()

	assert.False(t, called)
}

func TestScheduler_PerformReconnect_ContextDone(t *testing.T) {
	s := NewScheduler(fastPolicy(), true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.SetContext(ctx)
	called := false
	s.SetConnectFunc(func(ctx context.Context) error {
		called = true
		return nil
	})

	s.performReconnect()

	assert.False(t, called)
}
