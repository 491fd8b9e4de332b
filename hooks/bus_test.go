package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishDeliversInRegistrationOrder(t *testing.T) {
	b := NewBus()
	var order []string
	sub1, err := b.Register(SubscriberFunc(func(_ context.Context, e Event) error {
		order = append(order, "first")
		return nil
	}))
	require.NoError(t, err)
	defer sub1.Close()
	sub2, err := b.Register(SubscriberFunc(func(_ context.Context, e Event) error {
		order = append(order, "second")
		return nil
	}))
	require.NoError(t, err)
	defer sub2.Close()

	require.NoError(t, b.Publish(context.Background(), Event{Type: EventRowProcessed, RunID: "run-1"}))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestBusPublishStopsAtFirstSubscriberError(t *testing.T) {
	b := NewBus()
	boom := errors.New("boom")
	var secondCalled bool
	sub1, err := b.Register(SubscriberFunc(func(_ context.Context, e Event) error { return boom }))
	require.NoError(t, err)
	defer sub1.Close()
	sub2, err := b.Register(SubscriberFunc(func(_ context.Context, e Event) error {
		secondCalled = true
		return nil
	}))
	require.NoError(t, err)
	defer sub2.Close()

	err = b.Publish(context.Background(), Event{Type: EventRowProcessed, RunID: "run-1"})
	assert.ErrorIs(t, err, boom)
	assert.False(t, secondCalled)
}

func TestBusRegisterRejectsNilSubscriber(t *testing.T) {
	b := NewBus()
	_, err := b.Register(nil)
	assert.Error(t, err)
}

func TestBusCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	b := NewBus()
	var calls int
	sub, err := b.Register(SubscriberFunc(func(_ context.Context, e Event) error {
		calls++
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), Event{Type: EventRowProcessed, RunID: "run-1"}))
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	require.NoError(t, b.Publish(context.Background(), Event{Type: EventRowProcessed, RunID: "run-1"}))
	assert.Equal(t, 1, calls)
}

func TestBusPublishRejectsEventsAfterRunTerminates(t *testing.T) {
	b := NewBus()
	require.NoError(t, b.Publish(context.Background(), Event{Type: EventRunCompleted, RunID: "run-1"}))

	err := b.Publish(context.Background(), Event{Type: EventRowProcessed, RunID: "run-1"})
	assert.ErrorIs(t, err, ErrRunAlreadyTerminal)
}

func TestBusPublishRejectsSecondTerminalEventForSameRun(t *testing.T) {
	b := NewBus()
	require.NoError(t, b.Publish(context.Background(), Event{Type: EventRunFailed, RunID: "run-1"}))

	err := b.Publish(context.Background(), Event{Type: EventRunFailed, RunID: "run-1"})
	assert.ErrorIs(t, err, ErrRunAlreadyTerminal)
}

func TestBusPublishTerminalIsScopedPerRun(t *testing.T) {
	b := NewBus()
	require.NoError(t, b.Publish(context.Background(), Event{Type: EventRunCompleted, RunID: "run-1"}))
	require.NoError(t, b.Publish(context.Background(), Event{Type: EventRowProcessed, RunID: "run-2"}))
}
