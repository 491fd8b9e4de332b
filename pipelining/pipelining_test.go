package pipelining

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStagePreservesFIFOOrderDespiteOutOfOrderCompletion(t *testing.T) {
	// Row 0 sleeps longest, row 2 shortest, so completion order is 2,1,0 —
	// Results must still emit 0,1,2.
	delays := map[string]time.Duration{"0": 30 * time.Millisecond, "1": 15 * time.Millisecond, "2": 0}
	s := ConnectOutput(4, func(_ context.Context, row json.RawMessage) (json.RawMessage, error) {
		key := string(row)
		time.Sleep(delays[key])
		return row, nil
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Accept(ctx, json.RawMessage(strconv.Itoa(i))))
	}

	var got []string
	for i := 0; i < 3; i++ {
		out := <-s.Results()
		require.NoError(t, out.Err)
		got = append(got, string(out.Row))
	}
	assert.Equal(t, []string{"0", "1", "2"}, got)
}

func TestStageAcceptBlocksUntilSlotFrees(t *testing.T) {
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(1)
	s := ConnectOutput(1, func(ctx context.Context, row json.RawMessage) (json.RawMessage, error) {
		started.Done()
		<-release
		return row, nil
	})

	ctx := context.Background()
	require.NoError(t, s.Accept(ctx, json.RawMessage(`"a"`)))
	started.Wait()

	acceptReturned := make(chan struct{})
	go func() {
		_ = s.Accept(ctx, json.RawMessage(`"b"`))
		close(acceptReturned)
	}()

	select {
	case <-acceptReturned:
		t.Fatal("second Accept should have blocked while the single worker slot is occupied")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-acceptReturned

	first := <-s.Results()
	assert.Equal(t, `"a"`, string(first.Row))
}

func TestStageFlushWaitsForInFlightWork(t *testing.T) {
	s := ConnectOutput(2, func(_ context.Context, row json.RawMessage) (json.RawMessage, error) {
		time.Sleep(10 * time.Millisecond)
		return row, nil
	})
	ctx := context.Background()
	require.NoError(t, s.Accept(ctx, json.RawMessage(`1`)))
	require.NoError(t, s.Accept(ctx, json.RawMessage(`2`)))

	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Close())

	var got []string
	for out := range s.Results() {
		got = append(got, string(out.Row))
	}
	assert.Equal(t, []string{"1", "2"}, got)
}

func TestStagePropagatesWorkError(t *testing.T) {
	boom := assert.AnError
	s := ConnectOutput(1, func(_ context.Context, row json.RawMessage) (json.RawMessage, error) {
		return nil, boom
	})
	require.NoError(t, s.Accept(context.Background(), json.RawMessage(`1`)))
	out := <-s.Results()
	assert.ErrorIs(t, out.Err, boom)
}
