package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noStop[T any](*Gate[T]) (func(), error) {
	return nil, nil
}

func TestFirstResolutionWins(t *testing.T) {
	g := Begin(noStop[string])
	assert.Equal(t, Pending, g.Status())

	assert.True(t, g.Resolve("restored"))
	assert.False(t, g.Fail(errors.New("late failure")))
	assert.False(t, g.Resolve("again"))

	val, err := g.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "restored", val)
	assert.Equal(t, Succeeded, g.Status())
}

func TestAllWaitersSeeSameValue(t *testing.T) {
	g := Begin(noStop[int])
	const waiters = 8
	results := make(chan int, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := g.Wait(context.Background())
			if err == nil {
				results <- v
			}
		}()
	}

	var winners atomic.Int32
	var resolvers sync.WaitGroup
	for i := 1; i <= 32; i++ {
		resolvers.Add(1)
		go func(v int) {
			defer resolvers.Done()
			if g.Resolve(v) {
				winners.Add(1)
			}
		}(i)
	}
	resolvers.Wait()
	wg.Wait()
	close(results)

	assert.EqualValues(t, 1, winners.Load())
	final, _ := g.Result()
	count := 0
	for v := range results {
		assert.Equal(t, final, v)
		count++
	}
	assert.Equal(t, waiters, count)
}

func TestStartErrorFailsGate(t *testing.T) {
	startErr := errors.New("enable updates failed")
	g := Begin(func(*Gate[struct{}]) (func(), error) {
		return nil, startErr
	})
	_, err := g.Wait(context.Background())
	assert.ErrorIs(t, err, startErr)
	assert.Equal(t, Failed, g.Status())
}

func TestStopRunsOnceOnTerminal(t *testing.T) {
	var stops atomic.Int32
	g := Begin(func(*Gate[int]) (func(), error) {
		return func() { stops.Add(1) }, nil
	})
	assert.EqualValues(t, 0, stops.Load())
	g.Resolve(1)
	g.Fail(errors.New("ignored"))
	g.Abandon()
	assert.EqualValues(t, 1, stops.Load())
}

func TestSynchronousResolveDuringStart(t *testing.T) {
	var stops atomic.Int32
	g := Begin(func(g *Gate[int]) (func(), error) {
		g.Resolve(42)
		return func() { stops.Add(1) }, nil
	})
	v, err := g.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.EqualValues(t, 1, stops.Load())
}

func TestWaitCancelledDoesNotResolve(t *testing.T) {
	var stops atomic.Int32
	g := Begin(func(*Gate[int]) (func(), error) {
		return func() { stops.Add(1) }, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := g.Wait(ctx)
	assert.ErrorIs(t, err, ErrAbandoned)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Pending, g.Status())
	assert.EqualValues(t, 0, stops.Load())

	g.Resolve(7)
	v, err := g.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestAbandonTearsDownListeners(t *testing.T) {
	var stops atomic.Int32
	g := Begin(func(*Gate[int]) (func(), error) {
		return func() { stops.Add(1) }, nil
	})
	g.Abandon()
	assert.EqualValues(t, 1, stops.Load())

	assert.False(t, g.Resolve(1))
	_, err := g.Wait(context.Background())
	assert.ErrorIs(t, err, ErrAbandoned)
}

func TestDoneClosesOnTerminal(t *testing.T) {
	g := Begin(noStop[int])
	done := g.Done()
	select {
	case <-done:
		t.Fatal("done closed while pending")
	default:
	}

	go g.Resolve(7)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("done not closed after resolve")
	}
	assert.Equal(t, Succeeded, g.Status())
	v, err := g.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	// a later failure must not reopen or re-close the channel
	assert.False(t, g.Fail(errors.New("late")))
	<-g.Done()
}
