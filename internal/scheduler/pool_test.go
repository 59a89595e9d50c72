package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_RunsTaskAndDeliversResult(t *testing.T) {
	p := NewPool(2, 4)
	defer p.Close()

	future, err := p.Submit(context.Background(), func(context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)

	result, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestSubmit_PropagatesTaskError(t *testing.T) {
	p := NewPool(1, 1)
	defer p.Close()

	wantErr := errors.New("provider exploded")
	future, err := p.Submit(context.Background(), func(context.Context) (any, error) {
		return nil, wantErr
	})
	require.NoError(t, err)

	_, err = future.Wait(context.Background())
	assert.ErrorIs(t, err, wantErr)
}

func TestPool_BoundsConcurrency(t *testing.T) {
	const workers = 3
	p := NewPool(workers, 32)
	defer p.Close()

	var running, peak atomic.Int32
	gate := make(chan struct{})

	var futures []*Future
	for i := 0; i < 10; i++ {
		f, err := p.Submit(context.Background(), func(context.Context) (any, error) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-gate
			running.Add(-1)
			return nil, nil
		})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	for _, f := range futures {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, peak.Load(), int32(workers))
}

func TestSubmit_QueuedTaskSkippedWhenContextCancelled(t *testing.T) {
	p := NewPool(1, 1)
	defer p.Close()

	block := make(chan struct{})
	busy, err := p.Submit(context.Background(), func(context.Context) (any, error) {
		<-block
		return nil, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	queued, err := p.Submit(ctx, func(context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	})
	require.NoError(t, err)

	cancel()
	close(block)

	_, err = busy.Wait(context.Background())
	require.NoError(t, err)
	_, err = queued.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran.Load(), "a cancelled queued task must not run")
}

func TestSubmit_BlocksWhenQueueFullUntilContextDone(t *testing.T) {
	p := NewPool(1, 1)
	defer p.Close()

	block := make(chan struct{})
	defer close(block)

	// Occupy the single worker and fill the queue.
	_, err := p.Submit(context.Background(), func(context.Context) (any, error) {
		<-block
		return nil, nil
	})
	require.NoError(t, err)
	_, err = p.Submit(context.Background(), func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Submit(ctx, func(context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClose_DrainsQueuedTasksAndRejectsNewOnes(t *testing.T) {
	p := NewPool(2, 8)

	var completed atomic.Int32
	for i := 0; i < 6; i++ {
		_, err := p.Submit(context.Background(), func(context.Context) (any, error) {
			time.Sleep(10 * time.Millisecond)
			completed.Add(1)
			return nil, nil
		})
		require.NoError(t, err)
	}

	p.Close()
	assert.Equal(t, int32(6), completed.Load(), "queued tasks finish before Close returns")

	_, err := p.Submit(context.Background(), func(context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestClose_SafeWhileSubmitBlockedOnFullQueue(t *testing.T) {
	p := NewPool(1, 1)

	block := make(chan struct{})
	busy, err := p.Submit(context.Background(), func(context.Context) (any, error) {
		<-block
		return nil, nil
	})
	require.NoError(t, err)
	_, err = p.Submit(context.Background(), func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	// This Submit blocks on the full queue while Close runs.
	blocked := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), func(context.Context) (any, error) { return nil, nil })
		blocked <- err
	}()
	time.Sleep(20 * time.Millisecond)

	close(block)
	p.Close()

	// The blocked Submit either enqueued before the queue drained or was
	// turned away; it must never panic on a closed queue.
	select {
	case err := <-blocked:
		if err != nil {
			assert.ErrorIs(t, err, ErrPoolClosed)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Submit never returned after Close")
	}

	_, err = busy.Wait(context.Background())
	require.NoError(t, err)
}

func TestRun_RecoversPanics(t *testing.T) {
	p := NewPool(1, 1)
	defer p.Close()

	future, err := p.Submit(context.Background(), func(context.Context) (any, error) {
		panic("boom")
	})
	require.NoError(t, err)

	_, err = future.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}
