package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thiagokokada/gitbrowse/internal/errs"
)

func TestSubmitReturnsResult(t *testing.T) {
	p := New(2)
	defer p.Close()

	f := Submit(context.Background(), p, func(context.Context) (int, error) { return 42, nil })
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	boom := errors.New("boom")
	_, err = p.Go(context.Background(), func(context.Context) error { return boom }).Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestWorkersAreBounded(t *testing.T) {
	p := New(2)
	defer p.Close()

	var running, peak atomic.Int32
	release := make(chan struct{})
	var futures []*Future[struct{}]
	for range 6 {
		ctx := context.Background()
		futures = append(futures, p.Go(ctx, func(context.Context) error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil
		}))
		if len(futures) == 2 {
			close(release)
		}
	}
	for _, f := range futures {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestCancelledJobDoesNotRun(t *testing.T) {
	p := New(1)
	defer p.Close()

	block := make(chan struct{})
	first := p.Go(context.Background(), func(context.Context) error { <-block; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	done := make(chan *Future[struct{}])
	go func() {
		done <- p.Go(ctx, func(context.Context) error { ran.Store(true); return nil })
	}()
	cancel()
	second := <-done
	close(block)

	_, err := second.Wait(context.Background())
	assert.True(t, errs.IsCancelled(err), "err = %v", err)
	_, err = first.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, ran.Load())
}

func TestWaitHonoursContext(t *testing.T) {
	p := New(1)
	defer p.Close()
	block := make(chan struct{})
	defer close(block)
	f := p.Go(context.Background(), func(context.Context) error { <-block; return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.True(t, errs.IsCancelled(err))
}

func TestPanicBecomesError(t *testing.T) {
	p := New(1)
	defer p.Close()
	_, err := Submit(context.Background(), p, func(context.Context) (int, error) { panic("bad") }).Wait(context.Background())
	assert.ErrorContains(t, err, "panicked")

	// The worker survives.
	v, err := Submit(context.Background(), p, func(context.Context) (int, error) { return 1, nil }).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestSubmitAfterClose(t *testing.T) {
	p := New(1)
	p.Close()
	p.Close()
	_, err := p.Go(context.Background(), func(context.Context) error { return nil }).Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSlotCancelsPrevious(t *testing.T) {
	s := NewSlot("log")
	first, releaseFirst := s.Start(context.Background())
	second, releaseSecond := s.Start(context.Background())
	defer releaseSecond()

	assert.ErrorIs(t, first.Err(), context.Canceled)
	assert.NoError(t, second.Err())

	// Releasing a stale request leaves the current one alone.
	releaseFirst()
	assert.NoError(t, second.Err())

	s.Cancel()
	assert.ErrorIs(t, second.Err(), context.Canceled)
}
