package expiry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExpirer struct {
	calls   atomic.Int32
	n       int
	err     error
	release chan struct{}
	started chan struct{}
}

func (f *fakeExpirer) ExpireLapsed(ctx context.Context) (int, error) {
	f.calls.Add(1)
	if f.started != nil {
		close(f.started)
		<-f.release
	}
	return f.n, f.err
}

func TestNewSweeper_RejectsBadSchedule(t *testing.T) {
	_, err := NewSweeper(&fakeExpirer{}, "every now and then")
	assert.Error(t, err)
}

func TestRunOnce(t *testing.T) {
	f := &fakeExpirer{n: 3}
	s, err := NewSweeper(f, "*/15 * * * *")
	require.NoError(t, err)

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	f.err = errors.New("db down")
	_, err = s.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestRunOnce_DoesNotOverlap(t *testing.T) {
	f := &fakeExpirer{n: 1, started: make(chan struct{}), release: make(chan struct{})}
	s, err := NewSweeper(f, "@every 1h")
	require.NoError(t, err)

	done := make(chan int)
	go func() {
		n, _ := s.RunOnce(context.Background())
		done <- n
	}()
	<-f.started

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "a concurrent run is skipped")

	close(f.release)
	assert.Equal(t, 1, <-done)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestStartStop(t *testing.T) {
	s, err := NewSweeper(&fakeExpirer{}, "@every 1h")
	require.NoError(t, err)
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.NoError(t, ctx.Err())
}
