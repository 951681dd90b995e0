package eventloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) (*Loop, context.CancelFunc) {
	t.Helper()
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l, cancel
}

func TestTasksRunInPostOrder(t *testing.T) {
	l, _ := startLoop(t)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, l.Do(context.Background(), func() {}))

	want := make([]int, 100)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestPanicDoesNotStopLoop(t *testing.T) {
	l, _ := startLoop(t)

	l.Post(func() { panic("boom") })
	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestPostAfterStop(t *testing.T) {
	l, cancel := startLoop(t)
	cancel()
	<-l.Done()

	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Do(context.Background(), func() {}), ErrStopped)
}

func TestDoHonoursContext(t *testing.T) {
	l, _ := startLoop(t)

	release := make(chan struct{})
	l.Post(func() { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Do(ctx, func() {}), context.DeadlineExceeded)
}
