package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcelmariani/crm-platform-sub000/internal/transport"
)

func TestFutureResolvesOnce(t *testing.T) {
	f := NewFuture[int]()
	assert.True(t, f.Resolve(1))
	assert.False(t, f.Resolve(2))

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestFutureWakesAllWaiters(t *testing.T) {
	f := NewFuture[string]()
	var wg sync.WaitGroup
	got := make([]string, 5)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, ok := f.WaitTimeout(time.Second)
			if ok {
				got[i] = v
			}
		}(i)
	}
	f.Resolve("qr")
	wg.Wait()
	for _, v := range got {
		assert.Equal(t, "qr", v)
	}
}

func TestFutureTimeout(t *testing.T) {
	f := NewFuture[int]()
	_, ok := f.WaitTimeout(10 * time.Millisecond)
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code int
		want Disposition
	}{
		{transport.CodeLoggedOut, Terminal},
		{transport.CodeForbidden, Terminal},
		{transport.CodeUnknownLogout, Terminal},
		{transport.CodeRestartRequired, Restart},
		{transport.CodeUnavailable, Restart},
		{transport.CodeConnectionClosed, Unclassified},
		{transport.CodeConnectionReplaced, Unclassified},
		{transport.CodeTimedOut, Unclassified},
		{transport.CodeTempBanned, Unclassified},
		{0, Unclassified},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.code), "code %d", tt.code)
	}
	assert.Equal(t, "terminal", Terminal.String())
	assert.Equal(t, "restart", Restart.String())
	assert.Equal(t, "unclassified", Unclassified.String())
}

func TestRegistryRemoveIf(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	a := newSession("5511999990000", 1, now)
	b := newSession("5511999990000", 1, now)

	assert.Nil(t, r.Put(a))
	assert.Same(t, a, r.Put(b))

	assert.False(t, r.RemoveIf(a), "stale session must not remove its replacement")
	assert.Same(t, b, r.Get("5511999990000"))
	assert.True(t, r.RemoveIf(b))
	assert.Equal(t, 0, r.Len())
}

func TestCreationLocks(t *testing.T) {
	l := NewCreationLocks()
	assert.True(t, l.TryAcquire("a"))
	assert.False(t, l.TryAcquire("a"))
	assert.True(t, l.TryAcquire("b"))
	assert.True(t, l.Held("a"))

	l.Release("a")
	assert.False(t, l.Held("a"))
	assert.True(t, l.TryAcquire("a"))
}

func TestDeliverAfterShutdownDropped(t *testing.T) {
	s := newSession("5511999990000", 1, time.Now())
	s.deliver(transport.Opened{})
	s.shutdown()

	done := make(chan struct{})
	go func() {
		s.deliver(transport.Opened{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deliver blocked after shutdown")
	}
	assert.Equal(t, StatusClosed, s.Status())
	assert.True(t, s.Stopped())
}
