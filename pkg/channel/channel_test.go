package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Latchkey-Labs/latchkey-go/pkg/logger"
	"github.com/Latchkey-Labs/latchkey-go/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOrigin = "https://surface.test"

// fakeSurface is an in-process Surface for channel tests. Inject delivers
// an inbound message as if the surface had sent it.
type fakeSurface struct {
	mu      sync.Mutex
	posted  []*types.Envelope
	inbound chan Inbound
	closed  bool
	focused int
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{inbound: make(chan Inbound, 16)}
}

func (f *fakeSurface) Post(env *types.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, env)
	return nil
}

func (f *fakeSurface) Inbound() <-chan Inbound { return f.inbound }

func (f *fakeSurface) Focus() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focused++
}

func (f *fakeSurface) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbound)
	}
	return nil
}

func (f *fakeSurface) Inject(origin string, env *types.Envelope) {
	f.inbound <- Inbound{Origin: origin, Envelope: env}
}

type fakeOpener struct {
	opens   atomic.Int32
	surface *fakeSurface
	// sendLoaded controls whether the opened surface announces itself
	sendLoaded bool
}

func (o *fakeOpener) Open(ctx context.Context) (Surface, error) {
	o.opens.Add(1)
	if o.sendLoaded {
		o.surface.Inject(testOrigin, types.NewSignalEnvelope(types.SignalLoaded))
	}
	return o.surface, nil
}

func newTestChannel(t *testing.T) (*Channel, *fakeSurface, *fakeOpener) {
	t.Helper()
	surface := newFakeSurface()
	opener := &fakeOpener{surface: surface, sendLoaded: true}
	c := NewChannel(opener, testOrigin, logger.NewNopLogger())
	return c, surface, opener
}

func (c *Channel) pendingListeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

func TestReady_Idempotent(t *testing.T) {
	c, surface, opener := newTestChannel(t)

	require.NoError(t, c.Ready(context.Background()))
	require.NoError(t, c.Ready(context.Background()))
	require.NoError(t, c.Ready(context.Background()))

	assert.Equal(t, int32(1), opener.opens.Load(), "only one surface instance must be opened")

	surface.mu.Lock()
	focused := surface.focused
	surface.mu.Unlock()
	assert.Equal(t, 2, focused, "already-open surface is focused, not reopened")
}

func TestReady_ConcurrentCallersConverge(t *testing.T) {
	c, _, opener := newTestChannel(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Ready(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), opener.opens.Load())
}

func TestPostRequestAndWaitForResponse_CorrelatesById(t *testing.T) {
	c, surface, _ := newTestChannel(t)

	req, err := types.NewRequestEnvelope(map[string]string{"hello": "world"})
	require.NoError(t, err)

	type outcome struct {
		resp *types.Envelope
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := c.PostRequestAndWaitForResponse(context.Background(), req)
		done <- outcome{resp, err}
	}()

	// wait until the request was posted
	require.Eventually(t, func() bool {
		surface.mu.Lock()
		defer surface.mu.Unlock()
		return len(surface.posted) == 1
	}, time.Second, time.Millisecond)

	// a response with a mismatched id must leave the request pending
	mismatched, err := types.NewResponseEnvelope("some-other-id", map[string]string{"nope": "nope"})
	require.NoError(t, err)
	surface.Inject(testOrigin, mismatched)

	select {
	case <-done:
		t.Fatal("request resolved on a mismatched response id")
	case <-time.After(50 * time.Millisecond):
	}

	matching, err := types.NewResponseEnvelope(req.ID, map[string]string{"ok": "yes"})
	require.NoError(t, err)
	surface.Inject(testOrigin, matching)

	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.Equal(t, req.ID, got.resp.RequestID)
	case <-time.After(time.Second):
		t.Fatal("request did not resolve on the matching response")
	}

	assert.Equal(t, 0, c.pendingListeners(), "one-shot listener must deregister itself")
}

func TestForeignOriginDropped(t *testing.T) {
	c, surface, _ := newTestChannel(t)

	req, err := types.NewRequestEnvelope("ping")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := c.PostRequestAndWaitForResponse(context.Background(), req)
		done <- err
	}()

	require.Eventually(t, func() bool {
		surface.mu.Lock()
		defer surface.mu.Unlock()
		return len(surface.posted) == 1
	}, time.Second, time.Millisecond)

	// correct correlation id but wrong origin: silently ignored
	forged, err := types.NewResponseEnvelope(req.ID, "forged")
	require.NoError(t, err)
	surface.Inject("https://evil.test", forged)

	select {
	case <-done:
		t.Fatal("request resolved on a message from a foreign origin")
	case <-time.After(50 * time.Millisecond):
	}

	genuine, err := types.NewResponseEnvelope(req.ID, "ok")
	require.NoError(t, err)
	surface.Inject(testOrigin, genuine)
	require.NoError(t, <-done)
}

func TestTeardown_RejectsAllOutstanding(t *testing.T) {
	c, surface, _ := newTestChannel(t)

	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		req, err := types.NewRequestEnvelope(i)
		require.NoError(t, err)
		go func() {
			_, err := c.PostRequestAndWaitForResponse(context.Background(), req)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool {
		surface.mu.Lock()
		defer surface.mu.Unlock()
		return len(surface.posted) == n
	}, time.Second, time.Millisecond)
	require.Equal(t, n, c.pendingListeners())

	surface.Inject(testOrigin, types.NewSignalEnvelope(types.SignalUnload))

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			require.Error(t, err)
			assert.True(t, types.IsUserRejected(err), "outstanding requests reject with a user-rejection error, got %v", err)
		case <-time.After(time.Second):
			t.Fatal("outstanding request survived surface teardown")
		}
	}

	assert.Equal(t, 0, c.pendingListeners(), "listener registry must be empty after teardown")
}

func TestUnexpectedClosure_TriggersTeardown(t *testing.T) {
	c, surface, _ := newTestChannel(t)

	req, err := types.NewRequestEnvelope("ping")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := c.PostRequestAndWaitForResponse(context.Background(), req)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return c.pendingListeners() == 1
	}, time.Second, time.Millisecond)

	// surface dies without sending unload
	surface.Close()

	select {
	case err := <-done:
		assert.True(t, types.IsUserRejected(err))
	case <-time.After(time.Second):
		t.Fatal("request survived unexpected surface closure")
	}
}

func TestOnMessage_MatchesPredicateOnce(t *testing.T) {
	c, surface, _ := newTestChannel(t)
	require.NoError(t, c.Ready(context.Background()))

	got := make(chan *types.Envelope, 1)
	go func() {
		env, err := c.OnMessage(context.Background(), func(env *types.Envelope) bool {
			return env.Data == "interesting"
		})
		require.NoError(t, err)
		got <- env
	}()

	require.Eventually(t, func() bool {
		return c.pendingListeners() == 1
	}, time.Second, time.Millisecond)

	surface.Inject(testOrigin, &types.Envelope{Data: "boring"})
	surface.Inject(testOrigin, &types.Envelope{Data: "interesting"})

	select {
	case env := <-got:
		assert.Equal(t, "interesting", env.Data)
	case <-time.After(time.Second):
		t.Fatal("OnMessage did not resolve")
	}
	assert.Equal(t, 0, c.pendingListeners())
}

func TestOnMessage_ContextCancelDeregisters(t *testing.T) {
	c, _, _ := newTestChannel(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.OnMessage(ctx, func(*types.Envelope) bool { return true })
		done <- err
	}()

	require.Eventually(t, func() bool {
		return c.pendingListeners() == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, c.pendingListeners())
}
