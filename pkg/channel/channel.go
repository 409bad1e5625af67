package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/Latchkey-Labs/latchkey-go/pkg/types"
	"go.uber.org/zap"
)

// Inbound is one message received from the trusted surface, tagged with the
// origin it arrived from.
type Inbound struct {
	Origin   string
	Envelope *types.Envelope
}

// Surface is an open trusted-surface handle. Inbound returns a channel that
// is closed when the surface goes away; Post delivers an envelope to the
// surface; Focus brings an already-open surface to the foreground.
type Surface interface {
	Post(env *types.Envelope) error
	Inbound() <-chan Inbound
	Focus()
	Close() error
}

// Opener opens a fresh trusted-surface instance.
type Opener interface {
	Open(ctx context.Context) (Surface, error)
}

type listenerResult struct {
	env *types.Envelope
	err error
}

type listener struct {
	id        uint64
	predicate func(*types.Envelope) bool
	done      chan listenerResult // buffered, completed at most once
}

type openAttempt struct {
	done chan struct{}
	err  error
}

// Channel maintains exactly one trusted-surface instance and delivers
// correlated messages over it. It owns the full lifetime of every listener
// it registers: when the surface closes or announces unload, every pending
// listener completes with a user-rejection error and the registry is
// emptied. Inbound messages from any origin other than the configured one
// are dropped without being surfaced.
type Channel struct {
	opener Opener
	origin string
	logger *zap.Logger

	mu        sync.Mutex
	surface   Surface
	opening   *openAttempt
	listeners map[uint64]*listener
	nextID    uint64
}

// NewChannel creates a channel that accepts inbound messages from the given
// origin only.
func NewChannel(opener Opener, surfaceOrigin string, logger *zap.Logger) *Channel {
	return &Channel{
		opener:    opener,
		origin:    surfaceOrigin,
		logger:    logger,
		listeners: make(map[uint64]*listener),
	}
}

// Ready ensures a trusted surface is open and has announced itself loaded.
// Idempotent: an already-open surface is focused and reused. Concurrent
// callers converge on one instance; only the first performs the open, the
// rest wait for it.
func (c *Channel) Ready(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.surface != nil {
			s := c.surface
			c.mu.Unlock()
			s.Focus()
			return nil
		}
		if c.opening != nil {
			attempt := c.opening
			c.mu.Unlock()
			select {
			case <-attempt.done:
				if attempt.err != nil {
					return attempt.err
				}
				// the open succeeded; loop to pick up the surface (or
				// retry if it closed in the meantime)
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		attempt := &openAttempt{done: make(chan struct{})}
		c.opening = attempt
		c.mu.Unlock()

		err := c.open(ctx)

		c.mu.Lock()
		c.opening = nil
		c.mu.Unlock()
		attempt.err = err
		close(attempt.done)
		return err
	}
}

func (c *Channel) open(ctx context.Context) error {
	surface, err := c.opener.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open trusted surface: %w", err)
	}

	// register for the loaded signal before the dispatcher can consume it
	loaded := c.addListener(func(env *types.Envelope) bool {
		return env.IsSignal(types.SignalLoaded)
	})

	c.mu.Lock()
	c.surface = surface
	c.mu.Unlock()

	go c.dispatch(surface)

	select {
	case result := <-loaded.done:
		if result.err != nil {
			return result.err
		}
		c.logger.Sugar().Debugw("Trusted surface loaded")
		return nil
	case <-ctx.Done():
		c.removeListener(loaded.id)
		c.teardown(surface)
		return ctx.Err()
	}
}

// dispatch routes inbound messages to listeners until the surface goes
// away. Runs once per open surface.
func (c *Channel) dispatch(surface Surface) {
	for inbound := range surface.Inbound() {
		if inbound.Origin != c.origin {
			// wrong origin: dropped silently, not an error
			c.logger.Sugar().Debugw("Dropping message from unexpected origin", "origin", inbound.Origin)
			continue
		}
		if inbound.Envelope == nil {
			continue
		}
		if inbound.Envelope.IsSignal(types.SignalUnload) {
			c.teardown(surface)
			return
		}
		c.deliver(inbound.Envelope)
	}
	// inbound channel closed without an unload signal: unexpected closure
	c.teardown(surface)
}

// deliver completes the first listener whose predicate matches. A message
// nobody is waiting for is dropped.
func (c *Channel) deliver(env *types.Envelope) {
	c.mu.Lock()
	var match *listener
	for _, l := range c.listeners {
		if l.predicate(env) {
			match = l
			break
		}
	}
	if match != nil {
		delete(c.listeners, match.id)
	}
	c.mu.Unlock()

	if match != nil {
		match.done <- listenerResult{env: env}
	}
}

// teardown disconnects the surface: every pending listener completes with a
// user-rejection error, the registry is emptied and the surface reference
// cleared. Safe to call more than once; only the goroutine that observes
// the surface still attached performs the work.
func (c *Channel) teardown(surface Surface) {
	c.mu.Lock()
	if c.surface != surface {
		c.mu.Unlock()
		return
	}
	c.surface = nil
	pending := c.listeners
	c.listeners = make(map[uint64]*listener)
	c.mu.Unlock()

	_ = surface.Close()
	rejection := types.NewUserRejectedError("trusted surface closed")
	for _, l := range pending {
		l.done <- listenerResult{err: rejection}
	}
	if len(pending) > 0 {
		c.logger.Sugar().Infow("Trusted surface closed, rejected pending requests", "pending", len(pending))
	}
}

func (c *Channel) addListener(predicate func(*types.Envelope) bool) *listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	l := &listener{
		id:        c.nextID,
		predicate: predicate,
		done:      make(chan listenerResult, 1),
	}
	c.listeners[l.id] = l
	return l
}

func (c *Channel) removeListener(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, id)
}

// PostMessage waits for surface readiness and delivers the envelope to the
// trusted surface.
func (c *Channel) PostMessage(ctx context.Context, env *types.Envelope) error {
	if err := c.Ready(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	surface := c.surface
	c.mu.Unlock()
	if surface == nil {
		return types.NewUserRejectedError("trusted surface closed")
	}
	return surface.Post(env)
}

// PostRequestAndWaitForResponse sends a request envelope and resolves the
// first response whose RequestID matches the request's ID. The listener is
// one-shot: it deregisters itself as soon as it matches. No timeout is
// enforced here; a caller that needs bounded latency passes a deadline on
// ctx.
func (c *Channel) PostRequestAndWaitForResponse(ctx context.Context, req *types.Envelope) (*types.Envelope, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("request envelope has no id")
	}
	if err := c.Ready(ctx); err != nil {
		return nil, err
	}

	l := c.addListener(func(env *types.Envelope) bool {
		return env.RequestID != "" && env.RequestID == req.ID
	})

	c.mu.Lock()
	surface := c.surface
	c.mu.Unlock()
	if surface == nil {
		c.removeListener(l.id)
		return nil, types.NewUserRejectedError("trusted surface closed")
	}
	if err := surface.Post(req); err != nil {
		c.removeListener(l.id)
		return nil, fmt.Errorf("failed to post request: %w", err)
	}

	select {
	case result := <-l.done:
		return result.env, result.err
	case <-ctx.Done():
		c.removeListener(l.id)
		return nil, ctx.Err()
	}
}

// OnMessage resolves the first inbound message from the configured origin
// satisfying the predicate, then deregisters itself.
func (c *Channel) OnMessage(ctx context.Context, predicate func(*types.Envelope) bool) (*types.Envelope, error) {
	l := c.addListener(predicate)
	select {
	case result := <-l.done:
		return result.env, result.err
	case <-ctx.Done():
		c.removeListener(l.id)
		return nil, ctx.Err()
	}
}

// Close disconnects the trusted surface if one is open, rejecting all
// pending listeners.
func (c *Channel) Close() {
	c.mu.Lock()
	surface := c.surface
	c.mu.Unlock()
	if surface != nil {
		c.teardown(surface)
	}
}
