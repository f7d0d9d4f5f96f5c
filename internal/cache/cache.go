// Package cache implements the bounded pool of outbound SMTP client
// connections the delivery loop shares: a single process-wide
// capacity budget (resizable via SetMaxConcurrentSendJobs), with
// connections kept idle per next-hop Address for reuse. This is the
// sole concurrency limiter on outbound I/O (spec §4.4, §5); there is
// no equivalent structure in the teacher, so this is grounded on the
// teacher's general style (explicit mutex-guarded maps, give-up
// deadlines as in internal/localrpc's request handling) plus
// golang.org/x/sync's presence in the rest of the pack (foxcpp-maddy,
// kedacore-keda) for the sibling semaphore used by internal/spool —
// here we use sync.Cond instead of semaphore.Weighted specifically
// because the capacity bound must be resizable at runtime, which
// semaphore.Weighted does not support.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"blitiri.com.ar/go/relayd/internal/metrics"
	"blitiri.com.ar/go/relayd/internal/record"
	"blitiri.com.ar/go/relayd/internal/smtpclient"
)

// ResultKind tags the outcome of a WithConnection call.
type ResultKind int

const (
	// Ok means f ran against a connection to Address; FResult and FErr
	// carry whatever f returned.
	Ok ResultKind = iota
	// ErrorOpeningResource means every candidate failed to dial.
	ErrorOpeningResource
	// GaveUpWaiting means give_up elapsed before a connection to any
	// candidate became available.
	GaveUpWaiting
	// CacheClosed means the cache is shutting down.
	CacheClosed
)

// Result is the tagged outcome of WithConnection.
type Result[T any] struct {
	Kind    ResultKind
	Address record.Address
	FResult T
	FErr    error
	Err     error
}

var (
	errGaveUp      = errors.New("cache: gave up waiting for a connection")
	errCacheClosed = errors.New("cache: closed")
)

// Cache is a bounded, resizable pool of smtpclient.Client connections
// keyed by next-hop address.
type Cache struct {
	dialer  smtpclient.Dialer
	maxUses int

	mu        sync.Mutex
	cond      *sync.Cond
	capacity  int
	inUse     int
	idle      map[string][]smtpclient.Client
	idleCount int
	closed    bool
}

// reportMetrics exports the pool's occupancy gauges. Must be called
// with c.mu held.
func (c *Cache) reportMetrics() {
	metrics.CacheInUse.Set(float64(c.inUse))
	metrics.CacheIdle.Set(float64(c.idleCount))
}

// New returns a Cache dialing through d, with room for capacity
// simultaneous open connections. maxUses bounds how many envelopes may
// be sent over one connection before it is closed instead of reused;
// 0 means unlimited.
func New(d smtpclient.Dialer, capacity, maxUses int) *Cache {
	c := &Cache{
		dialer:   d,
		maxUses:  maxUses,
		capacity: capacity,
		idle:     make(map[string][]smtpclient.Client),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// SetMaxConcurrentSendJobs resizes the pool's capacity bound. Existing
// connections beyond the new, smaller capacity are not forcibly
// closed; they drain naturally as they're released.
func (c *Cache) SetMaxConcurrentSendJobs(n int) {
	c.mu.Lock()
	c.capacity = n
	c.mu.Unlock()
	c.cond.Broadcast()
}

// WithConnection attempts candidates in order, using an existing idle
// connection, opening a new one if capacity allows, or waiting for one
// to free up. giveUp bounds only the waiting for pool capacity, across
// every candidate tried; it does not bound dialing a new connection or
// running f. Once a connection is obtained, f runs against it exactly
// once; the connection is then returned to the pool if it is still
// healthy and under its use limit, or closed otherwise.
func WithConnection[T any](ctx context.Context, c *Cache, candidates []record.Address, giveUp time.Duration, f func(smtpclient.Client) (T, error)) Result[T] {
	var zero T
	if len(candidates) == 0 {
		return Result[T]{Kind: GaveUpWaiting}
	}

	deadline := time.Now().Add(giveUp)
	if giveUp <= 0 {
		deadline = time.Now()
	}

	var lastErr error
	var lastAddr record.Address
	sawGaveUp := false

	for _, addr := range candidates {
		client, err := c.obtain(ctx, addr, deadline)
		switch {
		case errors.Is(err, errCacheClosed):
			return Result[T]{Kind: CacheClosed, Address: addr}
		case errors.Is(err, errGaveUp):
			sawGaveUp = true
			lastAddr = addr
			continue
		case err != nil:
			lastErr = err
			lastAddr = addr
			continue
		}

		fres, ferr := f(client)
		c.release(addr, client, ferr)
		return Result[T]{Kind: Ok, Address: addr, FResult: fres, FErr: ferr}
	}

	if sawGaveUp {
		return Result[T]{Kind: GaveUpWaiting, Address: lastAddr}
	}
	return Result[T]{Kind: ErrorOpeningResource, Address: lastAddr, Err: lastErr, FResult: zero}
}

func (c *Cache) obtain(ctx context.Context, addr record.Address, deadline time.Time) (smtpclient.Client, error) {
	key := addr.String()

	stop := make(chan struct{})
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				c.mu.Lock()
				c.cond.Broadcast()
				c.mu.Unlock()
			case <-stop:
			}
		}()
		defer close(stop)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.closed {
			return nil, errCacheClosed
		}
		if ctx != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if lst := c.idle[key]; len(lst) > 0 {
			cl := lst[len(lst)-1]
			c.idle[key] = lst[:len(lst)-1]
			c.idleCount--
			c.reportMetrics()
			return cl, nil
		}

		if c.inUse < c.capacity {
			c.inUse++
			c.reportMetrics()
			c.mu.Unlock()
			cl, err := c.dialer.Dial(ctx, key)
			c.mu.Lock()
			if err != nil {
				c.inUse--
				c.reportMetrics()
				c.cond.Broadcast()
				return nil, err
			}
			return cl, nil
		}

		if !time.Now().Before(deadline) {
			return nil, errGaveUp
		}

		timer := time.AfterFunc(time.Until(deadline), c.cond.Broadcast)
		c.cond.Wait()
		timer.Stop()
	}
}

func (c *Cache) release(addr record.Address, client smtpclient.Client, ferr error) {
	key := addr.String()

	c.mu.Lock()
	healthy := ferr == nil && client.Healthy() && (c.maxUses <= 0 || client.Uses() < c.maxUses)
	if c.closed || !healthy {
		c.inUse--
		c.reportMetrics()
		c.mu.Unlock()
		client.Close()
		c.cond.Broadcast()
		return
	}
	c.idle[key] = append(c.idle[key], client)
	c.idleCount++
	c.reportMetrics()
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Close drains and closes every idle connection and marks the cache
// closed; subsequent WithConnection calls return CacheClosed.
// Connections currently checked out by an in-flight f are closed as
// they are released.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	for key, lst := range c.idle {
		for _, cl := range lst {
			cl.Close()
		}
		delete(c.idle, key)
	}
	c.idleCount = 0
	c.reportMetrics()
	c.mu.Unlock()
	c.cond.Broadcast()
}
