package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"blitiri.com.ar/go/relayd/internal/record"
	"blitiri.com.ar/go/relayd/internal/smtpclient"
)

type fakeClient struct {
	uses    int32
	closed  bool
	healthy bool
}

func (c *fakeClient) SendEnvelope(ctx context.Context, e smtpclient.Envelope) (smtpclient.EnvelopeStatus, error) {
	atomic.AddInt32(&c.uses, 1)
	return smtpclient.EnvelopeStatus{Kind: smtpclient.Ok}, nil
}
func (c *fakeClient) Healthy() bool { return c.healthy }
func (c *fakeClient) Uses() int     { return int(atomic.LoadInt32(&c.uses)) }
func (c *fakeClient) Close() error  { c.closed = true; return nil }

type fakeDialer struct {
	mu      sync.Mutex
	dialed  int
	failFor map[string]bool
}

func (d *fakeDialer) Dial(ctx context.Context, addr string) (smtpclient.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed++
	if d.failFor[addr] {
		return nil, errors.New("boom")
	}
	return &fakeClient{healthy: true}, nil
}

func TestWithConnectionReusesIdle(t *testing.T) {
	d := &fakeDialer{}
	c := New(d, 1, 0)
	addr := record.Address{Host: "mx.example.com", Port: "25"}

	for i := 0; i < 3; i++ {
		res := WithConnection(context.Background(), c, []record.Address{addr}, time.Second, func(cl smtpclient.Client) (int, error) {
			return 1, nil
		})
		if res.Kind != Ok {
			t.Fatalf("attempt %d: kind = %v, want Ok", i, res.Kind)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialed != 1 {
		t.Fatalf("dialed = %d, want 1 (connection should be reused)", d.dialed)
	}
}

func TestWithConnectionGivesUpAtCapacity(t *testing.T) {
	d := &fakeDialer{}
	c := New(d, 1, 0)
	addr := record.Address{Host: "mx.example.com", Port: "25"}

	hold := make(chan struct{})
	release := make(chan struct{})
	go func() {
		WithConnection(context.Background(), c, []record.Address{addr}, time.Second, func(cl smtpclient.Client) (int, error) {
			close(hold)
			<-release
			return 0, nil
		})
	}()
	<-hold

	res := WithConnection(context.Background(), c, []record.Address{addr}, 50*time.Millisecond, func(cl smtpclient.Client) (int, error) {
		return 0, nil
	})
	close(release)

	if res.Kind != GaveUpWaiting {
		t.Fatalf("kind = %v, want GaveUpWaiting", res.Kind)
	}
}

func TestWithConnectionDialFailure(t *testing.T) {
	addr := record.Address{Host: "mx.example.com", Port: "25"}
	d := &fakeDialer{failFor: map[string]bool{addr.String(): true}}
	c := New(d, 4, 0)

	res := WithConnection(context.Background(), c, []record.Address{addr}, time.Second, func(cl smtpclient.Client) (int, error) {
		return 0, nil
	})
	if res.Kind != ErrorOpeningResource {
		t.Fatalf("kind = %v, want ErrorOpeningResource", res.Kind)
	}
}

func TestClosePreventsFurtherUse(t *testing.T) {
	d := &fakeDialer{}
	c := New(d, 4, 0)
	c.Close()

	addr := record.Address{Host: "mx.example.com", Port: "25"}
	res := WithConnection(context.Background(), c, []record.Address{addr}, time.Second, func(cl smtpclient.Client) (int, error) {
		return 0, nil
	})
	if res.Kind != CacheClosed {
		t.Fatalf("kind = %v, want CacheClosed", res.Kind)
	}
}
