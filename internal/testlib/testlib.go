// Package testlib provides common test utilities.
package testlib

import (
	"context"
	"io/ioutil"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"blitiri.com.ar/go/relayd/internal/smtpclient"
)

// MustTempDir creates a temporary directory, or dies trying.
func MustTempDir(t *testing.T) string {
	dir, err := ioutil.TempDir("", "testlib_")
	if err != nil {
		t.Fatal(err)
	}

	err = os.Chdir(dir)
	if err != nil {
		t.Fatal(err)
	}

	t.Logf("test directory: %q", dir)
	return dir
}

// RemoveIfOk removes the given directory, but only if we have not failed. We
// want to keep the failed directories for debugging.
func RemoveIfOk(t *testing.T, dir string) {
	// Safeguard, to make sure we only remove test directories.
	// This should help prevent accidental deletions.
	if !strings.Contains(dir, "testlib_") {
		panic("invalid/dangerous directory")
	}

	if !t.Failed() {
		os.RemoveAll(dir)
	}
}

// Rewrite a file with the given contents.
func Rewrite(t *testing.T, path, contents string) error {
	// Safeguard, to make sure we only mess with test files.
	if !strings.Contains(path, "testlib_") {
		panic("invalid/dangerous path")
	}

	err := ioutil.WriteFile(path, []byte(contents), 0600)
	if err != nil {
		t.Errorf("failed to rewrite file: %v", err)
	}

	return err
}

// GetFreePort returns a free TCP port. This is hacky and not race-free, but
// it works well enough for testing purposes.
func GetFreePort() string {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		panic(err)
	}
	defer l.Close()
	return l.Addr().String()
}

// WaitFor f to return true (returns true), or d to pass (returns false).
func WaitFor(f func() bool, d time.Duration) bool {
	start := time.Now()
	for time.Since(start) < d {
		if f() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

type deliverRequest struct {
	Sender     string
	Recipients []string
	Data       []byte
}

// FakeClient is a smtpclient.Client test double: it records every
// envelope it's handed and returns a scripted status for it.
type FakeClient struct {
	sync.Mutex
	wg       sync.WaitGroup
	Requests []*deliverRequest

	// Script, if non-nil, computes the status/error to return for each
	// SendEnvelope call. When nil, every envelope is accepted in full.
	Script func(smtpclient.Envelope) (smtpclient.EnvelopeStatus, error)

	closed  bool
	healthy bool
	uses    int
}

// NewFakeClient returns a healthy FakeClient accepting everything,
// unless Script is set afterwards.
func NewFakeClient() *FakeClient {
	return &FakeClient{healthy: true}
}

func (c *FakeClient) SendEnvelope(ctx context.Context, e smtpclient.Envelope) (smtpclient.EnvelopeStatus, error) {
	defer c.wg.Done()
	c.Lock()
	c.Requests = append(c.Requests, &deliverRequest{e.Sender, e.Recipients, e.Body})
	c.uses++
	c.Unlock()

	if c.Script != nil {
		return c.Script(e)
	}
	return smtpclient.EnvelopeStatus{Kind: smtpclient.Ok}, nil
}

func (c *FakeClient) Healthy() bool { return c.healthy }
func (c *FakeClient) Uses() int     { c.Lock(); defer c.Unlock(); return c.uses }
func (c *FakeClient) Close() error  { c.closed = true; return nil }

// Expect i envelopes to be sent through this client.
func (c *FakeClient) Expect(i int) { c.wg.Add(i) }

// Wait until every expected envelope has been sent.
func (c *FakeClient) Wait() { c.wg.Wait() }

// FakeDialer is a smtpclient.Dialer test double that always returns
// the same FakeClient, regardless of address.
type FakeDialer struct {
	Client *FakeClient
	Err    error
}

// NewFakeDialer wraps c (or a fresh NewFakeClient if nil) in a Dialer.
func NewFakeDialer(c *FakeClient) *FakeDialer {
	if c == nil {
		c = NewFakeClient()
	}
	return &FakeDialer{Client: c}
}

func (d *FakeDialer) Dial(ctx context.Context, addr string) (smtpclient.Client, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	return d.Client, nil
}
