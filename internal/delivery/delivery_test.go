package delivery

import (
	"context"
	"testing"
	"time"

	"blitiri.com.ar/go/relayd/internal/cache"
	"blitiri.com.ar/go/relayd/internal/eventbus"
	"blitiri.com.ar/go/relayd/internal/record"
	"blitiri.com.ar/go/relayd/internal/smtpclient"
	"blitiri.com.ar/go/relayd/internal/spool"
	"blitiri.com.ar/go/relayd/internal/testlib"
)

func newTestSpool(t *testing.T) *spool.Spool {
	dir := testlib.MustTempDir(t)
	t.Cleanup(func() { testlib.RemoveIfOk(t, dir) })

	sp, err := spool.Open(dir)
	if err != nil {
		t.Fatalf("spool.Open: %v", err)
	}
	t.Cleanup(func() { sp.Close() })
	return sp
}

func enqueue(t *testing.T, sp *spool.Spool, id string, rec *record.Record, body []byte) {
	t.Helper()
	if err := sp.Enqueue(context.Background(), record.Active, rec, id, body); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func waitEmpty(t *testing.T, sp *spool.Spool, q record.Queue) {
	t.Helper()
	ok := testlib.WaitFor(func() bool {
		entries, err := sp.List(q)
		return err == nil && len(entries) == 0
	}, 3*time.Second)
	if !ok {
		t.Fatalf("queue %v did not drain in time", q)
	}
}

func TestHappyPath(t *testing.T) {
	sp := newTestSpool(t)
	client := testlib.NewFakeClient()
	client.Expect(1)
	c := cache.New(testlib.NewFakeDialer(client), 4, 0)
	bus := eventbus.New()
	defer bus.Close()

	sub := bus.Subscribe()

	rec := &record.Record{
		ID:                  "m1",
		Status:              record.SendNowStatus(),
		NextHopChoices:      []record.Address{{Host: "mx.y.com", Port: "25"}},
		RemainingRecipients: []string{"b@y.com"},
		Envelope:            record.EnvelopeInfo{Sender: "a@x.com", Recipients: []string{"b@y.com"}},
	}
	enqueue(t, sp, "m1", rec, []byte("Subject: hi\r\n\r\nbody\r\n"))

	e := New(sp, c, bus, Config{TickInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Run(ctx)
	defer e.Stop()

	client.Wait()
	waitEmpty(t, sp, record.Active)

	var sawDelivered bool
	timeout := time.After(2 * time.Second)
	for !sawDelivered {
		select {
		case ev := <-sub.C():
			if ev.Kind == eventbus.Delivered && ev.ID == "m1" {
				sawDelivered = true
			}
		case <-timeout:
			t.Fatal("never saw Delivered event")
		}
	}
}

func TestAllRecipientsPermanentlyRejectedFreezes(t *testing.T) {
	sp := newTestSpool(t)
	client := testlib.NewFakeClient()
	client.Script = func(e smtpclient.Envelope) (smtpclient.EnvelopeStatus, error) {
		rejected := make([]smtpclient.RecipientReply, len(e.Recipients))
		for i, r := range e.Recipients {
			rejected[i] = smtpclient.RecipientReply{Recipient: r, Reply: smtpclient.Reply{Code: 550, Msg: "no such user"}}
		}
		return smtpclient.EnvelopeStatus{Kind: smtpclient.NoRecipients, Rejected: rejected}, nil
	}
	client.Expect(1)
	c := cache.New(testlib.NewFakeDialer(client), 4, 0)
	bus := eventbus.New()
	defer bus.Close()

	rec := &record.Record{
		ID:                  "m2",
		Status:              record.SendNowStatus(),
		NextHopChoices:      []record.Address{{Host: "mx.y.com", Port: "25"}},
		RemainingRecipients: []string{"b@y.com", "c@y.com"},
		Envelope:            record.EnvelopeInfo{Sender: "a@x.com", Recipients: []string{"b@y.com", "c@y.com"}},
	}
	enqueue(t, sp, "m2", rec, []byte("body"))

	e := New(sp, c, bus, Config{TickInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Run(ctx)
	defer e.Stop()

	client.Wait()
	waitEmpty(t, sp, record.Active)

	ok := testlib.WaitFor(func() bool {
		entries, err := sp.List(record.FrozenQ)
		return err == nil && len(entries) == 1
	}, 2*time.Second)
	if !ok {
		t.Fatal("record never moved to frozen queue")
	}

	got, err := sp.ReadRecord(context.Background(), spool.Entry{ID: "m2", Queue: record.FrozenQ})
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if len(got.FailedRecipients) != 2 {
		t.Fatalf("failed_recipients = %v, want both", got.FailedRecipients)
	}
	if len(got.RemainingRecipients) != 0 {
		t.Fatalf("remaining_recipients = %v, want empty", got.RemainingRecipients)
	}
}
