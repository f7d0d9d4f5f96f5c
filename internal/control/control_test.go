package control

import (
	"context"
	"testing"
	"time"

	"blitiri.com.ar/go/relayd/internal/cache"
	"blitiri.com.ar/go/relayd/internal/eventbus"
	"blitiri.com.ar/go/relayd/internal/record"
	"blitiri.com.ar/go/relayd/internal/spool"
	"blitiri.com.ar/go/relayd/internal/testlib"
)

func newTestSurface(t *testing.T) (*Surface, *spool.Spool) {
	t.Helper()
	dir := testlib.MustTempDir(t)
	t.Cleanup(func() { testlib.RemoveIfOk(t, dir) })

	sp, err := spool.Open(dir)
	if err != nil {
		t.Fatalf("spool.Open: %v", err)
	}
	t.Cleanup(func() { sp.Close() })

	fc := testlib.NewFakeClient()
	c := cache.New(testlib.NewFakeDialer(fc), 4, 100)
	t.Cleanup(c.Close)

	bus := eventbus.New()
	t.Cleanup(bus.Close)
	sp.SetEventBus(bus)

	return New(sp, c, bus, func() {}), sp
}

func enqueue(t *testing.T, sp *spool.Spool, id string, st record.Status) spool.Entry {
	t.Helper()
	ctx := context.Background()

	eid, err := sp.Reserve(ctx, id)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	rec := &record.Record{
		ID:     eid,
		Status: st,
		Envelope: record.EnvelopeInfo{
			Sender:     "a@x.com",
			Recipients: []string{"b@y.com"},
		},
		RemainingRecipients: []string{"b@y.com"},
	}
	queue, ok := record.QueueOf(st)
	if !ok {
		queue = record.Active
	}
	if err := sp.Enqueue(ctx, queue, rec, eid, []byte("body")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return spool.Entry{ID: eid, Queue: queue}
}

func TestFreezeIsIdempotent(t *testing.T) {
	s, sp := newTestSurface(t)
	ctx := context.Background()
	e := enqueue(t, sp, "E1", record.SendNowStatus())

	if err := s.Freeze(ctx, []string{e.ID}); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if err := s.Freeze(ctx, []string{e.ID}); err != nil {
		t.Fatalf("Freeze again: %v", err)
	}

	rec, err := sp.ReadRecord(ctx, spool.Entry{ID: e.ID, Queue: record.FrozenQ})
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if rec.Status.Kind != record.Frozen {
		t.Fatalf("status = %v, want Frozen", rec.Status)
	}
}

func TestSendPrependsIntervalsAndWakes(t *testing.T) {
	s, sp := newTestSurface(t)
	ctx := context.Background()
	e := enqueue(t, sp, "E2", record.FrozenStatus())
	woke := false
	s.wake = func() { woke = true }

	if err := s.Send(ctx, []string{e.ID}, []time.Duration{time.Minute}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !woke {
		t.Fatal("Send did not call wake")
	}

	rec, err := sp.ReadRecord(ctx, spool.Entry{ID: e.ID, Queue: record.Active})
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if rec.Status.Kind != record.SendNow {
		t.Fatalf("status = %v, want Send_now", rec.Status)
	}
	if len(rec.RetryIntervals) != 1 || rec.RetryIntervals[0] != time.Minute {
		t.Fatalf("retry intervals = %v, want [1m]", rec.RetryIntervals)
	}
}

func TestRemoveThenRecover(t *testing.T) {
	s, sp := newTestSurface(t)
	ctx := context.Background()
	e := enqueue(t, sp, "E3", record.SendNowStatus())

	if err := s.Remove(ctx, []string{e.ID}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := sp.ReadRecord(ctx, spool.Entry{ID: e.ID, Queue: record.RemovedQ}); err != nil {
		t.Fatalf("expected entry in removed queue: %v", err)
	}

	auditRef, err := s.Recover(ctx, []string{e.ID})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if auditRef == "" {
		t.Fatal("Recover returned empty audit ref")
	}
	rec, err := sp.ReadRecord(ctx, spool.Entry{ID: e.ID, Queue: record.FrozenQ})
	if err != nil {
		t.Fatalf("expected entry in frozen queue: %v", err)
	}
	if rec.Status.Kind != record.Frozen {
		t.Fatalf("status = %v, want Frozen", rec.Status)
	}
}

func TestStatusCountsEntries(t *testing.T) {
	s, sp := newTestSurface(t)
	enqueue(t, sp, "E4", record.SendNowStatus())
	enqueue(t, sp, "E5", record.FrozenStatus())

	st, err := s.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}

	counts := map[record.Queue]int{}
	for _, q := range st.Queues {
		counts[q.Queue] = q.Count
	}
	if counts[record.Active] != 1 {
		t.Errorf("active count = %d, want 1", counts[record.Active])
	}
	if counts[record.FrozenQ] != 1 {
		t.Errorf("frozen count = %d, want 1", counts[record.FrozenQ])
	}
}

func TestUnknownIDIsANoOp(t *testing.T) {
	s, _ := newTestSurface(t)
	if err := s.Freeze(context.Background(), []string{"no-such-id"}); err != nil {
		t.Fatalf("Freeze on unknown id: %v", err)
	}
}
