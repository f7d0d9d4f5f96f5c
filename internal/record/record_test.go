package record

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"blitiri.com.ar/go/relayd/internal/flow"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Now().Round(0).UTC()
	r := &Record{
		ID:               "E1-abc123",
		ParentEnvelopeID: "E1",
		SpoolDir:         "active",
		SpoolDate:        now,
		NextHopChoices: []Address{
			{Host: "mx1.example.com", Port: "25"},
			{Host: "mx2.example.com", Port: "25"},
		},
		RetryIntervals:      []time.Duration{time.Second, 5 * time.Minute},
		RemainingRecipients: []string{"b@y.com"},
		FailedRecipients:    []string{"c@y.com"},
		RelayAttempts: []Attempt{
			{At: now, Err: "451 4.3.0 try again"},
		},
		Status:   SendAtStatus(now.Add(time.Minute)),
		Flows:    flow.New("f1", "f2"),
		Envelope: EnvelopeInfo{Sender: "a@x.com", SenderArgs: []string{"BODY=8BITMIME"}, Recipients: []string{"b@y.com", "c@y.com"}},
	}

	data := r.Encode()
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if diff := cmp.Diff(r, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestStatusEffectiveDowngradesDueSendAt(t *testing.T) {
	now := time.Now()
	s := SendAtStatus(now.Add(-time.Second))
	eff := s.Effective(now)
	if eff.Kind != SendNow {
		t.Fatalf("Effective = %v, want Send_now", eff)
	}

	future := SendAtStatus(now.Add(time.Hour))
	eff = future.Effective(now)
	if eff.Kind != SendAt {
		t.Fatalf("Effective = %v, want Send_at unchanged", eff)
	}
}

func TestQueueOf(t *testing.T) {
	cases := []struct {
		status Status
		want   Queue
		ok     bool
	}{
		{SendNowStatus(), Active, true},
		{SendingStatus(), Active, true},
		{FrozenStatus(), FrozenQ, true},
		{RemovedStatus(), RemovedQ, true},
		{QuarantinedStatus("bad"), Quarantine, true},
		{DeliveredStatus(), "", false},
	}
	for _, c := range cases {
		got, ok := QueueOf(c.status)
		if got != c.want || ok != c.ok {
			t.Errorf("QueueOf(%v) = (%q, %v), want (%q, %v)", c.status, got, ok, c.want, c.ok)
		}
	}
}

func TestDecodeMissingStatusKindErrors(t *testing.T) {
	_, err := Decode([]byte("id \"x\"\n"))
	if err == nil {
		t.Fatal("expected error for missing status_kind")
	}
}
