// Package retry is the pure outcome-to-next-state decision function
// described in the retry scheduler design: given a delivery attempt's
// result and a record's current retry schedule, it decides the
// record's next status and how remaining/failed recipients partition.
// It touches no disk and makes no network calls, mirroring the
// teacher's nextDelay helper in internal/queue/queue.go, generalized
// from a single fixed backoff ladder to the record's own
// retry_intervals list.
package retry

import (
	"math/rand"
	"time"

	"blitiri.com.ar/go/relayd/internal/record"
)

// RecipientOutcome is one recipient's reply to a delivery attempt.
type RecipientOutcome struct {
	Address   string
	Permanent bool
}

// Attempt is the classified result of one delivery attempt, translated
// from the smtpclient collaborator's EnvelopeStatus (or a cache/give-up
// failure) into the shape the scheduler needs.
type Attempt struct {
	// AnyAccepted is true when the hop accepted the envelope for at
	// least one recipient. Per spec, this is sufficient for the whole
	// record to transition to Delivered, even if other recipients were
	// rejected in the same attempt.
	AnyAccepted bool

	// EnvelopeRejectedPermanent is true when the hop rejected the
	// envelope as a whole (e.g. MAIL FROM) with a permanent reply,
	// before any per-recipient outcome was known.
	EnvelopeRejectedPermanent bool

	// Rejected lists recipients individually rejected by the hop. Only
	// meaningful when AnyAccepted is false and
	// EnvelopeRejectedPermanent is false.
	Rejected []RecipientOutcome

	// Temporary marks a non-recipient-specific temporary failure:
	// connection-level errors, GaveUpWaiting, CacheClosed, or a
	// rejected message body. Apply does not read it: an attempt that is
	// not accepted, not permanently rejected as an envelope and has no
	// Rejected entries is treated as temporary whatever this says; when
	// Rejected is non-empty the partition rule below governs.
	Temporary bool
}

// jitterFraction is how much proportional jitter to add to a retry
// interval, so that a burst of messages queued at the same time
// doesn't retry in lockstep.
const jitterFraction = 0.1

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	max := int64(float64(d) * jitterFraction)
	if max <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(max))
}

// Apply updates rec in place to reflect the outcome of a. now is the
// wall-clock time the attempt completed at, used to compute Send_at
// deadlines.
func Apply(rec *record.Record, a Attempt, now time.Time) {
	switch {
	case a.AnyAccepted:
		applyDelivered(rec, a)
	case a.EnvelopeRejectedPermanent:
		applyFrozenAll(rec)
	case len(a.Rejected) > 0:
		applyPartialReject(rec, a, now)
	default:
		applyTemporary(rec, now)
	}
}

func applyDelivered(rec *record.Record, a Attempt) {
	for _, r := range a.Rejected {
		rec.FailedRecipients = append(rec.FailedRecipients, r.Address)
	}
	rec.RemainingRecipients = nil
	rec.Status = record.DeliveredStatus()
}

func applyFrozenAll(rec *record.Record) {
	rec.FailedRecipients = append(rec.FailedRecipients, rec.RemainingRecipients...)
	rec.RemainingRecipients = nil
	rec.Status = record.FrozenStatus()
}

// applyPartialReject partitions rejected recipients by permanence:
// permanents move to failed_recipients, temporaries stay pending. If
// that empties remaining_recipients, the whole record fails
// permanently (Frozen); otherwise it falls through to the temporary
// failure scheduling below.
func applyPartialReject(rec *record.Record, a Attempt, now time.Time) {
	permanent := make(map[string]bool, len(a.Rejected))
	rejected := make(map[string]bool, len(a.Rejected))
	for _, r := range a.Rejected {
		rejected[r.Address] = true
		if r.Permanent {
			permanent[r.Address] = true
		}
	}

	var remaining []string
	for _, addr := range rec.RemainingRecipients {
		if !rejected[addr] {
			remaining = append(remaining, addr)
			continue
		}
		if permanent[addr] {
			rec.FailedRecipients = append(rec.FailedRecipients, addr)
		} else {
			remaining = append(remaining, addr)
		}
	}
	rec.RemainingRecipients = remaining

	if len(rec.RemainingRecipients) == 0 {
		rec.Status = record.FrozenStatus()
		return
	}
	applyTemporary(rec, now)
}

// applyTemporary schedules the next attempt from the head of
// retry_intervals, or freezes the record if none remain.
func applyTemporary(rec *record.Record, now time.Time) {
	if len(rec.RetryIntervals) == 0 {
		rec.Status = record.FrozenStatus()
		return
	}
	next := rec.RetryIntervals[0]
	rec.RetryIntervals = rec.RetryIntervals[1:]
	rec.Status = record.SendAtStatus(now.Add(jitter(next)))
}
