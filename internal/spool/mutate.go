package spool

import (
	"context"
	"time"

	"blitiri.com.ar/go/relayd/internal/eventbus"
	"blitiri.com.ar/go/relayd/internal/record"
)

// Locate finds which queue currently holds id, if any. It is a
// snapshot: the entry can move or disappear before the caller acts on
// the result.
func (s *Spool) Locate(id string) (Entry, bool) {
	for _, q := range record.AllQueues {
		e := Entry{ID: id, Queue: q}
		if _, err := s.Stat(e); err == nil {
			return e, true
		}
	}
	return Entry{}, false
}

// Freeze sets entry's status to Frozen, publishing a Frozen event on
// success. A no-op (and no event) if it's already Frozen.
func (s *Spool) Freeze(ctx context.Context, entry Entry, giveUp time.Duration) error {
	var changed bool
	err := s.WithEntry(ctx, entry, nil, giveUp, func(r *record.Record) Outcome {
		if r.Status.Kind == record.Frozen {
			return KeepOutcome()
		}
		r.Status = record.FrozenStatus()
		changed = true
		return SaveOutcome(r, record.FrozenQ)
	})
	if err == nil && changed && s.bus != nil {
		s.bus.Publish(eventbus.Event{Kind: eventbus.Frozen, ID: entry.ID})
	}
	return err
}

// MarkSendNow prepends extraIntervals onto entry's retry schedule and
// sets its status to Send_now. A no-op if it's already Send_now.
func (s *Spool) MarkSendNow(ctx context.Context, entry Entry, extraIntervals []time.Duration, giveUp time.Duration) error {
	return s.WithEntry(ctx, entry, nil, giveUp, func(r *record.Record) Outcome {
		if r.Status.Kind == record.SendNow {
			return KeepOutcome()
		}
		if len(extraIntervals) > 0 {
			r.RetryIntervals = append(append([]time.Duration{}, extraIntervals...), r.RetryIntervals...)
		}
		r.Status = record.SendNowStatus()
		return SaveOutcome(r, record.Active)
	})
}

// Remove tombstones entry (status Removed), publishing a Removed
// event on success. A no-op (and no event) if it's already Removed.
func (s *Spool) Remove(ctx context.Context, entry Entry, giveUp time.Duration) error {
	var changed bool
	err := s.WithEntry(ctx, entry, nil, giveUp, func(r *record.Record) Outcome {
		if r.Status.Kind == record.Removed {
			return KeepOutcome()
		}
		r.Status = record.RemovedStatus()
		changed = true
		return SaveOutcome(r, record.RemovedQ)
	})
	if err == nil && changed && s.bus != nil {
		s.bus.Publish(eventbus.Event{Kind: eventbus.Removed, ID: entry.ID})
	}
	return err
}

// MapEmail rewrites every recipient address of entry's envelope (both
// the pending and the original recipient lists) through fn, leaving
// the sender and retry state untouched, and publishes a
// RecipientsUpdated event on success. Used for recipient address
// rewriting (e.g. alias expansion discovered after a message was
// already spooled) without re-spooling the message.
func (s *Spool) MapEmail(ctx context.Context, entry Entry, fn func(string) string, giveUp time.Duration) error {
	var rewritten []string
	err := s.WithEntry(ctx, entry, nil, giveUp, func(r *record.Record) Outcome {
		for i, a := range r.RemainingRecipients {
			r.RemainingRecipients[i] = fn(a)
		}
		for i, a := range r.Envelope.Recipients {
			r.Envelope.Recipients[i] = fn(a)
		}
		rewritten = append([]string(nil), r.Envelope.Recipients...)

		queue, ok := record.QueueOf(r.Status)
		if !ok {
			queue = entry.Queue
		}
		return SaveOutcome(r, queue)
	})
	if err == nil && s.bus != nil {
		s.bus.Publish(eventbus.Event{Kind: eventbus.RecipientsUpdated, ID: entry.ID, Recipients: rewritten})
	}
	return err
}
