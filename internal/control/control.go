// Package control implements the operator-facing surface over a
// spool: status, freeze, send, remove, recover, and resizing the
// connection cache's concurrency budget. Every per-id operation is
// idempotent: applying it to an entry already in the target state is
// a no-op success (spec §4.8).
package control

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"blitiri.com.ar/go/relayd/internal/cache"
	"blitiri.com.ar/go/relayd/internal/eventbus"
	"blitiri.com.ar/go/relayd/internal/record"
	"blitiri.com.ar/go/relayd/internal/spool"
)

const lockGiveUp = 5 * time.Second

// Surface wires the control operations to one spool, its connection
// cache, and its event bus.
type Surface struct {
	sp    *spool.Spool
	cache *cache.Cache
	bus   *eventbus.Bus

	// wake, if set, is called after an operation makes an entry newly
	// eligible for delivery, to avoid waiting for the next tick.
	wake func()
}

// New returns a Surface. wake may be nil.
func New(sp *spool.Spool, c *cache.Cache, bus *eventbus.Bus, wake func()) *Surface {
	return &Surface{sp: sp, cache: c, bus: bus, wake: wake}
}

// QueueStatus summarizes one sub-queue.
type QueueStatus struct {
	Queue     record.Queue
	Count     int
	OldestAge time.Duration
}

// SpoolStatus is the result of Status.
type SpoolStatus struct {
	Queues      []QueueStatus
	GeneratedAt time.Time
}

// Status reports queue sizes and the oldest entry age in each.
func (s *Surface) Status(ctx context.Context) (SpoolStatus, error) {
	now := time.Now()
	out := SpoolStatus{GeneratedAt: now}

	for _, q := range record.AllQueues {
		entries, err := s.sp.List(q)
		if err != nil {
			return SpoolStatus{}, err
		}

		var oldest time.Duration
		for _, e := range entries {
			info, err := s.sp.Stat(e)
			if err != nil {
				continue
			}
			if age := now.Sub(info.Mtime); age > oldest {
				oldest = age
			}
		}
		out.Queues = append(out.Queues, QueueStatus{Queue: q, Count: len(entries), OldestAge: oldest})
	}
	return out, nil
}

// Freeze sets each id's status to Frozen. The mutation itself (and the
// Frozen event it publishes) lives on *spool.Spool; the surface only
// resolves ids to entries and skips ones it can't find.
func (s *Surface) Freeze(ctx context.Context, ids []string) error {
	for _, id := range ids {
		entry, ok := s.sp.Locate(id)
		if !ok {
			continue
		}
		if err := s.sp.Freeze(ctx, entry, lockGiveUp); err != nil {
			return fmt.Errorf("freeze %q: %w", id, err)
		}
	}
	return nil
}

// Send prepends extraIntervals onto each id's retry schedule and marks
// it Send_now.
func (s *Surface) Send(ctx context.Context, ids []string, extraIntervals []time.Duration) error {
	for _, id := range ids {
		entry, ok := s.sp.Locate(id)
		if !ok {
			continue
		}
		if err := s.sp.MarkSendNow(ctx, entry, extraIntervals, lockGiveUp); err != nil {
			return fmt.Errorf("send %q: %w", id, err)
		}
	}
	if s.wake != nil {
		s.wake()
	}
	return nil
}

// Remove tombstones each id (status Removed).
func (s *Surface) Remove(ctx context.Context, ids []string) error {
	for _, id := range ids {
		entry, ok := s.sp.Locate(id)
		if !ok {
			continue
		}
		if err := s.sp.Remove(ctx, entry, lockGiveUp); err != nil {
			return fmt.Errorf("remove %q: %w", id, err)
		}
	}
	return nil
}

// Recover moves each id from Removed or Quarantine back to Frozen. It
// returns an audit reference identifying this batch, so an operator
// can correlate the resulting Recovered events with the request that
// caused them.
func (s *Surface) Recover(ctx context.Context, ids []string) (string, error) {
	auditRef := uuid.NewString()

	for _, id := range ids {
		entry, ok := s.sp.Locate(id)
		if !ok {
			continue
		}
		if entry.Queue != record.RemovedQ && entry.Queue != record.Quarantine {
			continue
		}
		err := s.sp.WithEntry(ctx, entry, nil, lockGiveUp, func(r *record.Record) spool.Outcome {
			r.Status = record.FrozenStatus()
			return spool.SaveOutcome(r, record.FrozenQ)
		})
		if err != nil {
			return auditRef, fmt.Errorf("recover %q: %w", id, err)
		}
		s.bus.Publish(eventbus.Event{Kind: eventbus.Recovered, ID: id, AuditRef: auditRef})
	}
	return auditRef, nil
}

// SetMaxConcurrentSendJobs resizes the connection cache's concurrency
// budget.
func (s *Surface) SetMaxConcurrentSendJobs(n int) {
	s.cache.SetMaxConcurrentSendJobs(n)
}
