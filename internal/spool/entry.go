package spool

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"blitiri.com.ar/go/relayd/internal/record"
	"blitiri.com.ar/go/relayd/internal/relayerr"
	"blitiri.com.ar/go/relayd/internal/safeio"
)

// OutcomeKind tags the result a WithEntry closure returns.
type OutcomeKind int

const (
	// Keep releases the lock without modifying the entry.
	Keep OutcomeKind = iota
	// Save rewrites the record, possibly moving it to a new queue.
	Save
	// DoRemove unlinks the record and body files.
	DoRemove
)

// Outcome is what a WithEntry closure decides to do with the entry it
// was handed.
type Outcome struct {
	Kind   OutcomeKind
	Record *record.Record
	Queue  record.Queue
}

// KeepOutcome leaves the entry untouched.
func KeepOutcome() Outcome { return Outcome{Kind: Keep} }

// SaveOutcome rewrites rec, moving the entry into queue (which may
// equal the entry's current queue).
func SaveOutcome(rec *record.Record, queue record.Queue) Outcome {
	return Outcome{Kind: Save, Record: rec, Queue: queue}
}

// RemoveOutcome unlinks the entry's record and body.
func RemoveOutcome() Outcome { return Outcome{Kind: DoRemove} }

func (s *Spool) lockFor(id string) *entryLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &entryLock{}
		s.locks[id] = l
	}
	l.refCount++
	return l
}

func (s *Spool) unlockFor(id string, l *entryLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refCount--
	if l.refCount == 0 {
		delete(s.locks, id)
	}
}

// acquireLock acquires the exclusive per-entry mutex, giving up (and
// returning relayerr.ErrLocked) if giveUp elapses first. giveUp <= 0
// means try once, non-blocking.
func (s *Spool) acquireLock(ctx context.Context, id string, giveUp time.Duration) (*entryLock, error) {
	l := s.lockFor(id)

	if giveUp <= 0 {
		if l.mu.TryLock() {
			return l, nil
		}
		s.unlockFor(id, l)
		return nil, relayerr.ErrLocked
	}

	done := make(chan struct{})
	go func() {
		l.mu.Lock()
		close(done)
	}()

	timer := time.NewTimer(giveUp)
	defer timer.Stop()

	select {
	case <-done:
		return l, nil
	case <-timer.C:
		// The goroutine above may still acquire the mutex later; when
		// it does, the immediate Unlock below hands it right back out.
		go func() { <-done; l.mu.Unlock() }()
		s.unlockFor(id, l)
		return nil, relayerr.ErrLocked
	case <-ctx.Done():
		go func() { <-done; l.mu.Unlock() }()
		s.unlockFor(id, l)
		return nil, ctx.Err()
	}
}

func (s *Spool) releaseLock(id string, l *entryLock) {
	l.mu.Unlock()
	s.unlockFor(id, l)
}

// WithEntry acquires entry's exclusive lock, reads the on-disk record,
// and invokes f with it. If expected is non-nil and the freshly read
// record doesn't byte-for-byte match it, the call fails with
// relayerr.ErrDiskDivergence and the on-disk copy is left untouched —
// this is the consistency check from record design: a stale in-memory
// copy must never silently clobber a concurrent mutation.
func (s *Spool) WithEntry(ctx context.Context, entry Entry, expected *record.Record, giveUp time.Duration, f func(*record.Record) Outcome) error {
	lock, err := s.acquireLock(ctx, entry.ID, giveUp)
	if err != nil {
		return err
	}
	defer s.releaseLock(entry.ID, lock)

	current, err := s.ReadRecord(ctx, entry)
	if err != nil {
		return err
	}

	if expected != nil && !bytes.Equal(current.Encode(), expected.Encode()) {
		return relayerr.ErrDiskDivergence
	}

	outcome := f(current)

	switch outcome.Kind {
	case Keep:
		return nil
	case Save:
		return s.save(ctx, entry, outcome.Record, outcome.Queue)
	case DoRemove:
		return s.remove(ctx, entry)
	default:
		return nil
	}
}

// Persist writes rec to entry's current queue (or moves it to newQueue)
// without acquiring the entry lock. Callers must already hold it, via
// an in-progress WithEntry closure — this lets a closure durably
// record an intermediate state (e.g. Sending) before a slow operation,
// instead of only persisting once when the closure returns.
func (s *Spool) Persist(ctx context.Context, entry Entry, rec *record.Record, newQueue record.Queue) error {
	return s.save(ctx, entry, rec, newQueue)
}

func (s *Spool) save(ctx context.Context, entry Entry, rec *record.Record, newQueue record.Queue) error {
	if newQueue == entry.Queue {
		if err := s.acquireIO(ctx); err != nil {
			return err
		}
		err := safeio.WriteFile(s.recordPath(entry), rec.Encode(), 0600)
		s.releaseIO()
		if err != nil {
			return relayerr.NewIoError("rewrite record", err)
		}
		return nil
	}

	newEntry := Entry{ID: entry.ID, Queue: newQueue}

	if err := s.acquireIO(ctx); err != nil {
		return err
	}
	err := safeio.WriteFile(s.recordPath(newEntry), rec.Encode(), 0600)
	s.releaseIO()
	if err != nil {
		return relayerr.NewIoError("write record in new queue", err)
	}

	if err := os.Rename(s.bodyPath(entry), s.bodyPath(newEntry)); err != nil {
		return relayerr.NewIoError("move body", err)
	}
	if err := safeio.SyncDir(filepath.Join(s.root, string(newQueue))); err != nil {
		return relayerr.NewIoError("sync new queue dir", err)
	}

	if err := safeio.Remove(s.recordPath(entry)); err != nil {
		return relayerr.NewIoError("unlink old record", err)
	}

	return nil
}

func (s *Spool) remove(ctx context.Context, entry Entry) error {
	if err := s.acquireIO(ctx); err != nil {
		return err
	}
	err := safeio.Remove(s.recordPath(entry))
	s.releaseIO()
	if err != nil && !os.IsNotExist(err) {
		return relayerr.NewIoError("unlink record", err)
	}

	if err := s.acquireIO(ctx); err != nil {
		return err
	}
	err = safeio.Remove(s.bodyPath(entry))
	s.releaseIO()
	if err != nil && !os.IsNotExist(err) {
		return relayerr.NewIoError("unlink body", err)
	}
	return nil
}

// Recover reconciles the Active queue on startup: every entry whose
// status is Sending is rewritten to Send_now, since any in-progress
// delivery at the prior shutdown is invalidated (spec §4.7).
func (s *Spool) Recover(ctx context.Context) (int, error) {
	entries, err := s.List(record.Active)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, e := range entries {
		err := s.WithEntry(ctx, e, nil, 5*time.Second, func(r *record.Record) Outcome {
			if r.Status.Kind != record.Sending {
				return KeepOutcome()
			}
			r.Status = record.SendNowStatus()
			n++
			return SaveOutcome(r, record.Active)
		})
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
