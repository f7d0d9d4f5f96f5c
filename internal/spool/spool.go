// Package spool implements the durable, crash-safe, multi-queue
// on-disk message store: four named sub-queues (active, frozen,
// removed, quarantine), a registry of name reservations, atomic
// write-temp-then-rename-plus-fsync file writes, and per-entry
// exclusive locking. This is grounded on the teacher's internal/queue
// package, reworked around the record.Record state machine instead of
// a protobuf Item, and on internal/safeio for the durability
// primitives.
package spool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"blitiri.com.ar/go/relayd/internal/eventbus"
	"blitiri.com.ar/go/relayd/internal/ident"
	"blitiri.com.ar/go/relayd/internal/record"
	"blitiri.com.ar/go/relayd/internal/relayerr"
	"blitiri.com.ar/go/relayd/internal/safeio"

	"blitiri.com.ar/go/log"
)

// maxOpenFiles bounds the number of simultaneous open record/body
// files across the whole spool (spec §4.1).
const maxOpenFiles = 400

const registryDir = "registry"
const tmpDir = ".tmp"
const lockFile = ".lock"

// Spool is a process-exclusive handle to a spool root directory.
type Spool struct {
	root string
	ids  *ident.Service

	lockFd *os.File

	// io throttles concurrent open record/body files.
	io *semaphore.Weighted

	// bus, if set via SetEventBus, receives lifecycle events for
	// entries this Spool mutates. Nil is valid and means no events are
	// published (e.g. in tests that don't care about them).
	bus *eventbus.Bus

	mu     sync.Mutex
	locks  map[string]*entryLock
	closed bool
}

// SetEventBus attaches bus to s, so that subsequent Enqueue calls (and
// the mutating helpers in mutate.go) publish their lifecycle events to
// it. It is meant to be called once, right after Open, before the
// spool is handed to any other goroutine.
func (s *Spool) SetEventBus(bus *eventbus.Bus) { s.bus = bus }

type entryLock struct {
	mu       sync.Mutex
	refCount int
}

// Open opens (creating if needed) a spool rooted at root. It acquires
// the process-exclusivity lock file and verifies every queue
// directory lives on the same filesystem (cross-device spools are
// rejected, per spec §9).
func Open(root string) (*Spool, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, relayerr.NewIoError("mkdir root", err)
	}

	for _, dir := range append(append([]string{}, queueDirs()...), registryDir, tmpDir) {
		if err := os.MkdirAll(filepath.Join(root, dir), 0700); err != nil {
			return nil, relayerr.NewIoError("mkdir "+dir, err)
		}
	}

	if err := checkSingleFilesystem(root); err != nil {
		return nil, err
	}

	lf, err := os.OpenFile(filepath.Join(root, lockFile), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, relayerr.NewIoError("open lockfile", err)
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lf.Close()
		if err == unix.EWOULDBLOCK {
			return nil, relayerr.ErrSpoolBusy
		}
		return nil, relayerr.NewIoError("flock", err)
	}

	sp := &Spool{
		root:   root,
		ids:    ident.New(),
		lockFd: lf,
		io:     semaphore.NewWeighted(maxOpenFiles),
		locks:  make(map[string]*entryLock),
	}
	return sp, nil
}

func queueDirs() []string {
	dirs := make([]string, 0, len(record.AllQueues))
	for _, q := range record.AllQueues {
		dirs = append(dirs, string(q))
	}
	return dirs
}

func checkSingleFilesystem(root string) error {
	var ref *unix.Stat_t
	check := func(p string) error {
		var st unix.Stat_t
		if err := unix.Stat(p, &st); err != nil {
			return relayerr.NewIoError("stat "+p, err)
		}
		if ref == nil {
			ref = &st
			return nil
		}
		if st.Dev != ref.Dev {
			return relayerr.ErrCrossDevice
		}
		return nil
	}
	if err := check(root); err != nil {
		return err
	}
	for _, d := range append(append([]string{}, queueDirs()...), registryDir, tmpDir) {
		if err := check(filepath.Join(root, d)); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the spool's process-exclusivity lock. It does not
// wait for outstanding operations; callers must drain those first.
func (s *Spool) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	unix.Flock(int(s.lockFd.Fd()), unix.LOCK_UN)
	return s.lockFd.Close()
}

// Entry identifies one record+body pair on disk.
type Entry struct {
	ID    string
	Queue record.Queue
}

func (s *Spool) recordPath(e Entry) string { return filepath.Join(s.root, string(e.Queue), e.ID) }
func (s *Spool) bodyPath(e Entry) string   { return s.recordPath(e) + ".body" }
func (s *Spool) registryPath(id string) string {
	return filepath.Join(s.root, registryDir, id)
}

func (s *Spool) acquireIO(ctx context.Context) error {
	return s.io.Acquire(ctx, 1)
}

func (s *Spool) releaseIO() { s.io.Release(1) }

// Reserve atomically reserves a fresh, unique message id, seeded from
// the identifier service. It retries a bounded number of times before
// failing with relayerr.ErrNameCollision.
func (s *Spool) Reserve(ctx context.Context, envelopeID string) (string, error) {
	const maxAttempts = 8
	for i := 0; i < maxAttempts; i++ {
		id := s.ids.NewMessageID(envelopeID)

		if err := s.acquireIO(ctx); err != nil {
			return "", err
		}
		f, err := os.OpenFile(s.registryPath(id), os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
		s.releaseIO()
		if err == nil {
			f.Close()
			return id, nil
		}
		if !os.IsExist(err) {
			return "", relayerr.NewIoError("reserve", err)
		}
		// Collision: loop and ask the identifier service for another id.
	}
	return "", relayerr.ErrNameCollision
}

// Enqueue writes the record and body files for id into queue, then
// removes the name reservation. On any failure it cleans up any
// partial file it created.
func (s *Spool) Enqueue(ctx context.Context, queue record.Queue, rec *record.Record, id string, body []byte) error {
	entry := Entry{ID: id, Queue: queue}

	if err := s.acquireIO(ctx); err != nil {
		return err
	}
	err := safeio.WriteFile(s.recordPath(entry), rec.Encode(), 0600)
	s.releaseIO()
	if err != nil {
		return relayerr.NewIoError("write record", err)
	}

	if err := s.acquireIO(ctx); err != nil {
		safeio.Remove(s.recordPath(entry))
		return err
	}
	err = safeio.WriteFile(s.bodyPath(entry), body, 0600)
	s.releaseIO()
	if err != nil {
		safeio.Remove(s.recordPath(entry))
		return relayerr.NewIoError("write body", err)
	}

	if err := os.Remove(s.registryPath(id)); err != nil && !os.IsNotExist(err) {
		log.Errorf("spool: failed to remove registry entry %q: %v", id, err)
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Kind:       eventbus.Spooled,
			ID:         id,
			Queue:      queue,
			Recipients: rec.Envelope.Recipients,
			Flows:      rec.Flows,
		})
	}

	return nil
}

// List enumerates the ids currently in queue, as a snapshot (it is not
// restartable across mutations). Entries are returned in ascending
// name order.
func (s *Spool) List(queue record.Queue) ([]Entry, error) {
	dirents, err := os.ReadDir(filepath.Join(s.root, string(queue)))
	if err != nil {
		return nil, relayerr.NewIoError("readdir", err)
	}

	var entries []Entry
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() || hasSuffix(name, ".body") || len(name) == 0 || name[0] == '.' {
			continue
		}
		entries = append(entries, Entry{ID: name, Queue: queue})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// Info is the result of Stat: size and modification time of the
// record file.
type Info struct {
	Size  int64
	Mtime time.Time
}

// Stat reads size/mtime of entry's record file. It is read-only and
// does not require the exclusive entry lock.
func (s *Spool) Stat(entry Entry) (Info, error) {
	fi, err := os.Stat(s.recordPath(entry))
	if err != nil {
		return Info{}, relayerr.NewIoError("stat", err)
	}
	return Info{Size: fi.Size(), Mtime: fi.ModTime()}, nil
}

// ReadBody reads entry's body file. It is read-only and does not
// require the exclusive entry lock.
func (s *Spool) ReadBody(ctx context.Context, entry Entry) ([]byte, error) {
	if err := s.acquireIO(ctx); err != nil {
		return nil, err
	}
	defer s.releaseIO()

	data, err := os.ReadFile(s.bodyPath(entry))
	if err != nil {
		return nil, relayerr.NewIoError("read body", err)
	}
	return data, nil
}

// ReadRecord reads and decodes entry's record file. It is read-only
// and does not require the exclusive entry lock.
func (s *Spool) ReadRecord(ctx context.Context, entry Entry) (*record.Record, error) {
	if err := s.acquireIO(ctx); err != nil {
		return nil, err
	}
	defer s.releaseIO()

	data, err := os.ReadFile(s.recordPath(entry))
	if err != nil {
		return nil, relayerr.NewIoError("read record", err)
	}
	rec, err := record.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("spool: corrupt record %q: %w", entry.ID, err)
	}
	return rec, nil
}
