// Package ident generates the two kinds of unique identifiers the spool
// needs: envelope IDs, and per-message IDs derived from them.
//
// Envelope.Id is formed from wall-clock time, the process identifier, and
// a sub-millisecond counter, base64-url encoded. Uniqueness is enforced
// by pausing generation until the next 0.5ms slot if the previous ID was
// produced in the same slot.
//
// Message.Id is "<envelope_id>-<counter>", where counter is a base64-url
// encoded 6-char process-local monotonic integer. A single accepted
// envelope may yield multiple messages, one per distinct next-hop group.
package ident

import (
	"encoding/base64"
	"encoding/binary"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const slotWidth = 500 * time.Microsecond

// Service generates Envelope.Id and Message.Id values. It is safe for
// concurrent use. The zero value is not usable; use New.
type Service struct {
	pid uint32

	mu       sync.Mutex
	lastSlot int64

	msgCounter uint64
}

// New creates an identifier service for the current process.
func New() *Service {
	return &Service{pid: uint32(os.Getpid())}
}

// NewEnvelopeID returns a fresh, unique envelope identifier.
func (s *Service) NewEnvelopeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := time.Now().UnixNano() / int64(slotWidth)
	for slot == s.lastSlot {
		// Wait for the next 0.5ms slot so that two envelope IDs are never
		// generated from the same slot, which is the uniqueness property
		// this ID format relies on.
		next := time.Unix(0, (slot+1)*int64(slotWidth))
		time.Sleep(time.Until(next))
		slot = time.Now().UnixNano() / int64(slotWidth)
	}
	s.lastSlot = slot

	var buf [12]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(slot))
	binary.BigEndian.PutUint32(buf[8:12], s.pid)
	return base64.RawURLEncoding.EncodeToString(buf[:])
}

// NewMessageID returns a fresh message ID derived from envelopeID. It is
// safe to call multiple times for the same envelope, once per distinct
// next-hop group; each call returns a distinct ID.
func (s *Service) NewMessageID(envelopeID string) string {
	n := atomic.AddUint64(&s.msgCounter, 1)

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(n))
	counter := base64.RawURLEncoding.EncodeToString(buf[:])

	return envelopeID + "-" + counter
}
