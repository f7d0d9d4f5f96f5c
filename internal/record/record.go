// Package record defines the per-message metadata the spool persists:
// retry schedule, status, recipient partitioning, and the envelope
// information needed to re-attempt delivery. It also implements the
// record's on-disk serialization: a human-readable key:value text
// format, written by the spool using write-temp-then-rename plus
// fsync (see internal/safeio).
package record

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"blitiri.com.ar/go/relayd/internal/flow"
)

// Kind is the tag of a Status variant.
type Kind int

const (
	SendNow Kind = iota
	SendAt
	Sending
	Frozen
	Removed
	Quarantined
	Delivered
)

func (k Kind) String() string {
	switch k {
	case SendNow:
		return "send_now"
	case SendAt:
		return "send_at"
	case Sending:
		return "sending"
	case Frozen:
		return "frozen"
	case Removed:
		return "removed"
	case Quarantined:
		return "quarantined"
	case Delivered:
		return "delivered"
	default:
		return "unknown"
	}
}

func kindFromString(s string) (Kind, error) {
	switch s {
	case "send_now":
		return SendNow, nil
	case "send_at":
		return SendAt, nil
	case "sending":
		return Sending, nil
	case "frozen":
		return Frozen, nil
	case "removed":
		return Removed, nil
	case "quarantined":
		return Quarantined, nil
	case "delivered":
		return Delivered, nil
	}
	return 0, fmt.Errorf("record: unknown status kind %q", s)
}

// Status is a tagged variant: Send_now, Send_at(t), Sending, Frozen,
// Removed, Quarantined(reason), Delivered.
type Status struct {
	Kind   Kind
	At     time.Time // meaningful only for SendAt
	Reason string    // meaningful only for Quarantined
}

func SendNowStatus() Status           { return Status{Kind: SendNow} }
func SendAtStatus(t time.Time) Status { return Status{Kind: SendAt, At: t} }
func SendingStatus() Status           { return Status{Kind: Sending} }
func FrozenStatus() Status            { return Status{Kind: Frozen} }
func RemovedStatus() Status           { return Status{Kind: Removed} }
func QuarantinedStatus(reason string) Status {
	return Status{Kind: Quarantined, Reason: reason}
}
func DeliveredStatus() Status { return Status{Kind: Delivered} }

// Effective returns the status as it should be read at time now: a
// Send_at(t) status with t <= now is downgraded to Send_now.
func (s Status) Effective(now time.Time) Status {
	if s.Kind == SendAt && !s.At.After(now) {
		return SendNowStatus()
	}
	return s
}

func (s Status) String() string {
	switch s.Kind {
	case SendAt:
		return fmt.Sprintf("send_at(%s)", s.At.Format(time.RFC3339))
	case Quarantined:
		return fmt.Sprintf("quarantined(%s)", s.Reason)
	default:
		return s.Kind.String()
	}
}

// Queue is the on-disk sub-queue a record belongs to, derived from its
// status. This mapping is authoritative: the on-disk directory name
// equals the queue name. Delivered has no queue.
type Queue string

const (
	Active     Queue = "active"
	FrozenQ    Queue = "frozen"
	RemovedQ   Queue = "removed"
	Quarantine Queue = "quarantine"
)

// AllQueues lists every on-disk sub-queue, in a stable order.
var AllQueues = []Queue{Active, FrozenQ, RemovedQ, Quarantine}

// QueueOf returns the queue a status belongs to, and false if the
// status (Delivered) has no on-disk queue.
func QueueOf(s Status) (Queue, bool) {
	switch s.Kind {
	case SendNow, SendAt, Sending:
		return Active, true
	case Frozen:
		return FrozenQ, true
	case Removed:
		return RemovedQ, true
	case Quarantined:
		return Quarantine, true
	case Delivered:
		return "", false
	}
	return "", false
}

// Address is a (host, port) next-hop choice.
type Address struct {
	Host string
	Port string
}

func (a Address) String() string { return net.JoinHostPort(a.Host, a.Port) }

// ParseAddress parses a "host:port" string into an Address.
func ParseAddress(s string) (Address, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, err
	}
	return Address{Host: host, Port: port}, nil
}

// Attempt records the outcome of one delivery attempt.
type Attempt struct {
	At  time.Time
	Err string
}

// EnvelopeInfo is the part of the original accepted envelope a record
// needs to retain in order to re-attempt (or report on) delivery.
type EnvelopeInfo struct {
	Sender             string
	SenderArgs         []string
	Recipients         []string
	RejectedRecipients []string
}

// Record is the per-recipient-group metadata the spool keeps for one
// message.
type Record struct {
	ID               string
	ParentEnvelopeID string
	SpoolDir         string
	SpoolDate        time.Time

	NextHopChoices []Address
	RetryIntervals []time.Duration

	RemainingRecipients []string
	FailedRecipients    []string

	// Newest first.
	RelayAttempts []Attempt

	Status Status

	Flows flow.Set

	Envelope EnvelopeInfo
}

// Clone returns a deep copy of r, so callers can compare an in-memory
// record against what was just read from disk without aliasing slices.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.NextHopChoices = append([]Address(nil), r.NextHopChoices...)
	c.RetryIntervals = append([]time.Duration(nil), r.RetryIntervals...)
	c.RemainingRecipients = append([]string(nil), r.RemainingRecipients...)
	c.FailedRecipients = append([]string(nil), r.FailedRecipients...)
	c.RelayAttempts = append([]Attempt(nil), r.RelayAttempts...)
	c.Envelope.SenderArgs = append([]string(nil), r.Envelope.SenderArgs...)
	c.Envelope.Recipients = append([]string(nil), r.Envelope.Recipients...)
	c.Envelope.RejectedRecipients = append([]string(nil), r.Envelope.RejectedRecipients...)
	c.Flows = flow.New(r.Flows.Slice()...)
	return &c
}

// CountRemaining reports how many recipients are still pending delivery.
func (r *Record) CountRemaining() int { return len(r.RemainingRecipients) }

// ---- serialization ----

func writeKV(buf *bytes.Buffer, key, val string) {
	buf.WriteString(key)
	buf.WriteByte(' ')
	buf.WriteString(strconv.Quote(val))
	buf.WriteByte('\n')
}

// Encode serializes r into the spool's human-readable key:value text
// format.
func (r *Record) Encode() []byte {
	var buf bytes.Buffer

	writeKV(&buf, "id", r.ID)
	writeKV(&buf, "parent_envelope_id", r.ParentEnvelopeID)
	writeKV(&buf, "spool_dir", r.SpoolDir)
	writeKV(&buf, "spool_date", r.SpoolDate.Format(time.RFC3339Nano))

	writeKV(&buf, "status_kind", r.Status.Kind.String())
	if r.Status.Kind == SendAt {
		writeKV(&buf, "status_at", r.Status.At.Format(time.RFC3339Nano))
	}
	if r.Status.Kind == Quarantined {
		writeKV(&buf, "status_reason", r.Status.Reason)
	}

	for _, a := range r.NextHopChoices {
		writeKV(&buf, "next_hop", a.String())
	}
	for _, d := range r.RetryIntervals {
		writeKV(&buf, "retry_interval", d.String())
	}
	for _, a := range r.RemainingRecipients {
		writeKV(&buf, "remaining_recipient", a)
	}
	for _, a := range r.FailedRecipients {
		writeKV(&buf, "failed_recipient", a)
	}
	for _, a := range r.RelayAttempts {
		composite := a.At.Format(time.RFC3339Nano) + "\x1f" + a.Err
		writeKV(&buf, "relay_attempt", composite)
	}
	for _, f := range r.Flows.Slice() {
		writeKV(&buf, "flow", string(f))
	}

	writeKV(&buf, "sender", r.Envelope.Sender)
	for _, a := range r.Envelope.SenderArgs {
		writeKV(&buf, "sender_arg", a)
	}
	for _, a := range r.Envelope.Recipients {
		writeKV(&buf, "recipient", a)
	}
	for _, a := range r.Envelope.RejectedRecipients {
		writeKV(&buf, "rejected_recipient", a)
	}

	return buf.Bytes()
}

// Decode parses the key:value text format written by Encode.
func Decode(data []byte) (*Record, error) {
	r := &Record{}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var statusKind Kind
	var statusAt time.Time
	var statusReason string
	haveStatusKind := false

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		sp := strings.SplitN(line, " ", 2)
		if len(sp) != 2 {
			return nil, fmt.Errorf("record: malformed line %d: %q", lineNo, line)
		}
		key := sp[0]
		val, err := strconv.Unquote(sp[1])
		if err != nil {
			return nil, fmt.Errorf("record: malformed value on line %d: %v", lineNo, err)
		}

		switch key {
		case "id":
			r.ID = val
		case "parent_envelope_id":
			r.ParentEnvelopeID = val
		case "spool_dir":
			r.SpoolDir = val
		case "spool_date":
			r.SpoolDate, err = time.Parse(time.RFC3339Nano, val)
			if err != nil {
				return nil, fmt.Errorf("record: bad spool_date: %v", err)
			}
		case "status_kind":
			statusKind, err = kindFromString(val)
			if err != nil {
				return nil, err
			}
			haveStatusKind = true
		case "status_at":
			statusAt, err = time.Parse(time.RFC3339Nano, val)
			if err != nil {
				return nil, fmt.Errorf("record: bad status_at: %v", err)
			}
		case "status_reason":
			statusReason = val
		case "next_hop":
			a, err := ParseAddress(val)
			if err != nil {
				return nil, fmt.Errorf("record: bad next_hop %q: %v", val, err)
			}
			r.NextHopChoices = append(r.NextHopChoices, a)
		case "retry_interval":
			d, err := time.ParseDuration(val)
			if err != nil {
				return nil, fmt.Errorf("record: bad retry_interval %q: %v", val, err)
			}
			r.RetryIntervals = append(r.RetryIntervals, d)
		case "remaining_recipient":
			r.RemainingRecipients = append(r.RemainingRecipients, val)
		case "failed_recipient":
			r.FailedRecipients = append(r.FailedRecipients, val)
		case "relay_attempt":
			parts := strings.SplitN(val, "\x1f", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("record: malformed relay_attempt %q", val)
			}
			at, err := time.Parse(time.RFC3339Nano, parts[0])
			if err != nil {
				return nil, fmt.Errorf("record: bad relay_attempt time: %v", err)
			}
			r.RelayAttempts = append(r.RelayAttempts, Attempt{At: at, Err: parts[1]})
		case "flow":
			r.Flows = r.Flows.With(flow.ID(val))
		case "sender":
			r.Envelope.Sender = val
		case "sender_arg":
			r.Envelope.SenderArgs = append(r.Envelope.SenderArgs, val)
		case "recipient":
			r.Envelope.Recipients = append(r.Envelope.Recipients, val)
		case "rejected_recipient":
			r.Envelope.RejectedRecipients = append(r.Envelope.RejectedRecipients, val)
		default:
			// Forward compatibility: ignore keys we don't know about yet.
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	if !haveStatusKind {
		return nil, fmt.Errorf("record: missing status_kind")
	}
	r.Status = Status{Kind: statusKind, At: statusAt, Reason: statusReason}

	return r, nil
}
