// Package delivery implements the tick-driven loop that dequeues due
// entries, attempts delivery through the connection cache, and applies
// the retry scheduler's decision — the orchestration spec §4.5
// describes. It is new code (the teacher's equivalent,
// Item.SendLoop in internal/queue/queue.go, is one-goroutine-per-item
// rather than a ticking scan of the spool); the fan-out across due
// entries is grounded on golang.org/x/sync/errgroup, a dependency the
// pack carries (foxcpp-maddy, kedacore-keda) for bounded concurrent
// fan-out.
package delivery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"blitiri.com.ar/go/relayd/internal/cache"
	"blitiri.com.ar/go/relayd/internal/eventbus"
	"blitiri.com.ar/go/relayd/internal/metrics"
	"blitiri.com.ar/go/relayd/internal/record"
	"blitiri.com.ar/go/relayd/internal/relayerr"
	"blitiri.com.ar/go/relayd/internal/retry"
	"blitiri.com.ar/go/relayd/internal/smtpclient"
	"blitiri.com.ar/go/relayd/internal/spool"

	"blitiri.com.ar/go/log"
)

// Config bounds the delivery loop's cadence and concurrency.
type Config struct {
	// TickInterval is how often the Active queue is rescanned.
	TickInterval time.Duration

	// MaxConcurrentEntries bounds how many entries are processed at
	// once per tick; this is independent of (and smaller than, in
	// practice) the cache's own connection budget.
	MaxConcurrentEntries int

	// ConnectGiveUp bounds how long cache.WithConnection waits for pool
	// capacity across the candidates. It does not bound the send itself;
	// that is limited only by the smtpclient timeouts.
	ConnectGiveUp time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval == 0 {
		c.TickInterval = 1 * time.Second
	}
	if c.MaxConcurrentEntries == 0 {
		c.MaxConcurrentEntries = 64
	}
	if c.ConnectGiveUp == 0 {
		c.ConnectGiveUp = 60 * time.Second
	}
	return c
}

// Engine runs the delivery loop against one spool.
type Engine struct {
	sp    *spool.Spool
	cache *cache.Cache
	bus   *eventbus.Bus
	cfg   Config

	wakeup chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New returns an Engine ready to Run.
func New(sp *spool.Spool, c *cache.Cache, bus *eventbus.Bus, cfg Config) *Engine {
	return &Engine{
		sp:     sp,
		cache:  c,
		bus:    bus,
		cfg:    cfg.withDefaults(),
		wakeup: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

// Wake requests an out-of-band tick, e.g. right after an envelope was
// spooled or a control operation changed an entry's eligibility.
func (e *Engine) Wake() {
	select {
	case e.wakeup <- struct{}{}:
	default:
	}
}

// Run starts the tick loop in the background. Stop cancels it; Run
// returns immediately.
func (e *Engine) Run(ctx context.Context) {
	e.wg.Add(1)
	go e.loop(ctx)
}

// Stop signals the loop to exit after it finishes the tick it may be
// in the middle of, and waits for it to do so.
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	t := time.NewTicker(e.cfg.TickInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			e.tick(ctx)
		case <-e.wakeup:
			e.tick(ctx)
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick scans the Active queue once, fanning out over due entries.
// Entries are started in the spool's listing order, ascending by id.
// Ids begin with the base64url-encoded creation time, whose character
// order differs from numeric order, so this is not strictly oldest
// first.
func (e *Engine) tick(ctx context.Context) {
	entries, err := e.sp.List(record.Active)
	if err != nil {
		log.Errorf("delivery: listing active queue: %v", err)
		return
	}
	e.reportQueueDepths(entries)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrentEntries)

	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			e.processEntry(gctx, entry)
			return nil
		})
	}
	g.Wait()
}

// reportQueueDepths exports the current size of every sub-queue, reusing
// the Active listing this tick already fetched.
func (e *Engine) reportQueueDepths(active []spool.Entry) {
	metrics.SetQueueDepth(string(record.Active), len(active))
	for _, q := range record.AllQueues {
		if q == record.Active {
			continue
		}
		entries, err := e.sp.List(q)
		if err != nil {
			continue
		}
		metrics.SetQueueDepth(string(q), len(entries))
	}
}

// processEntry runs the full per-record critical section described in
// spec §4.5, steps 1-6, inside a single WithEntry call so the entry's
// exclusive lock covers the Sending transition, the delivery attempt,
// and the final outcome together.
func (e *Engine) processEntry(ctx context.Context, entry spool.Entry) {
	err := e.sp.WithEntry(ctx, entry, nil, 0, func(rec *record.Record) spool.Outcome {
		now := time.Now()
		eff := rec.Status.Effective(now)
		if eff.Kind != record.SendNow {
			return spool.KeepOutcome()
		}

		if rec.CountRemaining() == 0 {
			e.bus.Publish(eventbus.Event{Kind: eventbus.Frozen, ID: rec.ID, Flows: rec.Flows})
			rec.Status = record.FrozenStatus()
			return spool.SaveOutcome(rec, record.FrozenQ)
		}

		rec.Status = record.SendingStatus()
		if err := e.sp.Persist(ctx, entry, rec, record.Active); err != nil {
			log.Errorf("delivery: persisting Sending for %q: %v", rec.ID, err)
			return spool.KeepOutcome()
		}
		e.bus.Publish(eventbus.Event{Kind: eventbus.SendingStarted, ID: rec.ID, Flows: rec.Flows})

		return e.attempt(ctx, entry, rec)
	})

	if err != nil && err != relayerr.ErrLocked && err != relayerr.ErrDiskDivergence {
		log.Errorf("delivery: processing %q: %v", entry.ID, err)
	}
}

// attempt performs the actual send (step 3), classifies the outcome
// (step 4), records a failed attempt (step 5), and decides the final
// persisted state (step 6). It assumes the caller already transitioned
// and persisted Sending.
func (e *Engine) attempt(ctx context.Context, entry spool.Entry, rec *record.Record) spool.Outcome {
	start := time.Now()
	body, err := e.sp.ReadBody(ctx, entry)
	if err != nil {
		log.Errorf("delivery: reading body for %q: %v", rec.ID, err)
		retry.Apply(rec, retry.Attempt{Temporary: true}, time.Now())
		metrics.RecordDelivery(outcomeLabel(rec), time.Since(start).Seconds())
		return e.finalize(rec, "read body: "+err.Error())
	}

	env := smtpclient.Envelope{
		Sender:     rec.Envelope.Sender,
		SenderArgs: rec.Envelope.SenderArgs,
		Recipients: rec.RemainingRecipients,
		Body:       body,
	}

	res := cache.WithConnection(ctx, e.cache, rec.NextHopChoices, e.cfg.ConnectGiveUp,
		func(cl smtpclient.Client) (smtpclient.EnvelopeStatus, error) {
			return cl.SendEnvelope(ctx, env)
		})

	now := time.Now()
	var a retry.Attempt
	var failMsg string

	switch res.Kind {
	case cache.Ok:
		if res.FErr != nil {
			a = retry.Attempt{Temporary: true}
			failMsg = res.FErr.Error()
		} else {
			a = classify(res.FResult)
			failMsg = summarize(res.FResult)
		}
	case cache.ErrorOpeningResource:
		a = retry.Attempt{Temporary: true}
		failMsg = "connect: " + errString(res.Err)
	case cache.GaveUpWaiting:
		a = retry.Attempt{Temporary: true}
		failMsg = relayerr.ErrGaveUpWaiting.Error()
	case cache.CacheClosed:
		a = retry.Attempt{Temporary: true}
		failMsg = relayerr.ErrCacheClosed.Error()
	}

	retry.Apply(rec, a, now)

	if !a.AnyAccepted {
		rec.RelayAttempts = append([]record.Attempt{{At: now, Err: failMsg}}, rec.RelayAttempts...)
		e.bus.Publish(eventbus.Event{Kind: eventbus.SendAttemptFailed, ID: rec.ID, Err: failMsg, Flows: rec.Flows})
	}

	metrics.RecordDelivery(outcomeLabel(rec), time.Since(start).Seconds())
	return e.finalize(rec, failMsg)
}

// outcomeLabel maps a record's post-attempt status to a metrics outcome
// label.
func outcomeLabel(rec *record.Record) string {
	switch rec.Status.Kind {
	case record.Delivered:
		if len(rec.FailedRecipients) > 0 {
			return metrics.OutcomePartial
		}
		return metrics.OutcomeDelivered
	case record.Frozen:
		return metrics.OutcomeFrozen
	default:
		return metrics.OutcomeTemporary
	}
}

func (e *Engine) finalize(rec *record.Record, failMsg string) spool.Outcome {
	if rec.Status.Kind == record.Delivered {
		e.bus.Publish(eventbus.Event{Kind: eventbus.Delivered, ID: rec.ID, Recipients: rec.FailedRecipients, Flows: rec.Flows})
		return spool.RemoveOutcome()
	}
	if rec.Status.Kind == record.Frozen {
		e.bus.Publish(eventbus.Event{Kind: eventbus.Frozen, ID: rec.ID, Recipients: rec.FailedRecipients, Flows: rec.Flows})
	}
	queue, ok := record.QueueOf(rec.Status)
	if !ok {
		queue = record.Active
	}
	return spool.SaveOutcome(rec, queue)
}

func classify(status smtpclient.EnvelopeStatus) retry.Attempt {
	switch status.Kind {
	case smtpclient.Ok:
		return retry.Attempt{AnyAccepted: true, Rejected: toRecipientOutcomes(status.Rejected)}
	case smtpclient.NoRecipients:
		return retry.Attempt{Rejected: toRecipientOutcomes(status.Rejected)}
	case smtpclient.RejectedSender:
		perm := status.EnvelopeReply.Permanent()
		return retry.Attempt{EnvelopeRejectedPermanent: perm, Temporary: !perm}
	case smtpclient.RejectedSenderAndRecipients:
		perm := status.EnvelopeReply.Permanent()
		return retry.Attempt{
			EnvelopeRejectedPermanent: perm,
			Rejected:                  toRecipientOutcomes(status.Rejected),
			Temporary:                 !perm,
		}
	case smtpclient.RejectedBody:
		return retry.Attempt{Temporary: true}
	default:
		return retry.Attempt{Temporary: true}
	}
}

func toRecipientOutcomes(rs []smtpclient.RecipientReply) []retry.RecipientOutcome {
	out := make([]retry.RecipientOutcome, len(rs))
	for i, r := range rs {
		out[i] = retry.RecipientOutcome{Address: r.Recipient, Permanent: r.Reply.Permanent()}
	}
	return out
}

func summarize(status smtpclient.EnvelopeStatus) string {
	switch status.Kind {
	case smtpclient.Ok:
		return ""
	case smtpclient.RejectedBody:
		return status.EnvelopeReply.Error()
	case smtpclient.RejectedSender, smtpclient.RejectedSenderAndRecipients:
		return status.EnvelopeReply.Error()
	default:
		if len(status.Rejected) > 0 {
			return status.Rejected[0].Reply.Error()
		}
		return "rejected"
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
