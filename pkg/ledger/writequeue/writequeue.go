// Package writequeue serializes ledger submissions. The ledger rejects
// out-of-order nonces, so all attestations funnel through a single
// drain goroutine that owns the nonce counter. Enqueueing never blocks
// on ledger I/O.
package writequeue

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/agentguild/guild/pkg/ledger"
	"github.com/agentguild/guild/pkg/marketstore"
	"github.com/agentguild/guild/pkg/models"
)

const (
	DefaultCapacity = 1024
	// DefaultInterSubmitDelay gives the ledger time to observe the
	// previous nonce before the next submission is sent.
	DefaultInterSubmitDelay = 300 * time.Millisecond

	failureReportCapacity = 64

	// nonceUnknown forces a fresh NextSequence fetch before the next
	// submission. Set on startup and again after any failure.
	nonceUnknown = uint64(math.MaxUint64)
)

type QueueParams struct {
	Client ledger.Client
	Store  marketstore.Store
	Clock  clock.Clock
	// Capacity bounds the number of pending submissions.
	Capacity int
	// InterSubmitDelay overrides DefaultInterSubmitDelay when >= 0.
	InterSubmitDelay time.Duration
}

// Queue is the only path to ledger.Client.Submit. Events are attested
// in enqueue order; a failed submission is dropped after resetting the
// nonce, never retried out of order.
type Queue struct {
	client ledger.Client
	store  marketstore.Store
	clock  clock.Clock
	delay  time.Duration

	pending  chan models.Envelope
	failures chan error
	stopChan chan struct{}
	doneChan chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	nextNonce uint64
	txCount   atomic.Uint64
	dropped   atomic.Uint64
}

func NewQueue(params QueueParams) *Queue {
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.Capacity <= 0 {
		params.Capacity = DefaultCapacity
	}
	if params.InterSubmitDelay < 0 {
		params.InterSubmitDelay = DefaultInterSubmitDelay
	}
	return &Queue{
		client:    params.Client,
		store:     params.Store,
		clock:     params.Clock,
		delay:     params.InterSubmitDelay,
		pending:   make(chan models.Envelope, params.Capacity),
		failures:  make(chan error, failureReportCapacity),
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
		nextNonce: nonceUnknown,
	}
}

// Start launches the drain goroutine. Subsequent calls are no-ops.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		go q.drain(ctx)
	})
}

// Stop finishes the already-enqueued submissions and shuts the drain
// goroutine down. It returns when the queue is empty or ctx expires.
func (q *Queue) Stop(ctx context.Context) error {
	q.stopOnce.Do(func() {
		close(q.stopChan)
	})
	select {
	case <-q.doneChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue wraps the event in an envelope and queues it for
// attestation. It never blocks; when the queue is full the event is
// dropped and the failure reported.
func (q *Queue) Enqueue(ctx context.Context, event models.Event) error {
	envelope, err := models.NewEnvelope(event, q.clock.Now().UTC().UnixNano())
	if err != nil {
		return err
	}
	select {
	case q.pending <- envelope:
		return nil
	default:
		q.dropped.Add(1)
		err := ledger.NewErrSubmitFailed(event.EventType(), ErrQueueFull{})
		q.report(err)
		log.Ctx(ctx).Warn().Str("EventType", string(event.EventType())).Msg("attestation queue full, dropping event")
		return err
	}
}

// Failures exposes submission errors for supervision. The channel is
// bounded; reports beyond its capacity are dropped after logging.
func (q *Queue) Failures() <-chan error {
	return q.failures
}

// TxCount returns the number of attestations submitted successfully
// over the queue's lifetime.
func (q *Queue) TxCount() uint64 {
	return q.txCount.Load()
}

// Dropped returns the number of events lost to a full queue.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

func (q *Queue) drain(ctx context.Context) {
	defer close(q.doneChan)
	for {
		select {
		case envelope := <-q.pending:
			q.submit(ctx, envelope)
			q.pause(ctx)
		case <-q.stopChan:
			// flush what is already queued, then exit
			for {
				select {
				case envelope := <-q.pending:
					q.submit(ctx, envelope)
					q.pause(ctx)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) pause(ctx context.Context) {
	if q.delay == 0 {
		return
	}
	select {
	case <-q.clock.After(q.delay):
	case <-ctx.Done():
	}
}

func (q *Queue) submit(ctx context.Context, envelope models.Envelope) {
	if q.nextNonce == nonceUnknown {
		nonce, err := q.client.NextSequence(ctx)
		if err != nil {
			q.report(ledger.NewErrSubmitFailed(envelope.Type, err))
			log.Ctx(ctx).Warn().Err(err).Str("EventType", string(envelope.Type)).Msg("could not fetch ledger nonce, dropping event")
			return
		}
		q.nextNonce = nonce
	}

	nonce := q.nextNonce
	txRef, err := q.client.Submit(ctx, envelope, nonce)
	if err != nil {
		// the ledger may or may not have consumed the nonce, so the
		// cached value cannot be trusted anymore
		q.nextNonce = nonceUnknown
		q.report(err)
		log.Ctx(ctx).Warn().Err(err).Str("EventType", string(envelope.Type)).Msg("attestation failed, dropping event")
		return
	}

	q.nextNonce = nonce + 1
	q.txCount.Add(1)
	log.Ctx(ctx).Debug().
		Str("EventType", string(envelope.Type)).
		Str("TxID", txRef.TxID).
		Uint64("Nonce", nonce).
		Msg("event attested")

	record := models.EventRecord{
		Type:      envelope.Type,
		Payload:   envelope.Payload,
		TxRef:     txRef.TxID,
		Sequence:  txRef.Sequence,
		CreatedAt: envelope.Timestamp,
	}
	if event, decodeErr := envelope.Decode(); decodeErr == nil {
		record.JobID = event.JobRef()
		record.AgentID = event.AgentRef()
	}
	if err := q.store.AppendEvent(ctx, record); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("TxID", txRef.TxID).Msg("could not record attestation locally")
	}
}

func (q *Queue) report(err error) {
	select {
	case q.failures <- err:
	default:
	}
}

// ErrQueueFull signals that an event was dropped because the pending
// buffer hit capacity.
type ErrQueueFull struct{}

func (ErrQueueFull) Error() string {
	return "attestation queue is full"
}
