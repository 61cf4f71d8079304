// Package ledger talks to the external append-only ledger used to
// attest marketplace events. A Client either proxies a real JSON-RPC
// endpoint or degrades to a local mock when credentials are absent, so
// the marketplace keeps functioning without the ledger.
package ledger

import (
	"context"

	"github.com/agentguild/guild/pkg/models"
)

// Config keys persisted through the store so first-use resources are
// created exactly once per deployment.
const (
	ConfigKeyTokenID   = "ledger.token_id"
	ConfigKeyChannelID = "ledger.channel_id"
)

// TxRef identifies a submitted attestation on the ledger.
type TxRef struct {
	TxID     string
	Sequence uint64
	Channel  string
}

// Client is the attestation surface. Submit is called only by the
// write queue, which serializes nonces; everything else is safe to
// call concurrently.
type Client interface {
	// Submit publishes one event envelope under the given nonce.
	Submit(ctx context.Context, envelope models.Envelope, nonce uint64) (TxRef, error)

	// NextSequence returns the nonce the next submission must carry.
	NextSequence(ctx context.Context) (uint64, error)

	// LatestBlock returns the current ledger height.
	LatestBlock(ctx context.Context) (uint64, error)

	// QueryEvents returns the envelopes recorded in [fromBlock, toBlock].
	QueryEvents(ctx context.Context, fromBlock, toBlock uint64) ([]models.Envelope, error)

	// EnsureToken returns the settlement token, creating it on first use.
	EnsureToken(ctx context.Context) (string, error)

	// Transfer moves token units from the treasury to an agent account
	// and returns the payment transaction id. Unlike Submit this is
	// synchronous: settlement needs the reference for its receipt.
	Transfer(ctx context.Context, toAccount string, amount int64, tokenID string) (string, error)

	// EnsureChannel returns the event channel, creating it on first use.
	EnsureChannel(ctx context.Context) (string, error)

	// Live reports whether a real ledger backs this client.
	Live() bool
}

// ErrUnavailable is returned by read paths when no real ledger is
// configured. Callers treat it as "no source of truth", not a fault.
type ErrUnavailable struct {
	Operation string
}

func NewErrUnavailable(operation string) ErrUnavailable {
	return ErrUnavailable{Operation: operation}
}

func (e ErrUnavailable) Error() string {
	return "ledger unavailable for " + e.Operation
}

// ErrSubmitFailed wraps a failed attestation so the queue can tell
// ledger rejections apart from transport errors it already retried.
type ErrSubmitFailed struct {
	EventType models.EventType
	Cause     error
}

func NewErrSubmitFailed(eventType models.EventType, cause error) ErrSubmitFailed {
	return ErrSubmitFailed{EventType: eventType, Cause: cause}
}

func (e ErrSubmitFailed) Error() string {
	return "ledger submit failed for " + string(e.EventType) + ": " + e.Cause.Error()
}

func (e ErrSubmitFailed) Unwrap() error {
	return e.Cause
}
