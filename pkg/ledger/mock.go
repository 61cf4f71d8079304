package ledger

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/agentguild/guild/pkg/marketstore"
	"github.com/agentguild/guild/pkg/models"
)

const (
	mockTokenID   = "mock-token-0.0.0"
	mockChannelID = "mock-channel-0.0.0"
)

// MockClient stands in when no ledger credentials are configured.
// Submissions succeed with synthetic transaction references so the
// rest of the system behaves identically; reads report unavailability.
type MockClient struct {
	store    marketstore.Store
	clock    clock.Clock
	sequence atomic.Uint64
}

type MockOption func(*MockClient)

func MockWithClock(clock clock.Clock) MockOption {
	return func(c *MockClient) {
		c.clock = clock
	}
}

func NewMockClient(store marketstore.Store, options ...MockOption) *MockClient {
	client := &MockClient{
		store: store,
		clock: clock.New(),
	}
	for _, opt := range options {
		opt(client)
	}
	return client
}

func (c *MockClient) Submit(_ context.Context, _ models.Envelope, _ uint64) (TxRef, error) {
	sequence := c.sequence.Add(1)
	return TxRef{
		TxID:     fmt.Sprintf("mock-tx-%d-%d", c.clock.Now().UnixMilli(), sequence),
		Sequence: sequence,
		Channel:  mockChannelID,
	}, nil
}

func (c *MockClient) NextSequence(_ context.Context) (uint64, error) {
	return c.sequence.Load() + 1, nil
}

func (c *MockClient) LatestBlock(_ context.Context) (uint64, error) {
	return 0, NewErrUnavailable("latest block")
}

func (c *MockClient) QueryEvents(_ context.Context, _, _ uint64) ([]models.Envelope, error) {
	return nil, NewErrUnavailable("event query")
}

func (c *MockClient) Transfer(ctx context.Context, _ string, _ int64, _ string) (string, error) {
	if _, err := c.EnsureToken(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("mock-pay-tx-%d", c.clock.Now().UnixMilli()), nil
}

func (c *MockClient) EnsureToken(ctx context.Context) (string, error) {
	return c.ensureResource(ctx, ConfigKeyTokenID, mockTokenID)
}

func (c *MockClient) EnsureChannel(ctx context.Context) (string, error) {
	return c.ensureResource(ctx, ConfigKeyChannelID, mockChannelID)
}

func (c *MockClient) ensureResource(ctx context.Context, key, fallback string) (string, error) {
	stored, err := c.store.GetConfigValue(ctx, key)
	if err == nil {
		return stored, nil
	}
	var notFound marketstore.ErrConfigNotFound
	if !errors.As(err, &notFound) {
		return "", err
	}
	if err := c.store.SetConfigValue(ctx, key, fallback); err != nil {
		return "", err
	}
	return fallback, nil
}

func (c *MockClient) Live() bool {
	return false
}

var _ Client = (*MockClient)(nil)
