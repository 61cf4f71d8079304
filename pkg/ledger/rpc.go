package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/agentguild/guild/pkg/marketstore"
	"github.com/agentguild/guild/pkg/models"
)

// RPCParams configures the JSON-RPC ledger client.
type RPCParams struct {
	Endpoint   string
	ChainID    uint64
	AccountID  string
	SigningKey string
	// TokenID and ChannelID may pre-provision resources; when empty
	// they are created on first use and persisted via the store.
	TokenID   string
	ChannelID string
	Store     marketstore.Store
	Clock     clock.Clock
}

// NewClient builds the attestation client. When the endpoint or the
// signing key is missing it degrades to the mock so the marketplace
// keeps running without attestation.
func NewClient(params RPCParams) Client {
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.Endpoint == "" || params.SigningKey == "" {
		log.Warn().Msg("no ledger endpoint or signing key configured, attestation runs in mock mode")
		return NewMockClient(params.Store, MockWithClock(params.Clock))
	}

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = DefaultRetryAttempts
	httpClient.RetryWaitMin = 500 * time.Millisecond
	httpClient.RetryWaitMax = 3 * time.Second
	httpClient.Logger = nil

	log.Info().
		Str("Endpoint", params.Endpoint).
		Uint64("ChainID", params.ChainID).
		Str("Account", params.AccountID).
		Msg("ledger attestation enabled")

	return &rpcClient{
		params: params,
		http:   httpClient,
	}
}

type rpcClient struct {
	params    RPCParams
	http      *retryablehttp.Client
	requestID atomic.Uint64
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("ledger rpc error %d: %s", e.Code, e.Message)
}

func (c *rpcClient) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	request, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.params.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.http.Do(request)
	if err != nil {
		return errors.Wrapf(err, "calling %s", method)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return errors.Wrapf(err, "reading %s response", method)
	}
	if response.StatusCode != http.StatusOK {
		return errors.Errorf("%s returned status %d", method, response.StatusCode)
	}

	var decoded rpcResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return errors.Wrapf(err, "decoding %s response", method)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(decoded.Result, out)
}

type submitParams struct {
	Envelope models.Envelope `json:"envelope"`
	Nonce    uint64          `json:"nonce"`
	Account  string          `json:"account"`
	ChainID  uint64          `json:"chain_id"`
}

type submitResult struct {
	TxID     string `json:"tx_id"`
	Sequence uint64 `json:"sequence"`
	Channel  string `json:"channel"`
}

func (c *rpcClient) Submit(ctx context.Context, envelope models.Envelope, nonce uint64) (TxRef, error) {
	channel, err := c.EnsureChannel(ctx)
	if err != nil {
		return TxRef{}, NewErrSubmitFailed(envelope.Type, err)
	}

	var result submitResult
	err = c.call(ctx, "guild_submitEnvelope", submitParams{
		Envelope: envelope,
		Nonce:    nonce,
		Account:  c.params.AccountID,
		ChainID:  c.params.ChainID,
	}, &result)
	if err != nil {
		return TxRef{}, NewErrSubmitFailed(envelope.Type, err)
	}
	if result.Channel == "" {
		result.Channel = channel
	}
	return TxRef{TxID: result.TxID, Sequence: result.Sequence, Channel: result.Channel}, nil
}

func (c *rpcClient) NextSequence(ctx context.Context) (uint64, error) {
	var nonce uint64
	err := c.call(ctx, "guild_getTransactionCount", []any{c.params.AccountID}, &nonce)
	return nonce, err
}

func (c *rpcClient) LatestBlock(ctx context.Context) (uint64, error) {
	var block uint64
	err := c.call(ctx, "guild_blockNumber", []any{}, &block)
	return block, err
}

func (c *rpcClient) QueryEvents(ctx context.Context, fromBlock, toBlock uint64) ([]models.Envelope, error) {
	var envelopes []models.Envelope
	err := c.call(ctx, "guild_getEvents", []any{fromBlock, toBlock}, &envelopes)
	return envelopes, err
}

func (c *rpcClient) Transfer(ctx context.Context, toAccount string, amount int64, tokenID string) (string, error) {
	var txID string
	err := c.call(ctx, "guild_transferToken", map[string]any{
		"token":  tokenID,
		"from":   c.params.AccountID,
		"to":     toAccount,
		"amount": amount,
	}, &txID)
	if err != nil {
		return "", errors.Wrap(err, "transferring settlement tokens")
	}
	return txID, nil
}

func (c *rpcClient) EnsureToken(ctx context.Context) (string, error) {
	return c.ensureResource(ctx, ConfigKeyTokenID, c.params.TokenID, func() (string, error) {
		var tokenID string
		err := c.call(ctx, "guild_createToken", map[string]any{
			"name":     "Guild Credits",
			"symbol":   models.DefaultCurrencyUnit,
			"decimals": 2,
			"treasury": c.params.AccountID,
		}, &tokenID)
		if err == nil {
			log.Ctx(ctx).Info().Str("TokenID", tokenID).Msg("created settlement token")
		}
		return tokenID, err
	})
}

func (c *rpcClient) EnsureChannel(ctx context.Context) (string, error) {
	return c.ensureResource(ctx, ConfigKeyChannelID, c.params.ChannelID, func() (string, error) {
		var channelID string
		err := c.call(ctx, "guild_createChannel", map[string]any{
			"memo":    "guild marketplace events",
			"account": c.params.AccountID,
		}, &channelID)
		if err == nil {
			log.Ctx(ctx).Info().Str("ChannelID", channelID).Msg("created event channel")
		}
		return channelID, err
	})
}

// ensureResource resolves a ledger resource id, in order: explicit
// configuration, the store's config bucket, then remote creation. The
// created id is persisted so restarts reuse it.
func (c *rpcClient) ensureResource(ctx context.Context, key, configured string, create func() (string, error)) (string, error) {
	if configured != "" {
		return configured, nil
	}
	stored, err := c.params.Store.GetConfigValue(ctx, key)
	if err == nil {
		return stored, nil
	}
	var notFound marketstore.ErrConfigNotFound
	if !errors.As(err, &notFound) {
		return "", err
	}
	// creation is a one-shot setup call; retry past transient rpc
	// errors the transport cannot see
	created, ok := WithRetry(ctx, c.params.Clock, key, create)
	if !ok {
		return "", NewErrUnavailable(key)
	}
	if err := c.params.Store.SetConfigValue(ctx, key, created); err != nil {
		return "", err
	}
	return created, nil
}

func (c *rpcClient) Live() bool {
	return true
}

var _ Client = (*rpcClient)(nil)
