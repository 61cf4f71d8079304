//go:build unit || !integration

package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"

	"github.com/agentguild/guild/pkg/marketstore"
	"github.com/agentguild/guild/pkg/marketstore/inmemory"
)

// rpcScript answers JSON-RPC calls per method, failing a set number of
// times before succeeding.
type rpcScript struct {
	mu           sync.Mutex
	failuresLeft int
	result       string
	calls        map[string]int
}

func (r *rpcScript) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var decoded struct {
			Method string `json:"method"`
		}
		_ = json.NewDecoder(req.Body).Decode(&decoded)

		r.mu.Lock()
		if r.calls == nil {
			r.calls = map[string]int{}
		}
		r.calls[decoded.Method]++
		fail := r.failuresLeft > 0
		if fail {
			r.failuresLeft--
		}
		result := r.result
		r.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if fail {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"code": -32000, "message": "ledger busy"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
	}
}

func (r *rpcScript) callCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[method]
}

type RPCClientSuite struct {
	suite.Suite
	ctx    context.Context
	clock  *clock.Mock
	script *rpcScript
	server *httptest.Server
	store  marketstore.Store
	client Client
}

func TestRPCClientSuite(t *testing.T) {
	suite.Run(t, new(RPCClientSuite))
}

func (s *RPCClientSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clock.NewMock()
	s.script = &rpcScript{}
	s.server = httptest.NewServer(s.script.handler())
	s.store = inmemory.NewInMemoryStore()
	s.client = NewClient(RPCParams{
		Endpoint:   s.server.URL,
		ChainID:    1,
		AccountID:  "0.0.1001",
		SigningKey: "test-key",
		Store:      s.store,
		Clock:      s.clock,
	})
}

func (s *RPCClientSuite) TearDownTest() {
	s.server.Close()
}

// ensureToken runs EnsureToken while advancing the mock clock past the
// retry pauses.
func (s *RPCClientSuite) ensureToken() (string, error) {
	var tokenID string
	var err error
	done := make(chan struct{})
	go func() {
		tokenID, err = s.client.EnsureToken(s.ctx)
		close(done)
	}()
	for {
		select {
		case <-done:
			return tokenID, err
		default:
			s.clock.Add(DefaultRetryDelay * time.Duration(DefaultRetryAttempts+1))
			time.Sleep(time.Millisecond)
		}
	}
}

func (s *RPCClientSuite) TestEnsureTokenRetriesPastTransientErrors() {
	s.script.failuresLeft = DefaultRetryAttempts
	s.script.result = "0.0.777"

	tokenID, err := s.ensureToken()
	s.Require().NoError(err)
	s.Require().Equal("0.0.777", tokenID)
	s.Require().Equal(DefaultRetryAttempts+1, s.script.callCount("guild_createToken"))

	// the created id is persisted; a second ensure never calls out
	stored, err := s.store.GetConfigValue(s.ctx, ConfigKeyTokenID)
	s.Require().NoError(err)
	s.Require().Equal(tokenID, stored)

	again, err := s.ensureToken()
	s.Require().NoError(err)
	s.Require().Equal(tokenID, again)
	s.Require().Equal(DefaultRetryAttempts+1, s.script.callCount("guild_createToken"))
}

func (s *RPCClientSuite) TestEnsureTokenGivesUpAfterExhaustion() {
	s.script.failuresLeft = DefaultRetryAttempts + 1

	_, err := s.ensureToken()
	s.Require().Error(err)
	var unavailable ErrUnavailable
	s.Require().ErrorAs(err, &unavailable)
	s.Require().Equal(DefaultRetryAttempts+1, s.script.callCount("guild_createToken"))

	// nothing half-created leaks into the config bucket
	_, err = s.store.GetConfigValue(s.ctx, ConfigKeyTokenID)
	var notFound marketstore.ErrConfigNotFound
	s.Require().ErrorAs(err, &notFound)
}

func (s *RPCClientSuite) TestConfiguredTokenSkipsCreation() {
	client := NewClient(RPCParams{
		Endpoint:   s.server.URL,
		SigningKey: "test-key",
		TokenID:    "0.0.4242",
		Store:      s.store,
		Clock:      s.clock,
	})
	tokenID, err := client.EnsureToken(s.ctx)
	s.Require().NoError(err)
	s.Require().Equal("0.0.4242", tokenID)
	s.Require().Zero(s.script.callCount("guild_createToken"))
}
