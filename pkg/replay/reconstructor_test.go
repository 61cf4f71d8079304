//go:build unit || !integration

package replay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"

	"github.com/agentguild/guild/pkg/ledger"
	"github.com/agentguild/guild/pkg/models"
)

// scriptedLedger serves a fixed event window and counts reads so cache
// behavior can be asserted.
type scriptedLedger struct {
	mu        sync.Mutex
	envelopes []models.Envelope
	height    uint64
	failReads bool
	queries   int
}

func (l *scriptedLedger) Submit(ctx context.Context, envelope models.Envelope, nonce uint64) (ledger.TxRef, error) {
	return ledger.TxRef{}, nil
}

func (l *scriptedLedger) NextSequence(ctx context.Context) (uint64, error) { return 0, nil }

func (l *scriptedLedger) LatestBlock(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failReads {
		return 0, ledger.NewErrUnavailable("blockNumber")
	}
	return l.height, nil
}

func (l *scriptedLedger) QueryEvents(ctx context.Context, fromBlock, toBlock uint64) ([]models.Envelope, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failReads {
		return nil, ledger.NewErrUnavailable("getEvents")
	}
	l.queries++
	return l.envelopes, nil
}

func (l *scriptedLedger) EnsureToken(ctx context.Context) (string, error)   { return "tok", nil }
func (l *scriptedLedger) EnsureChannel(ctx context.Context) (string, error) { return "chan", nil }
func (l *scriptedLedger) Transfer(ctx context.Context, toAccount string, amount int64, tokenID string) (string, error) {
	return "tx", nil
}
func (l *scriptedLedger) Live() bool { return true }

func (l *scriptedLedger) queryCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queries
}

var _ ledger.Client = (*scriptedLedger)(nil)

type ReconstructorSuite struct {
	suite.Suite
	ctx    context.Context
	clock  *clock.Mock
	ledger *scriptedLedger
}

func TestReconstructorSuite(t *testing.T) {
	suite.Run(t, new(ReconstructorSuite))
}

func (s *ReconstructorSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clock.NewMock()
	s.clock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	s.ledger = &scriptedLedger{height: 25000}
}

func (s *ReconstructorSuite) reconstructor() *Reconstructor {
	return NewReconstructor(ReconstructorParams{
		Client: s.ledger,
		Clock:  s.clock,
	})
}

func (s *ReconstructorSuite) envelope(event models.Event, block uint64, at time.Time) models.Envelope {
	payload, err := json.Marshal(event)
	s.Require().NoError(err)
	return models.Envelope{
		Type:        event.EventType(),
		Payload:     payload,
		TxRef:       "tx-test",
		BlockNumber: block,
		Timestamp:   at.UnixNano(),
	}
}

// history scripts one complete job lifecycle plus a market and a forum
// thread, spread across a few blocks.
func (s *ReconstructorSuite) history() []models.Envelope {
	base := s.clock.Now().Add(-time.Hour)
	return []models.Envelope{
		s.envelope(&models.AgentRegisteredEvent{AgentID: "agent-a", Name: "Ada", Skills: []string{"golang"}}, 24001, base),
		s.envelope(&models.AgentRegisteredEvent{AgentID: "agent-b", Name: "Bo", Skills: []string{"golang"}}, 24001, base.Add(time.Second)),
		s.envelope(&models.JobCreatedEvent{JobID: "job-1", CreatorID: models.SystemAgentID, Title: "Summarize release notes", RequiredSkill: "golang", Budget: 5000, Deadline: base.Add(time.Hour).UnixNano()}, 24002, base.Add(time.Minute)),
		s.envelope(&models.BidPlacedEvent{JobID: "job-1", AgentID: "agent-b", Price: 4500, EstimatedDuration: 60000}, 24003, base.Add(2*time.Minute)),
		s.envelope(&models.BidPlacedEvent{JobID: "job-1", AgentID: "agent-a", Price: 4000, EstimatedDuration: 60000}, 24003, base.Add(3*time.Minute)),
		s.envelope(&models.JobAssignedEvent{JobID: "job-1", AgentID: "agent-a", Price: 4000}, 24004, base.Add(4*time.Minute)),
		s.envelope(&models.PredictionCreatedEvent{PredictionID: "pred-1", JobID: "job-1", TargetAgentID: "agent-a", Question: "Will agent-a deliver?", Deadline: base.Add(time.Hour).UnixNano()}, 24004, base.Add(4*time.Minute)),
		s.envelope(&models.BetPlacedEvent{PredictionID: "pred-1", AgentID: "agent-b", Yes: true, Amount: 1000}, 24005, base.Add(5*time.Minute)),
		s.envelope(&models.BetPlacedEvent{PredictionID: "pred-1", AgentID: "agent-b", Yes: false, Amount: 400}, 24005, base.Add(6*time.Minute)),
		s.envelope(&models.JobCompletedEvent{JobID: "job-1", AgentID: "agent-a", ArtifactPreview: "Done."}, 24006, base.Add(10*time.Minute)),
		s.envelope(&models.ReputationUpdatedEvent{AgentID: "agent-a", NewReputation: 65, Change: 15}, 24006, base.Add(10*time.Minute)),
		s.envelope(&models.PaymentSettledEvent{JobID: "job-1", AgentID: "agent-a", Amount: 4000, LedgerTxID: "pay-1"}, 24007, base.Add(11*time.Minute)),
		s.envelope(&models.PredictionSettledEvent{PredictionID: "pred-1", JobID: "job-1", Outcome: true, TotalPool: 1400, Winners: 1}, 24007, base.Add(12*time.Minute)),
		s.envelope(&models.ForumPostCreatedEvent{PostID: "post-1", AgentID: "agent-a", Title: "Lessons", Body: "Notes", Tag: "general"}, 24008, base.Add(13*time.Minute)),
		s.envelope(&models.ForumReplyCreatedEvent{ReplyID: "reply-1", PostID: "post-1", AgentID: "agent-b"}, 24008, base.Add(14*time.Minute)),
		s.envelope(&models.ForumPostUpvotedEvent{PostID: "post-1", AgentID: "agent-b", NewScore: 1}, 24008, base.Add(15*time.Minute)),
	}
}

func (s *ReconstructorSuite) TestRebuildsFullLifecycle() {
	s.ledger.envelopes = s.history()
	projection, err := s.reconstructor().Reconstruct(s.ctx)
	s.Require().NoError(err)

	s.Require().Len(projection.Agents, 2)
	s.Require().EqualValues("agent-a", projection.Agents[0].ID)
	s.Require().Equal(65, projection.Agents[0].Reputation)
	s.Require().Equal(1, projection.Agents[0].Completions)
	s.Require().Equal(models.DefaultReputation, projection.Agents[1].Reputation)

	s.Require().Len(projection.Jobs, 1)
	job := projection.Jobs[0]
	s.Require().Equal(models.JobStateSettled, job.State)
	s.Require().EqualValues("agent-a", job.AssignedAgentID)
	s.Require().Equal("Done.", job.ResultArtifact)

	s.Require().Len(projection.Bids, 2)
	s.Require().EqualValues(4000, projection.Bids[0].Price)
	s.Require().EqualValues(4500, projection.Bids[1].Price)

	s.Require().Len(projection.Predictions, 1)
	prediction := projection.Predictions[0]
	s.Require().Equal(models.PredictionStateSettled, prediction.State)
	s.Require().True(prediction.Outcome)
	s.Require().EqualValues(1000, prediction.YesPool)
	s.Require().EqualValues(400, prediction.NoPool)

	s.Require().Len(projection.Transfers, 1)
	s.Require().Equal("pay-1", projection.Transfers[0].LedgerTxID)
	s.Require().EqualValues(4000, projection.Transfers[0].Amount)

	s.Require().Len(projection.Posts, 1)
	s.Require().Equal(1, projection.Posts[0].ReplyCount)
	s.Require().Equal(1, projection.Posts[0].Upvotes)

	s.Require().Equal(2, projection.Metrics.Agents)
	s.Require().Equal(1, projection.Metrics.Jobs)
	s.Require().Equal(0, projection.Metrics.OpenJobs)
	s.Require().Equal(2, projection.Metrics.Bids)
	s.Require().Equal(1, projection.Metrics.Completions)
	s.Require().Equal(1, projection.Metrics.Transfers)
	s.Require().Equal(0, projection.Metrics.Skipped)

	// newest block first
	s.Require().Len(projection.Events, 16)
	s.Require().EqualValues(24008, projection.Events[0].BlockNumber)
}

func (s *ReconstructorSuite) TestLookbackWindowBounds() {
	s.ledger.envelopes = nil
	projection, err := s.reconstructor().Reconstruct(s.ctx)
	s.Require().NoError(err)
	s.Require().EqualValues(25000-DefaultLookback, projection.FromBlock)
	s.Require().EqualValues(25000, projection.ToBlock)

	s.ledger.height = 100
	reconstructor := s.reconstructor()
	projection, err = reconstructor.Reconstruct(s.ctx)
	s.Require().NoError(err)
	s.Require().EqualValues(0, projection.FromBlock)
}

func (s *ReconstructorSuite) TestSkipsUnknownAndMalformedEvents() {
	history := s.history()
	history = append(history,
		models.Envelope{Type: "governance.vote", Payload: []byte(`{}`), BlockNumber: 24009},
		models.Envelope{Type: models.EventJobCreated, Payload: []byte(`{`), BlockNumber: 24009},
	)
	s.ledger.envelopes = history

	projection, err := s.reconstructor().Reconstruct(s.ctx)
	s.Require().NoError(err)
	s.Require().Equal(2, projection.Metrics.Skipped)
	s.Require().Len(projection.Jobs, 1)
	s.Require().Len(projection.Agents, 2)
}

func (s *ReconstructorSuite) TestEventsForUnseededEntitiesIgnored() {
	base := s.clock.Now()
	s.ledger.envelopes = []models.Envelope{
		s.envelope(&models.JobAssignedEvent{JobID: "job-ancient", AgentID: "agent-a"}, 24001, base),
		s.envelope(&models.BetPlacedEvent{PredictionID: "pred-ancient", AgentID: "agent-a", Yes: true, Amount: 500}, 24001, base),
	}
	projection, err := s.reconstructor().Reconstruct(s.ctx)
	s.Require().NoError(err)
	s.Require().Empty(projection.Jobs)
	s.Require().Empty(projection.Predictions)
	// the bet row itself is still visible even without its market
	s.Require().Len(projection.Bets, 1)
}

func (s *ReconstructorSuite) TestReputationAppliedInTimestampOrder() {
	base := s.clock.Now().Add(-time.Hour)
	// delivered out of order; the later timestamp must win
	s.ledger.envelopes = []models.Envelope{
		s.envelope(&models.AgentRegisteredEvent{AgentID: "agent-a", Name: "Ada"}, 24001, base),
		s.envelope(&models.ReputationUpdatedEvent{AgentID: "agent-a", NewReputation: 80}, 24003, base.Add(2*time.Minute)),
		s.envelope(&models.ReputationUpdatedEvent{AgentID: "agent-a", NewReputation: 60}, 24002, base.Add(time.Minute)),
	}
	projection, err := s.reconstructor().Reconstruct(s.ctx)
	s.Require().NoError(err)
	s.Require().Equal(80, projection.Agents[0].Reputation)
}

func (s *ReconstructorSuite) TestCachesWithinTTL() {
	s.ledger.envelopes = s.history()
	reconstructor := s.reconstructor()

	first, err := reconstructor.Reconstruct(s.ctx)
	s.Require().NoError(err)
	s.Require().Equal(1, s.ledger.queryCount())

	s.clock.Add(DefaultCacheTTL / 2)
	second, err := reconstructor.Reconstruct(s.ctx)
	s.Require().NoError(err)
	s.Require().Same(first, second)
	s.Require().Equal(1, s.ledger.queryCount())

	s.clock.Add(DefaultCacheTTL)
	third, err := reconstructor.Reconstruct(s.ctx)
	s.Require().NoError(err)
	s.Require().NotSame(first, third)
	s.Require().Equal(2, s.ledger.queryCount())
}

func (s *ReconstructorSuite) TestInvalidateDropsCache() {
	s.ledger.envelopes = s.history()
	reconstructor := s.reconstructor()

	_, err := reconstructor.Reconstruct(s.ctx)
	s.Require().NoError(err)
	reconstructor.Invalidate()
	_, err = reconstructor.Reconstruct(s.ctx)
	s.Require().NoError(err)
	s.Require().Equal(2, s.ledger.queryCount())
}

func (s *ReconstructorSuite) TestLedgerFailureNeverYieldsPartialView() {
	s.ledger.envelopes = s.history()
	s.ledger.failReads = true
	reconstructor := s.reconstructor()

	projection, err := reconstructor.Reconstruct(s.ctx)
	s.Require().Error(err)
	s.Require().Nil(projection)
	var unavailable ledger.ErrUnavailable
	s.Require().ErrorAs(err, &unavailable)

	// recovery serves a fresh full view, not anything cached from the
	// failed attempt
	s.ledger.failReads = false
	projection, err = reconstructor.Reconstruct(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(projection.Jobs, 1)
}
