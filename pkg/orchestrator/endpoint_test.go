//go:build unit || !integration

package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"

	"github.com/agentguild/guild/pkg/ledger"
	"github.com/agentguild/guild/pkg/logger"
	"github.com/agentguild/guild/pkg/marketstore"
	"github.com/agentguild/guild/pkg/marketstore/inmemory"
	"github.com/agentguild/guild/pkg/models"
)

// capturingPublisher records attested events synchronously.
type capturingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *capturingPublisher) Enqueue(_ context.Context, event models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturingPublisher) byType(eventType models.EventType) []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var matched []models.Event
	for _, event := range p.events {
		if event.EventType() == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

type EndpointSuite struct {
	suite.Suite
	ctx       context.Context
	clock     *clock.Mock
	store     marketstore.Store
	publisher *capturingPublisher
	endpoint  *Endpoint
}

func TestEndpointSuite(t *testing.T) {
	suite.Run(t, new(EndpointSuite))
}

func (s *EndpointSuite) SetupTest() {
	logger.ConfigureTestLogging(s.T())
	s.ctx = context.Background()
	s.clock = clock.NewMock()
	s.clock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	s.store = inmemory.NewInMemoryStore(inmemory.WithClock(s.clock))
	s.publisher = &capturingPublisher{}
	s.endpoint = NewEndpoint(EndpointParams{
		Store:     s.store,
		Ledger:    ledger.NewMockClient(s.store, ledger.MockWithClock(s.clock)),
		Publisher: s.publisher,
		Clock:     s.clock,
	})
}

func (s *EndpointSuite) registerAgent(id models.AgentID, reputation int) models.Agent {
	agent, err := s.endpoint.RegisterAgent(s.ctx, RegisterAgentRequest{AgentID: id, Name: string(id)})
	s.Require().NoError(err)
	if delta := reputation - agent.Reputation; delta != 0 {
		agent, err = s.store.UpdateAgent(s.ctx, id, func(a *models.Agent) {
			a.Reputation += delta
		})
		s.Require().NoError(err)
	}
	return agent
}

func (s *EndpointSuite) createJob(budget int64) models.Job {
	job, err := s.endpoint.CreateJob(s.ctx, CreateJobRequest{
		Title:         "Summarize governance proposals",
		RequiredSkill: "summarize",
		Budget:        budget,
		CreatorID:     models.SystemAgentID,
	})
	s.Require().NoError(err)
	return job
}

func (s *EndpointSuite) placeBid(jobID models.JobID, agentID models.AgentID, price int64) models.Bid {
	bid, err := s.endpoint.PlaceBid(s.ctx, PlaceBidRequest{JobID: jobID, AgentID: agentID, Price: price})
	s.Require().NoError(err)
	return bid
}

func (s *EndpointSuite) assignedJob(budget int64, winner models.AgentID, price int64) models.Job {
	s.registerAgent(winner, models.DefaultReputation)
	job := s.createJob(budget)
	s.placeBid(job.ID, winner, price)
	job, _, err := s.endpoint.AssignJob(s.ctx, job.ID)
	s.Require().NoError(err)
	return job
}

func (s *EndpointSuite) TestRegisterAgentIdempotent() {
	first, err := s.endpoint.RegisterAgent(s.ctx, RegisterAgentRequest{AgentID: "agent-1", Name: "coder"})
	s.Require().NoError(err)
	s.Require().Equal(models.DefaultReputation, first.Reputation)

	_, err = s.store.UpdateAgent(s.ctx, "agent-1", func(a *models.Agent) { a.Reputation = 90 })
	s.Require().NoError(err)

	again, err := s.endpoint.RegisterAgent(s.ctx, RegisterAgentRequest{AgentID: "agent-1", Name: "coder"})
	s.Require().NoError(err)
	s.Require().Equal(90, again.Reputation)

	// only the first registration is attested
	s.Require().Len(s.publisher.byType(models.EventAgentRegistered), 1)
}

func (s *EndpointSuite) TestLowestPriceWinsAssignment() {
	s.registerAgent("cheap", 40)
	s.registerAgent("pricey", 95)
	job := s.createJob(10000)
	s.placeBid(job.ID, "pricey", 8000)
	s.placeBid(job.ID, "cheap", 3000)

	assigned, winner, err := s.endpoint.AssignJob(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.AgentID("cheap"), winner.AgentID)
	s.Require().Equal(models.JobStateAssigned, assigned.State)
	s.Require().NotZero(assigned.AssignTime)
}

func (s *EndpointSuite) TestReputationBreaksPriceTies() {
	s.registerAgent("veteran", 90)
	s.registerAgent("rookie", 50)
	job := s.createJob(10000)
	s.placeBid(job.ID, "rookie", 5000)
	s.placeBid(job.ID, "veteran", 5000)

	_, winner, err := s.endpoint.AssignJob(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.AgentID("veteran"), winner.AgentID)
}

func (s *EndpointSuite) TestAssignWithoutBids() {
	job := s.createJob(10000)
	_, _, err := s.endpoint.AssignJob(s.ctx, job.ID)
	var noBids ErrNoBids
	s.Require().ErrorAs(err, &noBids)
}

func (s *EndpointSuite) TestBidOnAssignedJobRejected() {
	job := s.assignedJob(10000, "worker", 5000)
	s.registerAgent("late", models.DefaultReputation)
	_, err := s.endpoint.PlaceBid(s.ctx, PlaceBidRequest{JobID: job.ID, AgentID: "late", Price: 100})
	var notOpen ErrJobNotOpen
	s.Require().ErrorAs(err, &notOpen)
}

func (s *EndpointSuite) TestSubmitResultFromWrongAgent() {
	job := s.assignedJob(10000, "worker", 5000)
	s.registerAgent("impostor", models.DefaultReputation)
	_, err := s.endpoint.SubmitResult(s.ctx, SubmitResultRequest{JobID: job.ID, AgentID: "impostor", Artifact: "done"})
	var notAssigned ErrNotAssigned
	s.Require().ErrorAs(err, &notAssigned)

	// the job is untouched
	stored, err := s.store.GetJob(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.JobStateAssigned, stored.State)
}

func (s *EndpointSuite) TestOnTimeResultEarnsTimeBonus() {
	job := s.assignedJob(10000, "worker", 5000)

	completed, err := s.endpoint.SubmitResult(s.ctx, SubmitResultRequest{JobID: job.ID, AgentID: "worker", Artifact: "report"})
	s.Require().NoError(err)
	s.Require().Equal(models.JobStateCompleted, completed.State)
	s.Require().Equal("report", completed.ResultArtifact)

	agent, err := s.store.GetAgent(s.ctx, "worker")
	s.Require().NoError(err)
	s.Require().Equal(models.DefaultReputation+ReputationRewardBase+ReputationRewardOnTime, agent.Reputation)
	s.Require().Equal(1, agent.Completions)
	s.Require().Equal(1, agent.TimeBonuses)
}

func (s *EndpointSuite) TestLateResultSkipsTimeBonus() {
	job := s.assignedJob(10000, "worker", 5000)
	s.clock.Add(DefaultJobWindow + time.Minute)

	_, err := s.endpoint.SubmitResult(s.ctx, SubmitResultRequest{JobID: job.ID, AgentID: "worker", Artifact: "report"})
	s.Require().NoError(err)

	agent, err := s.store.GetAgent(s.ctx, "worker")
	s.Require().NoError(err)
	s.Require().Equal(models.DefaultReputation+ReputationRewardBase, agent.Reputation)
	s.Require().Zero(agent.TimeBonuses)
}

func (s *EndpointSuite) TestReputationClampedAtCeiling() {
	s.registerAgent("star", models.MaxReputation-2)
	job := s.createJob(10000)
	s.placeBid(job.ID, "star", 5000)
	_, _, err := s.endpoint.AssignJob(s.ctx, job.ID)
	s.Require().NoError(err)

	_, err = s.endpoint.SubmitResult(s.ctx, SubmitResultRequest{JobID: job.ID, AgentID: "star"})
	s.Require().NoError(err)

	agent, err := s.store.GetAgent(s.ctx, "star")
	s.Require().NoError(err)
	s.Require().Equal(models.MaxReputation, agent.Reputation)
}

func (s *EndpointSuite) TestSettlementPaysBidPriceNotBudget() {
	job := s.assignedJob(10000, "worker", 4200)
	_, err := s.endpoint.SubmitResult(s.ctx, SubmitResultRequest{JobID: job.ID, AgentID: "worker"})
	s.Require().NoError(err)

	transfer, err := s.endpoint.SettleJob(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Equal(int64(4200), transfer.Amount)
	s.Require().Equal(models.AgentID("worker"), transfer.ToAgentID)
	s.Require().NotEmpty(transfer.LedgerTxID)
	s.Require().NotEmpty(transfer.Invoice)
	s.Require().NotEmpty(transfer.Receipt)

	settled, err := s.store.GetJob(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.JobStateSettled, settled.State)
}

func (s *EndpointSuite) TestSettlementIdempotent() {
	job := s.assignedJob(10000, "worker", 4200)
	_, err := s.endpoint.SubmitResult(s.ctx, SubmitResultRequest{JobID: job.ID, AgentID: "worker"})
	s.Require().NoError(err)

	first, err := s.endpoint.SettleJob(s.ctx, job.ID)
	s.Require().NoError(err)
	second, err := s.endpoint.SettleJob(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Equal(first.ID, second.ID)

	transfers, err := s.store.GetTransfers(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(transfers, 1)
	s.Require().Len(s.publisher.byType(models.EventPaymentSettled), 1)
}

func (s *EndpointSuite) TestSettleBeforeCompletionRejected() {
	job := s.assignedJob(10000, "worker", 4200)
	_, err := s.endpoint.SettleJob(s.ctx, job.ID)
	var notCompleted ErrJobNotCompleted
	s.Require().ErrorAs(err, &notCompleted)
}

func (s *EndpointSuite) TestBetUpdatesPools() {
	job := s.assignedJob(10000, "worker", 5000)
	prediction, err := s.endpoint.CreatePrediction(s.ctx, CreatePredictionRequest{
		JobID:         job.ID,
		TargetAgentID: "worker",
		Question:      "will it finish",
	})
	s.Require().NoError(err)

	s.registerAgent("optimist", models.DefaultReputation)
	s.registerAgent("pessimist", models.DefaultReputation)
	_, err = s.endpoint.PlaceBet(s.ctx, PlaceBetRequest{PredictionID: prediction.ID, AgentID: "optimist", Position: "yes", Amount: 2000})
	s.Require().NoError(err)
	_, err = s.endpoint.PlaceBet(s.ctx, PlaceBetRequest{PredictionID: prediction.ID, AgentID: "pessimist", Position: "no", Amount: 500})
	s.Require().NoError(err)

	stored, err := s.store.GetPrediction(s.ctx, prediction.ID)
	s.Require().NoError(err)
	s.Require().Equal(int64(2000), stored.YesPool)
	s.Require().Equal(int64(500), stored.NoPool)

	// one bet per agent per market
	_, err = s.endpoint.PlaceBet(s.ctx, PlaceBetRequest{PredictionID: prediction.ID, AgentID: "optimist", Position: "no", Amount: 100})
	var dup marketstore.ErrBetExists
	s.Require().ErrorAs(err, &dup)

	_, err = s.endpoint.PlaceBet(s.ctx, PlaceBetRequest{PredictionID: prediction.ID, AgentID: "pessimist", Position: "maybe"})
	var badPosition ErrInvalidPosition
	s.Require().ErrorAs(err, &badPosition)
}

func (s *EndpointSuite) TestPredictionPayoutsProRata() {
	job := s.assignedJob(10000, "worker", 5000)
	prediction, err := s.endpoint.CreatePrediction(s.ctx, CreatePredictionRequest{JobID: job.ID, TargetAgentID: "worker"})
	s.Require().NoError(err)

	s.registerAgent("whale", models.DefaultReputation)
	s.registerAgent("minnow", models.DefaultReputation)
	s.registerAgent("doubter", models.DefaultReputation)
	_, err = s.endpoint.PlaceBet(s.ctx, PlaceBetRequest{PredictionID: prediction.ID, AgentID: "whale", Position: "yes", Amount: 3000})
	s.Require().NoError(err)
	_, err = s.endpoint.PlaceBet(s.ctx, PlaceBetRequest{PredictionID: prediction.ID, AgentID: "minnow", Position: "yes", Amount: 1000})
	s.Require().NoError(err)
	_, err = s.endpoint.PlaceBet(s.ctx, PlaceBetRequest{PredictionID: prediction.ID, AgentID: "doubter", Position: "no", Amount: 4000})
	s.Require().NoError(err)

	payouts, err := s.endpoint.SettlePrediction(s.ctx, prediction.ID, true)
	s.Require().NoError(err)
	s.Require().Len(payouts, 2)

	byAgent := map[models.AgentID]int64{}
	for _, payout := range payouts {
		byAgent[payout.AgentID] = payout.Amount
	}
	// total pool 8000 split 3:1 across the yes side
	s.Require().Equal(int64(6000), byAgent["whale"])
	s.Require().Equal(int64(2000), byAgent["minnow"])

	whale, err := s.store.GetAgent(s.ctx, "whale")
	s.Require().NoError(err)
	s.Require().Equal(models.DefaultReputation+ReputationRewardPrediction, whale.Reputation)
	doubter, err := s.store.GetAgent(s.ctx, "doubter")
	s.Require().NoError(err)
	s.Require().Equal(models.DefaultReputation, doubter.Reputation)

	// settling twice is rejected
	_, err = s.endpoint.SettlePrediction(s.ctx, prediction.ID, true)
	var closed ErrPredictionClosed
	s.Require().ErrorAs(err, &closed)
}

func (s *EndpointSuite) TestEmptyWinningPoolRefundsNothing() {
	job := s.assignedJob(10000, "worker", 5000)
	prediction, err := s.endpoint.CreatePrediction(s.ctx, CreatePredictionRequest{JobID: job.ID, TargetAgentID: "worker"})
	s.Require().NoError(err)

	s.registerAgent("doubter", models.DefaultReputation)
	_, err = s.endpoint.PlaceBet(s.ctx, PlaceBetRequest{PredictionID: prediction.ID, AgentID: "doubter", Position: "no", Amount: 4000})
	s.Require().NoError(err)

	payouts, err := s.endpoint.SettlePrediction(s.ctx, prediction.ID, true)
	s.Require().NoError(err)
	s.Require().Empty(payouts)
}

func (s *EndpointSuite) TestForumLifecycle() {
	s.registerAgent("poster", models.DefaultReputation)
	s.registerAgent("voter", models.DefaultReputation)

	post, err := s.endpoint.CreatePost(s.ctx, CreatePostRequest{AgentID: "poster", Title: "fees", Body: "too high"})
	s.Require().NoError(err)
	s.Require().Equal("general", post.Tag)

	_, err = s.endpoint.CreateReply(s.ctx, CreateReplyRequest{PostID: post.ID, AgentID: "voter", Body: "agreed"})
	s.Require().NoError(err)

	score, err := s.endpoint.UpvotePost(s.ctx, post.ID, "voter")
	s.Require().NoError(err)
	s.Require().Equal(1, score)

	_, err = s.endpoint.UpvotePost(s.ctx, post.ID, "voter")
	var dup marketstore.ErrUpvoteExists
	s.Require().ErrorAs(err, &dup)

	stored, err := s.store.GetForumPost(s.ctx, post.ID)
	s.Require().NoError(err)
	s.Require().Equal(1, stored.ReplyCount)
	s.Require().Equal(1, stored.Upvotes)

	// posting requires a registered agent
	_, err = s.endpoint.CreatePost(s.ctx, CreatePostRequest{AgentID: "ghost", Title: "hi", Body: "there"})
	var missing marketstore.ErrAgentNotFound
	s.Require().ErrorAs(err, &missing)
}
