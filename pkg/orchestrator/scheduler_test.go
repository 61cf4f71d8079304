//go:build unit || !integration

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"

	"github.com/agentguild/guild/pkg/ledger"
	"github.com/agentguild/guild/pkg/marketstore"
	"github.com/agentguild/guild/pkg/marketstore/inmemory"
	"github.com/agentguild/guild/pkg/models"
)

type SchedulerSuite struct {
	suite.Suite
	ctx       context.Context
	clock     *clock.Mock
	store     marketstore.Store
	publisher *capturingPublisher
	endpoint  *Endpoint
	scheduler *Scheduler
}

func TestSchedulerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerSuite))
}

func (s *SchedulerSuite) SetupTest() {
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
	s.scheduler = NewScheduler(SchedulerParams{
		Store:    s.store,
		Endpoint: s.endpoint,
		Clock:    s.clock,
	})
}

func (s *SchedulerSuite) openJobs() []models.Job {
	jobs, err := s.store.GetJobs(s.ctx, marketstore.JobQueryForState(models.JobStateOpen))
	s.Require().NoError(err)
	return jobs
}

func (s *SchedulerSuite) TestReplenishesWhenBoardRunsDry() {
	s.Require().Empty(s.openJobs())

	s.scheduler.tick(s.ctx)
	first := len(s.openJobs())
	s.Require().GreaterOrEqual(first, JobBatchSize)

	// above the low-water mark nothing new is created
	for len(s.openJobs()) < OpenJobsLowWater {
		s.scheduler.tick(s.ctx)
	}
	settled := len(s.openJobs())
	s.scheduler.tick(s.ctx)
	s.Require().Equal(settled, len(s.openJobs()))
}

func (s *SchedulerSuite) TestDrivesJobThroughFullLifecycle() {
	agent, err := s.endpoint.RegisterAgent(s.ctx, RegisterAgentRequest{AgentID: "worker", Name: "worker"})
	s.Require().NoError(err)

	job, err := s.endpoint.CreateJob(s.ctx, CreateJobRequest{Title: "memo", Budget: 10000, CreatorID: models.SystemAgentID})
	s.Require().NoError(err)
	_, err = s.endpoint.PlaceBid(s.ctx, PlaceBidRequest{JobID: job.ID, AgentID: agent.ID, Price: 4000})
	s.Require().NoError(err)

	// bid in place: the tick assigns and opens a market
	s.scheduler.tick(s.ctx)
	assigned, err := s.store.GetJob(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.JobStateAssigned, assigned.State)
	s.Require().Equal(agent.ID, assigned.AssignedAgentID)

	prediction, err := s.store.GetPredictionForJob(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Equal(agent.ID, prediction.TargetAgentID)

	// result submitted: the next tick settles both job and market
	_, err = s.endpoint.SubmitResult(s.ctx, SubmitResultRequest{JobID: job.ID, AgentID: agent.ID, Artifact: "memo text"})
	s.Require().NoError(err)
	s.scheduler.tick(s.ctx)

	settled, err := s.store.GetJob(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.JobStateSettled, settled.State)

	transfer, err := s.store.GetTransferForJob(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Equal(int64(4000), transfer.Amount)

	market, err := s.store.GetPrediction(s.ctx, prediction.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.PredictionStateSettled, market.State)
	s.Require().True(market.Outcome)
}

func (s *SchedulerSuite) TestWatchdogReclaimsStaleAssignment() {
	agent, err := s.endpoint.RegisterAgent(s.ctx, RegisterAgentRequest{AgentID: "worker"})
	s.Require().NoError(err)
	job, err := s.endpoint.CreateJob(s.ctx, CreateJobRequest{Title: "memo", Budget: 10000, CreatorID: models.SystemAgentID})
	s.Require().NoError(err)
	_, err = s.endpoint.PlaceBid(s.ctx, PlaceBidRequest{JobID: job.ID, AgentID: agent.ID, Price: 4000})
	s.Require().NoError(err)
	_, _, err = s.endpoint.AssignJob(s.ctx, job.ID)
	s.Require().NoError(err)

	// just under the staleness window the assignment stands
	s.clock.Add(StaleAssignmentWindow - time.Second)
	s.Require().NoError(s.scheduler.reclaimStaleJobs(s.ctx))
	assigned, err := s.store.GetJob(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.JobStateAssigned, assigned.State)

	s.clock.Add(2 * time.Second)
	s.Require().NoError(s.scheduler.reclaimStaleJobs(s.ctx))
	reopened, err := s.store.GetJob(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.JobStateOpen, reopened.State)
	s.Require().Empty(reopened.AssignedAgentID)
}

func (s *SchedulerSuite) TestFailedJobSettlesMarketNo() {
	agent, err := s.endpoint.RegisterAgent(s.ctx, RegisterAgentRequest{AgentID: "worker"})
	s.Require().NoError(err)
	job, err := s.endpoint.CreateJob(s.ctx, CreateJobRequest{Title: "memo", Budget: 10000, CreatorID: models.SystemAgentID})
	s.Require().NoError(err)
	_, err = s.endpoint.PlaceBid(s.ctx, PlaceBidRequest{JobID: job.ID, AgentID: agent.ID, Price: 4000})
	s.Require().NoError(err)
	_, _, err = s.endpoint.AssignJob(s.ctx, job.ID)
	s.Require().NoError(err)

	prediction, err := s.endpoint.CreatePrediction(s.ctx, CreatePredictionRequest{JobID: job.ID, TargetAgentID: agent.ID})
	s.Require().NoError(err)

	_, err = s.store.UpdateJobState(s.ctx, marketstore.UpdateJobStateRequest{
		JobID:     job.ID,
		Condition: marketstore.UpdateJobCondition{ExpectedState: models.JobStateAssigned},
		NewState:  models.JobStateFailed,
	})
	s.Require().NoError(err)

	s.Require().NoError(s.scheduler.settlePredictions(s.ctx))
	market, err := s.store.GetPrediction(s.ctx, prediction.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.PredictionStateSettled, market.State)
	s.Require().False(market.Outcome)
}

func (s *SchedulerSuite) TestStartStopIdempotent() {
	s.scheduler.Start(s.ctx)
	s.scheduler.Start(s.ctx)
	s.scheduler.Stop()
	s.scheduler.Stop()
}
