//go:build unit || !integration

package boltdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/agentguild/guild/pkg/marketstore"
	"github.com/agentguild/guild/pkg/models"
)

type BoltStoreSuite struct {
	suite.Suite
	store  *BoltStore
	dbPath string
	ctx    context.Context
}

func TestBoltStoreSuite(t *testing.T) {
	suite.Run(t, new(BoltStoreSuite))
}

func (s *BoltStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.dbPath = filepath.Join(s.T().TempDir(), "guild.db")
	store, err := NewBoltStore(s.dbPath)
	s.Require().NoError(err)
	s.store = store
}

func (s *BoltStoreSuite) TearDownTest() {
	s.Require().NoError(s.store.Close(s.ctx))
}

func (s *BoltStoreSuite) reopen() {
	s.Require().NoError(s.store.Close(s.ctx))
	store, err := NewBoltStore(s.dbPath)
	s.Require().NoError(err)
	s.store = store
}

func (s *BoltStoreSuite) TestAgentSurvivesReopen() {
	agent := models.Agent{ID: "agent-1", Name: "coder", Skills: []string{"go"}}
	created, err := s.store.UpsertAgent(s.ctx, agent)
	s.Require().NoError(err)
	s.Require().True(created)

	s.reopen()

	stored, err := s.store.GetAgent(s.ctx, "agent-1")
	s.Require().NoError(err)
	s.Require().Equal(models.DefaultReputation, stored.Reputation)
	s.Require().Equal([]string{"go"}, stored.Skills)
}

func (s *BoltStoreSuite) TestUpsertPreservesEarnedReputation() {
	_, err := s.store.UpsertAgent(s.ctx, models.Agent{ID: "agent-1"})
	s.Require().NoError(err)
	_, err = s.store.UpdateAgent(s.ctx, "agent-1", func(a *models.Agent) {
		a.Reputation += 25
		a.Completions++
	})
	s.Require().NoError(err)

	created, err := s.store.UpsertAgent(s.ctx, models.Agent{ID: "agent-1", Name: "renamed"})
	s.Require().NoError(err)
	s.Require().False(created)

	stored, err := s.store.GetAgent(s.ctx, "agent-1")
	s.Require().NoError(err)
	s.Require().Equal(models.DefaultReputation+25, stored.Reputation)
	s.Require().Equal(1, stored.Completions)
	s.Require().Equal("renamed", stored.Name)
}

func (s *BoltStoreSuite) TestJobStateTransition() {
	job := models.Job{ID: models.NewJobID(), CreatorID: models.SystemAgentID, Budget: 500}
	s.Require().NoError(s.store.CreateJob(s.ctx, job))

	updated, err := s.store.UpdateJobState(s.ctx, marketstore.UpdateJobStateRequest{
		JobID:     job.ID,
		Condition: marketstore.UpdateJobCondition{ExpectedState: models.JobStateOpen},
		NewState:  models.JobStateAssigned,
		Mutate: func(j *models.Job) {
			j.AssignedAgentID = "agent-1"
		},
	})
	s.Require().NoError(err)
	s.Require().Equal(models.JobStateAssigned, updated.State)
	s.Require().Equal(models.AgentID("agent-1"), updated.AssignedAgentID)
	s.Require().Equal(2, updated.Revision)

	// stale expected state is rejected
	_, err = s.store.UpdateJobState(s.ctx, marketstore.UpdateJobStateRequest{
		JobID:     job.ID,
		Condition: marketstore.UpdateJobCondition{ExpectedState: models.JobStateOpen},
		NewState:  models.JobStateCompleted,
	})
	s.Require().Error(err)
	var stateErr marketstore.ErrInvalidJobState
	s.Require().ErrorAs(err, &stateErr)
}

func (s *BoltStoreSuite) TestDuplicateBidRejected() {
	job := models.Job{ID: models.NewJobID(), CreatorID: models.SystemAgentID, Budget: 500}
	s.Require().NoError(s.store.CreateJob(s.ctx, job))

	bid := models.Bid{ID: models.NewBidID(), JobID: job.ID, AgentID: "agent-1", Price: 100}
	s.Require().NoError(s.store.CreateBid(s.ctx, bid))

	dup := models.Bid{ID: models.NewBidID(), JobID: job.ID, AgentID: "agent-1", Price: 90}
	err := s.store.CreateBid(s.ctx, dup)
	var bidErr marketstore.ErrBidExists
	s.Require().ErrorAs(err, &bidErr)
}

func (s *BoltStoreSuite) TestBidsSortedByPrice() {
	job := models.Job{ID: models.NewJobID(), CreatorID: models.SystemAgentID, Budget: 500}
	s.Require().NoError(s.store.CreateJob(s.ctx, job))

	for i, price := range []int64{300, 100, 200} {
		bid := models.Bid{
			ID:      models.NewBidID(),
			JobID:   job.ID,
			AgentID: models.AgentID(string(rune('a' + i))),
			Price:   price,
		}
		s.Require().NoError(s.store.CreateBid(s.ctx, bid))
	}

	bids, err := s.store.GetBidsForJob(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Len(bids, 3)
	s.Require().Equal(int64(100), bids[0].Price)
	s.Require().Equal(int64(200), bids[1].Price)
	s.Require().Equal(int64(300), bids[2].Price)
}

func (s *BoltStoreSuite) TestOnePredictionPerJob() {
	job := models.Job{ID: models.NewJobID(), CreatorID: models.SystemAgentID, Budget: 500}
	s.Require().NoError(s.store.CreateJob(s.ctx, job))

	first := models.Prediction{ID: models.NewPredictionID(), JobID: job.ID, Question: "done by friday"}
	s.Require().NoError(s.store.CreatePrediction(s.ctx, first))

	second := models.Prediction{ID: models.NewPredictionID(), JobID: job.ID, Question: "done at all"}
	err := s.store.CreatePrediction(s.ctx, second)
	var predErr marketstore.ErrPredictionExists
	s.Require().ErrorAs(err, &predErr)

	stored, err := s.store.GetPredictionForJob(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Equal(first.ID, stored.ID)
}

func (s *BoltStoreSuite) TestTransferUniquePerJob() {
	jobID := models.NewJobID()
	transfer := models.Transfer{ID: models.NewTransferID(), JobID: jobID, Amount: 100}
	s.Require().NoError(s.store.CreateTransfer(s.ctx, transfer))

	err := s.store.CreateTransfer(s.ctx, models.Transfer{ID: models.NewTransferID(), JobID: jobID, Amount: 100})
	var transferErr marketstore.ErrTransferExists
	s.Require().ErrorAs(err, &transferErr)
}

func (s *BoltStoreSuite) TestUpvoteOncePerAgent() {
	post := models.ForumPost{ID: models.NewPostID(), AgentID: "agent-1", Title: "rates", Body: "too low"}
	s.Require().NoError(s.store.CreateForumPost(s.ctx, post))

	score, err := s.store.RecordUpvote(s.ctx, post.ID, "agent-2")
	s.Require().NoError(err)
	s.Require().Equal(1, score)

	_, err = s.store.RecordUpvote(s.ctx, post.ID, "agent-2")
	var upvoteErr marketstore.ErrUpvoteExists
	s.Require().ErrorAs(err, &upvoteErr)
}

func (s *BoltStoreSuite) TestEventLogOrderedAndPersistent() {
	jobID := models.NewJobID()
	for _, t := range []models.EventType{models.EventJobCreated, models.EventJobAssigned, models.EventJobCompleted} {
		err := s.store.AppendEvent(s.ctx, models.EventRecord{Type: t, JobID: jobID, TxRef: "tx"})
		s.Require().NoError(err)
	}

	s.reopen()

	events, err := s.store.GetEvents(s.ctx, marketstore.EventQuery{JobID: jobID})
	s.Require().NoError(err)
	s.Require().Len(events, 3)
	// newest first
	s.Require().Equal(models.EventJobCompleted, events[0].Type)
	s.Require().Equal(models.EventJobCreated, events[2].Type)
}

func (s *BoltStoreSuite) TestConfigRoundTrip() {
	_, err := s.store.GetConfigValue(s.ctx, "ledger.token")
	var cfgErr marketstore.ErrConfigNotFound
	s.Require().ErrorAs(err, &cfgErr)

	s.Require().NoError(s.store.SetConfigValue(s.ctx, "ledger.token", "0.0.1234"))
	value, err := s.store.GetConfigValue(s.ctx, "ledger.token")
	s.Require().NoError(err)
	s.Require().Equal("0.0.1234", value)
}
