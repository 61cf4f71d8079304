package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"golang.org/x/exp/maps"

	"github.com/agentguild/guild/pkg/marketstore"
	"github.com/agentguild/guild/pkg/models"
)

type upvoteKey struct {
	PostID  models.PostID
	AgentID models.AgentID
}

// InMemoryStore holds the whole projection in typed maps behind a
// single RWMutex. Write methods hold the write lock for the full
// read-modify-write, which is the per-row serialization the
// orchestrator relies on.
type InMemoryStore struct {
	agents      map[models.AgentID]models.Agent
	jobs        map[models.JobID]models.Job
	bids        map[models.BidID]models.Bid
	jobBids     map[models.JobID][]models.BidID
	predictions map[models.PredictionID]models.Prediction
	// jobPrediction enforces the one-market-per-job invariant.
	jobPrediction  map[models.JobID]models.PredictionID
	bets           map[models.BetID]models.Bet
	predictionBets map[models.PredictionID][]models.BetID
	transfers      map[models.JobID]models.Transfer
	posts          map[models.PostID]models.ForumPost
	replies        map[models.PostID][]models.ForumReply
	upvotes        map[upvoteKey]struct{}
	events         []models.EventRecord
	nextEventID    uint64
	config         map[string]string

	mtx   sync.RWMutex
	clock clock.Clock
}

type Option func(store *InMemoryStore)

func WithClock(clock clock.Clock) Option {
	return func(store *InMemoryStore) {
		store.clock = clock
	}
}

func NewInMemoryStore(options ...Option) *InMemoryStore {
	res := &InMemoryStore{
		agents:         make(map[models.AgentID]models.Agent),
		jobs:           make(map[models.JobID]models.Job),
		bids:           make(map[models.BidID]models.Bid),
		jobBids:        make(map[models.JobID][]models.BidID),
		predictions:    make(map[models.PredictionID]models.Prediction),
		jobPrediction:  make(map[models.JobID]models.PredictionID),
		bets:           make(map[models.BetID]models.Bet),
		predictionBets: make(map[models.PredictionID][]models.BetID),
		transfers:      make(map[models.JobID]models.Transfer),
		posts:          make(map[models.PostID]models.ForumPost),
		replies:        make(map[models.PostID][]models.ForumReply),
		upvotes:        make(map[upvoteKey]struct{}),
		config:         make(map[string]string),
		nextEventID:    1,
		clock:          clock.New(),
	}
	for _, opt := range options {
		opt(res)
	}
	return res
}

func (d *InMemoryStore) UpsertAgent(_ context.Context, agent models.Agent) (bool, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	now := d.clock.Now().UTC().UnixNano()
	existing, ok := d.agents[agent.ID]
	if ok {
		// Re-registration refreshes liveness and skills but keeps the
		// earned counters and reputation.
		existing.Status = models.AgentStatusActive
		existing.LastHeartbeat = now
		if agent.Skills != nil {
			existing.Skills = agent.Skills
		}
		if agent.Name != "" {
			existing.Name = agent.Name
		}
		d.agents[agent.ID] = existing
		return false, nil
	}

	if agent.Reputation == 0 {
		agent.Reputation = models.DefaultReputation
	}
	agent.Status = models.AgentStatusActive
	agent.LastHeartbeat = now
	agent.CreateTime = now
	agent.Normalize()
	d.agents[agent.ID] = agent
	return true, nil
}

func (d *InMemoryStore) GetAgent(_ context.Context, id models.AgentID) (models.Agent, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	agent, ok := d.agents[id]
	if !ok {
		return models.Agent{}, marketstore.NewErrAgentNotFound(id)
	}
	return agent, nil
}

func (d *InMemoryStore) GetAgents(_ context.Context) ([]models.Agent, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	result := maps.Values(d.agents)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Reputation > result[j].Reputation
	})
	return result, nil
}

func (d *InMemoryStore) TouchAgent(_ context.Context, id models.AgentID) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	agent, ok := d.agents[id]
	if !ok {
		return marketstore.NewErrAgentNotFound(id)
	}
	agent.LastHeartbeat = d.clock.Now().UTC().UnixNano()
	agent.Status = models.AgentStatusActive
	d.agents[id] = agent
	return nil
}

func (d *InMemoryStore) UpdateAgent(_ context.Context, id models.AgentID, fn func(*models.Agent)) (models.Agent, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	agent, ok := d.agents[id]
	if !ok {
		return models.Agent{}, marketstore.NewErrAgentNotFound(id)
	}
	fn(&agent)
	agent.Reputation = models.ClampReputation(agent.Reputation)
	d.agents[id] = agent
	return agent, nil
}

func (d *InMemoryStore) CreateJob(_ context.Context, job models.Job) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if _, ok := d.jobs[job.ID]; ok {
		return marketstore.NewErrJobAlreadyExists(job.ID)
	}
	job.State = models.JobStateOpen
	job.Revision = 1
	job.CreateTime = d.clock.Now().UTC().UnixNano()
	job.Normalize()
	d.jobs[job.ID] = job
	d.jobBids[job.ID] = []models.BidID{}
	return nil
}

func (d *InMemoryStore) GetJob(_ context.Context, id models.JobID) (models.Job, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	job, ok := d.jobs[id]
	if !ok {
		return models.Job{}, marketstore.NewErrJobNotFound(id)
	}
	return job, nil
}

func (d *InMemoryStore) GetJobs(_ context.Context, query marketstore.JobQuery) ([]models.Job, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	var result []models.Job
	for _, j := range d.jobs {
		if query.HasState && j.State != query.State {
			continue
		}
		result = append(result, j)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreateTime > result[j].CreateTime
	})
	if query.Limit > 0 && len(result) > query.Limit {
		result = result[:query.Limit]
	}
	return result, nil
}

func (d *InMemoryStore) UpdateJobState(_ context.Context, request marketstore.UpdateJobStateRequest) (models.Job, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	job, ok := d.jobs[request.JobID]
	if !ok {
		return models.Job{}, marketstore.NewErrJobNotFound(request.JobID)
	}
	if err := request.Condition.Validate(job); err != nil {
		return models.Job{}, err
	}
	if job.IsTerminal() {
		return models.Job{}, marketstore.NewErrJobAlreadyTerminal(job.ID, job.State, request.NewState)
	}

	job.State = request.NewState
	if request.Mutate != nil {
		request.Mutate(&job)
	}
	job.Revision++
	d.jobs[request.JobID] = job
	return job, nil
}

func (d *InMemoryStore) CreateBid(_ context.Context, bid models.Bid) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if _, ok := d.jobs[bid.JobID]; !ok {
		return marketstore.NewErrJobNotFound(bid.JobID)
	}
	for _, id := range d.jobBids[bid.JobID] {
		if d.bids[id].AgentID == bid.AgentID {
			return marketstore.NewErrBidExists(bid.JobID, bid.AgentID)
		}
	}
	bid.CreateTime = d.clock.Now().UTC().UnixNano()
	bid.Normalize()
	d.bids[bid.ID] = bid
	d.jobBids[bid.JobID] = append(d.jobBids[bid.JobID], bid.ID)
	return nil
}

func (d *InMemoryStore) GetBidsForJob(_ context.Context, jobID models.JobID) ([]models.Bid, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	ids, ok := d.jobBids[jobID]
	if !ok {
		return nil, marketstore.NewErrJobNotFound(jobID)
	}
	result := make([]models.Bid, 0, len(ids))
	for _, id := range ids {
		result = append(result, d.bids[id])
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Price < result[j].Price
	})
	return result, nil
}

func (d *InMemoryStore) GetBid(_ context.Context, jobID models.JobID, agentID models.AgentID) (models.Bid, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	for _, id := range d.jobBids[jobID] {
		if d.bids[id].AgentID == agentID {
			return d.bids[id], nil
		}
	}
	return models.Bid{}, marketstore.NewErrBidNotFound(jobID, agentID)
}

func (d *InMemoryStore) CreatePrediction(_ context.Context, prediction models.Prediction) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if _, ok := d.jobPrediction[prediction.JobID]; ok {
		return marketstore.NewErrPredictionExists(prediction.JobID)
	}
	prediction.State = models.PredictionStateOpen
	prediction.CreateTime = d.clock.Now().UTC().UnixNano()
	d.predictions[prediction.ID] = prediction
	d.jobPrediction[prediction.JobID] = prediction.ID
	d.predictionBets[prediction.ID] = []models.BetID{}
	return nil
}

func (d *InMemoryStore) GetPrediction(_ context.Context, id models.PredictionID) (models.Prediction, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	prediction, ok := d.predictions[id]
	if !ok {
		return models.Prediction{}, marketstore.NewErrPredictionNotFound(id)
	}
	return prediction, nil
}

func (d *InMemoryStore) GetPredictionForJob(_ context.Context, jobID models.JobID) (models.Prediction, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	id, ok := d.jobPrediction[jobID]
	if !ok {
		return models.Prediction{}, marketstore.NewErrPredictionNotFound("")
	}
	return d.predictions[id], nil
}

func (d *InMemoryStore) GetOpenPredictions(_ context.Context) ([]models.Prediction, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	var result []models.Prediction
	for _, p := range d.predictions {
		if p.State == models.PredictionStateOpen {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreateTime > result[j].CreateTime
	})
	return result, nil
}

func (d *InMemoryStore) UpdatePrediction(_ context.Context, id models.PredictionID, fn func(*models.Prediction)) (models.Prediction, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	prediction, ok := d.predictions[id]
	if !ok {
		return models.Prediction{}, marketstore.NewErrPredictionNotFound(id)
	}
	fn(&prediction)
	d.predictions[id] = prediction
	return prediction, nil
}

func (d *InMemoryStore) CreateBet(_ context.Context, bet models.Bet) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if _, ok := d.predictions[bet.PredictionID]; !ok {
		return marketstore.NewErrPredictionNotFound(bet.PredictionID)
	}
	for _, id := range d.predictionBets[bet.PredictionID] {
		if d.bets[id].AgentID == bet.AgentID {
			return marketstore.NewErrBetExists(bet.PredictionID, bet.AgentID)
		}
	}
	bet.CreateTime = d.clock.Now().UTC().UnixNano()
	d.bets[bet.ID] = bet
	d.predictionBets[bet.PredictionID] = append(d.predictionBets[bet.PredictionID], bet.ID)
	return nil
}

func (d *InMemoryStore) GetBetsForPrediction(_ context.Context, id models.PredictionID) ([]models.Bet, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	ids, ok := d.predictionBets[id]
	if !ok {
		return nil, marketstore.NewErrPredictionNotFound(id)
	}
	result := make([]models.Bet, 0, len(ids))
	for _, betID := range ids {
		result = append(result, d.bets[betID])
	}
	return result, nil
}

func (d *InMemoryStore) CreateTransfer(_ context.Context, transfer models.Transfer) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if _, ok := d.transfers[transfer.JobID]; ok {
		return marketstore.NewErrTransferExists(transfer.JobID)
	}
	transfer.CreateTime = d.clock.Now().UTC().UnixNano()
	d.transfers[transfer.JobID] = transfer
	return nil
}

func (d *InMemoryStore) GetTransferForJob(_ context.Context, jobID models.JobID) (models.Transfer, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	transfer, ok := d.transfers[jobID]
	if !ok {
		return models.Transfer{}, marketstore.NewErrTransferNotFound(jobID)
	}
	return transfer, nil
}

func (d *InMemoryStore) GetTransfers(_ context.Context) ([]models.Transfer, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	result := maps.Values(d.transfers)
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreateTime > result[j].CreateTime
	})
	return result, nil
}

func (d *InMemoryStore) CreateForumPost(_ context.Context, post models.ForumPost) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	post.CreateTime = d.clock.Now().UTC().UnixNano()
	post.Normalize()
	d.posts[post.ID] = post
	d.replies[post.ID] = []models.ForumReply{}
	return nil
}

func (d *InMemoryStore) GetForumPost(_ context.Context, id models.PostID) (models.ForumPost, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	post, ok := d.posts[id]
	if !ok {
		return models.ForumPost{}, marketstore.NewErrPostNotFound(id)
	}
	return post, nil
}

func (d *InMemoryStore) GetForumPosts(_ context.Context, tag string) ([]models.ForumPost, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	var result []models.ForumPost
	for _, p := range d.posts {
		if tag != "" && p.Tag != tag {
			continue
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreateTime > result[j].CreateTime
	})
	return result, nil
}

func (d *InMemoryStore) CreateForumReply(_ context.Context, reply models.ForumReply) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	post, ok := d.posts[reply.PostID]
	if !ok {
		return marketstore.NewErrPostNotFound(reply.PostID)
	}
	reply.CreateTime = d.clock.Now().UTC().UnixNano()
	d.replies[reply.PostID] = append(d.replies[reply.PostID], reply)
	post.ReplyCount++
	d.posts[reply.PostID] = post
	return nil
}

func (d *InMemoryStore) GetForumReplies(_ context.Context, postID models.PostID) ([]models.ForumReply, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	replies, ok := d.replies[postID]
	if !ok {
		return nil, marketstore.NewErrPostNotFound(postID)
	}
	result := make([]models.ForumReply, len(replies))
	copy(result, replies)
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreateTime < result[j].CreateTime
	})
	return result, nil
}

func (d *InMemoryStore) RecordUpvote(_ context.Context, postID models.PostID, agentID models.AgentID) (int, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	post, ok := d.posts[postID]
	if !ok {
		return 0, marketstore.NewErrPostNotFound(postID)
	}
	key := upvoteKey{PostID: postID, AgentID: agentID}
	if _, ok := d.upvotes[key]; ok {
		return 0, marketstore.NewErrUpvoteExists(postID, agentID)
	}
	d.upvotes[key] = struct{}{}
	post.Upvotes++
	d.posts[postID] = post
	return post.Upvotes, nil
}

func (d *InMemoryStore) AppendEvent(_ context.Context, record models.EventRecord) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	record.ID = d.nextEventID
	d.nextEventID++
	if record.CreatedAt == 0 {
		record.CreatedAt = d.clock.Now().UTC().UnixNano()
	}
	d.events = append(d.events, record)
	return nil
}

func (d *InMemoryStore) GetEvents(_ context.Context, query marketstore.EventQuery) ([]models.EventRecord, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	var result []models.EventRecord
	// newest first
	for i := len(d.events) - 1; i >= 0; i-- {
		e := d.events[i]
		if query.JobID != "" && e.JobID != query.JobID {
			continue
		}
		if query.AgentID != "" && e.AgentID != query.AgentID {
			continue
		}
		result = append(result, e)
		if query.Limit > 0 && len(result) == query.Limit {
			break
		}
	}
	return result, nil
}

func (d *InMemoryStore) GetConfigValue(_ context.Context, key string) (string, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	value, ok := d.config[key]
	if !ok {
		return "", marketstore.NewErrConfigNotFound(key)
	}
	return value, nil
}

func (d *InMemoryStore) SetConfigValue(_ context.Context, key, value string) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.config[key] = value
	return nil
}

func (d *InMemoryStore) Close(_ context.Context) error {
	return nil
}

// compile-time interface check
var _ marketstore.Store = (*InMemoryStore)(nil)
