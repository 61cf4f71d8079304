// Package replay rebuilds a complete marketplace view purely from the
// attestation history on the ledger: no local store involved. The
// projection is the proof that every state transition left a durable
// trace.
package replay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/agentguild/guild/pkg/ledger"
	"github.com/agentguild/guild/pkg/models"
)

const (
	// DefaultLookback bounds how far back the reconstruction reads.
	DefaultLookback = uint64(10000)
	// DefaultCacheTTL bounds how stale a served projection may be.
	DefaultCacheTTL = 8 * time.Second
)

// Projection is a full marketplace view derived from ledger events
// alone. Slices are pre-sorted for display: agents by reputation
// descending, jobs and posts newest first, bids by price ascending.
type Projection struct {
	Agents      []models.Agent
	Jobs        []models.Job
	Bids        []models.Bid
	Predictions []models.Prediction
	Bets        []models.Bet
	Transfers   []models.Transfer
	Posts       []models.ForumPost

	// Events is the raw window, newest block first.
	Events []models.Envelope

	Metrics   Metrics
	FromBlock uint64
	ToBlock   uint64
	BuiltAt   int64
}

// Metrics are the headline counts derived from a projection.
type Metrics struct {
	Agents      int
	Jobs        int
	OpenJobs    int
	Bids        int
	Completions int
	Transfers   int
	Predictions int
	ForumPosts  int
	Events      int
	Skipped     int
}

type ReconstructorParams struct {
	Client   ledger.Client
	Lookback uint64
	CacheTTL time.Duration
	Clock    clock.Clock
}

// Reconstructor reads the ledger's recent window and folds it into a
// Projection. Results are cached briefly so dashboard polling does not
// hammer the ledger.
type Reconstructor struct {
	client   ledger.Client
	lookback uint64
	ttl      time.Duration
	clock    clock.Clock

	mu       sync.Mutex
	cached   *Projection
	cachedAt time.Time
}

func NewReconstructor(params ReconstructorParams) *Reconstructor {
	reconstructor := &Reconstructor{
		client:   params.Client,
		lookback: params.Lookback,
		ttl:      params.CacheTTL,
		clock:    params.Clock,
	}
	if reconstructor.lookback == 0 {
		reconstructor.lookback = DefaultLookback
	}
	if reconstructor.ttl <= 0 {
		reconstructor.ttl = DefaultCacheTTL
	}
	if reconstructor.clock == nil {
		reconstructor.clock = clock.New()
	}
	return reconstructor
}

// Reconstruct returns the current projection, rebuilding it when the
// cached one has expired. A ledger read failure never yields a partial
// projection; the error propagates instead.
func (r *Reconstructor) Reconstruct(ctx context.Context) (*Projection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil && r.clock.Now().Sub(r.cachedAt) < r.ttl {
		return r.cached, nil
	}

	latest, err := r.client.LatestBlock(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading ledger height")
	}
	from := uint64(0)
	if latest > r.lookback {
		from = latest - r.lookback
	}

	envelopes, err := r.client.QueryEvents(ctx, from, latest)
	if err != nil {
		return nil, errors.Wrap(err, "querying ledger events")
	}

	projection := r.build(ctx, envelopes)
	projection.FromBlock = from
	projection.ToBlock = latest
	projection.BuiltAt = r.clock.Now().UTC().UnixNano()

	r.cached = projection
	r.cachedAt = r.clock.Now()
	log.Ctx(ctx).Debug().
		Uint64("FromBlock", from).
		Uint64("ToBlock", latest).
		Int("Events", len(envelopes)).
		Int("Skipped", projection.Metrics.Skipped).
		Msg("rebuilt projection from ledger")
	return projection, nil
}

// Invalidate drops the cached projection so the next read hits the
// ledger.
func (r *Reconstructor) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = nil
}

type decoded struct {
	envelope models.Envelope
	event    models.Event
}

func (r *Reconstructor) build(ctx context.Context, envelopes []models.Envelope) *Projection {
	buckets := make(map[models.EventType][]decoded)
	skipped := 0
	for _, envelope := range envelopes {
		event, err := envelope.Decode()
		if err != nil {
			// unknown kinds are expected across versions, malformed
			// payloads are not worth failing the whole view over
			skipped++
			log.Ctx(ctx).Debug().Err(err).Str("Type", string(envelope.Type)).Msg("skipping undecodable event")
			continue
		}
		buckets[envelope.Type] = append(buckets[envelope.Type], decoded{envelope: envelope, event: event})
	}

	projection := &Projection{}
	r.buildAgents(projection, buckets)
	r.buildJobs(projection, buckets)
	r.buildBids(projection, buckets)
	r.buildPredictions(projection, buckets)
	r.buildForum(projection, buckets)
	r.buildTransfers(projection, buckets)

	// raw window, newest block first
	projection.Events = make([]models.Envelope, len(envelopes))
	copy(projection.Events, envelopes)
	sort.SliceStable(projection.Events, func(i, j int) bool {
		return projection.Events[i].BlockNumber > projection.Events[j].BlockNumber
	})

	openJobs := 0
	for _, job := range projection.Jobs {
		if job.State == models.JobStateOpen {
			openJobs++
		}
	}
	projection.Metrics = Metrics{
		Agents:      len(projection.Agents),
		Jobs:        len(projection.Jobs),
		OpenJobs:    openJobs,
		Bids:        len(projection.Bids),
		Completions: len(buckets[models.EventJobCompleted]),
		Transfers:   len(projection.Transfers),
		Predictions: len(projection.Predictions),
		ForumPosts:  len(projection.Posts),
		Events:      len(projection.Events),
		Skipped:     skipped,
	}
	return projection
}

// byTimestamp orders a bucket chronologically so overwrite-style
// reducers converge on the latest value.
func byTimestamp(bucket []decoded) []decoded {
	ordered := make([]decoded, len(bucket))
	copy(ordered, bucket)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].envelope.Timestamp < ordered[j].envelope.Timestamp
	})
	return ordered
}

func (r *Reconstructor) buildAgents(projection *Projection, buckets map[models.EventType][]decoded) {
	agents := make(map[models.AgentID]*models.Agent)
	for _, item := range buckets[models.EventAgentRegistered] {
		e := item.event.(*models.AgentRegisteredEvent)
		agents[e.AgentID] = &models.Agent{
			ID:            e.AgentID,
			Name:          e.Name,
			Skills:        e.Skills,
			Reputation:    models.DefaultReputation,
			Status:        models.AgentStatusActive,
			LastHeartbeat: item.envelope.Timestamp,
			CreateTime:    item.envelope.Timestamp,
		}
	}
	// reputation events overwrite, so apply them in event-time order
	for _, item := range byTimestamp(buckets[models.EventReputationUpdated]) {
		e := item.event.(*models.ReputationUpdatedEvent)
		if agent, ok := agents[e.AgentID]; ok {
			agent.Reputation = models.ClampReputation(e.NewReputation)
		}
	}
	for _, item := range buckets[models.EventJobCompleted] {
		e := item.event.(*models.JobCompletedEvent)
		if agent, ok := agents[e.AgentID]; ok {
			agent.Completions++
		}
	}

	for _, agent := range agents {
		projection.Agents = append(projection.Agents, *agent)
	}
	sort.SliceStable(projection.Agents, func(i, j int) bool {
		return projection.Agents[i].Reputation > projection.Agents[j].Reputation
	})
}

func (r *Reconstructor) buildJobs(projection *Projection, buckets map[models.EventType][]decoded) {
	jobs := make(map[models.JobID]*models.Job)
	for _, item := range buckets[models.EventJobCreated] {
		e := item.event.(*models.JobCreatedEvent)
		jobs[e.JobID] = &models.Job{
			ID:            e.JobID,
			Title:         e.Title,
			RequiredSkill: e.RequiredSkill,
			Budget:        e.Budget,
			CurrencyUnit:  models.DefaultCurrencyUnit,
			State:         models.JobStateOpen,
			CreatorID:     e.CreatorID,
			Deadline:      e.Deadline,
			CreateTime:    item.envelope.Timestamp,
		}
	}
	// assignment and completion events for jobs created before the
	// window have no seed row and are dropped
	for _, item := range buckets[models.EventJobAssigned] {
		e := item.event.(*models.JobAssignedEvent)
		if job, ok := jobs[e.JobID]; ok {
			job.State = models.JobStateAssigned
			job.AssignedAgentID = e.AgentID
			job.AssignTime = item.envelope.Timestamp
		}
	}
	for _, item := range buckets[models.EventJobCompleted] {
		e := item.event.(*models.JobCompletedEvent)
		if job, ok := jobs[e.JobID]; ok {
			job.State = models.JobStateCompleted
			job.ResultArtifact = e.ArtifactPreview
			job.CompleteTime = item.envelope.Timestamp
		}
	}
	for _, item := range buckets[models.EventPaymentSettled] {
		e := item.event.(*models.PaymentSettledEvent)
		if job, ok := jobs[e.JobID]; ok {
			job.State = models.JobStateSettled
		}
	}

	for _, job := range jobs {
		projection.Jobs = append(projection.Jobs, *job)
	}
	sort.SliceStable(projection.Jobs, func(i, j int) bool {
		return projection.Jobs[i].CreateTime > projection.Jobs[j].CreateTime
	})
}

func (r *Reconstructor) buildBids(projection *Projection, buckets map[models.EventType][]decoded) {
	for i, item := range buckets[models.EventBidPlaced] {
		e := item.event.(*models.BidPlacedEvent)
		projection.Bids = append(projection.Bids, models.Bid{
			ID:                models.BidID(fmt.Sprintf("bid-%s-%d", item.envelope.TxRef, i)),
			JobID:             e.JobID,
			AgentID:           e.AgentID,
			Price:             e.Price,
			CurrencyUnit:      models.DefaultCurrencyUnit,
			EstimatedDuration: time.Duration(e.EstimatedDuration) * time.Millisecond,
			CreateTime:        item.envelope.Timestamp,
		})
	}
	sort.SliceStable(projection.Bids, func(i, j int) bool {
		return projection.Bids[i].Price < projection.Bids[j].Price
	})
}

func (r *Reconstructor) buildPredictions(projection *Projection, buckets map[models.EventType][]decoded) {
	predictions := make(map[models.PredictionID]*models.Prediction)
	for _, item := range buckets[models.EventPredictionCreated] {
		e := item.event.(*models.PredictionCreatedEvent)
		predictions[e.PredictionID] = &models.Prediction{
			ID:            e.PredictionID,
			JobID:         e.JobID,
			TargetAgentID: e.TargetAgentID,
			Question:      e.Question,
			Deadline:      e.Deadline,
			State:         models.PredictionStateOpen,
			CreatorID:     models.SystemAgentID,
			CreateTime:    item.envelope.Timestamp,
		}
	}
	for i, item := range buckets[models.EventBetPlaced] {
		e := item.event.(*models.BetPlacedEvent)
		position := models.BetPositionNo
		if e.Yes {
			position = models.BetPositionYes
		}
		projection.Bets = append(projection.Bets, models.Bet{
			ID:           models.BetID(fmt.Sprintf("bet-%s-%d", item.envelope.TxRef, i)),
			PredictionID: e.PredictionID,
			AgentID:      e.AgentID,
			Position:     position,
			Amount:       e.Amount,
			CreateTime:   item.envelope.Timestamp,
		})
		// pools are the sum of attested bets, nothing else
		if prediction, ok := predictions[e.PredictionID]; ok {
			if e.Yes {
				prediction.YesPool += e.Amount
			} else {
				prediction.NoPool += e.Amount
			}
		}
	}
	for _, item := range buckets[models.EventPredictionSettled] {
		e := item.event.(*models.PredictionSettledEvent)
		if prediction, ok := predictions[e.PredictionID]; ok {
			prediction.State = models.PredictionStateSettled
			prediction.Outcome = e.Outcome
			prediction.OutcomeKnown = true
			prediction.SettleTime = item.envelope.Timestamp
		}
	}

	for _, prediction := range predictions {
		projection.Predictions = append(projection.Predictions, *prediction)
	}
	sort.SliceStable(projection.Predictions, func(i, j int) bool {
		return projection.Predictions[i].CreateTime > projection.Predictions[j].CreateTime
	})
}

func (r *Reconstructor) buildForum(projection *Projection, buckets map[models.EventType][]decoded) {
	posts := make(map[models.PostID]*models.ForumPost)
	for _, item := range buckets[models.EventForumPostCreated] {
		e := item.event.(*models.ForumPostCreatedEvent)
		post := &models.ForumPost{
			ID:         e.PostID,
			AgentID:    e.AgentID,
			Title:      e.Title,
			Body:       e.Body,
			Tag:        e.Tag,
			CreateTime: item.envelope.Timestamp,
		}
		post.Normalize()
		posts[e.PostID] = post
	}
	for _, item := range buckets[models.EventForumReplyCreated] {
		e := item.event.(*models.ForumReplyCreatedEvent)
		if post, ok := posts[e.PostID]; ok {
			post.ReplyCount++
		}
	}
	// the score travels in the event, so apply upvotes in time order
	for _, item := range byTimestamp(buckets[models.EventForumPostUpvoted]) {
		e := item.event.(*models.ForumPostUpvotedEvent)
		if post, ok := posts[e.PostID]; ok {
			post.Upvotes = e.NewScore
		}
	}

	for _, post := range posts {
		projection.Posts = append(projection.Posts, *post)
	}
	sort.SliceStable(projection.Posts, func(i, j int) bool {
		return projection.Posts[i].CreateTime > projection.Posts[j].CreateTime
	})
}

func (r *Reconstructor) buildTransfers(projection *Projection, buckets map[models.EventType][]decoded) {
	for i, item := range buckets[models.EventPaymentSettled] {
		e := item.event.(*models.PaymentSettledEvent)
		projection.Transfers = append(projection.Transfers, models.Transfer{
			ID:          models.TransferID(fmt.Sprintf("txfr-%s-%d", item.envelope.TxRef, i)),
			JobID:       e.JobID,
			FromAgentID: models.SystemAgentID,
			ToAgentID:   e.AgentID,
			Amount:      e.Amount,
			LedgerTxID:  e.LedgerTxID,
			Status:      models.TransferStatusCompleted,
			CreateTime:  item.envelope.Timestamp,
		})
	}
	sort.SliceStable(projection.Transfers, func(i, j int) bool {
		return projection.Transfers[i].CreateTime > projection.Transfers[j].CreateTime
	})
}
