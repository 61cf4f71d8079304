package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/slices"

	"github.com/agentguild/guild/pkg/commerce"
	"github.com/agentguild/guild/pkg/ledger"
	"github.com/agentguild/guild/pkg/marketstore"
	"github.com/agentguild/guild/pkg/models"
)

const (
	// ReputationRewardBase is granted for every completed job.
	ReputationRewardBase = 10
	// ReputationRewardOnTime is added when the result beats the deadline.
	ReputationRewardOnTime = 5
	// ReputationRewardPrediction is granted per winning bet at market
	// settlement.
	ReputationRewardPrediction = 3

	// DefaultJobWindow is the deadline granted to jobs created without one.
	DefaultJobWindow = 10 * time.Minute
	// DefaultBetAmount is staked when a bet names no amount, in cents.
	DefaultBetAmount = 1000

	// artifactPreviewLimit bounds how much of a result artifact is
	// attested; the full artifact stays local.
	artifactPreviewLimit = 200

	defaultArtifact = "Task completed"
)

// Publisher is the fire-and-forget attestation sink. The endpoint
// never blocks on it and never fails an operation because of it.
type Publisher interface {
	Enqueue(ctx context.Context, event models.Event) error
}

type EndpointParams struct {
	Store     marketstore.Store
	Ledger    ledger.Client
	Publisher Publisher
	Commerce  *commerce.Builder
	Clock     clock.Clock
}

// Endpoint is the marketplace lifecycle surface. Every mutation writes
// the store synchronously first, then enqueues the attestation, so
// reads issued after a call observe the change regardless of ledger
// health.
type Endpoint struct {
	store     marketstore.Store
	ledger    ledger.Client
	publisher Publisher
	commerce  *commerce.Builder
	clock     clock.Clock
}

func NewEndpoint(params EndpointParams) *Endpoint {
	endpoint := &Endpoint{
		store:     params.Store,
		ledger:    params.Ledger,
		publisher: params.Publisher,
		commerce:  params.Commerce,
		clock:     params.Clock,
	}
	if endpoint.clock == nil {
		endpoint.clock = clock.New()
	}
	if endpoint.commerce == nil {
		endpoint.commerce = commerce.NewBuilder(commerce.WithClock(endpoint.clock))
	}
	return endpoint
}

func (e *Endpoint) now() int64 {
	return e.clock.Now().UTC().UnixNano()
}

func (e *Endpoint) attest(ctx context.Context, event models.Event) {
	if err := e.publisher.Enqueue(ctx, event); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("EventType", string(event.EventType())).Msg("attestation enqueue failed")
	}
}

type RegisterAgentRequest struct {
	AgentID models.AgentID
	Name    string
	Skills  []string
}

// RegisterAgent creates or refreshes an agent. Re-registration keeps
// earned reputation and counters and only bumps liveness.
func (e *Endpoint) RegisterAgent(ctx context.Context, request RegisterAgentRequest) (models.Agent, error) {
	created, err := e.store.UpsertAgent(ctx, models.Agent{
		ID:     request.AgentID,
		Name:   request.Name,
		Skills: request.Skills,
	})
	if err != nil {
		return models.Agent{}, err
	}
	agent, err := e.store.GetAgent(ctx, request.AgentID)
	if err != nil {
		return models.Agent{}, err
	}
	if created {
		e.attest(ctx, models.AgentRegisteredEvent{
			AgentID: agent.ID,
			Name:    agent.Name,
			Skills:  agent.Skills,
		})
		log.Ctx(ctx).Info().Str("AgentID", models.ShortID(agent.ID.String())).Msg("agent registered")
	}
	return agent, nil
}

// Heartbeat refreshes an agent's liveness timestamp.
func (e *Endpoint) Heartbeat(ctx context.Context, agentID models.AgentID) error {
	return e.store.TouchAgent(ctx, agentID)
}

type CreateJobRequest struct {
	Title         string
	Description   string
	RequiredSkill string
	Budget        int64
	CurrencyUnit  string
	CreatorID     models.AgentID
	Deadline      int64
}

func (e *Endpoint) CreateJob(ctx context.Context, request CreateJobRequest) (models.Job, error) {
	job := models.Job{
		ID:            models.NewJobID(),
		Title:         request.Title,
		Description:   request.Description,
		RequiredSkill: request.RequiredSkill,
		Budget:        request.Budget,
		CurrencyUnit:  request.CurrencyUnit,
		CreatorID:     request.CreatorID,
		Deadline:      request.Deadline,
	}
	if job.Deadline == 0 {
		job.Deadline = e.clock.Now().Add(DefaultJobWindow).UTC().UnixNano()
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return models.Job{}, err
	}
	job, err := e.store.GetJob(ctx, job.ID)
	if err != nil {
		return models.Job{}, err
	}

	e.attest(ctx, models.JobCreatedEvent{
		JobID:         job.ID,
		CreatorID:     job.CreatorID,
		Title:         job.Title,
		RequiredSkill: job.RequiredSkill,
		Budget:        job.Budget,
		Deadline:      job.Deadline,
	})
	log.Ctx(ctx).Info().
		Str("JobID", models.ShortID(job.ID.String())).
		Str("Title", job.Title).
		Int64("Budget", job.Budget).
		Msg("job created")
	return job, nil
}

type PlaceBidRequest struct {
	JobID             models.JobID
	AgentID           models.AgentID
	Price             int64
	CurrencyUnit      string
	EstimatedDuration time.Duration
	// Quote is an optional serialized commerce quote backing the bid.
	Quote []byte
}

func (e *Endpoint) PlaceBid(ctx context.Context, request PlaceBidRequest) (models.Bid, error) {
	if len(request.Quote) > 0 {
		if err := commerce.ValidateQuote(request.Quote); err != nil {
			return models.Bid{}, err
		}
	}

	job, err := e.store.GetJob(ctx, request.JobID)
	if err != nil {
		return models.Bid{}, err
	}
	if job.State != models.JobStateOpen {
		return models.Bid{}, NewErrJobNotOpen(job.ID, job.State)
	}

	bid := models.Bid{
		ID:                models.NewBidID(),
		JobID:             request.JobID,
		AgentID:           request.AgentID,
		Price:             request.Price,
		CurrencyUnit:      request.CurrencyUnit,
		EstimatedDuration: request.EstimatedDuration,
		Quote:             request.Quote,
	}
	if err := e.store.CreateBid(ctx, bid); err != nil {
		return models.Bid{}, err
	}

	e.attest(ctx, models.BidPlacedEvent{
		JobID:             bid.JobID,
		AgentID:           bid.AgentID,
		Price:             bid.Price,
		EstimatedDuration: bid.EstimatedDuration.Milliseconds(),
	})
	log.Ctx(ctx).Info().
		Str("JobID", models.ShortID(bid.JobID.String())).
		Str("AgentID", models.ShortID(bid.AgentID.String())).
		Int64("Price", bid.Price).
		Msg("bid placed")
	return bid, nil
}

// AssignJob picks the winning bid for an open job. Lowest price wins;
// the bidder's reputation breaks ties.
func (e *Endpoint) AssignJob(ctx context.Context, jobID models.JobID) (models.Job, models.Bid, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, models.Bid{}, err
	}
	if job.State != models.JobStateOpen {
		return models.Job{}, models.Bid{}, NewErrJobNotOpen(job.ID, job.State)
	}

	bids, err := e.store.GetBidsForJob(ctx, jobID)
	if err != nil {
		return models.Job{}, models.Bid{}, err
	}
	if len(bids) == 0 {
		return models.Job{}, models.Bid{}, NewErrNoBids(jobID)
	}

	winner, err := e.pickWinner(ctx, bids)
	if err != nil {
		return models.Job{}, models.Bid{}, err
	}

	now := e.now()
	job, err = e.store.UpdateJobState(ctx, marketstore.UpdateJobStateRequest{
		JobID:     jobID,
		Condition: marketstore.UpdateJobCondition{ExpectedState: models.JobStateOpen},
		NewState:  models.JobStateAssigned,
		Mutate: func(j *models.Job) {
			j.AssignedAgentID = winner.AgentID
			j.AssignTime = now
		},
	})
	if err != nil {
		return models.Job{}, models.Bid{}, err
	}

	e.attest(ctx, models.JobAssignedEvent{
		JobID:   job.ID,
		AgentID: winner.AgentID,
		Price:   winner.Price,
	})
	log.Ctx(ctx).Info().
		Str("JobID", models.ShortID(job.ID.String())).
		Str("AgentID", models.ShortID(winner.AgentID.String())).
		Int64("Price", winner.Price).
		Msg("job assigned")
	return job, winner, nil
}

// pickWinner orders price ascending then reputation descending.
// Unknown bidders rank below every registered one.
func (e *Endpoint) pickWinner(ctx context.Context, bids []models.Bid) (models.Bid, error) {
	reputations := make(map[models.AgentID]int, len(bids))
	for _, bid := range bids {
		agent, err := e.store.GetAgent(ctx, bid.AgentID)
		if err != nil {
			var notFound marketstore.ErrAgentNotFound
			if errors.As(err, &notFound) {
				reputations[bid.AgentID] = -1
				continue
			}
			return models.Bid{}, err
		}
		reputations[bid.AgentID] = agent.Reputation
	}

	ranked := slices.Clone(bids)
	slices.SortStableFunc(ranked, func(a, b models.Bid) bool {
		if a.Price != b.Price {
			return a.Price < b.Price
		}
		return reputations[a.AgentID] > reputations[b.AgentID]
	})
	return ranked[0], nil
}

type SubmitResultRequest struct {
	JobID    models.JobID
	AgentID  models.AgentID
	Artifact string
}

// SubmitResult records a job result from the assigned agent and pays
// out the reputation reward.
func (e *Endpoint) SubmitResult(ctx context.Context, request SubmitResultRequest) (models.Job, error) {
	job, err := e.store.GetJob(ctx, request.JobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.State != models.JobStateAssigned {
		return models.Job{}, marketstore.NewErrInvalidJobState(job.ID, job.State, models.JobStateAssigned)
	}
	if job.AssignedAgentID != request.AgentID {
		return models.Job{}, NewErrNotAssigned(job.ID, request.AgentID)
	}

	artifact := request.Artifact
	if artifact == "" {
		artifact = defaultArtifact
	}

	now := e.now()
	job, err = e.store.UpdateJobState(ctx, marketstore.UpdateJobStateRequest{
		JobID:     request.JobID,
		Condition: marketstore.UpdateJobCondition{ExpectedState: models.JobStateAssigned},
		NewState:  models.JobStateCompleted,
		Mutate: func(j *models.Job) {
			j.ResultArtifact = artifact
			j.CompleteTime = now
		},
	})
	if err != nil {
		return models.Job{}, err
	}

	onTime := job.Deadline > 0 && job.CompleteTime < job.Deadline
	change := ReputationRewardBase
	if onTime {
		change += ReputationRewardOnTime
	}
	agent, err := e.store.UpdateAgent(ctx, request.AgentID, func(a *models.Agent) {
		a.Completions++
		a.Reputation += change
		if onTime {
			a.TimeBonuses++
		}
	})
	if err != nil {
		return models.Job{}, err
	}

	preview := artifact
	if len(preview) > artifactPreviewLimit {
		preview = preview[:artifactPreviewLimit]
	}
	e.attest(ctx, models.JobCompletedEvent{
		JobID:           job.ID,
		AgentID:         request.AgentID,
		ArtifactPreview: preview,
	})
	e.attest(ctx, models.ReputationUpdatedEvent{
		AgentID:       request.AgentID,
		NewReputation: agent.Reputation,
		Change:        change,
	})
	log.Ctx(ctx).Info().
		Str("JobID", models.ShortID(job.ID.String())).
		Str("AgentID", models.ShortID(request.AgentID.String())).
		Bool("OnTime", onTime).
		Msg("job completed")
	return job, nil
}

// SettleJob pays the assigned agent for a completed job. Settlement is
// idempotent: an existing transfer only moves the job to settled.
func (e *Endpoint) SettleJob(ctx context.Context, jobID models.JobID) (models.Transfer, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Transfer{}, err
	}

	existing, err := e.store.GetTransferForJob(ctx, jobID)
	if err == nil {
		if job.State == models.JobStateCompleted {
			if _, err := e.markSettled(ctx, jobID); err != nil {
				return models.Transfer{}, err
			}
		}
		return existing, nil
	}
	var notFound marketstore.ErrTransferNotFound
	if !errors.As(err, &notFound) {
		return models.Transfer{}, err
	}

	if job.State != models.JobStateCompleted {
		return models.Transfer{}, NewErrJobNotCompleted(job.ID, job.State)
	}

	amount := job.Budget
	if bid, err := e.store.GetBid(ctx, jobID, job.AssignedAgentID); err == nil {
		amount = bid.Price
	}

	invoice, err := e.commerce.BuildInvoice(commerce.InvoiceParams{
		JobID:         job.ID,
		BuyerAgentID:  job.CreatorID,
		SellerAgentID: job.AssignedAgentID,
		Price:         amount,
		Currency:      job.CurrencyUnit,
		Description:   job.Title,
	})
	if err != nil {
		return models.Transfer{}, err
	}

	tokenID, err := e.ledger.EnsureToken(ctx)
	if err != nil {
		return models.Transfer{}, err
	}
	paymentTxID, err := e.ledger.Transfer(ctx, job.AssignedAgentID.String(), amount, tokenID)
	if err != nil {
		return models.Transfer{}, errors.Wrap(err, "executing settlement transfer")
	}

	receipt, err := e.commerce.BuildReceipt(commerce.ReceiptParams{
		JobID:         job.ID,
		BuyerAgentID:  job.CreatorID,
		SellerAgentID: job.AssignedAgentID,
		Price:         amount,
		Currency:      tokenID,
		InvoiceID:     invoice.MessageID,
		PaymentTxID:   paymentTxID,
	})
	if err != nil {
		return models.Transfer{}, err
	}

	invoiceRaw, err := json.Marshal(invoice)
	if err != nil {
		return models.Transfer{}, err
	}
	receiptRaw, err := json.Marshal(receipt)
	if err != nil {
		return models.Transfer{}, err
	}

	transfer := models.Transfer{
		ID:          models.NewTransferID(),
		JobID:       job.ID,
		FromAgentID: job.CreatorID,
		ToAgentID:   job.AssignedAgentID,
		Amount:      amount,
		TokenID:     tokenID,
		LedgerTxID:  paymentTxID,
		Invoice:     invoiceRaw,
		Receipt:     receiptRaw,
		Status:      models.TransferStatusCompleted,
	}
	if err := e.store.CreateTransfer(ctx, transfer); err != nil {
		// lost the race with a concurrent settlement
		var exists marketstore.ErrTransferExists
		if errors.As(err, &exists) {
			return e.store.GetTransferForJob(ctx, jobID)
		}
		return models.Transfer{}, err
	}

	if _, err := e.markSettled(ctx, jobID); err != nil {
		return models.Transfer{}, err
	}

	e.attest(ctx, models.PaymentSettledEvent{
		JobID:      job.ID,
		AgentID:    job.AssignedAgentID,
		Amount:     amount,
		LedgerTxID: paymentTxID,
	})
	log.Ctx(ctx).Info().
		Str("JobID", models.ShortID(job.ID.String())).
		Str("AgentID", models.ShortID(job.AssignedAgentID.String())).
		Int64("Amount", amount).
		Str("TxID", paymentTxID).
		Msg("job settled")
	return transfer, nil
}

func (e *Endpoint) markSettled(ctx context.Context, jobID models.JobID) (models.Job, error) {
	return e.store.UpdateJobState(ctx, marketstore.UpdateJobStateRequest{
		JobID:     jobID,
		Condition: marketstore.UpdateJobCondition{ExpectedState: models.JobStateCompleted},
		NewState:  models.JobStateSettled,
	})
}

type CreatePredictionRequest struct {
	JobID         models.JobID
	TargetAgentID models.AgentID
	Question      string
	Deadline      int64
	CreatorID     models.AgentID
}

func (e *Endpoint) CreatePrediction(ctx context.Context, request CreatePredictionRequest) (models.Prediction, error) {
	prediction := models.Prediction{
		ID:            models.NewPredictionID(),
		JobID:         request.JobID,
		TargetAgentID: request.TargetAgentID,
		Question:      request.Question,
		Deadline:      request.Deadline,
		CreatorID:     request.CreatorID,
	}
	if prediction.CreatorID == "" {
		prediction.CreatorID = models.SystemAgentID
	}
	if prediction.Deadline == 0 {
		prediction.Deadline = e.clock.Now().Add(DefaultJobWindow).UTC().UnixNano()
	}
	if err := e.store.CreatePrediction(ctx, prediction); err != nil {
		return models.Prediction{}, err
	}
	prediction, err := e.store.GetPrediction(ctx, prediction.ID)
	if err != nil {
		return models.Prediction{}, err
	}

	e.attest(ctx, models.PredictionCreatedEvent{
		PredictionID:  prediction.ID,
		JobID:         prediction.JobID,
		TargetAgentID: prediction.TargetAgentID,
		Question:      prediction.Question,
		Deadline:      prediction.Deadline,
	})
	log.Ctx(ctx).Info().
		Str("PredictionID", models.ShortID(prediction.ID.String())).
		Str("JobID", models.ShortID(prediction.JobID.String())).
		Msg("prediction market created")
	return prediction, nil
}

type PlaceBetRequest struct {
	PredictionID models.PredictionID
	AgentID      models.AgentID
	Position     string
	Amount       int64
}

func (e *Endpoint) PlaceBet(ctx context.Context, request PlaceBetRequest) (models.Bet, error) {
	position, ok := models.ParseBetPosition(request.Position)
	if !ok {
		return models.Bet{}, NewErrInvalidPosition(request.Position)
	}

	prediction, err := e.store.GetPrediction(ctx, request.PredictionID)
	if err != nil {
		return models.Bet{}, err
	}
	if prediction.State != models.PredictionStateOpen {
		return models.Bet{}, NewErrPredictionClosed(prediction.ID)
	}

	amount := request.Amount
	if amount <= 0 {
		amount = DefaultBetAmount
	}
	bet := models.Bet{
		ID:           models.NewBetID(),
		PredictionID: request.PredictionID,
		AgentID:      request.AgentID,
		Position:     position,
		Amount:       amount,
	}
	if err := e.store.CreateBet(ctx, bet); err != nil {
		return models.Bet{}, err
	}

	_, err = e.store.UpdatePrediction(ctx, request.PredictionID, func(p *models.Prediction) {
		if position == models.BetPositionYes {
			p.YesPool += amount
		} else {
			p.NoPool += amount
		}
	})
	if err != nil {
		return models.Bet{}, err
	}

	e.attest(ctx, models.BetPlacedEvent{
		PredictionID: bet.PredictionID,
		AgentID:      bet.AgentID,
		Yes:          position == models.BetPositionYes,
		Amount:       amount,
	})
	return bet, nil
}

// Payout is one winner's share of a settled prediction market.
type Payout struct {
	AgentID models.AgentID
	Amount  int64
}

// SettlePrediction resolves a market. Winners split the total pool
// pro-rata by stake and earn reputation; an empty winning pool refunds
// each winning-side stake (vacuously none).
func (e *Endpoint) SettlePrediction(ctx context.Context, predictionID models.PredictionID, outcome bool) ([]Payout, error) {
	prediction, err := e.store.GetPrediction(ctx, predictionID)
	if err != nil {
		return nil, err
	}
	if prediction.State != models.PredictionStateOpen {
		return nil, NewErrPredictionClosed(prediction.ID)
	}

	now := e.now()
	prediction, err = e.store.UpdatePrediction(ctx, predictionID, func(p *models.Prediction) {
		p.State = models.PredictionStateSettled
		p.Outcome = outcome
		p.OutcomeKnown = true
		p.SettleTime = now
	})
	if err != nil {
		return nil, err
	}

	bets, err := e.store.GetBetsForPrediction(ctx, predictionID)
	if err != nil {
		return nil, err
	}

	winningPosition := models.BetPositionNo
	if outcome {
		winningPosition = models.BetPositionYes
	}
	totalPool := prediction.TotalPool()
	winningPool := prediction.WinningPool(outcome)

	var payouts []Payout
	for _, bet := range bets {
		if bet.Position != winningPosition {
			continue
		}
		payouts = append(payouts, Payout{
			AgentID: bet.AgentID,
			Amount:  bet.Payout(winningPool, totalPool),
		})
		_, err := e.store.UpdateAgent(ctx, bet.AgentID, func(a *models.Agent) {
			a.Reputation += ReputationRewardPrediction
		})
		if err != nil {
			return nil, err
		}
	}

	e.attest(ctx, models.PredictionSettledEvent{
		PredictionID: prediction.ID,
		JobID:        prediction.JobID,
		Outcome:      outcome,
		TotalPool:    totalPool,
		Winners:      len(payouts),
	})
	log.Ctx(ctx).Info().
		Str("PredictionID", models.ShortID(prediction.ID.String())).
		Bool("Outcome", outcome).
		Int64("TotalPool", totalPool).
		Int("Winners", len(payouts)).
		Msg("prediction settled")
	return payouts, nil
}

type CreatePostRequest struct {
	AgentID models.AgentID
	Title   string
	Body    string
	Tag     string
}

func (e *Endpoint) CreatePost(ctx context.Context, request CreatePostRequest) (models.ForumPost, error) {
	// posting requires registration
	if _, err := e.store.GetAgent(ctx, request.AgentID); err != nil {
		return models.ForumPost{}, err
	}

	post := models.ForumPost{
		ID:      models.NewPostID(),
		AgentID: request.AgentID,
		Title:   request.Title,
		Body:    request.Body,
		Tag:     request.Tag,
	}
	if err := e.store.CreateForumPost(ctx, post); err != nil {
		return models.ForumPost{}, err
	}
	post, err := e.store.GetForumPost(ctx, post.ID)
	if err != nil {
		return models.ForumPost{}, err
	}

	e.attest(ctx, models.ForumPostCreatedEvent{
		PostID:  post.ID,
		AgentID: post.AgentID,
		Title:   post.Title,
		Body:    post.Body,
		Tag:     post.Tag,
	})
	return post, nil
}

type CreateReplyRequest struct {
	PostID  models.PostID
	AgentID models.AgentID
	Body    string
}

func (e *Endpoint) CreateReply(ctx context.Context, request CreateReplyRequest) (models.ForumReply, error) {
	reply := models.ForumReply{
		ID:      models.NewReplyID(),
		PostID:  request.PostID,
		AgentID: request.AgentID,
		Body:    request.Body,
	}
	if err := e.store.CreateForumReply(ctx, reply); err != nil {
		return models.ForumReply{}, err
	}

	e.attest(ctx, models.ForumReplyCreatedEvent{
		ReplyID: reply.ID,
		PostID:  reply.PostID,
		AgentID: reply.AgentID,
	})
	return reply, nil
}

// UpvotePost counts one vote per agent per post and returns the new
// score.
func (e *Endpoint) UpvotePost(ctx context.Context, postID models.PostID, agentID models.AgentID) (int, error) {
	score, err := e.store.RecordUpvote(ctx, postID, agentID)
	if err != nil {
		return 0, err
	}

	e.attest(ctx, models.ForumPostUpvotedEvent{
		PostID:   postID,
		AgentID:  agentID,
		NewScore: score,
	})
	return score, nil
}
