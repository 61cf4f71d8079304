package boltdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"github.com/agentguild/guild/pkg/marketstore"
	"github.com/agentguild/guild/pkg/models"
)

const (
	BucketAgents      = "agents"
	BucketJobs        = "jobs"
	BucketBids        = "bids"
	BucketPredictions = "predictions"
	BucketBets        = "bets"
	BucketTransfers   = "transfers"
	BucketPosts       = "forum_posts"
	BucketReplies     = "forum_replies"
	BucketUpvotes     = "forum_upvotes"
	BucketEvents      = "events"
	BucketConfig      = "config"

	// composite-key index buckets
	BucketBidsByJob       = "idx_bids_job"        // jobID/agentID -> bid id
	BucketPredictionByJob = "idx_prediction_job"  // jobID -> prediction id
	BucketBetsByMarket    = "idx_bets_prediction" // predictionID/agentID -> bet id
)

const keySeparator = "/"

// BoltStore is the persistent projection store. Rows are JSON-encoded
// into a bucket per entity; uniqueness invariants are enforced through
// composite-key index buckets inside the same write transaction.
type BoltStore struct {
	database *bolt.DB
	clock    clock.Clock
}

type Option func(store *BoltStore)

func WithClock(clock clock.Clock) Option {
	return func(store *BoltStore) {
		store.clock = clock
	}
}

func NewBoltStore(dbPath string, options ...Option) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening bolt store at %s", dbPath)
	}

	store := &BoltStore{
		database: db,
		clock:    clock.New(),
	}
	for _, opt := range options {
		opt(store)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := []string{
			BucketAgents, BucketJobs, BucketBids, BucketPredictions,
			BucketBets, BucketTransfers, BucketPosts, BucketReplies,
			BucketUpvotes, BucketEvents, BucketConfig,
			BucketBidsByJob, BucketPredictionByJob, BucketBetsByMarket,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating required buckets at startup")
	}

	log.Debug().Str("DBFile", dbPath).Msg("created bolt-backed market store")
	return store, nil
}

func (b *BoltStore) now() int64 {
	return b.clock.Now().UTC().UnixNano()
}

func put(tx *bolt.Tx, bucket string, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
}

func get(tx *bolt.Tx, bucket string, key string, out any) (bool, error) {
	data := tx.Bucket([]byte(bucket)).Get([]byte(key))
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, out)
}

func compositeKey(parts ...string) string {
	key := parts[0]
	for _, p := range parts[1:] {
		key += keySeparator + p
	}
	return key
}

func (b *BoltStore) UpsertAgent(_ context.Context, agent models.Agent) (bool, error) {
	created := false
	err := b.database.Update(func(tx *bolt.Tx) error {
		now := b.now()
		var existing models.Agent
		found, err := get(tx, BucketAgents, agent.ID.String(), &existing)
		if err != nil {
			return err
		}
		if found {
			existing.Status = models.AgentStatusActive
			existing.LastHeartbeat = now
			if agent.Skills != nil {
				existing.Skills = agent.Skills
			}
			if agent.Name != "" {
				existing.Name = agent.Name
			}
			return put(tx, BucketAgents, agent.ID.String(), existing)
		}

		created = true
		if agent.Reputation == 0 {
			agent.Reputation = models.DefaultReputation
		}
		agent.Status = models.AgentStatusActive
		agent.LastHeartbeat = now
		agent.CreateTime = now
		agent.Normalize()
		return put(tx, BucketAgents, agent.ID.String(), agent)
	})
	return created, err
}

func (b *BoltStore) GetAgent(_ context.Context, id models.AgentID) (models.Agent, error) {
	var agent models.Agent
	err := b.database.View(func(tx *bolt.Tx) error {
		found, err := get(tx, BucketAgents, id.String(), &agent)
		if err != nil {
			return err
		}
		if !found {
			return marketstore.NewErrAgentNotFound(id)
		}
		return nil
	})
	return agent, err
}

func (b *BoltStore) GetAgents(_ context.Context) ([]models.Agent, error) {
	var result []models.Agent
	err := b.database.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(BucketAgents)).ForEach(func(_, v []byte) error {
			var agent models.Agent
			if err := json.Unmarshal(v, &agent); err != nil {
				return err
			}
			result = append(result, agent)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Reputation > result[j].Reputation
	})
	return result, nil
}

func (b *BoltStore) TouchAgent(_ context.Context, id models.AgentID) error {
	return b.database.Update(func(tx *bolt.Tx) error {
		var agent models.Agent
		found, err := get(tx, BucketAgents, id.String(), &agent)
		if err != nil {
			return err
		}
		if !found {
			return marketstore.NewErrAgentNotFound(id)
		}
		agent.LastHeartbeat = b.now()
		agent.Status = models.AgentStatusActive
		return put(tx, BucketAgents, id.String(), agent)
	})
}

func (b *BoltStore) UpdateAgent(_ context.Context, id models.AgentID, fn func(*models.Agent)) (models.Agent, error) {
	var agent models.Agent
	err := b.database.Update(func(tx *bolt.Tx) error {
		found, err := get(tx, BucketAgents, id.String(), &agent)
		if err != nil {
			return err
		}
		if !found {
			return marketstore.NewErrAgentNotFound(id)
		}
		fn(&agent)
		agent.Reputation = models.ClampReputation(agent.Reputation)
		return put(tx, BucketAgents, id.String(), agent)
	})
	return agent, err
}

func (b *BoltStore) CreateJob(_ context.Context, job models.Job) error {
	return b.database.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(BucketJobs)).Get([]byte(job.ID)) != nil {
			return marketstore.NewErrJobAlreadyExists(job.ID)
		}
		job.State = models.JobStateOpen
		job.Revision = 1
		job.CreateTime = b.now()
		job.Normalize()
		return put(tx, BucketJobs, job.ID.String(), job)
	})
}

func (b *BoltStore) GetJob(_ context.Context, id models.JobID) (models.Job, error) {
	var job models.Job
	err := b.database.View(func(tx *bolt.Tx) error {
		found, err := get(tx, BucketJobs, id.String(), &job)
		if err != nil {
			return err
		}
		if !found {
			return marketstore.NewErrJobNotFound(id)
		}
		return nil
	})
	return job, err
}

func (b *BoltStore) GetJobs(_ context.Context, query marketstore.JobQuery) ([]models.Job, error) {
	var result []models.Job
	err := b.database.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(BucketJobs)).ForEach(func(_, v []byte) error {
			var job models.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if query.HasState && job.State != query.State {
				return nil
			}
			result = append(result, job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreateTime > result[j].CreateTime
	})
	if query.Limit > 0 && len(result) > query.Limit {
		result = result[:query.Limit]
	}
	return result, nil
}

func (b *BoltStore) UpdateJobState(_ context.Context, request marketstore.UpdateJobStateRequest) (models.Job, error) {
	var job models.Job
	err := b.database.Update(func(tx *bolt.Tx) error {
		found, err := get(tx, BucketJobs, request.JobID.String(), &job)
		if err != nil {
			return err
		}
		if !found {
			return marketstore.NewErrJobNotFound(request.JobID)
		}
		if err := request.Condition.Validate(job); err != nil {
			return err
		}
		if job.IsTerminal() {
			return marketstore.NewErrJobAlreadyTerminal(job.ID, job.State, request.NewState)
		}
		job.State = request.NewState
		if request.Mutate != nil {
			request.Mutate(&job)
		}
		job.Revision++
		return put(tx, BucketJobs, request.JobID.String(), job)
	})
	return job, err
}

func (b *BoltStore) CreateBid(_ context.Context, bid models.Bid) error {
	return b.database.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(BucketJobs)).Get([]byte(bid.JobID)) == nil {
			return marketstore.NewErrJobNotFound(bid.JobID)
		}
		idxKey := compositeKey(bid.JobID.String(), bid.AgentID.String())
		idx := tx.Bucket([]byte(BucketBidsByJob))
		if idx.Get([]byte(idxKey)) != nil {
			return marketstore.NewErrBidExists(bid.JobID, bid.AgentID)
		}
		bid.CreateTime = b.now()
		bid.Normalize()
		if err := put(tx, BucketBids, bid.ID.String(), bid); err != nil {
			return err
		}
		return idx.Put([]byte(idxKey), []byte(bid.ID))
	})
}

func (b *BoltStore) GetBidsForJob(_ context.Context, jobID models.JobID) ([]models.Bid, error) {
	var result []models.Bid
	err := b.database.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(BucketJobs)).Get([]byte(jobID)) == nil {
			return marketstore.NewErrJobNotFound(jobID)
		}
		prefix := []byte(jobID.String() + keySeparator)
		cursor := tx.Bucket([]byte(BucketBidsByJob)).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var bid models.Bid
			found, err := get(tx, BucketBids, string(v), &bid)
			if err != nil {
				return err
			}
			if found {
				result = append(result, bid)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Price < result[j].Price
	})
	return result, nil
}

func (b *BoltStore) GetBid(_ context.Context, jobID models.JobID, agentID models.AgentID) (models.Bid, error) {
	var bid models.Bid
	err := b.database.View(func(tx *bolt.Tx) error {
		bidID := tx.Bucket([]byte(BucketBidsByJob)).Get([]byte(compositeKey(jobID.String(), agentID.String())))
		if bidID == nil {
			return marketstore.NewErrBidNotFound(jobID, agentID)
		}
		_, err := get(tx, BucketBids, string(bidID), &bid)
		return err
	})
	return bid, err
}

func (b *BoltStore) CreatePrediction(_ context.Context, prediction models.Prediction) error {
	return b.database.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket([]byte(BucketPredictionByJob))
		if idx.Get([]byte(prediction.JobID)) != nil {
			return marketstore.NewErrPredictionExists(prediction.JobID)
		}
		prediction.State = models.PredictionStateOpen
		prediction.CreateTime = b.now()
		if err := put(tx, BucketPredictions, prediction.ID.String(), prediction); err != nil {
			return err
		}
		return idx.Put([]byte(prediction.JobID), []byte(prediction.ID))
	})
}

func (b *BoltStore) GetPrediction(_ context.Context, id models.PredictionID) (models.Prediction, error) {
	var prediction models.Prediction
	err := b.database.View(func(tx *bolt.Tx) error {
		found, err := get(tx, BucketPredictions, id.String(), &prediction)
		if err != nil {
			return err
		}
		if !found {
			return marketstore.NewErrPredictionNotFound(id)
		}
		return nil
	})
	return prediction, err
}

func (b *BoltStore) GetPredictionForJob(_ context.Context, jobID models.JobID) (models.Prediction, error) {
	var prediction models.Prediction
	err := b.database.View(func(tx *bolt.Tx) error {
		id := tx.Bucket([]byte(BucketPredictionByJob)).Get([]byte(jobID))
		if id == nil {
			return marketstore.NewErrPredictionNotFound("")
		}
		_, err := get(tx, BucketPredictions, string(id), &prediction)
		return err
	})
	return prediction, err
}

func (b *BoltStore) GetOpenPredictions(_ context.Context) ([]models.Prediction, error) {
	var result []models.Prediction
	err := b.database.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(BucketPredictions)).ForEach(func(_, v []byte) error {
			var prediction models.Prediction
			if err := json.Unmarshal(v, &prediction); err != nil {
				return err
			}
			if prediction.State == models.PredictionStateOpen {
				result = append(result, prediction)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreateTime > result[j].CreateTime
	})
	return result, nil
}

func (b *BoltStore) UpdatePrediction(_ context.Context, id models.PredictionID, fn func(*models.Prediction)) (models.Prediction, error) {
	var prediction models.Prediction
	err := b.database.Update(func(tx *bolt.Tx) error {
		found, err := get(tx, BucketPredictions, id.String(), &prediction)
		if err != nil {
			return err
		}
		if !found {
			return marketstore.NewErrPredictionNotFound(id)
		}
		fn(&prediction)
		return put(tx, BucketPredictions, id.String(), prediction)
	})
	return prediction, err
}

func (b *BoltStore) CreateBet(_ context.Context, bet models.Bet) error {
	return b.database.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(BucketPredictions)).Get([]byte(bet.PredictionID)) == nil {
			return marketstore.NewErrPredictionNotFound(bet.PredictionID)
		}
		idxKey := compositeKey(bet.PredictionID.String(), bet.AgentID.String())
		idx := tx.Bucket([]byte(BucketBetsByMarket))
		if idx.Get([]byte(idxKey)) != nil {
			return marketstore.NewErrBetExists(bet.PredictionID, bet.AgentID)
		}
		bet.CreateTime = b.now()
		if err := put(tx, BucketBets, bet.ID.String(), bet); err != nil {
			return err
		}
		return idx.Put([]byte(idxKey), []byte(bet.ID))
	})
}

func (b *BoltStore) GetBetsForPrediction(_ context.Context, id models.PredictionID) ([]models.Bet, error) {
	var result []models.Bet
	err := b.database.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(BucketPredictions)).Get([]byte(id)) == nil {
			return marketstore.NewErrPredictionNotFound(id)
		}
		prefix := []byte(id.String() + keySeparator)
		cursor := tx.Bucket([]byte(BucketBetsByMarket)).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var bet models.Bet
			found, err := get(tx, BucketBets, string(v), &bet)
			if err != nil {
				return err
			}
			if found {
				result = append(result, bet)
			}
		}
		return nil
	})
	return result, err
}

func (b *BoltStore) CreateTransfer(_ context.Context, transfer models.Transfer) error {
	return b.database.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(BucketTransfers)).Get([]byte(transfer.JobID)) != nil {
			return marketstore.NewErrTransferExists(transfer.JobID)
		}
		transfer.CreateTime = b.now()
		return put(tx, BucketTransfers, transfer.JobID.String(), transfer)
	})
}

func (b *BoltStore) GetTransferForJob(_ context.Context, jobID models.JobID) (models.Transfer, error) {
	var transfer models.Transfer
	err := b.database.View(func(tx *bolt.Tx) error {
		found, err := get(tx, BucketTransfers, jobID.String(), &transfer)
		if err != nil {
			return err
		}
		if !found {
			return marketstore.NewErrTransferNotFound(jobID)
		}
		return nil
	})
	return transfer, err
}

func (b *BoltStore) GetTransfers(_ context.Context) ([]models.Transfer, error) {
	var result []models.Transfer
	err := b.database.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(BucketTransfers)).ForEach(func(_, v []byte) error {
			var transfer models.Transfer
			if err := json.Unmarshal(v, &transfer); err != nil {
				return err
			}
			result = append(result, transfer)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreateTime > result[j].CreateTime
	})
	return result, nil
}

func (b *BoltStore) CreateForumPost(_ context.Context, post models.ForumPost) error {
	return b.database.Update(func(tx *bolt.Tx) error {
		post.CreateTime = b.now()
		post.Normalize()
		return put(tx, BucketPosts, post.ID.String(), post)
	})
}

func (b *BoltStore) GetForumPost(_ context.Context, id models.PostID) (models.ForumPost, error) {
	var post models.ForumPost
	err := b.database.View(func(tx *bolt.Tx) error {
		found, err := get(tx, BucketPosts, id.String(), &post)
		if err != nil {
			return err
		}
		if !found {
			return marketstore.NewErrPostNotFound(id)
		}
		return nil
	})
	return post, err
}

func (b *BoltStore) GetForumPosts(_ context.Context, tag string) ([]models.ForumPost, error) {
	var result []models.ForumPost
	err := b.database.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(BucketPosts)).ForEach(func(_, v []byte) error {
			var post models.ForumPost
			if err := json.Unmarshal(v, &post); err != nil {
				return err
			}
			if tag != "" && post.Tag != tag {
				return nil
			}
			result = append(result, post)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreateTime > result[j].CreateTime
	})
	return result, nil
}

func (b *BoltStore) CreateForumReply(_ context.Context, reply models.ForumReply) error {
	return b.database.Update(func(tx *bolt.Tx) error {
		var post models.ForumPost
		found, err := get(tx, BucketPosts, reply.PostID.String(), &post)
		if err != nil {
			return err
		}
		if !found {
			return marketstore.NewErrPostNotFound(reply.PostID)
		}
		reply.CreateTime = b.now()
		key := compositeKey(reply.PostID.String(), reply.ID.String())
		if err := put(tx, BucketReplies, key, reply); err != nil {
			return err
		}
		post.ReplyCount++
		return put(tx, BucketPosts, reply.PostID.String(), post)
	})
}

func (b *BoltStore) GetForumReplies(_ context.Context, postID models.PostID) ([]models.ForumReply, error) {
	var result []models.ForumReply
	err := b.database.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(BucketPosts)).Get([]byte(postID)) == nil {
			return marketstore.NewErrPostNotFound(postID)
		}
		prefix := []byte(postID.String() + keySeparator)
		cursor := tx.Bucket([]byte(BucketReplies)).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var reply models.ForumReply
			if err := json.Unmarshal(v, &reply); err != nil {
				return err
			}
			result = append(result, reply)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreateTime < result[j].CreateTime
	})
	return result, nil
}

func (b *BoltStore) RecordUpvote(_ context.Context, postID models.PostID, agentID models.AgentID) (int, error) {
	score := 0
	err := b.database.Update(func(tx *bolt.Tx) error {
		var post models.ForumPost
		found, err := get(tx, BucketPosts, postID.String(), &post)
		if err != nil {
			return err
		}
		if !found {
			return marketstore.NewErrPostNotFound(postID)
		}
		key := compositeKey(postID.String(), agentID.String())
		upvotes := tx.Bucket([]byte(BucketUpvotes))
		if upvotes.Get([]byte(key)) != nil {
			return marketstore.NewErrUpvoteExists(postID, agentID)
		}
		if err := upvotes.Put([]byte(key), []byte{}); err != nil {
			return err
		}
		post.Upvotes++
		score = post.Upvotes
		return put(tx, BucketPosts, postID.String(), post)
	})
	return score, err
}

func (b *BoltStore) AppendEvent(_ context.Context, record models.EventRecord) error {
	return b.database.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketEvents))
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		record.ID = seq
		if record.CreatedAt == 0 {
			record.CreatedAt = b.now()
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return bucket.Put(key, data)
	})
}

func (b *BoltStore) GetEvents(_ context.Context, query marketstore.EventQuery) ([]models.EventRecord, error) {
	var result []models.EventRecord
	err := b.database.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket([]byte(BucketEvents)).Cursor()
		// newest first
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			var record models.EventRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if query.JobID != "" && record.JobID != query.JobID {
				continue
			}
			if query.AgentID != "" && record.AgentID != query.AgentID {
				continue
			}
			result = append(result, record)
			if query.Limit > 0 && len(result) == query.Limit {
				break
			}
		}
		return nil
	})
	return result, err
}

func (b *BoltStore) GetConfigValue(_ context.Context, key string) (string, error) {
	var value string
	err := b.database.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(BucketConfig)).Get([]byte(key))
		if data == nil {
			return marketstore.NewErrConfigNotFound(key)
		}
		value = string(data)
		return nil
	})
	return value, err
}

func (b *BoltStore) SetConfigValue(_ context.Context, key, value string) error {
	return b.database.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(BucketConfig)).Put([]byte(key), []byte(value))
	})
}

func (b *BoltStore) Close(_ context.Context) error {
	return b.database.Close()
}

// compile-time interface check
var _ marketstore.Store = (*BoltStore)(nil)
