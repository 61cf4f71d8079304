package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/agentguild/guild/pkg/marketstore"
	"github.com/agentguild/guild/pkg/models"
)

const (
	DefaultSchedulerInterval = 8 * time.Second
	// OpenJobsLowWater triggers a new job batch when the count of open
	// jobs drops below it.
	OpenJobsLowWater = 3
	// JobBatchSize is how many template jobs a replenishment creates.
	JobBatchSize = 2
	// StaleAssignmentWindow is how long an assigned job may sit without
	// a result before the watchdog reopens it.
	StaleAssignmentWindow = 5 * time.Minute
)

type SchedulerParams struct {
	Store    marketstore.Store
	Endpoint *Endpoint
	Interval time.Duration
	// OpenJobsLowWater overrides the default replenishment threshold
	// when > 0.
	OpenJobsLowWater int
	// StaleAssignmentWindow overrides the default watchdog window when
	// > 0.
	StaleAssignmentWindow time.Duration
	Clock                 clock.Clock
}

// Scheduler drives the marketplace forward without external input:
// it replenishes open jobs, assigns bid-on jobs, settles finished
// ones, runs the prediction market lifecycle, and reclaims stuck
// assignments. A single goroutine runs every duty in a fixed order
// each tick; one duty failing never stops the others.
type Scheduler struct {
	store       marketstore.Store
	endpoint    *Endpoint
	interval    time.Duration
	lowWater    int
	staleWindow time.Duration
	clock       clock.Clock

	stopChan  chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewScheduler(params SchedulerParams) *Scheduler {
	scheduler := &Scheduler{
		store:       params.Store,
		endpoint:    params.Endpoint,
		interval:    params.Interval,
		lowWater:    params.OpenJobsLowWater,
		staleWindow: params.StaleAssignmentWindow,
		clock:       params.Clock,
		stopChan:    make(chan struct{}),
	}
	if scheduler.interval <= 0 {
		scheduler.interval = DefaultSchedulerInterval
	}
	if scheduler.lowWater <= 0 {
		scheduler.lowWater = OpenJobsLowWater
	}
	if scheduler.staleWindow <= 0 {
		scheduler.staleWindow = StaleAssignmentWindow
	}
	if scheduler.clock == nil {
		scheduler.clock = clock.New()
	}
	return scheduler
}

func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.run(ctx)
	})
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

func (s *Scheduler) run(ctx context.Context) {
	log.Ctx(ctx).Info().Dur("Interval", s.interval).Msg("marketplace scheduler started")
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	// seed the board before the first tick fires
	s.tick(ctx)

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopChan:
			log.Ctx(ctx).Debug().Msg("marketplace scheduler stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	var errs *multierror.Error
	errs = multierror.Append(errs, s.replenishJobs(ctx))
	errs = multierror.Append(errs, s.assignJobs(ctx))
	errs = multierror.Append(errs, s.settleJobs(ctx))
	errs = multierror.Append(errs, s.createPredictions(ctx))
	errs = multierror.Append(errs, s.settlePredictions(ctx))
	errs = multierror.Append(errs, s.reclaimStaleJobs(ctx))
	if err := errs.ErrorOrNil(); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("scheduler tick finished with errors")
	}
}

// replenishJobs tops the board up from the templates when too few jobs
// are open.
func (s *Scheduler) replenishJobs(ctx context.Context) error {
	open, err := s.store.GetJobs(ctx, marketstore.JobQueryForState(models.JobStateOpen))
	if err != nil {
		return errors.Wrap(err, "counting open jobs")
	}
	if len(open) >= s.lowWater {
		return nil
	}

	var errs *multierror.Error
	for i := 0; i < JobBatchSize; i++ {
		template := jobTemplates[rand.Intn(len(jobTemplates))]
		template.Description = fmt.Sprintf("Autonomous job: %s", template.Title)
		template.CreatorID = models.SystemAgentID
		if _, err := s.endpoint.CreateJob(ctx, template); err != nil {
			errs = multierror.Append(errs, errors.Wrap(err, "creating template job"))
		}
	}
	return errs.ErrorOrNil()
}

// assignJobs picks winners for every open job that has at least one
// bid.
func (s *Scheduler) assignJobs(ctx context.Context) error {
	open, err := s.store.GetJobs(ctx, marketstore.JobQueryForState(models.JobStateOpen))
	if err != nil {
		return errors.Wrap(err, "listing open jobs")
	}

	var errs *multierror.Error
	for _, job := range open {
		assigned, winner, err := s.endpoint.AssignJob(ctx, job.ID)
		if err != nil {
			var noBids ErrNoBids
			if errors.As(err, &noBids) {
				continue
			}
			errs = multierror.Append(errs, errors.Wrapf(err, "assigning job %s", models.ShortID(job.ID.String())))
			continue
		}
		// open the market on the fresh assignment right away
		if err := s.openPrediction(ctx, assigned, winner.AgentID); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// settleJobs pays out every completed job.
func (s *Scheduler) settleJobs(ctx context.Context) error {
	completed, err := s.store.GetJobs(ctx, marketstore.JobQueryForState(models.JobStateCompleted))
	if err != nil {
		return errors.Wrap(err, "listing completed jobs")
	}

	var errs *multierror.Error
	for _, job := range completed {
		if _, err := s.endpoint.SettleJob(ctx, job.ID); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "settling job %s", models.ShortID(job.ID.String())))
		}
	}
	return errs.ErrorOrNil()
}

// createPredictions backfills markets for assigned jobs that lack one.
func (s *Scheduler) createPredictions(ctx context.Context) error {
	assigned, err := s.store.GetJobs(ctx, marketstore.JobQueryForState(models.JobStateAssigned))
	if err != nil {
		return errors.Wrap(err, "listing assigned jobs")
	}

	var errs *multierror.Error
	for _, job := range assigned {
		_, err := s.store.GetPredictionForJob(ctx, job.ID)
		if err == nil {
			continue
		}
		var notFound marketstore.ErrPredictionNotFound
		if !errors.As(err, &notFound) {
			errs = multierror.Append(errs, err)
			continue
		}
		if err := s.openPrediction(ctx, job, job.AssignedAgentID); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (s *Scheduler) openPrediction(ctx context.Context, job models.Job, target models.AgentID) error {
	_, err := s.endpoint.CreatePrediction(ctx, CreatePredictionRequest{
		JobID:         job.ID,
		TargetAgentID: target,
		Question:      fmt.Sprintf("Will %s complete %q before deadline?", models.ShortID(target.String()), job.Title),
		Deadline:      job.Deadline,
		CreatorID:     models.SystemAgentID,
	})
	if err != nil {
		var exists marketstore.ErrPredictionExists
		if errors.As(err, &exists) {
			return nil
		}
		return errors.Wrapf(err, "opening prediction for job %s", models.ShortID(job.ID.String()))
	}
	return nil
}

// settlePredictions resolves every open market whose job reached a
// final state. The outcome is yes iff the job produced a result.
func (s *Scheduler) settlePredictions(ctx context.Context) error {
	open, err := s.store.GetOpenPredictions(ctx)
	if err != nil {
		return errors.Wrap(err, "listing open predictions")
	}

	var errs *multierror.Error
	for _, prediction := range open {
		job, err := s.store.GetJob(ctx, prediction.JobID)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if !job.IsFinal() {
			continue
		}
		outcome := job.State == models.JobStateCompleted || job.State == models.JobStateSettled
		if _, err := s.endpoint.SettlePrediction(ctx, prediction.ID, outcome); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "settling prediction %s", models.ShortID(prediction.ID.String())))
		}
	}
	return errs.ErrorOrNil()
}

// reclaimStaleJobs reopens assignments that never produced a result so
// the job can be bid on again.
func (s *Scheduler) reclaimStaleJobs(ctx context.Context) error {
	assigned, err := s.store.GetJobs(ctx, marketstore.JobQueryForState(models.JobStateAssigned))
	if err != nil {
		return errors.Wrap(err, "listing assigned jobs")
	}

	cutoff := s.clock.Now().Add(-s.staleWindow).UTC().UnixNano()
	var errs *multierror.Error
	for _, job := range assigned {
		if job.AssignTime == 0 || job.AssignTime >= cutoff {
			continue
		}
		_, err := s.store.UpdateJobState(ctx, marketstore.UpdateJobStateRequest{
			JobID:     job.ID,
			Condition: marketstore.UpdateJobCondition{ExpectedState: models.JobStateAssigned},
			NewState:  models.JobStateOpen,
			Mutate: func(j *models.Job) {
				j.AssignedAgentID = ""
				j.AssignTime = 0
			},
		})
		if err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "reclaiming job %s", models.ShortID(job.ID.String())))
			continue
		}
		log.Ctx(ctx).Info().Str("JobID", models.ShortID(job.ID.String())).Msg("reclaimed stale assignment")
	}
	return errs.ErrorOrNil()
}
