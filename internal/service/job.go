package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sitescan/notifier/internal/archive"
	"github.com/sitescan/notifier/internal/events"
	"github.com/sitescan/notifier/internal/registry"
	"github.com/sitescan/notifier/internal/scraper"
	"github.com/sitescan/notifier/internal/service/mappers"
	"github.com/sitescan/notifier/internal/store"
	"github.com/sitescan/notifier/internal/store/model"
	"github.com/sitescan/notifier/pkg/metrics"
	"github.com/thoas/go-funk"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultCatchUpLimit = 1
	defaultFanOutLimit  = 8
	submitAttempts      = 2
	notifyStripes       = 64
)

// JobService drives jobs through their lifecycle and keeps every connection
// of a user in sync with the jobs it owns.
type JobService struct {
	store        store.Store
	registry     *registry.Registry
	notifier     Notifier
	runner       *scraper.Runner
	archiver     archive.Archiver
	eventWriter  *events.EventProducer
	cleaner      *DuplicateCleaner
	catchUpLimit int
	fanOutLimit  int
	baseCtx      context.Context
	wg           sync.WaitGroup
	// notifyLocks order the events of a job sent from reconcile and deliver.
	notifyLocks [notifyStripes]sync.Mutex
}

type JobServiceOption func(s *JobService)

func WithArchiver(a archive.Archiver) JobServiceOption {
	return func(s *JobService) {
		s.archiver = a
	}
}

func WithEventProducer(ep *events.EventProducer) JobServiceOption {
	return func(s *JobService) {
		s.eventWriter = ep
	}
}

// WithCatchUpLimit sets how many recent jobs per target are sent on connect.
func WithCatchUpLimit(limit int) JobServiceOption {
	return func(s *JobService) {
		if limit > 0 {
			s.catchUpLimit = limit
		}
	}
}

// WithFanOutLimit bounds the number of jobs reconciled at once on connect.
func WithFanOutLimit(limit int) JobServiceOption {
	return func(s *JobService) {
		if limit > 0 {
			s.fanOutLimit = limit
		}
	}
}

// WithBaseContext sets the context executions run with. It must not be tied
// to a connection.
func WithBaseContext(ctx context.Context) JobServiceOption {
	return func(s *JobService) {
		s.baseCtx = ctx
	}
}

func NewJobService(s store.Store, r *registry.Registry, n Notifier, runner *scraper.Runner, opts ...JobServiceOption) *JobService {
	js := &JobService{
		store:        s,
		registry:     r,
		notifier:     n,
		runner:       runner,
		archiver:     &archive.NoopArchiver{},
		catchUpLimit: defaultCatchUpLimit,
		fanOutLimit:  defaultFanOutLimit,
		baseCtx:      context.Background(),
	}
	for _, o := range opts {
		o(js)
	}
	js.cleaner = NewDuplicateCleaner(s, js.archiver, js.eventWriter)
	return js
}

// Connect registers handle for identity, sends the catch-up snapshot and
// moves every unfinished job of identity onto handle. Results produced while
// the user was away are delivered here.
func (s *JobService) Connect(ctx context.Context, identity, handle string, targets []string) error {
	previous, err := s.catchUp(ctx, identity, targets)
	if err != nil {
		return err
	}

	unfinished, err := s.store.Job().List(ctx,
		store.NewJobQueryFilter().ByOwner(identity).WithoutStatus(model.JobStatusAccepted),
		store.NewJobQueryOptions().WithSortOrder(store.SortByCreatedTime),
	)
	if err != nil {
		return NewErrStore("list unfinished jobs", err)
	}

	s.registry.Bind(identity, handle)
	metrics.UniqueUsersPerWeek.IncreaseTotalUniqueUsers(identity)

	s.notifier.Send(handle, EventPreviousJobs, mappers.PreviousJobsFromList(previous))

	var (
		mu   sync.Mutex
		errs error
	)
	g := errgroup.Group{}
	g.SetLimit(s.fanOutLimit)
	for _, j := range unfinished {
		g.Go(func() error {
			if err := s.reconcile(ctx, j.ID, handle); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	zap.S().Named("job_service").Infow("connection reconciled",
		"identity", identity,
		"handle", handle,
		"connections", len(s.registry.ActiveHandlesFor(identity)),
		"unfinished", len(unfinished),
		"errors", len(multierr.Errors(errs)),
	)

	return errs
}

// Submit starts a job for target on behalf of identity. An open job for the
// same target is reused instead of starting a second execution.
func (s *JobService) Submit(ctx context.Context, identity, handle, target string) (*model.Job, error) {
	for attempt := 0; attempt < submitAttempts; attempt++ {
		job, err := s.store.Job().Create(ctx, model.NewJob(identity, target, handle))
		if err == nil {
			s.start(ctx, *job)
			return job, nil
		}
		if !errors.Is(err, store.ErrDuplicateKey) {
			return nil, NewErrStore("create job", err)
		}

		open, err := s.coalesce(ctx, identity, handle, target)
		if err != nil {
			return nil, err
		}
		if open != nil {
			return open, nil
		}
		// the open job got accepted in between
	}
	return nil, NewErrStore("create job", store.ErrDuplicateKey)
}

// Acknowledge marks a finished or failed job as accepted by its owner and
// prunes older accepted jobs for the same target.
func (s *JobService) Acknowledge(ctx context.Context, identity string, id uuid.UUID) (*model.Job, error) {
	jobs, err := s.store.Job().Transition(ctx,
		store.NewJobQueryFilter().ByID(id).ByOwner(identity),
		model.JobStatusAccepted,
		map[string]any{
			"app_status":        model.AppStatusNone,
			"connection_handle": "",
			"accepted_at":       time.Now().UTC(),
		},
	)
	if err != nil {
		return nil, NewErrStore("accept job", err)
	}

	if len(jobs) == 0 {
		job, err := s.store.Job().Get(ctx, id)
		switch {
		case errors.Is(err, store.ErrRecordNotFound):
			return nil, NewErrJobNotFound(id)
		case err != nil:
			return nil, NewErrStore("get job", err)
		case job.Owner != identity:
			return nil, NewErrJobNotFound(id)
		default:
			return nil, NewErrInvalidTransition(id, job.JobStatus, model.JobStatusAccepted)
		}
	}

	accepted := jobs[0]
	metrics.IncreaseJobTransitionMetric(model.JobStatusAccepted.String())
	writeJobEvent(ctx, s.eventWriter, events.JobAcceptedKind, accepted)

	if _, err := s.cleaner.Prune(ctx, accepted.Owner, accepted.Target); err != nil {
		zap.S().Named("job_service").Errorw("failed to prune accepted jobs", "error", err, "owner", accepted.Owner, "target", accepted.Target)
	}

	return &accepted, nil
}

// Disconnect detaches every job bound to handle. Running executions are left
// alone. The handle stays registered when the store write fails.
func (s *JobService) Disconnect(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}

	jobs, err := s.store.Job().Update(ctx,
		store.NewJobQueryFilter().ByConnectionHandle(handle).WithoutStatus(model.JobStatusAccepted),
		map[string]any{
			"app_status":        model.AppStatusDisconnected,
			"connection_handle": "",
		},
	)
	if err != nil {
		return NewErrStore("detach jobs", err)
	}

	identity, _ := s.registry.IdentityOf(handle)
	s.registry.Unbind(handle)
	zap.S().Named("job_service").Debugw("connection detached",
		"identity", identity,
		"handle", handle,
		"connections", len(s.registry.ActiveHandlesFor(identity)),
		"jobs", len(jobs),
	)

	return nil
}

// Release forgets handle without touching its jobs.
func (s *JobService) Release(handle string) {
	s.registry.Unbind(handle)
}

// List returns the jobs owned by identity, newest first.
func (s *JobService) List(ctx context.Context, identity string) (model.JobList, error) {
	jobs, err := s.store.Job().List(ctx,
		store.NewJobQueryFilter().ByOwner(identity),
		store.NewJobQueryOptions().WithSortOrder(store.SortByCreatedTimeDesc),
	)
	if err != nil {
		return nil, NewErrStore("list jobs", err)
	}
	return jobs, nil
}

// Wait blocks until every started execution has been persisted.
func (s *JobService) Wait() {
	s.wg.Wait()
}

func (s *JobService) catchUp(ctx context.Context, identity string, targets []string) (model.JobList, error) {
	previous := model.JobList{}
	for _, target := range funk.UniqString(targets) {
		jobs, err := s.store.Job().List(ctx,
			store.NewJobQueryFilter().ByOwner(identity).ByTarget(target),
			store.NewJobQueryOptions().WithSortOrder(store.SortByCreatedTimeDesc).WithLimit(s.catchUpLimit),
		)
		if err != nil {
			return nil, NewErrStore("list previous jobs", err)
		}
		previous = append(previous, jobs...)
	}
	return previous, nil
}

// reconcile binds the job to handle and tells the connection where the job
// stands. The status of a running job is sent before a completion can be
// delivered on the same handle.
func (s *JobService) reconcile(ctx context.Context, id uuid.UUID, handle string) error {
	lock := s.notifyLock(id)
	lock.Lock()

	jobs, err := s.store.Job().Update(ctx,
		store.NewJobQueryFilter().ByID(id).WithoutStatus(model.JobStatusAccepted),
		map[string]any{
			"connection_handle": handle,
			"app_status":        model.AppStatusConnected,
		},
	)
	if err != nil {
		lock.Unlock()
		return NewErrStore("rebind job", err)
	}
	if len(jobs) == 0 {
		lock.Unlock()
		return nil
	}

	job := jobs[0]
	if job.JobStatus.IsDone() {
		lock.Unlock()
		return s.deliver(ctx, job.ID)
	}

	s.notifier.Send(handle, EventStatus, mappers.StatusFromJob(job))
	lock.Unlock()
	return nil
}

func (s *JobService) notifyLock(id uuid.UUID) *sync.Mutex {
	return &s.notifyLocks[int(id[len(id)-1])%notifyStripes]
}

func (s *JobService) coalesce(ctx context.Context, identity, handle, target string) (*model.Job, error) {
	open, err := s.store.Job().List(ctx,
		store.NewJobQueryFilter().ByOwner(identity).ByTarget(target).WithoutStatus(model.JobStatusAccepted),
		store.NewJobQueryOptions().WithLimit(1),
	)
	if err != nil {
		return nil, NewErrStore("find open job", err)
	}
	if len(open) == 0 {
		return nil, nil
	}

	job := open[0]
	metrics.IncreaseSubmissionsCoalescedMetric()
	writeJobEvent(ctx, s.eventWriter, events.JobCoalescedKind, job)
	zap.S().Named("job_service").Infow("submission coalesced", "job_id", job.ID, "owner", identity, "target", target, "status", job.JobStatus)

	if err := s.reconcile(ctx, job.ID, handle); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *JobService) start(ctx context.Context, job model.Job) {
	metrics.IncreaseJobTransitionMetric(job.JobStatus.String())
	writeJobEvent(ctx, s.eventWriter, events.JobCreatedKind, job)
	s.notifier.Send(job.ConnectionHandle, EventStatus, mappers.StatusFromJob(job))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(job.ID, job.Target)
	}()
}

// execute runs the target and stores the outcome whatever the state of the
// connection that asked for it.
func (s *JobService) execute(id uuid.UUID, target string) {
	ctx := s.baseCtx
	logger := zap.S().Named("job_service").With("job_id", id, "target", target)

	outcome := s.runner.Run(ctx, target)

	next := model.JobStatusFinished
	kind := events.JobFinishedKind
	if !outcome.Succeeded() {
		next = model.JobStatusError
		kind = events.JobFailedKind
	}

	fields := map[string]any{
		"success":               outcome.Succeeded(),
		"failure_reason":        outcome.FailureReason(),
		"result_created_at":     time.Now().UTC(),
		"execution_duration_ms": outcome.Duration.Milliseconds(),
	}
	if len(outcome.Result.Data) > 0 {
		fields["result"] = []byte(outcome.Result.Data)
	}

	jobs, err := s.store.Job().Transition(ctx, store.NewJobQueryFilter().ByID(id), next, fields)
	if err != nil {
		logger.Errorw("failed to store job outcome", "error", err, "status", next)
		return
	}
	if len(jobs) == 0 {
		logger.Warnw("job outcome discarded, job is no longer running", "status", next)
		return
	}

	metrics.IncreaseJobTransitionMetric(next.String())
	writeJobEvent(ctx, s.eventWriter, kind, jobs[0])
	logger.Infow("job completed", "status", next, "took", outcome.Duration.Round(time.Millisecond).String(), "reason", outcome.FailureReason())

	if err := s.deliver(ctx, id); err != nil {
		logger.Errorw("failed to deliver job outcome", "error", err)
	}
}

// deliver sends the outcome of the job to its current connection, once per
// connection. Jobs without a live connection are left for the next connect.
func (s *JobService) deliver(ctx context.Context, id uuid.UUID) error {
	lock := s.notifyLock(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := s.store.Job().ClaimDelivery(ctx, id)
	if errors.Is(err, store.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return NewErrStore("claim delivery", err)
	}

	s.notifier.Send(job.ConnectionHandle, EventReportGenerated, mappers.ReportGeneratedFromJob(*job))
	return nil
}
