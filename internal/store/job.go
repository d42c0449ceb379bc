package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sitescan/notifier/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SortOrder int

const (
	Unsorted SortOrder = iota
	SortByID
	SortByUpdatedTime
	SortByCreatedTime
	SortByCreatedTimeDesc
)

const openJobIndexStm = "CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_open_owner_target ON jobs (owner, target) WHERE job_status <> 'accepted'"

type Job interface {
	List(ctx context.Context, filter *JobQueryFilter, opts *JobQueryOptions) (model.JobList, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Job, error)
	Create(ctx context.Context, job model.Job) (*model.Job, error)
	Update(ctx context.Context, filter *JobQueryFilter, fields map[string]any) (model.JobList, error)
	Transition(ctx context.Context, filter *JobQueryFilter, next model.JobStatus, fields map[string]any) (model.JobList, error)
	ClaimDelivery(ctx context.Context, id uuid.UUID) (*model.Job, error)
	Delete(ctx context.Context, filter *JobQueryFilter) (int64, error)
	InitialMigration(context.Context) error
}

type JobStore struct {
	db *gorm.DB
}

// Make sure we conform to Job interface
var _ Job = (*JobStore)(nil)

func NewJobStore(db *gorm.DB) Job {
	return &JobStore{db: db}
}

func (j *JobStore) InitialMigration(ctx context.Context) error {
	if err := j.getDB(ctx).AutoMigrate(&model.Job{}); err != nil {
		return err
	}
	return j.getDB(ctx).Exec(openJobIndexStm).Error
}

func (j *JobStore) List(ctx context.Context, filter *JobQueryFilter, opts *JobQueryOptions) (model.JobList, error) {
	var jobs model.JobList
	tx := j.getDB(ctx).WithContext(ctx)

	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}

	if opts != nil {
		for _, fn := range opts.QueryFn {
			tx = fn(tx)
		}
	}

	if err := tx.Model(&jobs).Find(&jobs).Error; err != nil {
		return nil, err
	}

	return jobs, nil
}

func (j *JobStore) Get(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	job := &model.Job{}

	if err := j.getDB(ctx).WithContext(ctx).Where("id = ?", id).First(job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	return job, nil
}

// Create inserts a job. ErrDuplicateKey is returned when the owner already
// has an open job for the same target.
func (j *JobStore) Create(ctx context.Context, job model.Job) (*model.Job, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}

	if err := j.getDB(ctx).WithContext(ctx).Create(&job).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, ErrDuplicateKey
		}
		return nil, err
	}

	return &job, nil
}

// Update writes fields on every job matched by filter and returns the rows as
// they are after the write.
func (j *JobStore) Update(ctx context.Context, filter *JobQueryFilter, fields map[string]any) (model.JobList, error) {
	jobs := model.JobList{}
	tx := j.getDB(ctx).WithContext(ctx)

	if filter == nil || len(filter.QueryFn) == 0 {
		return nil, gorm.ErrMissingWhereClause
	}

	for _, fn := range filter.QueryFn {
		tx = fn(tx)
	}

	if err := tx.Model(&jobs).Clauses(clause.Returning{}).Updates(fields).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, ErrDuplicateKey
		}
		return nil, err
	}

	return jobs, nil
}

// Transition moves the matched jobs to next. Only jobs whose current status is
// a legal predecessor of next are touched.
func (j *JobStore) Transition(ctx context.Context, filter *JobQueryFilter, next model.JobStatus, fields map[string]any) (model.JobList, error) {
	sources := model.AllowedSources(next)
	if len(sources) == 0 {
		return model.JobList{}, nil
	}

	values := map[string]any{}
	for k, v := range fields {
		values[k] = v
	}
	values["job_status"] = next

	guarded := &JobQueryFilter{QueryFn: append([]func(tx *gorm.DB) *gorm.DB{}, filter.QueryFn...)}
	return j.Update(ctx, guarded.ByStatus(sources...), values)
}

// ClaimDelivery marks the job as delivered to its current handle. It returns
// ErrRecordNotFound when the job has no outcome, no live connection or the
// handle already got it.
func (j *JobStore) ClaimDelivery(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	filter := NewJobQueryFilter().
		ByID(id).
		ByStatus(model.JobStatusFinished, model.JobStatusError).
		ByAppStatus(model.AppStatusConnected).
		WithLiveHandle().
		Undelivered()

	jobs, err := j.Update(ctx, filter, map[string]any{"delivered_to": gorm.Expr("connection_handle")})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrRecordNotFound
	}

	return &jobs[0], nil
}

func (j *JobStore) Delete(ctx context.Context, filter *JobQueryFilter) (int64, error) {
	tx := j.getDB(ctx).WithContext(ctx)

	if filter == nil || len(filter.QueryFn) == 0 {
		return 0, gorm.ErrMissingWhereClause
	}

	for _, fn := range filter.QueryFn {
		tx = fn(tx)
	}

	result := tx.Delete(&model.Job{})
	return result.RowsAffected, result.Error
}

func (j *JobStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return j.db
}
