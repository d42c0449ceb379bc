package store

import (
	"context"

	"github.com/sitescan/notifier/internal/store/model"
	"gorm.io/gorm"
)

type Store interface {
	NewTransactionContext(ctx context.Context) (context.Context, error)
	Job() Job
	InitialMigration(ctx context.Context) error
	Statistics(ctx context.Context) (model.JobStats, error)
	Ping(ctx context.Context) error
	Close() error
}

type DataStore struct {
	db  *gorm.DB
	job Job
}

func NewStore(db *gorm.DB) Store {
	return &DataStore{
		job: NewJobStore(db),
		db:  db,
	}
}

func (s *DataStore) NewTransactionContext(ctx context.Context) (context.Context, error) {
	return newTransactionContext(ctx, s.db)
}

func (s *DataStore) Job() Job {
	return s.job
}

func (s *DataStore) InitialMigration(ctx context.Context) error {
	return s.job.InitialMigration(ctx)
}

func (s *DataStore) Statistics(ctx context.Context) (model.JobStats, error) {
	var jobs model.JobList
	if err := s.db.WithContext(ctx).Model(&model.Job{}).Select("owner", "job_status", "app_status").Find(&jobs).Error; err != nil {
		return model.JobStats{}, err
	}
	return model.NewJobStats(jobs), nil
}

func (s *DataStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
