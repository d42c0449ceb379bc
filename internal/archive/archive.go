package archive

import (
	"context"

	"github.com/sitescan/notifier/internal/config"
	"github.com/sitescan/notifier/internal/store/model"
	"go.uber.org/zap"
)

// Archiver keeps a copy of the jobs removed by the duplicate cleanup.
type Archiver interface {
	Archive(ctx context.Context, jobs model.JobList) error
}

// NoopArchiver drops the jobs.
type NoopArchiver struct{}

func (n *NoopArchiver) Archive(_ context.Context, _ model.JobList) error {
	return nil
}

// NewArchiver returns a minio archiver when an S3 endpoint is configured.
func NewArchiver(cfg *config.Config) Archiver {
	s3 := cfg.Service.S3
	if s3.Endpoint == "" {
		return &NoopArchiver{}
	}

	a, err := NewMinioArchiver(
		WithEndpoint(s3.Endpoint),
		WithBucket(s3.Bucket),
		WithAccessKey(s3.AccessKey),
		WithSecretKey(s3.SecretKey),
		WithSSL(s3.UseSSL),
	)
	if err != nil {
		zap.S().Named("archive").Errorw("failed to create minio archiver, pruned jobs will not be archived", "error", err)
		return &NoopArchiver{}
	}
	return a
}
