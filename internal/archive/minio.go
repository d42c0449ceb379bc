package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sitescan/notifier/internal/store/model"
	"go.uber.org/zap"
)

const defaultBucket = "notifier-reports"

type MinioOpts func(c *minioConfig)

type minioConfig struct {
	endpoint        string
	bucket          string
	accessKey       string
	secretAccessKey string
	region          string
	useSSL          bool
}

func newConfig(opts ...MinioOpts) *minioConfig {
	cfg := &minioConfig{
		bucket: defaultBucket,
		region: "us-east-1",
	}

	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

type archivedJob struct {
	ID                  string          `json:"id"`
	Owner               string          `json:"owner"`
	Target              string          `json:"target"`
	JobStatus           string          `json:"jobStatus"`
	Success             bool            `json:"success"`
	FailureReason       string          `json:"failureReason,omitempty"`
	Result              json.RawMessage `json:"result,omitempty"`
	ResultCreatedAt     *time.Time      `json:"resultCreatedAt,omitempty"`
	ExecutionDurationMs *int64          `json:"executionDurationMs,omitempty"`
	AcceptedAt          *time.Time      `json:"acceptedAt,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
}

type MinioArchiver struct {
	cfg    *minioConfig
	client *minio.Client
}

func NewMinioArchiver(opts ...MinioOpts) (*MinioArchiver, error) {
	cfg := newConfig(opts...)

	// Initialize minio client object.
	minioClient, err := minio.New(cfg.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretAccessKey, ""),
		Secure: cfg.useSSL,
		Region: cfg.region,
	})
	if err != nil {
		return nil, err
	}

	return &MinioArchiver{cfg: cfg, client: minioClient}, nil
}

func (m *MinioArchiver) Archive(ctx context.Context, jobs model.JobList) error {
	for _, j := range jobs {
		data, err := json.Marshal(toArchivedJob(j))
		if err != nil {
			return err
		}

		key := objectKey(j)
		if _, err := m.client.PutObject(ctx, m.cfg.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: "application/json",
		}); err != nil {
			return fmt.Errorf("failed to archive job %s: %w", j.ID, err)
		}
		zap.S().Named("minio_archiver").Debugw("job archived", "job_id", j.ID, "bucket", m.cfg.bucket, "key", key)
	}
	return nil
}

func toArchivedJob(j model.Job) archivedJob {
	a := archivedJob{
		ID:                  j.ID.String(),
		Owner:               j.Owner,
		Target:              j.Target,
		JobStatus:           j.JobStatus.String(),
		Success:             j.Success,
		FailureReason:       j.FailureReason,
		ResultCreatedAt:     j.ResultCreatedAt,
		ExecutionDurationMs: j.ExecutionDurationMs,
		AcceptedAt:          j.AcceptedAt,
		CreatedAt:           j.CreatedAt,
	}
	if json.Valid(j.Result) {
		a.Result = j.Result
	}
	return a
}

func objectKey(j model.Job) string {
	return fmt.Sprintf("%s/%s/%s.json", url.PathEscape(j.Owner), url.PathEscape(j.Target), j.ID)
}

func WithEndpoint(endpoint string) MinioOpts {
	return func(c *minioConfig) {
		c.endpoint = endpoint
	}
}

func WithBucket(bucket string) MinioOpts {
	return func(c *minioConfig) {
		if bucket != "" {
			c.bucket = bucket
		}
	}
}

func WithAccessKey(key string) MinioOpts {
	return func(c *minioConfig) {
		c.accessKey = key
	}
}

func WithSecretKey(key string) MinioOpts {
	return func(c *minioConfig) {
		c.secretAccessKey = key
	}
}

func WithSSL(useSSL bool) MinioOpts {
	return func(c *minioConfig) {
		c.useSSL = useSSL
	}
}
