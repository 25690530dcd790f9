package dataset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/sensortree/sensortree/internal/logging"
	"github.com/sensortree/sensortree/internal/metrics"
)

// S3Config locates a YAML dataset stored as an S3/MinIO object.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Key       string
}

// S3Source reads and writes the dataset object.
type S3Source struct {
	client *s3.Client
	bucket string
	key    string
}

// NewS3Source creates an S3 client for cfg.
func NewS3Source(ctx context.Context, cfg S3Config) (*S3Source, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	return &S3Source{client: client, bucket: cfg.Bucket, key: cfg.Key}, nil
}

// Fetch downloads and decodes the dataset object.
func (s *S3Source) Fetch(ctx context.Context) ([]*Entity, error) {
	start := time.Now()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		metrics.RecordS3Operation("get", time.Since(start), false)
		return nil, fmt.Errorf("s3 get s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer out.Body.Close()

	roots, err := DecodeYAML(out.Body)
	metrics.RecordS3Operation("get", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return roots, nil
}

// Upload stores roots as the dataset object.
func (s *S3Source) Upload(ctx context.Context, roots []*Entity) error {
	var buf bytes.Buffer
	if err := EncodeYAML(&buf, roots); err != nil {
		return err
	}

	start := time.Now()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/yaml"),
	})
	metrics.RecordS3Operation("put", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("s3 put s3://%s/%s: %w", s.bucket, s.key, err)
	}
	logging.Info("uploaded dataset to S3",
		zap.String("bucket", s.bucket),
		zap.String("key", s.key),
		zap.Int("entities", CountEntities(roots)))
	return nil
}

// LoadS3 builds a dataset from the object. With seed set, a missing object
// is created from the built-in sample first.
func LoadS3(ctx context.Context, cfg S3Config, seed bool) (*Dataset, error) {
	src, err := NewS3Source(ctx, cfg)
	if err != nil {
		return nil, err
	}

	roots, err := src.Fetch(ctx)
	var missing *types.NoSuchKey
	if err != nil && seed && errors.As(err, &missing) {
		roots = SampleEntities()
		if err := src.Upload(ctx, roots); err != nil {
			return nil, err
		}
	} else if err != nil {
		metrics.RecordDatasetReload("s3", false)
		return nil, err
	}

	d, err := New(roots)
	metrics.RecordDatasetReload("s3", err == nil)
	return d, err
}
