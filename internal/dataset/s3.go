package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ashita-ai/verity/internal/model"
)

// maxObjectBytes caps how much of a stored dataset is read.
const maxObjectBytes = 64 << 20

// S3Config holds connection settings for the dataset bucket.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // custom endpoint for MinIO/S3-compatible services
	AccessKeyID     string
	SecretAccessKey string
}

type objectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads datasets stored as JSON arrays of objects.
type S3Source struct {
	client objectGetter
	bucket string
}

// NewS3Source creates an S3Source. Static credentials are used when given;
// otherwise the default AWS credential chain applies.
func NewS3Source(ctx context.Context, cfg S3Config) (*S3Source, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("dataset: S3 bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("dataset: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO
		}
	})
	return &S3Source{client: client, bucket: cfg.Bucket}, nil
}

// Fetch downloads and decodes the object at key.
func (s *S3Source) Fetch(ctx context.Context, key string) ([]model.Row, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("dataset: get object %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	var rows []model.Row
	if err := json.NewDecoder(io.LimitReader(out.Body, maxObjectBytes)).Decode(&rows); err != nil {
		return nil, fmt.Errorf("dataset: decode object %s: %w", key, err)
	}
	return rows, nil
}
