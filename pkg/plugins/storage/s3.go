package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/TheEntropyCollective/fluxgate/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/fluxgate/pkg/pipeline"
)

func init() {
	pipeline.RegisterPlugin(pipeline.KindStorage, "s3", func(cfg map[string]any) (pipeline.Plugin, error) {
		c := S3Config{}
		for key, dst := range map[string]*string{
			"bucket":     &c.Bucket,
			"region":     &c.Region,
			"endpoint":   &c.Endpoint,
			"access_key": &c.AccessKey,
			"secret_key": &c.SecretKey,
			"prefix":     &c.Prefix,
		} {
			if v, ok := cfg[key].(string); ok {
				*dst = v
			}
		}
		if v, ok := cfg["naming"].(string); ok {
			c.Naming = NamingStrategy(v)
		}
		if v, ok := cfg["force_path_style"].(bool); ok {
			c.ForcePathStyle = v
		}
		return NewS3Storage(c)
	})
}

// S3API is the narrow slice of the S3 client the sink uses; tests
// substitute a fake.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Config configures the S3 sink.
type S3Config struct {
	// Bucket is the target bucket. Required.
	Bucket string
	// Region is the bucket region.
	Region string
	// Endpoint overrides the S3 endpoint for compatible stores (MinIO,
	// localstack).
	Endpoint string
	// AccessKey and SecretKey select static credentials; empty falls
	// back to the default AWS credential chain.
	AccessKey string
	SecretKey string
	// ForcePathStyle uses path-style addressing; required by most
	// S3-compatible stores.
	ForcePathStyle bool
	// Naming selects the key strategy; default uuid.
	Naming NamingStrategy
	// Prefix becomes a leading key segment.
	Prefix string
}

// S3Storage uploads each file part as a single PutObject (the 5 GiB
// single-PUT ceiling applies; multipart uploads are out of scope). The
// part stream spools through a temp file first because PutObject signs
// with a known Content-Length while the part length is unknown until the
// closing boundary.
type S3Storage struct {
	pipeline.NopPlugin
	cfg    S3Config
	client S3API
	logger *logging.Logger
}

// NewS3Storage creates an S3 sink.
func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	if _, err := NewNamer(cfg.Naming, cfg.Prefix); err != nil {
		return nil, err
	}
	return &S3Storage{
		cfg:    cfg,
		logger: logging.GetGlobalLogger().WithComponent("storage.s3"),
	}, nil
}

// NewS3StorageWithClient creates an S3 sink over an existing client.
func NewS3StorageWithClient(cfg S3Config, client S3API) (*S3Storage, error) {
	s, err := NewS3Storage(cfg)
	if err != nil {
		return nil, err
	}
	s.client = client
	return s, nil
}

func (s *S3Storage) Name() string { return "s3" }

func (s *S3Storage) ValidateConfig() error {
	if s.cfg.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if (s.cfg.AccessKey == "") != (s.cfg.SecretKey == "") {
		return fmt.Errorf("access_key and secret_key must be set together")
	}
	return nil
}

// Initialize builds the AWS client and verifies the bucket is reachable.
func (s *S3Storage) Initialize(ctx context.Context) error {
	if s.client == nil {
		opts := []func(*awsconfig.LoadOptions) error{}
		if s.cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(s.cfg.Region))
		}
		if s.cfg.AccessKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(s.cfg.AccessKey, s.cfg.SecretKey, "")))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return fmt.Errorf("failed to load AWS configuration: %w", err)
		}
		s.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if s.cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(s.cfg.Endpoint)
			}
			o.UsePathStyle = s.cfg.ForcePathStyle
		})
	}

	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)}); err != nil {
		return fmt.Errorf("bucket %s is not accessible: %w", s.cfg.Bucket, err)
	}
	return nil
}

func (s *S3Storage) Process(ctx context.Context, pc *pipeline.Context) (*pipeline.Context, error) {
	namer, err := NewNamer(s.cfg.Naming, s.cfg.Prefix)
	if err != nil {
		return nil, err
	}
	key := namer.KeyFor(pc.FileInfo, pc.Metadata)

	spool, err := os.CreateTemp("", "fluxgate-s3-*")
	if err != nil {
		return nil, pipeline.NewError(pipeline.CodeStorageFailed, "s3", "failed to create spool file", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	n, err := io.Copy(spool, pc.Stream)
	if err != nil {
		return nil, wrapStreamErr("s3", "spool failed", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, pipeline.NewError(pipeline.CodeStorageFailed, "s3", "failed to rewind spool", err)
	}

	contentType := pc.FileInfo.MimeType
	if detected, ok := pc.Metadata[pipeline.MetaDetectedMimeType].(string); ok {
		contentType = detected
	}

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          spool,
		ContentLength: aws.Int64(n),
		ContentType:   aws.String(contentType),
	}); err != nil {
		return nil, pipeline.NewError(pipeline.CodeStorageFailed, "s3", "put object failed", err)
	}

	pc.Storage = &pipeline.StorageResult{
		Backend:  "s3",
		Key:      key,
		Location: s.objectURL(key),
		Size:     n,
		StoredAt: time.Now(),
	}
	return pc, nil
}

// Cleanup deletes the uploaded object when a sibling sink failed after
// this one succeeded.
func (s *S3Storage) Cleanup(ctx context.Context, pc *pipeline.Context, cause error) error {
	if pc.Storage == nil || pc.Storage.Backend != "s3" {
		return nil
	}
	return s.Delete(ctx, pc.Storage.Key)
}

// Delete removes an object by key.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

func (s *S3Storage) objectURL(key string) string {
	if s.cfg.Endpoint != "" {
		return strings.TrimRight(s.cfg.Endpoint, "/") + "/" + s.cfg.Bucket + "/" + key
	}
	if s.cfg.Region != "" {
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, key)
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.cfg.Bucket, key)
}
