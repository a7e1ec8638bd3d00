// Package publish uploads the exported rollup artifact to object storage,
// where serving layers read it from.
package publish

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v5"
)

const (
	defaultRegion = "us-east-1"
	maxPutTries   = 4
)

// ObjectStore is the S3 surface the publisher uses.
type ObjectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type Config struct {
	Logger *slog.Logger

	Bucket string

	// Key is the object key. Defaults to the artifact's base name.
	Key string

	// Region defaults to us-east-1.
	Region string

	// Endpoint overrides the AWS endpoint, for MinIO and compatible stores.
	Endpoint string

	// AccessKeyID and SecretAccessKey override the SDK's default credential
	// chain when both are set.
	AccessKeyID     string
	SecretAccessKey string

	// Client overrides the real S3 client in tests.
	Client ObjectStore
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Bucket == "" {
		return errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}
	return nil
}

// Publisher uploads files to one S3 bucket.
type Publisher struct {
	log    *slog.Logger
	cfg    Config
	client ObjectStore
}

func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := cfg.Client
	if client == nil {
		loadOpts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(cfg.Region),
		}
		if cfg.AccessKeyID != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
			))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		if cfg.Endpoint != "" {
			client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				// MinIO and similar services need path-style addressing.
				o.UsePathStyle = true
			})
		} else {
			client = s3.NewFromConfig(awsCfg)
		}
	}

	return &Publisher{
		log:    cfg.Logger,
		cfg:    cfg,
		client: client,
	}, nil
}

// Publish uploads the artifact, verifies the stored size, and returns the
// object URL.
func (p *Publisher) Publish(ctx context.Context, artifactPath string) (string, error) {
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return "", fmt.Errorf("failed to read artifact %s: %w", artifactPath, err)
	}

	key := p.cfg.Key
	if key == "" {
		key = path.Base(artifactPath)
	}
	contentMD5 := computeMD5(data)

	p.log.Info("publish: uploading artifact",
		"path", artifactPath, "bucket", p.cfg.Bucket, "key", key, "bytes", len(data))

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if attempt > 0 {
			p.log.Warn("publish: upload failed, retrying", "key", key, "attempt", attempt)
		}
		attempt++
		_, putErr := p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:     aws.String(p.cfg.Bucket),
			Key:        aws.String(key),
			Body:       bytes.NewReader(data),
			ContentMD5: aws.String(contentMD5),
		})
		return struct{}{}, putErr
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(maxPutTries))
	if err != nil {
		return "", fmt.Errorf("failed to upload artifact: %w", err)
	}

	if err := p.verify(ctx, key, int64(len(data))); err != nil {
		return "", err
	}

	url := p.objectURL(key)
	p.log.Info("publish: artifact uploaded", "url", url)
	return url, nil
}

// verify checks that the stored object has the expected size.
func (p *Publisher) verify(ctx context.Context, key string, expectedSize int64) error {
	result, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to verify uploaded artifact: %w", err)
	}
	if result.ContentLength == nil || *result.ContentLength != expectedSize {
		return fmt.Errorf("uploaded artifact size mismatch: expected %d bytes", expectedSize)
	}
	return nil
}

func (p *Publisher) objectURL(key string) string {
	if p.cfg.Endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", p.cfg.Endpoint, p.cfg.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", p.cfg.Bucket, p.cfg.Region, key)
}

func computeMD5(data []byte) string {
	hash := md5.Sum(data)
	return base64.StdEncoding.EncodeToString(hash[:])
}
