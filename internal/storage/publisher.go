// Package storage publishes finalized containers to S3-compatible object
// storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"duck-flight/internal/config"
	"duck-flight/internal/domain"
)

// ContentType is the media type of published containers.
const ContentType = "application/vnd.apache.parquet"

// ErrNotPublishable is returned for outcomes without a complete container.
var ErrNotPublishable = errors.New("outcome has no complete container")

// ObjectPutter is the subset of the S3 client used for uploads.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Publisher uploads containers under a bucket.
type Publisher struct {
	client  ObjectPutter
	presign *s3.PresignClient
	bucket  string
	logger  *slog.Logger
}

// NewPublisher creates a Publisher over an existing client. Presigning is
// unavailable unless the client is an *s3.Client.
func NewPublisher(client ObjectPutter, bucket string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{client: client, bucket: bucket, logger: logger}
	if c, ok := client.(*s3.Client); ok {
		p.presign = s3.NewPresignClient(c)
	}
	return p
}

// NewS3Publisher creates a Publisher for the configured S3-compatible
// storage, using path-style addressing.
func NewS3Publisher(cfg *config.Config, logger *slog.Logger) (*Publisher, error) {
	if !cfg.HasS3Config() {
		return nil, fmt.Errorf("S3 config is incomplete")
	}
	if cfg.S3Bucket == nil {
		return nil, fmt.Errorf("BUCKET is required to publish")
	}

	opts := s3.Options{
		Region: *cfg.S3Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			*cfg.S3KeyID, *cfg.S3Secret, "",
		),
		UsePathStyle: true,
	}
	if cfg.S3Endpoint != nil {
		endpoint := *cfg.S3Endpoint
		if !strings.Contains(endpoint, "://") {
			endpoint = "https://" + endpoint
		}
		opts.BaseEndpoint = aws.String(endpoint)
	}
	return NewPublisher(s3.New(opts), *cfg.S3Bucket, logger), nil
}

// Bucket returns the configured bucket name.
func (p *Publisher) Bucket() string { return p.bucket }

// DefaultKey returns the object key used when none is given.
func DefaultKey(out *domain.Outcome) string {
	return path.Join("containers", filepath.Base(out.Location))
}

// Publish uploads the container of out to key and returns its s3:// URI.
// Partial containers are refused.
func (p *Publisher) Publish(ctx context.Context, out *domain.Outcome, key string) (string, error) {
	if out == nil || !out.HasContainer() || out.Partial {
		return "", ErrNotPublishable
	}
	if key == "" {
		key = DefaultKey(out)
	}
	key = strings.TrimPrefix(key, "/")

	f, err := os.Open(out.Location)
	if err != nil {
		return "", fmt.Errorf("open container: %w", err)
	}
	defer f.Close() //nolint:errcheck
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat container: %w", err)
	}

	start := time.Now()
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(ContentType),
		Metadata: map[string]string{
			"rows":       strconv.FormatInt(out.Rows, 10),
			"row-groups": strconv.Itoa(out.RowGroups),
		},
	})
	if err != nil {
		return "", fmt.Errorf("put object %q/%q: %w", p.bucket, key, err)
	}

	uri := "s3://" + p.bucket + "/" + key
	p.logger.Info("container published", "uri", uri, "bytes", info.Size(), "elapsed", time.Since(start))
	return uri, nil
}

// PresignGet returns a time-limited HTTPS URL for a published container.
func (p *Publisher) PresignGet(ctx context.Context, s3Path string, expiry time.Duration) (string, error) {
	if p.presign == nil {
		return "", fmt.Errorf("presigning is not supported by this client")
	}
	bucket, key, err := ParseS3Path(s3Path)
	if err != nil {
		return "", err
	}
	result, err := p.presign.PresignGetObject(ctx,
		&s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		},
		s3.WithPresignExpires(expiry),
	)
	if err != nil {
		return "", fmt.Errorf("presign GetObject for %q: %w", s3Path, err)
	}
	return result.URL, nil
}

// ParseS3Path extracts bucket and key from an "s3://bucket/path/to/file" URI.
func ParseS3Path(s3Path string) (bucket, key string, err error) {
	u, err := url.Parse(s3Path)
	if err != nil {
		return "", "", fmt.Errorf("parse S3 path %q: %w", s3Path, err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("expected s3:// scheme, got %q in %q", u.Scheme, s3Path)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("empty key in S3 path %q", s3Path)
	}
	return bucket, key, nil
}
