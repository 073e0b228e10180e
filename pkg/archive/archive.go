// Package archive copies resolved media into S3-compatible object
// storage so batch results outlive the upstream CDN's retention.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/sorabatch/sorabatch/internal/observability"
)

// Config configures an Archiver.
//
// Authentication follows the AWS SDK v2 default chain unless explicit
// credentials are set. For S3-compatible stores (MinIO, Wasabi, R2),
// set Endpoint and usually ForcePathStyle.
type Config struct {
	// Bucket is the destination bucket (required).
	Bucket string

	// Prefix is prepended to every object key.
	Prefix string

	// Region is the AWS region. Empty lets the SDK resolve it from the
	// environment or profile.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile selects a shared-config profile.
	Profile string

	// AccessKeyID and SecretAccessKey are explicit credentials. Both
	// must be set together; they take precedence over the default
	// chain.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle forces path-style URLs, required by most
	// S3-compatible stores.
	ForcePathStyle bool
}

// Validate checks required configuration.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("archive: bucket is required")
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return errors.New("archive: access key id and secret must be provided together")
	}
	return nil
}

// objectPutter is the slice of the S3 client the archiver needs.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads resolved media URLs to object storage.
type Archiver struct {
	s3     objectPutter
	http   *http.Client
	bucket string
	prefix string
}

// New builds an archiver using the AWS default credential chain plus
// any explicit overrides in cfg.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Archiver{
		s3:     client,
		http:   &http.Client{},
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// newWithClient wires explicit collaborators, for tests.
func newWithClient(putter objectPutter, hc *http.Client, bucket, prefix string) *Archiver {
	return &Archiver{s3: putter, http: hc, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Archive fetches mediaURL and uploads it under a task-scoped key.
// It returns the object key.
func (a *Archiver) Archive(ctx context.Context, taskID int, mediaURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return "", fmt.Errorf("archive: build fetch request: %w", err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("archive: fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("archive: media fetch returned %d", resp.StatusCode)
	}

	// PutObject needs the full body up front: streams from the CDN do
	// not expose a reliable length.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("archive: read media body: %w", err)
	}

	key := a.objectKey(taskID, mediaURL)
	input := &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		input.ContentType = aws.String(ct)
	}

	if _, err := a.s3.PutObject(ctx, input); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("archive: upload %s: %s: %s", key, apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
		return "", fmt.Errorf("archive: upload %s: %w", key, err)
	}

	observability.CLILogger.Info("Archived media",
		zap.Int("task_id", taskID),
		zap.String("key", key))
	return key, nil
}

// objectKey derives a stable per-task key from the media URL's base
// name, falling back to a generic name for extension-less URLs.
func (a *Archiver) objectKey(taskID int, mediaURL string) string {
	name := "media"
	if u, err := url.Parse(mediaURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			name = base
		}
	}
	key := fmt.Sprintf("task-%d/%s", taskID, name)
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}
	return key
}
