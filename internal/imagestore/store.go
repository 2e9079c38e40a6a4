// Package imagestore resolves image references into URLs an agent can
// download.
//
// http and https references are handed out unchanged. s3://bucket/key
// references are checked for existence and turned into presigned GET URLs,
// so agents never see object storage credentials.
package imagestore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/metalconductor/internal/config"
	"github.com/imamik/metalconductor/internal/errdefs"
)

// Resolver turns an image reference into a downloadable URL.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Store resolves references against S3 compatible object storage.
type Store struct {
	s3      *s3.Client
	presign *s3.PresignClient
	ttl     time.Duration
}

// New creates a Store. Without an access key the default AWS credential
// chain is used.
func New(ctx context.Context, cfg config.ImageStoreConfig) (*Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{s3: client, presign: s3.NewPresignClient(client), ttl: ttl}, nil
}

// Resolve implements Resolver.
func (s *Store) Resolve(ctx context.Context, ref string) (string, error) {
	u, err := parse(ref)
	if err != nil {
		return "", err
	}
	if u.Scheme != "s3" {
		return ref, nil
	}

	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	_, err = s.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return "", fmt.Errorf("image %s does not exist: %w", ref, errdefs.ErrInvalidParameter)
		}
		return "", fmt.Errorf("failed to check image %s: %w", ref, err)
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign image %s: %w", ref, err)
	}
	log.FromContext(ctx).V(1).Info("presigned image", "bucket", bucket, "key", key, "ttl", s.ttl)
	return req.URL, nil
}

// Passthrough resolves only http and https references.
type Passthrough struct{}

// Resolve implements Resolver.
func (Passthrough) Resolve(_ context.Context, ref string) (string, error) {
	u, err := parse(ref)
	if err != nil {
		return "", err
	}
	if u.Scheme == "s3" {
		return "", fmt.Errorf("image %s: object storage is not configured: %w", ref, errdefs.ErrInvalidParameter)
	}
	return ref, nil
}

// parse validates ref and returns it parsed.
func parse(ref string) (*url.URL, error) {
	if ref == "" {
		return nil, fmt.Errorf("image reference is empty: %w", errdefs.ErrInvalidParameter)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("image reference %q: %v: %w", ref, err, errdefs.ErrInvalidParameter)
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return nil, fmt.Errorf("image reference %q has no host: %w", ref, errdefs.ErrInvalidParameter)
		}
	case "s3":
		if u.Host == "" || strings.Trim(u.Path, "/") == "" {
			return nil, fmt.Errorf("image reference %q must be s3://bucket/key: %w", ref, errdefs.ErrInvalidParameter)
		}
	default:
		return nil, fmt.Errorf("image reference %q: unsupported scheme %q: %w", ref, u.Scheme, errdefs.ErrInvalidParameter)
	}
	return u, nil
}

// isNotFoundError checks if the error is a not found error.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	// S3 compatible services do not always return the SDK error types.
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "NoSuchBucket" || code == "404"
	}
	return false
}
