package images

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Store fetches artifacts from S3 or MinIO into a local cache directory.
// References of the form s3://bucket/key override the configured bucket;
// bare keys resolve against it.
type S3Store struct {
	client   *s3.Client
	bucket   string
	cacheDir string
}

// S3Config holds S3/MinIO connection configuration.
type S3Config struct {
	// Endpoint for MinIO (e.g. "minio.lab:9000"); empty for AWS S3.
	Endpoint string

	Bucket string
	Region string

	AccessKeyID     string
	SecretAccessKey string

	// UseSSL enables HTTPS for custom endpoints.
	UseSSL bool

	// CacheDir receives downloaded artifacts.
	CacheDir string
}

// NewS3Store creates an S3-backed image store.
func NewS3Store(ctx context.Context, cfg *S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			scheme := "http"
			if cfg.UseSSL {
				scheme = "https"
			}
			o.BaseEndpoint = aws.String(fmt.Sprintf("%s://%s", scheme, cfg.Endpoint))
			o.UsePathStyle = true // MinIO requires path-style addressing
		}
	})

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = os.TempDir()
	}
	return &S3Store{client: client, bucket: cfg.Bucket, cacheDir: cacheDir}, nil
}

func (s *S3Store) Fetch(ctx context.Context, ref string) (*Artifact, error) {
	bucket, key := s.bucket, ref
	if strings.HasPrefix(ref, "s3://") {
		rest := strings.TrimPrefix(ref, "s3://")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 || parts[1] == "" {
			return nil, fmt.Errorf("invalid s3 reference %q", ref)
		}
		bucket, key = parts[0], parts[1]
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return nil, err
	}
	dest := filepath.Join(s.cacheDir, filepath.Base(key))
	return writeVerified(dest, out.Body)
}

// Verify interface compliance
var (
	_ Store = (*S3Store)(nil)
	_ Store = (*LocalStore)(nil)
)
