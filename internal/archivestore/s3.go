package archivestore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config targets an S3 compatible service such as MinIO.
type S3Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	AccessKeyID    string
	SecretKey      string
	SessionToken   string
}

// S3 uploads through minio-go.
type S3 struct {
	client *minio.Client
	cfg    S3Config
}

// NewS3 builds the client. Without static keys the environment and
// instance metadata chain is used.
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archivestore: s3 bucket is required")
	}
	var creds *credentials.Credentials
	if cfg.AccessKeyID != "" {
		creds = credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretKey, cfg.SessionToken)
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: defaultTransport(false),
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("archivestore: s3 client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &S3{client: client, cfg: cfg}, nil
}

// Ready checks that the bucket exists.
func (s *S3) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("archivestore: s3 connectivity check: %w", err)
	}
	if !exists {
		return fmt.Errorf("archivestore: s3 bucket %s does not exist", s.cfg.Bucket)
	}
	return nil
}

// Put uploads one object.
func (s *S3) Put(ctx context.Context, key string, r io.ReadSeeker, size int64, contentType string) error {
	object := objectKey(s.cfg.Prefix, key)
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, object, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("archivestore: s3 put %s: %w", object, err)
	}
	return nil
}
