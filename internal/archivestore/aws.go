package archivestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
)

// AWSConfig targets AWS S3 using the default credential chain.
type AWSConfig struct {
	Region       string
	Bucket       string
	Prefix       string
	Endpoint     string
	Insecure     bool
	UsePathStyle bool
}

// AWS uploads through the AWS SDK.
type AWS struct {
	client *s3.Client
	cfg    AWSConfig
}

// NewAWS loads the default AWS configuration for cfg.Region.
func NewAWS(ctx context.Context, cfg AWSConfig) (*AWS, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archivestore: aws bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("archivestore: aws region is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: defaultTransport(cfg.Insecure)}),
	)
	if err != nil {
		return nil, fmt.Errorf("archivestore: aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := strings.TrimSpace(cfg.Endpoint)
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &AWS{client: client, cfg: cfg}, nil
}

// Put uploads one object.
func (a *AWS) Put(ctx context.Context, key string, r io.ReadSeeker, size int64, contentType string) error {
	object := objectKey(a.cfg.Prefix, key)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.cfg.Bucket),
		Key:           aws.String(object),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("archivestore: aws put %s: %s: %w", object, apiErr.ErrorCode(), err)
		}
		return fmt.Errorf("archivestore: aws put %s: %w", object, err)
	}
	return nil
}
