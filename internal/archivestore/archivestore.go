// Package archivestore uploads finished archives and their indexes to an
// off-host store selected by URL: disk://, s3://, aws:// or azure://.
package archivestore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/svcfields"
)

// Sink stores one object per call. It matches archive.Sink.
type Sink interface {
	Put(ctx context.Context, key string, r io.ReadSeeker, size int64, contentType string) error
}

// Config carries credentials that do not belong in the store URL.
type Config struct {
	// URL selects the backend, for example s3://minio:9000/archives/relayd.
	URL string

	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	AWSRegion         string

	AzureAccount    string
	AzureAccountKey string
	AzureSASToken   string
	AzureEndpoint   string

	Logger pslog.Logger
}

// CredentialSummary describes which credentials were selected.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// Open builds the sink named by cfg.URL. An empty URL returns nil.
func Open(ctx context.Context, cfg Config) (Sink, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, nil
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("archivestore: parse URL: %w", err)
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "pipeline.archive.store")
	switch u.Scheme {
	case "disk":
		root, err := diskRoot(u)
		if err != nil {
			return nil, err
		}
		sink, err := NewDisk(root)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case "s3":
		s3cfg, summary, err := buildS3Config(cfg, u)
		if err != nil {
			return nil, err
		}
		logger.Info("relayd.archive.store.selected", "backend", "s3", "endpoint", s3cfg.Endpoint, "bucket", s3cfg.Bucket, "credentials", summary.Source)
		sink, err := NewS3(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := sink.Ready(ctx); err != nil {
			return nil, err
		}
		return sink, nil
	case "aws":
		awscfg, err := buildAWSConfig(cfg, u)
		if err != nil {
			return nil, err
		}
		logger.Info("relayd.archive.store.selected", "backend", "aws", "region", awscfg.Region, "bucket", awscfg.Bucket)
		sink, err := NewAWS(ctx, awscfg)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case "azure":
		azcfg, err := buildAzureConfig(cfg, u)
		if err != nil {
			return nil, err
		}
		logger.Info("relayd.archive.store.selected", "backend", "azure", "account", azcfg.Account, "container", azcfg.Container)
		sink, err := NewAzure(azcfg)
		if err != nil {
			return nil, err
		}
		return sink, nil
	default:
		return nil, fmt.Errorf("archivestore: scheme %q not supported", u.Scheme)
	}
}

func diskRoot(u *url.URL) (string, error) {
	p := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		p = "/" + host + "/" + strings.TrimPrefix(p, "/")
	}
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "", fmt.Errorf("archivestore: disk path required (e.g. disk:///var/lib/relayd/offsite)")
	}
	return p, nil
}

func buildS3Config(cfg Config, u *url.URL) (S3Config, CredentialSummary, error) {
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return S3Config{}, CredentialSummary{}, fmt.Errorf("archivestore: s3 URL missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucket(u.Path)
	if bucket == "" {
		return S3Config{}, CredentialSummary{}, fmt.Errorf("archivestore: s3 URL missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	secure := true
	if strings.EqualFold(query.Get("scheme"), "http") {
		secure = false
	}
	if v, ok := boolQuery(query, "insecure"); ok && v {
		secure = false
	}
	pathStyle, _ := boolQuery(query, "path-style")
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	token := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" {
		accessKey = strings.TrimSpace(os.Getenv("RELAYD_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("RELAYD_S3_SECRET_ACCESS_KEY")
		token = os.Getenv("RELAYD_S3_SESSION_TOKEN")
		source = "env:RELAYD_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	if accessKey == "" && secretKey == "" {
		summary.Source = "chain"
	} else if accessKey == "" || secretKey == "" {
		return S3Config{}, summary, fmt.Errorf("archivestore: s3 credentials incomplete (need access key and secret key)")
	}
	return S3Config{
		Endpoint:       endpoint,
		Region:         query.Get("region"),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: pathStyle,
		AccessKeyID:    accessKey,
		SecretKey:      secretKey,
		SessionToken:   token,
	}, summary, nil
}

func buildAWSConfig(cfg Config, u *url.URL) (AWSConfig, error) {
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return AWSConfig{}, fmt.Errorf("archivestore: aws URL missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("RELAYD_AWS_REGION", "AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return AWSConfig{}, fmt.Errorf("archivestore: aws store requires region (set --aws-region or RELAYD_AWS_REGION)")
	}
	insecure, _ := boolQuery(query, "insecure")
	pathStyle, _ := boolQuery(query, "path-style")
	return AWSConfig{
		Region:       region,
		Bucket:       bucket,
		Prefix:       strings.Trim(u.Path, "/"),
		Endpoint:     query.Get("endpoint"),
		Insecure:     insecure,
		UsePathStyle: pathStyle,
	}, nil
}

func buildAzureConfig(cfg Config, u *url.URL) (AzureConfig, error) {
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return AzureConfig{}, fmt.Errorf("archivestore: azure account required (azure://account/container[/prefix])")
	}
	container, prefix := splitBucket(u.Path)
	if container == "" {
		return AzureConfig{}, fmt.Errorf("archivestore: azure URL missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	key := strings.TrimSpace(cfg.AzureAccountKey)
	if key == "" {
		key = firstEnv("RELAYD_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("RELAYD_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return AzureConfig{
		Account:    account,
		AccountKey: key,
		SASToken:   sas,
		Endpoint:   endpoint,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

func splitBucket(p string) (string, string) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", ""
	}
	parts := strings.SplitN(p, "/", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.Trim(parts[1], "/")
}

func boolQuery(q url.Values, name string) (bool, bool) {
	v := q.Get(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

func objectKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
