package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"mlc-go/internal/config"
	"mlc-go/internal/mlc"
)

// NewProviderFromConfig creates a provider Storage based on the provider config type.
func NewProviderFromConfig(ctx context.Context, cfg config.ProviderConfig) (mlc.Storage, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryProvider(), nil
	case "s3":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewS3Provider(client), nil
	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
}

// NewRegistryFromConfig builds a registry serving local paths from local and
// every configured provider under its scheme.
func NewRegistryFromConfig(ctx context.Context, local mlc.Storage, providers []config.ProviderConfig) (*Registry, error) {
	r := NewRegistry(local)
	for _, pc := range providers {
		p, err := NewProviderFromConfig(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Scheme, err)
		}
		scheme := pc.Scheme
		if scheme == "" {
			scheme = pc.Type
		}
		if err := r.Register(scheme, p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func newS3Client(ctx context.Context, cfg config.ProviderConfig) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	}), nil
}
