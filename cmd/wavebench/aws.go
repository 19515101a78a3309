package main

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vango-dev/wavebench/internal/errors"
)

// newS3Client builds an S3 client from the default AWS credential chain.
func newS3Client(ctx context.Context, region string) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.New("E130").
			WithDetail("could not load AWS configuration").
			Wrap(err)
	}
	return s3.NewFromConfig(cfg), nil
}
