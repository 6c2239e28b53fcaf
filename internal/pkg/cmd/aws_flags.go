package cmd

import (
	"context"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/pkg/errors" // Wrap errors with stacktrace.
	"go.uber.org/zap"       // Logging.
)

// AWSFlags represents a set of flags for connecting to AWS.
type AWSFlags struct {
	// Name of AWS region to use.
	Region string

	// Name of a shared AWS credentials profile to use.
	Profile string

	// Max number of attempts per request, including the first.
	MaxRetries int
}

// NewAWSFlags returns a new AWSFlags.
func NewAWSFlags(app Flagger, defaultRegion string, maxRetries int) *AWSFlags {
	var f AWSFlags

	app.Flag("aws.region", "Name of AWS region to use.").
		Envar("AWS_REGION").
		Default(defaultRegion).
		PlaceHolder("REGION_NAME").
		StringVar(&f.Region)

	app.Flag("aws.profile", "Name of AWS credentials profile to use.").
		Envar("AWS_PROFILE").
		PlaceHolder("PROFILE_NAME").
		StringVar(&f.Profile)

	app.Flag("aws.max-retries", "Max number of attempts per AWS request.").
		Hidden().
		Default(strconv.Itoa(maxRetries)).
		IntVar(&f.MaxRetries)

	return &f
}

// AWSConfig returns an aws.Config built from the default AWS config
// chain and these flags.
func (f *AWSFlags) AWSConfig(ctx context.Context, opts ...func(*config.LoadOptions) error) (aws.Config, error) {
	if f.Region != "" {
		opts = append(opts, config.WithRegion(f.Region))
	}
	if f.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(f.Profile))
	}
	if f.MaxRetries > 0 {
		opts = append(opts, config.WithRetryer(func() aws.Retryer {
			return retry.AddWithMaxAttempts(retry.NewStandard(), f.MaxRetries)
		}))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return cfg, errors.Wrap(err, "unable to load AWS SDK default config")
	}

	if cfg.Region == "" {
		// Try setting region from EC2 metadata.
		metaClient := imds.NewFromConfig(cfg)
		region, err := metaClient.GetRegion(ctx, &imds.GetRegionInput{})
		if err != nil {
			zap.L().Warn("unable to retrieve the region from EC2 instance metadata", zap.Error(err))
		} else {
			cfg.Region = region.Region
		}
	}

	return cfg, nil
}
