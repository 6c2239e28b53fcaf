// Command chef-asg-lambda is an AWS Lambda function subscribed to the
// SNS topic an Auto Scaling group publishes lifecycle notifications to.
// It registers launched instances with a Chef server and deregisters
// terminated ones.
package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda" // Lambda runtime.
	"go.uber.org/zap"                     // Logging.
	"gopkg.in/alecthomas/kingpin.v2"      // Command line arg parsing.

	"github.com/CompareGroup/chef-asg/internal/app/reconciler"
	"github.com/CompareGroup/chef-asg/internal/pkg/cmd"
	"github.com/CompareGroup/chef-asg/pkg/events"
)

var (
	app = kingpin.New("chef-asg-lambda", "Register Auto Scaling instances with a Chef server.")

	chefFlags  = cmd.NewChefFlags(app)
	storeFlags = cmd.NewStoreFlags(app)
	awsFlags   = cmd.NewAWSFlags(app, cmd.DefaultRegion, 3)
	logFlags   = cmd.NewLogFlags(app)
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger, teardown := cmd.SetupLogging(logFlags)
	defer teardown()

	awsCfg, err := awsFlags.AWSConfig(context.Background())
	if err != nil {
		logger.Fatal("error loading AWS config", zap.Error(err))
	}

	r, err := cmd.NewReconciler(awsCfg, chefFlags, storeFlags, logger)
	if err != nil {
		logger.Fatal("error creating reconciler", zap.Error(err))
	}
	logger.Info("starting",
		zap.String("chef_server", r.Registry.URL()),
		zap.String("table", r.Store.Table()))

	lambda.Start(func(ctx context.Context, e events.SNSEvent) (reconciler.Report, error) {
		report := r.HandleEnvelope(ctx, e)
		return report, report.Err()
	})
}
