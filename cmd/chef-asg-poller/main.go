// Command chef-asg-poller reconciles Auto Scaling lifecycle notifications
// that SNS delivers to an SQS queue. It is the long running alternative
// to chef-asg-lambda and serves health checks and metrics over HTTP.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/heptiolabs/healthcheck"                         // Liveness and readiness endpoints.
	"github.com/olebedev/emitter"                               // Event bus.
	"github.com/prometheus/client_golang/prometheus"            // Prometheus metrics.
	"github.com/prometheus/client_golang/prometheus/collectors" // Go runtime metrics.
	"go.uber.org/zap"                                           // Logging.
	"golang.org/x/sync/errgroup"                                // Run goroutines that fail together.
	"gopkg.in/alecthomas/kingpin.v2"                            // Command line arg parsing.

	"github.com/CompareGroup/chef-asg/internal/app/poller"
	"github.com/CompareGroup/chef-asg/internal/pkg/cmd"
)

var (
	app = kingpin.New("chef-asg-poller", "Register Auto Scaling instances with a Chef server from an SQS queue.")

	queueFlags  = cmd.NewQueueFlags(app)
	chefFlags   = cmd.NewChefFlags(app)
	storeFlags  = cmd.NewStoreFlags(app)
	awsFlags    = cmd.NewAWSFlags(app, cmd.DefaultRegion, 3)
	logFlags    = cmd.NewLogFlags(app)
	serverFlags = cmd.NewServerFlags(app, ":8080")
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger, teardown := cmd.SetupLogging(logFlags)
	defer teardown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsFlags.AWSConfig(ctx)
	if err != nil {
		logger.Fatal("error loading AWS config", zap.Error(err))
	}

	r, err := cmd.NewReconciler(awsCfg, chefFlags, storeFlags, logger)
	if err != nil {
		logger.Fatal("error creating reconciler", zap.Error(err))
	}

	events := emitter.New(10)
	handler := poller.NewReconcileHandler(events, r, logger.Named("handler"))
	consumer := poller.NewSNSEventEmitter(sqs.NewFromConfig(awsCfg), queueFlags.URL, events, logger.Named("sqs"))
	consumer.Received = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cmd.MetricsNamespace,
		Subsystem: "sqs",
		Name:      "messages_received_total",
		Help:      "SQS messages received.",
	})
	consumer.Deleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cmd.MetricsNamespace,
		Subsystem: "sqs",
		Name:      "messages_deleted_total",
		Help:      "SQS messages deleted after handling.",
	})

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(collectors.NewGoCollector())
	metrics.MustRegister(r.Metrics.Collectors()...)
	metrics.MustRegister(consumer.Received, consumer.Deleted)

	health := healthcheck.NewMetricsHandler(metrics, cmd.MetricsNamespace)
	health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(1000))
	health.AddReadinessCheck("chef_and_dynamodb", healthcheck.Async(
		cmd.PingCheck(func(ctx context.Context) error {
			return r.Ping(ctx, chefFlags.User)
		}, 5*time.Second),
		30*time.Second))

	logger.Info("starting",
		zap.String("chef_server", r.Registry.URL()),
		zap.String("table", r.Store.Table()),
		zap.String("queue", queueFlags.URL))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return handler.Run(ctx) })
	g.Go(func() error { return consumer.Run(ctx) })
	g.Go(func() error { return serverFlags.Serve(ctx, serverFlags.Handler(health, metrics)) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Fatal("error running poller", zap.Error(err))
	}
	logger.Info("stopped")
}
