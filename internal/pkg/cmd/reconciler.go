package cmd

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/pkg/errors" // Wrap errors with stacktrace.
	"go.uber.org/zap"       // Logging.

	"github.com/CompareGroup/chef-asg/internal/app/reconciler"
	"github.com/CompareGroup/chef-asg/internal/pkg/registry"
	"github.com/CompareGroup/chef-asg/internal/pkg/store"
)

// MetricsNamespace prefixes every Prometheus metric.
const MetricsNamespace = "chef_asg"

// Reconciler bundles a reconciler.Reconciler with the clients it
// was built from, for health checks.
type Reconciler struct {
	*reconciler.Reconciler

	Registry *registry.Registry
	Store    *store.Store
	Metrics  *reconciler.Metrics
}

// NewReconciler builds a Reconciler from flags. It is meant to be
// called once at start up and reused.
func NewReconciler(awsCfg aws.Config, chef *ChefFlags, st *StoreFlags, logger *zap.Logger) (*Reconciler, error) {
	metrics := reconciler.NewMetrics(MetricsNamespace)

	reg, err := registry.New(chef.Config, logger.Named("registry"))
	if err != nil {
		return nil, errors.Wrap(err, "error creating chef registry")
	}
	reg.Calls = metrics.RegistryCalls

	records := store.New(dynamodb.NewFromConfig(awsCfg), st.Table, logger.Named("store"))
	records.Calls = metrics.StoreCalls

	r := reconciler.New(reg, records, logger.Named("reconciler"),
		reconciler.WithDedupe(st.DedupeTTL),
		reconciler.WithMetrics(metrics))

	return &Reconciler{
		Reconciler: r,
		Registry:   reg,
		Store:      records,
		Metrics:    metrics,
	}, nil
}

// Ping checks the Chef server and the DynamoDB table are reachable.
func (r *Reconciler) Ping(ctx context.Context, chefUser string) error {
	if err := r.Registry.Ping(ctx, chefUser); err != nil {
		return err
	}
	return r.Store.Ping(ctx)
}
