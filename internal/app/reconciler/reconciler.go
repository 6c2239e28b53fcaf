// Package reconciler keeps the Chef server and the instance record
// store in step with EC2 Auto Scaling launch and terminate notifications.
package reconciler

import (
	"context"
	"time"

	lambdaevents "github.com/aws/aws-lambda-go/events" // Lambda event payloads.
	"github.com/aws/aws-lambda-go/lambdacontext"       // Lambda request id.
	"github.com/google/uuid"                           // Invocation ids outside Lambda.
	"github.com/patrickmn/go-cache"                    // Recently reconciled events.
	"github.com/pkg/errors"                            // Wrap errors with stacktrace.
	"go.uber.org/zap"                                  // Logging.

	"github.com/CompareGroup/chef-asg/internal/pkg/registry" // Chef server.
	"github.com/CompareGroup/chef-asg/internal/pkg/store"    // DynamoDB records.
	"github.com/CompareGroup/chef-asg/pkg/events"            // Auto Scaling notifications.
)

// Registry creates and deletes Chef client/node pairs.
type Registry interface {
	URL() string
	CreateClientAndKey(ctx context.Context, hostname string) (string, error)
	DeleteClientAndNode(ctx context.Context, hostname string) error
}

// RecordStore persists instance records.
type RecordStore interface {
	Get(ctx context.Context, instanceID string) (store.Record, error)
	Put(ctx context.Context, r store.Record) error
	Delete(ctx context.Context, instanceID string) error
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithDedupe makes the Reconciler skip an event it already reconciled
// for the same instance within ttl. Zero disables deduplication.
func WithDedupe(ttl time.Duration) Option {
	return func(r *Reconciler) {
		if ttl > 0 {
			r.seen = cache.New(ttl, 2*ttl)
		}
	}
}

// WithMetrics makes the Reconciler update m.
func WithMetrics(m *Metrics) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

// Reconciler dispatches lifecycle notifications. It is safe to reuse
// across invocations.
type Reconciler struct {
	registry Registry
	store    RecordStore
	logger   *zap.Logger

	seen    *cache.Cache
	metrics *Metrics
}

// New returns a new Reconciler.
func New(reg Registry, st RecordStore, logger *zap.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reconciler{
		registry: reg,
		store:    st,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleEnvelope reconciles every record of e in order. A record that
// fails doesn't stop the following ones; check the Report for failures.
func (r *Reconciler) HandleEnvelope(ctx context.Context, e lambdaevents.SNSEvent) Report {
	report := Report{
		InvocationID: invocationID(ctx),
		Results:      make([]Result, 0, len(e.Records)),
	}
	logger := r.logger.With(zap.String("invocation_id", report.InvocationID))
	logger.Debug("handling envelope", zap.Int("records", len(e.Records)))

	for i, rec := range e.Records {
		res := r.handle(ctx, logger, i, rec.SNS.MessageID, rec.SNS.Message)
		report.Results = append(report.Results, res)
	}

	logger.Info("handled envelope",
		zap.Int("records", len(report.Results)),
		zap.Int("duplicates", report.Count(Duplicate)),
		zap.Int("failed", len(report.Failed())))
	return report
}

// HandleRecord reconciles a single SNS message body.
func (r *Reconciler) HandleRecord(ctx context.Context, index int, messageID, body string) Result {
	return r.handle(ctx, r.logger, index, messageID, body)
}

func (r *Reconciler) handle(ctx context.Context, logger *zap.Logger, index int, messageID, body string) (res Result) {
	res = Result{Index: index, MessageID: messageID}
	defer func() { r.metrics.observe(res) }()

	logger = logger.With(zap.Int("record", index), zap.String("message_id", messageID))

	msg, err := events.ParseLifecycleMessage([]byte(body))
	if err != nil {
		res.Outcome = Failed
		res.Err = classified(KindMalformed, "decode", err)
		logger.Error("error decoding message", zap.Error(err))
		return res
	}
	for _, missing := range msg.Missing {
		res.Warnings = append(res.Warnings, classified(KindMissingField, "parse", missing))
		logger.Error("error parsing message", zap.Error(missing))
	}

	res.InstanceID = msg.InstanceID
	res.Hostname = Hostname(msg)
	res.Event = msg.Event
	logger = logger.With(
		zap.String("instance_id", res.InstanceID),
		zap.String("hostname", res.Hostname),
		zap.String("event", res.Event))
	if msg.Description != "" {
		logger.Info(msg.Description)
	}

	switch msg.Event {
	case events.EventInstanceLaunch:
		if r.duplicate(msg, &res) {
			logger.Info("launch already reconciled, skipping")
			return res
		}
		r.launch(ctx, logger, msg, &res)
	case events.EventInstanceTerminate:
		if r.duplicate(msg, &res) {
			logger.Info("termination already reconciled, skipping")
			return res
		}
		r.terminate(ctx, logger, msg, &res)
	default:
		res.Outcome = Ignored
		logger.Error("unknown event type")
		return res
	}

	if res.Outcome == Launched || res.Outcome == Terminated || res.Outcome == Duplicate {
		r.remember(msg)
	}
	return res
}

// launch creates the Chef client for a new instance and stores its key.
func (r *Reconciler) launch(ctx context.Context, logger *zap.Logger, msg *events.LifecycleMessage, res *Result) {
	logger.Info("launching instance")

	key, err := r.registry.CreateClientAndKey(ctx, res.Hostname)
	if errors.Cause(err) == registry.ErrConflict {
		r.relaunch(ctx, logger, msg, res, err)
		return
	}
	if err != nil {
		res.Outcome = Failed
		res.Err = classified(KindFatal, "create_client", err)
		logger.Error("error creating chef client", zap.Error(err))
		return
	}
	r.storeKey(ctx, logger, msg, res, key)
}

// relaunch handles a launch whose Chef client already exists. It is a
// duplicate only if the client key was stored as well. A client without
// a stored key is left over from a launch that failed half way: it is
// deleted and created again so the new key can be stored.
func (r *Reconciler) relaunch(ctx context.Context, logger *zap.Logger, msg *events.LifecycleMessage, res *Result, conflict error) {
	_, err := r.store.Get(ctx, msg.InstanceID)
	switch {
	case err == nil:
		res.Outcome = Duplicate
		logger.Warn("chef client and key already exist, skipping", zap.Error(conflict))
		return
	case errors.Cause(err) != store.ErrNotFound:
		res.Outcome = Partial
		res.Err = classified(KindStore, "get", err)
		logger.Error("error looking up stored client key; chef client exists, stored key unknown", zap.Error(err))
		return
	}

	res.Warnings = append(res.Warnings, classified(KindNotFound, "get", err))
	logger.Warn("chef client exists without a stored key, recreating it", zap.Error(conflict))

	err = r.registry.DeleteClientAndNode(ctx, res.Hostname)
	if err != nil && errors.Cause(err) != registry.ErrNotFound {
		res.Outcome = Partial
		res.Err = classified(KindFatal, "delete_client_and_node", err)
		logger.Error("error deleting chef client without a stored key", zap.Error(err))
		return
	}

	key, err := r.registry.CreateClientAndKey(ctx, res.Hostname)
	if err != nil {
		res.Outcome = Failed
		res.Err = classified(KindFatal, "create_client", err)
		logger.Error("error recreating chef client", zap.Error(err))
		return
	}
	r.storeKey(ctx, logger, msg, res, key)
}

// storeKey stores the key of a newly created Chef client.
func (r *Reconciler) storeKey(ctx context.Context, logger *zap.Logger, msg *events.LifecycleMessage, res *Result, key string) {
	err := r.store.Put(ctx, store.Record{
		InstanceID:  msg.InstanceID,
		ClientKey:   key,
		ChefHost:    r.registry.URL(),
		NodeName:    res.Hostname,
		Environment: msg.AutoScalingGroupName,
	})
	if err != nil {
		res.Outcome = Partial
		res.Err = classified(KindStore, "put", err)
		logger.Error("error storing client key; chef client exists without a stored key", zap.Error(err))
		return
	}
	res.Outcome = Launched
}

// terminate deletes the Chef client and node of a terminated instance
// and its stored record.
func (r *Reconciler) terminate(ctx context.Context, logger *zap.Logger, msg *events.LifecycleMessage, res *Result) {
	logger.Info("terminating instance")

	err := r.registry.DeleteClientAndNode(ctx, res.Hostname)
	switch {
	case err == nil:
	case errors.Cause(err) == registry.ErrNotFound:
		res.Warnings = append(res.Warnings, classified(KindNotFound, "delete_client_and_node", err))
		logger.Warn("chef objects already deleted", zap.Error(err))
	default:
		res.Outcome = Failed
		res.Err = classified(KindFatal, "delete_client_and_node", err)
		logger.Error("error deleting chef client and node", zap.Error(err))
		return
	}

	if err := r.store.Delete(ctx, msg.InstanceID); err != nil {
		res.Outcome = Partial
		res.Err = classified(KindStore, "delete", err)
		logger.Error("error deleting instance record; stale record left behind", zap.Error(err))
		return
	}
	res.Outcome = Terminated
}

func (r *Reconciler) duplicate(msg *events.LifecycleMessage, res *Result) bool {
	if r.seen == nil || !msg.HasInstanceID {
		return false
	}
	if _, ok := r.seen.Get(dedupeKey(msg)); ok {
		res.Outcome = Duplicate
		return true
	}
	return false
}

func (r *Reconciler) remember(msg *events.LifecycleMessage) {
	if r.seen == nil || !msg.HasInstanceID {
		return
	}
	r.seen.SetDefault(dedupeKey(msg), struct{}{})
}

func dedupeKey(msg *events.LifecycleMessage) string {
	return msg.Event + "/" + msg.InstanceID
}

// invocationID returns the Lambda request id, or a random id outside Lambda.
func invocationID(ctx context.Context) string {
	if lc, ok := lambdacontext.FromContext(ctx); ok && lc.AwsRequestID != "" {
		return lc.AwsRequestID
	}
	return uuid.New().String()
}
