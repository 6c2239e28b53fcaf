package poller

import (
	"context"

	"github.com/olebedev/emitter" // Event bus.
	"go.uber.org/zap"             // Logging.

	"github.com/CompareGroup/chef-asg/internal/app/reconciler"
	"github.com/CompareGroup/chef-asg/pkg/events"
)

// EnvelopeHandler reconciles an SNS envelope.
type EnvelopeHandler interface {
	HandleEnvelope(ctx context.Context, e events.SNSEvent) reconciler.Report
}

// ReconcileHandler hands every emitted Delivery to an EnvelopeHandler.
type ReconcileHandler struct {
	events  *emitter.Emitter
	handler EnvelopeHandler
	logger  *zap.Logger

	ch <-chan emitter.Event
}

// NewReconcileHandler returns a new ReconcileHandler listening on e.
// It starts listening immediately so no delivery emitted after this
// returns is missed.
func NewReconcileHandler(e *emitter.Emitter, h EnvelopeHandler, logger *zap.Logger) *ReconcileHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconcileHandler{
		events:  e,
		handler: h,
		logger:  logger,
		ch:      e.On(NotificationTopic),
	}
}

// Run handles deliveries until ctx is canceled.
func (h *ReconcileHandler) Run(ctx context.Context) error {
	defer h.events.Off(NotificationTopic, h.ch)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-h.ch:
			if !ok {
				return nil
			}
			for _, arg := range ev.Args {
				d, ok := arg.(*Delivery)
				if !ok {
					h.logger.DPanic("unexpected event argument", zap.Any("arg", arg))
					continue
				}
				h.handle(ctx, d)
			}
		}
	}
}

func (h *ReconcileHandler) handle(ctx context.Context, d *Delivery) {
	defer d.Done()
	report := h.handler.HandleEnvelope(ctx, events.SNSEventFromEntities(d.Notification))
	if err := report.Err(); err != nil {
		h.logger.Error("error reconciling notification",
			zap.String("message_id", d.Notification.MessageID),
			zap.String("invocation_id", report.InvocationID),
			zap.Error(err))
		for _, res := range report.Failed() {
			fields := append(res.Fields(), zap.String("outcome", string(res.Outcome)), zap.Error(res.Err))
			h.logger.Warn("record needs attention", fields...)
		}
	}
}
