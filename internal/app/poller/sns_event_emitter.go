// Package poller consumes Auto Scaling notifications that SNS fans
// into an SQS queue.
package poller

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	lambdaevents "github.com/aws/aws-lambda-go/events" // Lambda event payloads.
	"github.com/cenkalti/backoff"                      // Exponential backoff.
	"github.com/olebedev/emitter"                      // Event bus.
	"github.com/pkg/errors"                            // Wrap errors with stacktrace.
	"github.com/prometheus/client_golang/prometheus"   // Prometheus metrics.
	"go.uber.org/zap"                                  // Logging.

	"github.com/CompareGroup/chef-asg/pkg/events" // SNS envelopes.
)

// NotificationTopic is the emitter topic every decoded SNS
// notification is emitted on, as a *Delivery.
const NotificationTopic = "sns.notification"

// SQSAPI defines the interface for the SQS functions used here.
// We use this interface to test the emitter using a mocked service.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// Delivery is one SNS notification received from SQS. Every listener
// must call Done once it has handled the notification.
type Delivery struct {
	Notification lambdaevents.SNSEntity

	wg sync.WaitGroup
}

// Done marks the delivery as handled by one listener.
func (d *Delivery) Done() {
	d.wg.Done()
}

// SNSEventEmitter consumes SNS notifications from an SQS
// queue and emits them as github.com/olebedev/emitter events.
type SNSEventEmitter struct {
	client SQSAPI
	queue  string
	events *emitter.Emitter
	logger *zap.Logger

	// MaxElapsedTime bounds how long receive errors are retried
	// before Run gives up. Zero retries forever.
	MaxElapsedTime time.Duration

	// Metrics.
	Received prometheus.Counter
	Deleted  prometheus.Counter
}

// NewSNSEventEmitter returns a new SNSEventEmitter.
func NewSNSEventEmitter(c SQSAPI, queueURL string, e *emitter.Emitter, logger *zap.Logger) *SNSEventEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SNSEventEmitter{
		client:         c,
		queue:          queueURL,
		events:         e,
		logger:         logger.With(zap.String("queue", queueURL)),
		MaxElapsedTime: 5 * time.Minute,
	}
}

// Run receives and emits SNS notifications until the context is canceled
// or receiving keeps failing. Listeners must be registered before Run
// is called. Messages are deleted once every listener is done with
// them, whatever the outcome.
func (e *SNSEventEmitter) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = e.MaxElapsedTime

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		default:
			// Receive SQS messages.
			msgs, err := e.receive(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				wait := b.NextBackOff()
				if wait == backoff.Stop {
					return err
				}
				e.logger.Warn("error receiving messages, backing off",
					zap.Error(err), zap.Duration("wait", wait))
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
				continue
			}
			b.Reset()

			// Decode and emit notifications.
			toWait := make(emitWaiter, 0, len(msgs))
			for _, m := range msgs {
				n, err := events.DecodeSQSBody(aws.ToString(m.Body))
				if err != nil {
					e.logger.Error("error decoding SNS notification",
						zap.String("message_id", aws.ToString(m.MessageId)),
						zap.Error(err))
					continue
				}
				d := &Delivery{Notification: n}
				d.wg.Add(len(e.events.Listeners(NotificationTopic)))
				e.events.Emit(NotificationTopic, d)
				toWait = append(toWait, d)
			}

			// Wait for notifications to be handled.
			if err := toWait.Wait(ctx); err != nil {
				return err
			}

			// Delete SQS messages.
			if err := e.delete(ctx, msgs); err != nil {
				return err
			}
		}
	}
}

// receive receives SQS messages.
func (e *SNSEventEmitter) receive(ctx context.Context) ([]types.Message, error) {
	resp, err := e.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(e.queue),
		MaxNumberOfMessages: int32(10), // Max allowed by the AWS API.
		WaitTimeSeconds:     int32(20), // Max allowed by the AWS API.
	})
	if err != nil {
		return nil, errors.Wrap(err, "error getting SQS messages")
	}
	if e.Received != nil {
		e.Received.Add(float64(len(resp.Messages)))
	}
	return resp.Messages, nil
}

// delete deletes SQS messages.
func (e *SNSEventEmitter) delete(ctx context.Context, msgs []types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	b := make([]types.DeleteMessageBatchRequestEntry, len(msgs))
	for i, m := range msgs {
		b[i] = types.DeleteMessageBatchRequestEntry{
			Id:            aws.String(strconv.Itoa(i)),
			ReceiptHandle: m.ReceiptHandle,
		}
	}
	resp, err := e.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String(e.queue),
		Entries:  b,
	})
	if err != nil {
		return errors.Wrap(err, "error deleting SQS messages")
	}
	for _, f := range resp.Failed {
		e.logger.Error("error deleting SQS message",
			zap.String("id", aws.ToString(f.Id)),
			zap.String("code", aws.ToString(f.Code)),
			zap.String("message", aws.ToString(f.Message)))
	}
	if e.Deleted != nil {
		e.Deleted.Add(float64(len(resp.Successful)))
	}
	return nil
}

// emitWaiter waits for emitted deliveries to be handled.
type emitWaiter []*Delivery

// Wait blocks until every delivery is done or ctx is canceled.
func (w emitWaiter) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		for _, d := range w {
			d.wg.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
