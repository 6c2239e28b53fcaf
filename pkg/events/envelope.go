package events

import (
	"encoding/json"

	lambdaevents "github.com/aws/aws-lambda-go/events" // Lambda event payloads.
	"github.com/pkg/errors"                            // Wrap errors with stacktrace.
)

// SNSEvent is the payload of a Lambda function subscribed to an SNS topic.
type SNSEvent = lambdaevents.SNSEvent

// SNSEntity is a single SNS notification.
type SNSEntity = lambdaevents.SNSEntity

// ErrMalformedEnvelope is returned when a transport payload can't be
// decoded.
var ErrMalformedEnvelope = errors.New("malformed notification envelope")

// DecodeSNSEvent decodes the payload Lambda receives from an SNS
// subscription:
//
//   {"Records": [{"EventSource": "aws:sns", "Sns": {"Message": "{...}", ...}}]}
func DecodeSNSEvent(raw []byte) (lambdaevents.SNSEvent, error) {
	var e lambdaevents.SNSEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, errors.Wrap(ErrMalformedEnvelope, err.Error())
	}
	if e.Records == nil {
		return e, errors.Wrap(ErrMalformedEnvelope, "no Records")
	}
	return e, nil
}

// DecodeSQSBody decodes the body of an SQS message delivered by an SNS
// subscription without raw message delivery, i.e. an SNS notification
// document:
//
//   {"Type": "Notification", "MessageId": "...", "TopicArn": "...", "Message": "{...}", ...}
func DecodeSQSBody(body string) (lambdaevents.SNSEntity, error) {
	var n lambdaevents.SNSEntity
	if err := json.Unmarshal([]byte(body), &n); err != nil {
		return n, errors.Wrap(ErrMalformedEnvelope, err.Error())
	}
	if n.Message == "" {
		return n, errors.Wrap(ErrMalformedEnvelope, "SNS notification has no Message")
	}
	return n, nil
}

// SNSEventFromEntities wraps SNS notifications in an SNSEvent so they
// take the same path as a Lambda invocation.
func SNSEventFromEntities(entities ...lambdaevents.SNSEntity) lambdaevents.SNSEvent {
	e := lambdaevents.SNSEvent{Records: make([]lambdaevents.SNSEventRecord, len(entities))}
	for i, n := range entities {
		e.Records[i] = lambdaevents.SNSEventRecord{
			EventSource:          "aws:sns",
			EventSubscriptionArn: n.TopicArn,
			SNS:                  n,
		}
	}
	return e
}
