package events

import (
	"fmt"

	"github.com/pkg/errors"    // Wrap errors with stacktrace.
	"github.com/tidwall/gjson" // Field access on raw JSON.
)

// Event types published by EC2 Auto Scaling notifications.
const (
	EventInstanceLaunch         = "autoscaling:EC2_INSTANCE_LAUNCH"
	EventInstanceLaunchError    = "autoscaling:EC2_INSTANCE_LAUNCH_ERROR"
	EventInstanceTerminate      = "autoscaling:EC2_INSTANCE_TERMINATE"
	EventInstanceTerminateError = "autoscaling:EC2_INSTANCE_TERMINATE_ERROR"
	EventTestNotification       = "autoscaling:TEST_NOTIFICATION"
)

// Names of the fields a LifecycleMessage is built from.
const (
	FieldInstanceID       = "EC2InstanceId"
	FieldAutoScalingGroup = "AutoScalingGroupName"
	FieldEvent            = "Event"
	FieldDescription      = "Description"
)

// ErrMalformedMessage is returned when a message body is not a JSON object.
var ErrMalformedMessage = errors.New("malformed lifecycle message")

// MissingFieldError reports a required field absent from a
// lifecycle message.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("lifecycle message has no %q field", e.Field)
}

// LifecycleMessage is the SNS message body published by
// EC2 Auto Scaling when an instance is launched or terminated.
//
// Example:
//
//   {
//       "Progress": 50,
//       "AccountId": "123456789012",
//       "Description": "Launching a new EC2 instance: i-1234567890abcdef0",
//       "RequestId": "c4f2a4d8-3b4e-4f5c-a9b0-000000000000",
//       "EndTime": "2016-09-16T20:43:23.823Z",
//       "AutoScalingGroupARN": "arn:aws:autoscaling:...",
//       "ActivityId": "c4f2a4d8-3b4e-4f5c-a9b0-000000000000",
//       "StartTime": "2016-09-16T20:43:23.823Z",
//       "Service": "AWS Auto Scaling",
//       "Time": "2016-09-16T20:43:23.823Z",
//       "EC2InstanceId": "i-1234567890abcdef0",
//       "StatusCode": "InProgress",
//       "StatusMessage": "",
//       "Details": {"Subnet ID": "subnet-12345678", "Availability Zone": "us-west-2a"},
//       "AutoScalingGroupName": "web",
//       "Cause": "At 2016-09-16T20:43:21Z an instance was started ...",
//       "Event": "autoscaling:EC2_INSTANCE_LAUNCH"
//   }
//
// See also: https://docs.aws.amazon.com/autoscaling/ec2/userguide/ec2-auto-scaling-sns-notifications.html
type LifecycleMessage struct {
	// Example: "i-1234567890abcdef0"
	InstanceID string

	// Example: "web"
	AutoScalingGroupName string

	// Example: "autoscaling:EC2_INSTANCE_LAUNCH"
	Event string

	// Informational only.
	Description string

	AccountID string
	RequestID string
	Service   string
	Time      string
	Cause     string

	HasInstanceID           bool
	HasAutoScalingGroupName bool
	HasEvent                bool

	// Missing holds a *MissingFieldError for every required field
	// that was absent.
	Missing []error
}

// ParseLifecycleMessage extracts a LifecycleMessage from a decoded SNS
// message body. Required fields are looked up independently; an absent
// field is recorded in Missing and parsing carries on.
func ParseLifecycleMessage(body []byte) (*LifecycleMessage, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.Wrap(ErrMalformedMessage, "invalid JSON")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, errors.Wrapf(ErrMalformedMessage, "expected object, got %s", root.Type)
	}

	m := &LifecycleMessage{}
	m.InstanceID, m.HasInstanceID = m.required(root, FieldInstanceID)
	m.AutoScalingGroupName, m.HasAutoScalingGroupName = m.required(root, FieldAutoScalingGroup)
	m.Event, m.HasEvent = m.required(root, FieldEvent)

	m.Description = root.Get(FieldDescription).String()
	m.AccountID = root.Get("AccountId").String()
	m.RequestID = root.Get("RequestId").String()
	m.Service = root.Get("Service").String()
	m.Time = root.Get("Time").String()
	m.Cause = root.Get("Cause").String()
	return m, nil
}

func (m *LifecycleMessage) required(root gjson.Result, field string) (string, bool) {
	v := root.Get(field)
	if !v.Exists() || v.Type == gjson.Null {
		m.Missing = append(m.Missing, &MissingFieldError{Field: field})
		return "", false
	}
	return v.String(), true
}
