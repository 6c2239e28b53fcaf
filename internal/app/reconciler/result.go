package reconciler

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Outcome is what happened to a single record.
type Outcome string

const (
	// Launched means the Chef client was created and its key stored.
	Launched Outcome = "launched"

	// Terminated means the Chef client/node and the stored key were removed.
	Terminated Outcome = "terminated"

	// Ignored means the event type isn't handled.
	Ignored Outcome = "ignored"

	// Duplicate means the event was already reconciled and nothing was done.
	Duplicate Outcome = "duplicate"

	// Partial means the Chef server was updated but the record store wasn't.
	Partial Outcome = "partial"

	// Failed means the record couldn't be reconciled.
	Failed Outcome = "failed"
)

// Outcomes lists every Outcome.
var Outcomes = []Outcome{Launched, Terminated, Ignored, Duplicate, Partial, Failed}

// Result describes the handling of one record of an envelope.
type Result struct {
	// Position of the record in the envelope.
	Index int `json:"index"`

	// SNS message id, if known.
	MessageID string `json:"message_id,omitempty"`

	InstanceID string  `json:"instance_id,omitempty"`
	Hostname   string  `json:"hostname,omitempty"`
	Event      string  `json:"event,omitempty"`
	Outcome    Outcome `json:"outcome"`

	// Err is set when Outcome is Partial or Failed.
	Err error `json:"-"`

	// Warnings are non-fatal problems: missing fields or already
	// deleted Chef objects.
	Warnings []error `json:"-"`
}

// OK reports whether the record needs no further attention.
func (r Result) OK() bool {
	return r.Outcome != Failed && r.Outcome != Partial
}

// Fields returns zap fields identifying the record.
func (r Result) Fields() []zap.Field {
	return []zap.Field{
		zap.Int("record", r.Index),
		zap.String("message_id", r.MessageID),
		zap.String("instance_id", r.InstanceID),
		zap.String("hostname", r.Hostname),
		zap.String("event", r.Event),
	}
}

// Report aggregates the results of one envelope, in record order.
type Report struct {
	InvocationID string   `json:"invocation_id,omitempty"`
	Results      []Result `json:"results"`
}

// Count returns the number of results with outcome o.
func (r Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Failed returns the results that need attention.
func (r Report) Failed() []Result {
	var failed []Result
	for _, res := range r.Results {
		if !res.OK() {
			failed = append(failed, res)
		}
	}
	return failed
}

// Err returns an error summarizing the records that failed, or nil if
// every record is OK.
func (r Report) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	first := failed[0]
	err := first.Err
	if err == nil {
		err = errors.New(string(first.Outcome))
	}
	return errors.Wrapf(err, "%d of %d records failed (first: record %d, %s)",
		len(failed), len(r.Results), first.Index, describe(first))
}

// Summary maps each outcome to its count.
func (r Report) Summary() map[Outcome]int {
	s := make(map[Outcome]int, len(Outcomes))
	for _, res := range r.Results {
		s[res.Outcome]++
	}
	return s
}

func describe(r Result) string {
	if r.Hostname == "" {
		return string(r.Outcome)
	}
	return fmt.Sprintf("%s %s", r.Outcome, r.Hostname)
}
