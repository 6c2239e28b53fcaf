package cmd

// QueueFlags represents a set of flags for the SQS queue notifications
// are polled from.
type QueueFlags struct {
	// URL of the SQS queue subscribed to the Auto Scaling SNS topic.
	URL string
}

// NewQueueFlags returns a new QueueFlags.
func NewQueueFlags(app Flagger) *QueueFlags {
	var f QueueFlags

	app.Flag("sqs.queue", "URL of the SQS queue subscribed to the Auto Scaling SNS topic.").
		Envar("SQS_QUEUE_URL").
		Required().
		PlaceHolder("URL").
		StringVar(&f.URL)

	return &f
}
