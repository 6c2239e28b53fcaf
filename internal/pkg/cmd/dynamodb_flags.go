package cmd

import (
	"time"
)

// Defaults for the record store.
const (
	DefaultRegion    = "us-west-2"
	DefaultTable     = "testing"
	DefaultDedupeTTL = time.Hour
)

// StoreFlags represents a set of flags for the DynamoDB record store.
type StoreFlags struct {
	// Name of the DynamoDB table holding instance records.
	Table string

	// How long a reconciled event is remembered to skip redeliveries.
	DedupeTTL time.Duration
}

// NewStoreFlags returns a new StoreFlags.
func NewStoreFlags(app Flagger) *StoreFlags {
	var f StoreFlags

	app.Flag("dynamodb.table", "Name of the DynamoDB table to store instance records in.").
		Envar("DYNAMODB_TABLE").
		Default(DefaultTable).
		PlaceHolder("TABLE").
		StringVar(&f.Table)

	app.Flag("dedupe.ttl", "How long to remember reconciled events. 0 disables.").
		Envar("DEDUPE_TTL").
		Default(DefaultDedupeTTL.String()).
		DurationVar(&f.DedupeTTL)

	return &f
}
