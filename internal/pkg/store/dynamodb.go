// Package store persists per-instance Chef bootstrap credentials
// in DynamoDB.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"                          // Wrap errors with stacktrace.
	"github.com/prometheus/client_golang/prometheus" // Prometheus metrics.
	"go.uber.org/zap"                                // Logging.
)

// KeyAttribute is the table's hash key.
const KeyAttribute = "instance_id"

var (
	// ErrEmptyKey is returned for records without an instance id.
	ErrEmptyKey = errors.New("record has no instance id")

	// ErrNotFound is returned by Get when the instance has no record.
	ErrNotFound = errors.New("record not found")
)

// Record is the item stored for each launched instance.
type Record struct {
	InstanceID  string `dynamodbav:"instance_id"`
	ClientKey   string `dynamodbav:"client_key"`
	ChefHost    string `dynamodbav:"chef_host"`
	NodeName    string `dynamodbav:"node_name,omitempty"`
	Environment string `dynamodbav:"environment,omitempty"`
	CreatedAt   string `dynamodbav:"created_at,omitempty"`
}

// Error is returned when a DynamoDB call fails.
type Error struct {
	Op         string
	InstanceID string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dynamodb %s %s: %v", e.Op, e.InstanceID, e.Err)
}

// Cause implements the github.com/pkg/errors causer interface.
func (e *Error) Cause() error { return e.Err }

// Unwrap implements the Go 1.13 error unwrapping interface.
func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying later:
// throttling or a server side error.
func (e *Error) Transient() bool {
	var throughput *types.ProvisionedThroughputExceededException
	var limit *types.RequestLimitExceeded
	var internal *types.InternalServerError
	if errors.As(e.Err, &throughput) || errors.As(e.Err, &limit) || errors.As(e.Err, &internal) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(e.Err, &apiErr) && apiErr.ErrorFault() == smithy.FaultServer {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(e.Err, &respErr) && respErr.HTTPStatusCode() >= 500 {
		return true
	}
	return false
}

// DynamoDBAPI defines the interface for the DynamoDB functions used here.
// We use this interface to test the store using a mocked service.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Store reads and writes Records in a single DynamoDB table.
type Store struct {
	client DynamoDBAPI
	table  string
	logger *zap.Logger

	now func() time.Time

	// Metrics.
	Calls *prometheus.CounterVec // labels: op, result
}

// New returns a new Store.
func New(client DynamoDBAPI, table string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client: client,
		table:  table,
		logger: logger.With(zap.String("table", table)),
		now:    time.Now,
	}
}

// Table returns the table name.
func (s *Store) Table() string {
	return s.table
}

// Get returns the record for instanceID, or an error whose cause is
// ErrNotFound if there is none. Reads are strongly consistent.
func (s *Store) Get(ctx context.Context, instanceID string) (r Record, err error) {
	defer func() { s.observe("get", err) }()
	if instanceID == "" {
		return r, &Error{Op: "get", Err: ErrEmptyKey}
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(instanceID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return r, &Error{Op: "get", InstanceID: instanceID, Err: err}
	}
	if len(out.Item) == 0 {
		return r, &Error{Op: "get", InstanceID: instanceID, Err: ErrNotFound}
	}
	if err := attributevalue.UnmarshalMap(out.Item, &r); err != nil {
		return Record{}, &Error{Op: "get", InstanceID: instanceID, Err: errors.Wrap(err, "error unmarshaling record")}
	}
	return r, nil
}

// Put inserts the record, replacing any existing record with the
// same instance id.
func (s *Store) Put(ctx context.Context, r Record) (err error) {
	defer func() { s.observe("put", err) }()
	if r.InstanceID == "" {
		return &Error{Op: "put", Err: ErrEmptyKey}
	}
	if r.CreatedAt == "" {
		r.CreatedAt = s.now().UTC().Format(time.RFC3339)
	}
	item, err := attributevalue.MarshalMap(r)
	if err != nil {
		return &Error{Op: "put", InstanceID: r.InstanceID, Err: errors.Wrap(err, "error marshaling record")}
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return &Error{Op: "put", InstanceID: r.InstanceID, Err: err}
	}
	s.logger.Info("stored instance record", zap.String("instance_id", r.InstanceID))
	return nil
}

// Delete removes the record for instanceID. Deleting a record that
// doesn't exist is not an error.
func (s *Store) Delete(ctx context.Context, instanceID string) (err error) {
	defer func() { s.observe("delete", err) }()
	if instanceID == "" {
		return &Error{Op: "delete", Err: ErrEmptyKey}
	}
	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       key(instanceID),
	})
	if err != nil {
		return &Error{Op: "delete", InstanceID: instanceID, Err: err}
	}
	s.logger.Info("deleted instance record", zap.String("instance_id", instanceID))
	return nil
}

// Ping checks the table exists and is usable.
func (s *Store) Ping(ctx context.Context) error {
	out, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	if err != nil {
		return errors.Wrapf(err, "error describing table %s", s.table)
	}
	if out.Table == nil {
		return errors.Errorf("table %s not described", s.table)
	}
	switch out.Table.TableStatus {
	case types.TableStatusActive, types.TableStatusUpdating:
		return nil
	}
	return errors.Errorf("table %s is %s", s.table, out.Table.TableStatus)
}

func key(instanceID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		KeyAttribute: &types.AttributeValueMemberS{Value: instanceID},
	}
}

func (s *Store) observe(op string, err error) {
	if s.Calls == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		if e, ok := err.(*Error); ok {
			switch {
			case e.Err == ErrNotFound:
				result = "not_found"
			case e.Transient():
				result = "transient"
			}
		}
	}
	s.Calls.WithLabelValues(op, result).Inc()
}
