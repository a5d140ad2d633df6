package widecol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/fleetlink/backplane/internal/debounce"
	"github.com/fleetlink/backplane/internal/eventlog"
	"github.com/fleetlink/backplane/internal/metrics"
	"github.com/fleetlink/backplane/internal/stats"
)

// Log tables for non-telemetry device events.
const (
	TableControlLog = "log_dev_ctrl"
	TableCommandLog = "log_dev_cmd"
)

// createCooldown bounds how often a failed put may trigger a CREATE TABLE.
const createCooldown = 5 * time.Minute

// api is the slice of the DynamoDB client the writer uses.
type api interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Writer puts single documents into per-generation DynamoDB tables. Tables
// are schema-on-write with PK (dev_id HASH, timestamp RANGE); a put against
// a missing table triggers an asynchronous, debounced create while the put
// itself is surfaced as a normal failure.
type Writer struct {
	client   api
	sink     *eventlog.Sink
	counters *stats.Counters
	creates  *debounce.Debouncer
	log      zerolog.Logger
}

func NewWriter(client api, sink *eventlog.Sink, counters *stats.Counters, log zerolog.Logger) *Writer {
	return &Writer{
		client:   client,
		sink:     sink,
		counters: counters,
		creates:  debounce.New(createCooldown),
		log:      log.With().Str("component", "widecol").Logger(),
	}
}

// Insert writes one record. Errors are counted and rate-limit-logged here;
// the caller treats the insert as fire-and-forget.
func (w *Writer) Insert(ctx context.Context, table string, record map[string]any) error {
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		w.counters.PayloadsWithInsertError.Add(1)
		metrics.WideColumnPutsTotal.WithLabelValues("marshal_error").Inc()
		return fmt.Errorf("marshal record: %w", err)
	}

	_, err = w.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      item,
	})
	if err != nil {
		w.counters.DynamoError.Add(1)
		w.counters.PayloadsWithInsertError.Add(1)

		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			metrics.WideColumnPutsTotal.WithLabelValues("table_not_found").Inc()
			go w.ensureTable(table)
		} else {
			metrics.WideColumnPutsTotal.WithLabelValues("error").Inc()
		}

		devID, _ := record["dev_id"].(string)
		w.sink.DevError(devID, fmt.Sprintf("insert into %s failed: %v", table, err))
		return fmt.Errorf("put item into %s: %w", table, err)
	}

	metrics.WideColumnPutsTotal.WithLabelValues("ok").Inc()
	switch table {
	case TableCommandLog:
		w.counters.SavedCommand.Add(1)
	case TableControlLog:
		w.counters.SavedControl.Add(1)
	default:
		w.counters.SavedTelemetry.Add(1)
		w.sink.TelemetrySaved(table)
	}
	return nil
}

// ensureTable issues an on-demand CREATE TABLE for the standard schema.
// The debouncer keeps repeated put failures from spamming the control plane.
func (w *Writer) ensureTable(table string) {
	if !w.creates.Allow() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := w.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("dev_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("timestamp"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("dev_id"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("timestamp"), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		w.sink.Logf("ERROR", "create table %s failed: %v", table, err)
		return
	}
	w.sink.Logf("INIT", "create table %s sent", table)
}
