package warehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/fleetlink/backplane/internal/config"
	"github.com/fleetlink/backplane/internal/debounce"
	"github.com/fleetlink/backplane/internal/eventlog"
)

// createCooldown for warehouse tables is short: BigQuery table creation is
// cheap and the first minutes of a new generation's data are worth saving.
const createCooldown = time.Second

// Row is one warehouse row. Table schemas are owned by the collaborators
// that read them, so rows are schemaless value maps.
type Row map[string]bigquery.Value

// Save implements bigquery.ValueSaver. Insert IDs are left empty; the
// pipeline is at-most-once by design and dedup on the warehouse side would
// be a lie.
func (r Row) Save() (map[string]bigquery.Value, string, error) {
	return r, "", nil
}

// Inserter is the batcher's view of the warehouse.
type Inserter interface {
	Insert(ctx context.Context, table string, rows []Row) error
}

// BQSink streams row batches into BigQuery tables of one dataset.
type BQSink struct {
	client  *bigquery.Client
	dataset string
	creates *debounce.Debouncer
	sink    *eventlog.Sink
	log     zerolog.Logger
}

func NewBQSink(ctx context.Context, cfg *config.Config, sink *eventlog.Sink, log zerolog.Logger) (*BQSink, error) {
	var opts []option.ClientOption
	if cfg.GCPCredsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.GCPCredsFile))
	}
	client, err := bigquery.NewClient(ctx, cfg.GCPProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery client: %w", err)
	}
	return &BQSink{
		client:  client,
		dataset: cfg.GCPDataset,
		creates: debounce.New(createCooldown),
		sink:    sink,
		log:     log.With().Str("component", "warehouse").Logger(),
	}, nil
}

func (s *BQSink) Insert(ctx context.Context, table string, rows []Row) error {
	ins := s.client.Dataset(s.dataset).Table(table).Inserter()
	err := ins.Put(ctx, rows)
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == 404 {
		go s.ensureTable(table)
	}
	return fmt.Errorf("insert %d rows into %s: %w", len(rows), table, err)
}

// ensureTable creates the table with no fixed schema; columns are added by
// the collaborators that own each table's layout.
func (s *BQSink) ensureTable(table string) {
	if !s.creates.Allow() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.client.Dataset(s.dataset).Table(table).Create(ctx, &bigquery.TableMetadata{}); err != nil {
		s.sink.Logf("ERROR", "create warehouse table %s failed: %v", table, err)
		return
	}
	s.sink.Logf("INIT", "create warehouse table %s sent", table)
}

func (s *BQSink) Close() error {
	return s.client.Close()
}
