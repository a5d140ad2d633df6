package widecol

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/fleetlink/backplane/internal/eventlog"
	"github.com/fleetlink/backplane/internal/stats"
)

type fakeDynamo struct {
	mu      sync.Mutex
	puts    []string // table names
	putErr  error
	creates []string
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, *in.TableName)
	if f.putErr != nil {
		return nil, f.putErr
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) CreateTable(_ context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, *in.TableName)
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeDynamo) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

func newWriter(t *testing.T, fake *fakeDynamo) (*Writer, *stats.Counters) {
	t.Helper()
	sink, err := eventlog.New(filepath.Join(t.TempDir(), "log"), "backplane", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sink.Close)
	c := &stats.Counters{}
	return NewWriter(fake, sink, c, zerolog.Nop()), c
}

func telemetryRecord() map[string]any {
	return map[string]any{
		"dev_id":    "DAC402110001234",
		"timestamp": "2022-06-01T00:25:16",
		"GMT":       -3,
		"Tamb":      22.5,
	}
}

func TestInsertCountsByTable(t *testing.T) {
	fake := &fakeDynamo{}
	w, c := newWriter(t, fake)

	tests := []struct {
		name  string
		table string
		check func() int64
	}{
		{name: "telemetry", table: "DAC402110000_RAW", check: c.SavedTelemetry.Load},
		{name: "control", table: TableControlLog, check: c.SavedControl.Load},
		{name: "command", table: TableCommandLog, check: c.SavedCommand.Load},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := w.Insert(context.Background(), tt.table, telemetryRecord()); err != nil {
				t.Fatal(err)
			}
			if got := tt.check(); got != 1 {
				t.Errorf("counter = %d, want 1", got)
			}
		})
	}

	if len(fake.puts) != 3 {
		t.Errorf("puts = %v", fake.puts)
	}
}

func TestInsertTableNotFoundTriggersCreate(t *testing.T) {
	fake := &fakeDynamo{putErr: &types.ResourceNotFoundException{}}
	w, c := newWriter(t, fake)

	err := w.Insert(context.Background(), "DAC402110000_RAW", telemetryRecord())
	if err == nil {
		t.Fatal("expected the original put error to surface")
	}
	if c.DynamoError.Load() != 1 {
		t.Errorf("dynamodb_error = %d, want 1", c.DynamoError.Load())
	}
	if c.SavedTelemetry.Load() != 0 {
		t.Error("failed insert must not count as saved")
	}

	// The create is fired on a background goroutine.
	deadline := time.Now().Add(2 * time.Second)
	for fake.createCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if fake.createCount() != 1 {
		t.Fatalf("creates = %d, want 1", fake.createCount())
	}
}

func TestCreateDebounced(t *testing.T) {
	fake := &fakeDynamo{putErr: &types.ResourceNotFoundException{}}
	w, _ := newWriter(t, fake)

	for range 5 {
		_ = w.Insert(context.Background(), "DAC402110000_RAW", telemetryRecord())
	}

	deadline := time.Now().Add(2 * time.Second)
	for fake.createCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// Give stragglers a chance to fire before asserting the cap.
	time.Sleep(50 * time.Millisecond)
	if got := fake.createCount(); got != 1 {
		t.Errorf("creates = %d, want 1 within cooldown", got)
	}
}

func TestInsertGenericError(t *testing.T) {
	fake := &fakeDynamo{putErr: context.DeadlineExceeded}
	w, c := newWriter(t, fake)

	if err := w.Insert(context.Background(), "DAC402110000_RAW", telemetryRecord()); err == nil {
		t.Fatal("expected error")
	}
	if c.DynamoError.Load() != 1 || c.PayloadsWithInsertError.Load() != 1 {
		t.Errorf("counters: dynamo=%d insert_err=%d", c.DynamoError.Load(), c.PayloadsWithInsertError.Load())
	}
	time.Sleep(50 * time.Millisecond)
	if fake.createCount() != 0 {
		t.Error("generic error must not trigger table create")
	}
}
