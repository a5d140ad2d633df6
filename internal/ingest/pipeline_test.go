package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetlink/backplane/internal/eventlog"
	"github.com/fleetlink/backplane/internal/resolver"
	"github.com/fleetlink/backplane/internal/stats"
	"github.com/fleetlink/backplane/internal/warehouse"
	"github.com/fleetlink/backplane/internal/widecol"
)

type fakeWide struct {
	mu      sync.Mutex
	inserts []struct {
		table  string
		record map[string]any
	}
}

func (f *fakeWide) Insert(_ context.Context, table string, record map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, struct {
		table  string
		record map[string]any
	}{table, record})
	return nil
}

func (f *fakeWide) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserts)
}

func (f *fakeWide) last() (string, map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ins := f.inserts[len(f.inserts)-1]
	return ins.table, ins.record
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	rows []struct {
		table string
		row   warehouse.Row
	}
}

func (f *fakeEnqueuer) Enqueue(table string, row warehouse.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, struct {
		table string
		row   warehouse.Row
	}{table, row})
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeState struct {
	mu      sync.Mutex
	updates map[string]json.RawMessage
}

func (f *fakeState) Update(devID string, telemetry json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = make(map[string]json.RawMessage)
	}
	f.updates[devID] = telemetry
}

type fixture struct {
	p    *Pipeline
	wide *fakeWide
	wh   *fakeEnqueuer
	rt   *fakeState
	c    *stats.Counters
	dir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "log")
	sink, err := eventlog.New(dir, "test", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sink.Close)

	fx := &fixture{
		wide: &fakeWide{},
		wh:   &fakeEnqueuer{},
		rt:   &fakeState{},
		c:    &stats.Counters{},
		dir:  dir,
	}
	rules := []resolver.Rule{
		{Pattern: "data/dac/#", Prop: "dev_id", Mappings: []resolver.Mapping{
			{Prefix: "DAC40211", Table: "DAC402110000_RAW"},
		}},
	}
	fx.p = New(Options{
		Resolver:  resolver.New(rules),
		Realtime:  fx.rt,
		Wide:      fx.wide,
		Warehouse: fx.wh,
		Sink:      sink,
		Counters:  fx.c,
		Log:       zerolog.Nop(),
	})
	fx.p.now = func() time.Time {
		return time.Date(2022, 6, 1, 12, 0, 0, 500_000_000, time.UTC)
	}
	return fx
}

func (fx *fixture) logText(t *testing.T) string {
	t.Helper()
	entries, err := os.ReadDir(fx.dir)
	if err != nil || len(entries) == 0 {
		return ""
	}
	b, err := os.ReadFile(filepath.Join(fx.dir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func waitFor(t *testing.T, cond func() bool, within time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHappyTelemetry(t *testing.T) {
	fx := newFixture(t)

	fx.p.HandleMessage("data/dac/foo", []byte(`{"dev_id":"DAC402110001234","timestamp":"2022-06-01T00:25:16","Tamb":22.5}`))

	waitFor(t, func() bool { return fx.wide.count() == 1 }, 2*time.Second, "wide-column put not issued")
	table, rec := fx.wide.last()
	if table != "DAC402110000_RAW" {
		t.Errorf("table = %q, want DAC402110000_RAW", table)
	}
	if rec["GMT"] != defaultGMT {
		t.Errorf("GMT = %v, want %d", rec["GMT"], defaultGMT)
	}
	if rec["topic"] != "data/dac/foo" {
		t.Errorf("topic = %v", rec["topic"])
	}

	if fx.wh.count() != 1 {
		t.Errorf("warehouse rows = %d, want 1", fx.wh.count())
	}

	fx.rt.mu.Lock()
	raw := fx.rt.updates["DAC402110001234"]
	fx.rt.mu.Unlock()
	if raw == nil {
		t.Fatal("realtime view not updated")
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("realtime entry is not JSON: %v", err)
	}
	if got["Tamb"] != 22.5 {
		t.Errorf("Tamb = %v", got["Tamb"])
	}

	if fx.c.PayloadsReceived.Load() != 1 || fx.c.PayloadsDiscarded.Load() != 0 {
		t.Errorf("received=%d discarded=%d", fx.c.PayloadsReceived.Load(), fx.c.PayloadsDiscarded.Load())
	}
}

func TestGMTPreservedWhenInteger(t *testing.T) {
	fx := newFixture(t)

	fx.p.HandleMessage("data/dac/foo", []byte(`{"dev_id":"DAC402110001234","timestamp":"2022-06-01T00:25:16","GMT":0}`))

	waitFor(t, func() bool { return fx.wide.count() == 1 }, 2*time.Second, "put not issued")
	_, rec := fx.wide.last()
	if rec["GMT"] != 0.0 {
		t.Errorf("GMT = %v, want 0 preserved", rec["GMT"])
	}
}

func TestMissingDevID(t *testing.T) {
	fx := newFixture(t)

	fx.p.HandleMessage("data/dac/x", []byte(`{"timestamp":"2022-06-01T00:00:00"}`))

	time.Sleep(50 * time.Millisecond)
	if fx.wide.count() != 0 || fx.wh.count() != 0 {
		t.Error("invalid packet must produce no writes")
	}
	if fx.c.PayloadsDiscarded.Load() != 1 {
		t.Errorf("payloads_discarded = %d, want 1", fx.c.PayloadsDiscarded.Load())
	}
	if !strings.Contains(fx.logText(t), "Could not find dev ID") {
		t.Error("missing topic-error line")
	}
}

func TestInvalidTimestamp(t *testing.T) {
	fx := newFixture(t)

	fx.p.HandleMessage("data/dac/x", []byte(`{"dev_id":"DAC402110001234","timestamp":"01/06/2022"}`))

	time.Sleep(50 * time.Millisecond)
	if fx.wide.count() != 0 {
		t.Error("bad timestamp must produce no writes")
	}
	if fx.c.PayloadsDiscarded.Load() != 1 {
		t.Errorf("payloads_discarded = %d, want 1", fx.c.PayloadsDiscarded.Load())
	}
}

func TestUnknownTopicDedup(t *testing.T) {
	fx := newFixture(t)

	for range 5 {
		fx.p.HandleMessage("weather/zone", []byte(`{}`))
	}

	if fx.c.UnknownTopic.Load() != 5 {
		t.Errorf("unknown_topic = %d, want 5", fx.c.UnknownTopic.Load())
	}
	if fx.wide.count() != 0 || fx.wh.count() != 0 {
		t.Error("unknown topic must produce no writes")
	}
	if got := strings.Count(fx.logText(t), "Unknown topic"); got != 1 {
		t.Errorf("log lines = %d, want 1 within the dedup window", got)
	}
}

func TestResolverMissDiscards(t *testing.T) {
	fx := newFixture(t)

	// Valid payload, but no rule maps a DUT prefix.
	fx.p.HandleMessage("data/dac/foo", []byte(`{"dev_id":"DUT302220009999","timestamp":"2022-06-01T00:00:00"}`))

	time.Sleep(50 * time.Millisecond)
	if fx.wide.count() != 0 || fx.wh.count() != 0 {
		t.Error("unresolved table must produce no writes")
	}
	if fx.c.PayloadsDiscarded.Load() != 1 {
		t.Errorf("payloads_discarded = %d, want 1", fx.c.PayloadsDiscarded.Load())
	}
}

func TestControlRecord(t *testing.T) {
	fx := newFixture(t)

	fx.p.HandleMessage("control/dac", []byte(`{"dev_id":"DAC402110001234","event":"defrost"}`))

	waitFor(t, func() bool { return fx.wide.count() == 1 }, 2*time.Second, "control put not issued")
	table, rec := fx.wide.last()
	if table != widecol.TableControlLog {
		t.Errorf("table = %q", table)
	}
	if rec["dev_id"] != "DAC402110001234" {
		t.Errorf("dev_id = %v", rec["dev_id"])
	}
	// now() is 12:00:00.500 UTC; the stamp is shifted back 3h.
	if rec["timestamp"] != "2022-06-01T09:00:00.500" {
		t.Errorf("timestamp = %v", rec["timestamp"])
	}
	body, ok := rec["payload"].(map[string]any)
	if !ok || body["event"] != "defrost" {
		t.Errorf("payload = %v", rec["payload"])
	}
}

func TestSyncClockRecord(t *testing.T) {
	fx := newFixture(t)

	fx.p.HandleMessage("sync", []byte("SYNC DAC402110001234"))

	waitFor(t, func() bool { return fx.wide.count() == 1 }, 2*time.Second, "sync put not issued")
	table, rec := fx.wide.last()
	if table != widecol.TableControlLog {
		t.Errorf("table = %q", table)
	}
	if rec["payload"] != "SYNC DAC402110001234" {
		t.Errorf("payload = %v, want raw string", rec["payload"])
	}
}

func TestCommandRaw(t *testing.T) {
	fx := newFixture(t)

	fx.p.HandleMessage("commands/sync/DAC402110001234", []byte("0400FA"))

	waitFor(t, func() bool { return fx.wide.count() == 1 }, 2*time.Second, "command put not issued")
	table, rec := fx.wide.last()
	if table != widecol.TableCommandLog {
		t.Errorf("table = %q", table)
	}
	if rec["payload"] != "0400FA" {
		t.Errorf("payload = %v, want raw string", rec["payload"])
	}
}

func TestCommandShortDevID(t *testing.T) {
	fx := newFixture(t)

	fx.p.HandleMessage("commands/xy", []byte(`{"cmd":"on"}`))

	time.Sleep(50 * time.Millisecond)
	if fx.wide.count() != 0 {
		t.Error("short dev ID must produce no writes")
	}
	if fx.c.DevIDMissing.Load() != 1 {
		t.Errorf("dev_id_missing = %d, want 1", fx.c.DevIDMissing.Load())
	}
}
