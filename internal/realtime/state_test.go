package realtime

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestUpdateAndQuery(t *testing.T) {
	s := New(t.TempDir(), zerolog.Nop())
	s.now = func() time.Time { return time.Unix(1000, 0) }

	s.Update("DAC402110001234", json.RawMessage(`{"Tamb":22.5}`))
	s.Update("DUT302220001234", json.RawMessage(`{"Temp":18}`))

	t.Run("all_devices", func(t *testing.T) {
		all := s.LastTelemetries(nil)
		if len(all) != 2 {
			t.Fatalf("len = %d, want 2", len(all))
		}
		if string(all["DAC402110001234"].Telemetry) != `{"Tamb":22.5}` {
			t.Errorf("telemetry = %s", all["DAC402110001234"].Telemetry)
		}
		if all["DAC402110001234"].TS != 1000 {
			t.Errorf("ts = %d, want 1000", all["DAC402110001234"].TS)
		}
	})

	t.Run("filtered", func(t *testing.T) {
		got := s.LastTelemetries([]string{"DUT302220001234", "DMA000000000000"})
		if len(got) != 1 {
			t.Fatalf("len = %d, want 1", len(got))
		}
		if _, ok := got["DUT302220001234"]; !ok {
			t.Error("missing requested device")
		}
	})

	t.Run("last_ts", func(t *testing.T) {
		ts := s.LastTS(nil)
		if ts["DAC402110001234"] != 1000 || ts["DUT302220001234"] != 1000 {
			t.Errorf("ts map = %v", ts)
		}
	})

	t.Run("overwrite_keeps_latest", func(t *testing.T) {
		s.now = func() time.Time { return time.Unix(2000, 0) }
		s.Update("DAC402110001234", json.RawMessage(`{"Tamb":30}`))
		got := s.LastTelemetries([]string{"DAC402110001234"})["DAC402110001234"]
		if string(got.Telemetry) != `{"Tamb":30}` || got.TS != 2000 {
			t.Errorf("entry = %+v", got)
		}
		if s.LastTS([]string{"DAC402110001234"})["DAC402110001234"] != 2000 {
			t.Error("last-seen not bumped")
		}
	})
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, zerolog.Nop())
	s.now = func() time.Time { return time.Unix(10, 0) }
	s.Update("DAC402110000001", json.RawMessage(`{"a":1}`))
	s.now = func() time.Time { return time.Unix(20, 0) }
	s.Update("DUT302220000002", json.RawMessage(`{"a":2}`))

	if err := s.Snapshot(); err != nil {
		t.Fatal(err)
	}

	// "Restart": a fresh state loading the same directory.
	s2 := New(dir, zerolog.Nop())
	if err := s2.Load(); err != nil {
		t.Fatal(err)
	}

	before := s.LastTelemetries(nil)
	after := s2.LastTelemetries(nil)
	if len(after) != len(before) {
		t.Fatalf("len = %d, want %d", len(after), len(before))
	}
	for id, want := range before {
		got := after[id]
		if string(got.Telemetry) != string(want.Telemetry) || got.TS != want.TS {
			t.Errorf("%s: got %+v, want %+v", id, got, want)
		}
	}

	ts := s2.LastTS(nil)
	if ts["DAC402110000001"] != 10 || ts["DUT302220000002"] != 20 {
		t.Errorf("last_timestamp = %v, want {10, 20}", ts)
	}
}

func TestLoadKeepsInMemoryEntries(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, zerolog.Nop())
	s.now = func() time.Time { return time.Unix(10, 0) }
	s.Update("DAC402110000001", json.RawMessage(`{"old":true}`))
	if err := s.Snapshot(); err != nil {
		t.Fatal(err)
	}

	s2 := New(dir, zerolog.Nop())
	s2.now = func() time.Time { return time.Unix(99, 0) }
	s2.Update("DAC402110000001", json.RawMessage(`{"new":true}`))
	if err := s2.Load(); err != nil {
		t.Fatal(err)
	}

	got := s2.LastTelemetries(nil)["DAC402110000001"]
	if string(got.Telemetry) != `{"new":true}` || got.TS != 99 {
		t.Errorf("in-memory entry was clobbered by snapshot: %+v", got)
	}
}

func TestSnapshotIsSubsetOfMemory(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, zerolog.Nop())
	s.Update("DAC402110000001", json.RawMessage(`{"a":1}`))
	if err := s.Snapshot(); err != nil {
		t.Fatal(err)
	}
	// Writes after the snapshot make memory a strict superset.
	s.Update("DUT302220000002", json.RawMessage(`{"a":2}`))

	data, err := os.ReadFile(filepath.Join(dir, "lastMessages.json"))
	if err != nil {
		t.Fatal(err)
	}
	var onDisk map[string]DeviceState
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatal(err)
	}
	mem := s.LastTelemetries(nil)
	for id := range onDisk {
		if _, ok := mem[id]; !ok {
			t.Errorf("snapshot key %s missing from memory", id)
		}
	}
	if len(onDisk) >= len(mem)+1 {
		t.Errorf("snapshot larger than memory: %d vs %d", len(onDisk), len(mem))
	}
}

func TestLoadMissingSnapshot(t *testing.T) {
	s := New(t.TempDir(), zerolog.Nop())
	if err := s.Load(); err != nil {
		t.Fatalf("missing snapshot should not error: %v", err)
	}
	if s.Size() != 0 {
		t.Errorf("size = %d, want 0", s.Size())
	}
}
