package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
)

const (
	snapshotName = "lastMessages.json"
	snapshotTmp  = "lastMessages-tmp.json"
)

// DeviceState is the externally visible last-known state of one device.
type DeviceState struct {
	Telemetry json.RawMessage `json:"telemetry"`
	TS        int64           `json:"ts"`
}

// entry holds the last telemetry for one device. The outer map is only
// written when a device is first seen; concurrent writers for distinct
// devices contend only on their own entry lock.
type entry struct {
	mu        sync.Mutex
	telemetry json.RawMessage
	ts        int64
}

// State is the per-device last-message view: full telemetry plus a separate
// atomic last-seen map for lightweight liveness polling.
type State struct {
	dir      string
	log      zerolog.Logger
	entries  *xsync.Map[string, *entry]
	lastSeen *xsync.Map[string, *atomic.Int64]
	now      func() time.Time
}

func New(dir string, log zerolog.Logger) *State {
	return &State{
		dir:      dir,
		log:      log.With().Str("component", "realtime").Logger(),
		entries:  xsync.NewMap[string, *entry](),
		lastSeen: xsync.NewMap[string, *atomic.Int64](),
		now:      time.Now,
	}
}

// Update overwrites the device's last telemetry and stamps the current
// server second.
func (s *State) Update(devID string, telemetry json.RawMessage) {
	ts := s.now().Unix()

	e, _ := s.entries.LoadOrStore(devID, &entry{})
	e.mu.Lock()
	e.telemetry = telemetry
	e.ts = ts
	e.mu.Unlock()

	s.touch(devID, ts)
}

func (s *State) touch(devID string, ts int64) {
	v, _ := s.lastSeen.LoadOrStore(devID, &atomic.Int64{})
	v.Store(ts)
}

// LastTelemetries returns last state for the given devices, or for every
// known device when ids is empty.
func (s *State) LastTelemetries(ids []string) map[string]DeviceState {
	out := make(map[string]DeviceState)
	if len(ids) == 0 {
		s.entries.Range(func(devID string, e *entry) bool {
			out[devID] = e.state()
			return true
		})
		return out
	}
	for _, id := range ids {
		if e, ok := s.entries.Load(id); ok {
			out[id] = e.state()
		}
	}
	return out
}

// LastTS returns the last-seen server second for the given devices, or for
// every known device when ids is empty.
func (s *State) LastTS(ids []string) map[string]int64 {
	out := make(map[string]int64)
	if len(ids) == 0 {
		s.lastSeen.Range(func(devID string, v *atomic.Int64) bool {
			out[devID] = v.Load()
			return true
		})
		return out
	}
	for _, id := range ids {
		if v, ok := s.lastSeen.Load(id); ok {
			out[id] = v.Load()
		}
	}
	return out
}

// Size returns the number of devices tracked.
func (s *State) Size() int {
	return s.entries.Size()
}

func (e *entry) state() DeviceState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return DeviceState{Telemetry: e.telemetry, TS: e.ts}
}

// Snapshot serializes the map to disk atomically: write to a temp file,
// fsync, rename over the live snapshot. A crash leaves either the previous
// snapshot or a dangling temp file, never a torn one.
func (s *State) Snapshot() error {
	view := s.LastTelemetries(nil)
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmp := filepath.Join(s.dir, snapshotTmp)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open temp snapshot: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}

	return os.Rename(tmp, filepath.Join(s.dir, snapshotName))
}

// Load restores the on-disk snapshot. Devices already present in memory keep
// their in-memory entry, which is assumed newer. A missing snapshot is not
// an error.
func (s *State) Load() error {
	data, err := os.ReadFile(filepath.Join(s.dir, snapshotName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}

	var view map[string]DeviceState
	if err := json.Unmarshal(data, &view); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}

	loaded := 0
	for devID, st := range view {
		if _, exists := s.entries.Load(devID); exists {
			continue
		}
		s.entries.Store(devID, &entry{telemetry: st.Telemetry, ts: st.TS})
		s.touch(devID, st.TS)
		loaded++
	}

	s.log.Info().Int("devices", loaded).Msg("realtime snapshot loaded")
	return nil
}

// RunSnapshots writes a snapshot every interval until ctx is cancelled.
func (s *State) RunSnapshots(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Snapshot(); err != nil {
				s.log.Error().Err(err).Msg("snapshot failed")
			}
		}
	}
}
