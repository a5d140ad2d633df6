package parts

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func touch(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("chunk"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func startWatcher(t *testing.T, dir string) *Watcher {
	t.Helper()
	w := NewWatcher(dir, zerolog.Nop())
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.Stop)
	return w
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

func TestInitialScan(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "DAC402110001234_001")
	touch(t, dir, "DAC402110001234_002")

	w := startWatcher(t, dir)

	st := w.Status()
	if st.Count != 2 {
		t.Errorf("count = %d, want 2", st.Count)
	}
	if st.Oldest != "DAC402110001234_001" {
		t.Errorf("oldest = %q", st.Oldest)
	}
}

func TestCreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "parts")
	w := startWatcher(t, dir)

	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("spool dir not created: %v", err)
	}
	if st := w.Status(); st.Count != 0 {
		t.Errorf("count = %d, want 0", st.Count)
	}
}

func TestTracksNewFiles(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir)

	touch(t, dir, "DUT302220009999_001")
	waitFor(t, func() bool { return w.Status().Count == 1 }, 2*time.Second, "create not observed")

	if err := os.Remove(filepath.Join(dir, "DUT302220009999_001")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return w.Status().Count == 0 }, 2*time.Second, "remove not observed")
}

func TestPruneBoundary(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a_001")
	touch(t, dir, "b_002")
	touch(t, dir, "c_003")

	w := startWatcher(t, dir)

	removed, err := w.Prune("b_002")
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	st := w.Status()
	if st.Count != 1 || st.Oldest != "c_003" {
		t.Errorf("after prune: %+v", st)
	}
	if _, err := os.Stat(filepath.Join(dir, "c_003")); err != nil {
		t.Errorf("c_003 should survive: %v", err)
	}
}

func TestPruneAll(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "x_001")
	touch(t, dir, "y_002")

	w := startWatcher(t, dir)

	removed, err := w.Prune("")
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if st := w.Status(); st.Count != 0 {
		t.Errorf("count = %d, want 0", st.Count)
	}
}
