package parts

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher tracks the spool of partial-payload files devices upload in
// chunks. It keeps a live count and the oldest entry name so the health
// endpoint can flag a spool that stopped draining, and backs the prune
// endpoint that clears fully assembled chunks.
type Watcher struct {
	dir string
	log zerolog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}

	mu    sync.Mutex
	names map[string]struct{}
}

// Status is the spool snapshot surfaced in /health.
type Status struct {
	Dir    string `json:"dir"`
	Count  int    `json:"count"`
	Oldest string `json:"oldest,omitempty"`
}

func NewWatcher(dir string, log zerolog.Logger) *Watcher {
	return &Watcher{
		dir:   dir,
		log:   log.With().Str("component", "parts").Logger(),
		done:  make(chan struct{}),
		names: make(map[string]struct{}),
	}
}

// Start scans the spool once and then follows it via fsnotify. The
// directory is created if missing so a fresh deployment starts clean.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		fw.Close()
		return err
	}
	w.mu.Lock()
	for _, e := range entries {
		if !e.IsDir() {
			w.names[e.Name()] = struct{}{}
		}
	}
	n := len(w.names)
	w.mu.Unlock()

	w.log.Info().Str("dir", w.dir).Int("files", n).Msg("parts watcher started")
	go w.watchLoop()
	return nil
}

// Stop closes the fsnotify watcher.
func (w *Watcher) Stop() {
	close(w.done)
	if w.watcher != nil {
		w.watcher.Close()
	}
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			switch {
			case event.Op&fsnotify.Create != 0:
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					continue
				}
				w.mu.Lock()
				w.names[name] = struct{}{}
				w.mu.Unlock()
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.mu.Lock()
				delete(w.names, name)
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// Status returns the current spool count and the lexicographically first
// name. Chunk names embed the upload instant, so first means oldest.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := Status{Dir: w.dir, Count: len(w.names)}
	for name := range w.names {
		if st.Oldest == "" || name < st.Oldest {
			st.Oldest = name
		}
	}
	return st
}

// Prune deletes spool files whose name sorts at or before the given
// boundary and reports how many were removed. An empty boundary clears the
// whole spool.
func (w *Watcher) Prune(before string) (int, error) {
	w.mu.Lock()
	var victims []string
	for name := range w.names {
		if before == "" || name <= before {
			victims = append(victims, name)
		}
	}
	w.mu.Unlock()
	sort.Strings(victims)

	removed := 0
	for _, name := range victims {
		if err := os.Remove(filepath.Join(w.dir, name)); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			w.log.Warn().Err(err).Str("file", name).Msg("prune failed")
			return removed, err
		}
		removed++
		// The fsnotify Remove event also fires, but dropping the entry here
		// keeps Status consistent for the caller's response.
		w.mu.Lock()
		delete(w.names, name)
		w.mu.Unlock()
	}

	w.log.Info().Int("removed", removed).Str("before", before).Msg("spool pruned")
	return removed, nil
}
