package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Dedup windows. Entries are never evicted; cardinality is bounded by the
// fleet size (device IDs) and the topic set.
const (
	devErrorWindow   = time.Hour
	topicErrorWindow = 10 * time.Minute
)

// Sink is the tagged append-only event log. Every line goes to the per-day
// file under dir and to the process logger. Three dedup caches suppress
// repeat lines: per-table "saved" notices (once per process), per-device
// errors (1h) and per-topic errors (10 min).
//
// The stats file is separate because /status-charts-v1 parses it back; its
// line format ("HH:MM:SS\tjson") is a read contract.
type Sink struct {
	dir string
	app string
	log zerolog.Logger
	now func() time.Time

	mu      sync.Mutex
	day     string
	f       *os.File
	statDay string
	statF   *os.File

	savedTables map[string]bool
	devErrors   map[string]time.Time
	topicErrors map[string]time.Time
}

func New(dir, app string, log zerolog.Logger) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &Sink{
		dir:         dir,
		app:         app,
		log:         log.With().Str("component", "eventlog").Logger(),
		now:         time.Now,
		savedTables: make(map[string]bool),
		devErrors:   make(map[string]time.Time),
		topicErrors: make(map[string]time.Time),
	}, nil
}

// Log writes a tagged line unconditionally.
func (s *Sink) Log(tag, msg string) {
	s.mu.Lock()
	s.writeLocked(tag, msg)
	s.mu.Unlock()
	s.emit(tag, msg)
}

// Logf is Log with formatting.
func (s *Sink) Logf(tag, format string, args ...any) {
	s.Log(tag, fmt.Sprintf(format, args...))
}

// TopicError logs one error line per topic per 10 minutes. Returns whether
// the line was written.
func (s *Sink) TopicError(topic, msg string) bool {
	now := s.now()
	s.mu.Lock()
	if until, ok := s.topicErrors[topic]; ok && now.Before(until) {
		s.mu.Unlock()
		return false
	}
	s.topicErrors[topic] = now.Add(topicErrorWindow)
	s.writeLocked("ERROR", fmt.Sprintf("[%s] %s", topic, msg))
	s.mu.Unlock()
	s.emit("ERROR", fmt.Sprintf("[%s] %s", topic, msg))
	return true
}

// DevError logs one error line per device per hour.
func (s *Sink) DevError(devID, msg string) bool {
	now := s.now()
	s.mu.Lock()
	if until, ok := s.devErrors[devID]; ok && now.Before(until) {
		s.mu.Unlock()
		return false
	}
	s.devErrors[devID] = now.Add(devErrorWindow)
	s.writeLocked("ERRDYNDB", fmt.Sprintf("[%s] %s", devID, msg))
	s.mu.Unlock()
	s.emit("ERRDYNDB", fmt.Sprintf("[%s] %s", devID, msg))
	return true
}

// TelemetrySaved logs the first successful save per table, then stays quiet
// until process restart.
func (s *Sink) TelemetrySaved(table string) bool {
	s.mu.Lock()
	if s.savedTables[table] {
		s.mu.Unlock()
		return false
	}
	s.savedTables[table] = true
	s.writeLocked("INFO", fmt.Sprintf("saved telemetry to %s", table))
	s.mu.Unlock()
	s.emit("INFO", fmt.Sprintf("saved telemetry to %s", table))
	return true
}

// Stats appends a line to the per-day stats file as "HH:MM:SS\tjson".
func (s *Sink) Stats(jsonLine []byte) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	day := now.Format("2006-01-02")
	if s.statF == nil || s.statDay != day {
		if s.statF != nil {
			s.statF.Close()
		}
		f, err := os.OpenFile(s.StatsPath(day), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		s.statF = f
		s.statDay = day
	}
	_, err := fmt.Fprintf(s.statF, "%s\t%s\n", now.Format("15:04:05"), jsonLine)
	return err
}

// StatsPath returns the stats file path for a YYYY-MM-DD day.
func (s *Sink) StatsPath(day string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-stats-%s.log", s.app, day))
}

// Close flushes and closes the open files.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f != nil {
		s.f.Close()
		s.f = nil
	}
	if s.statF != nil {
		s.statF.Close()
		s.statF = nil
	}
}

func (s *Sink) writeLocked(tag, msg string) {
	now := s.now()
	day := now.Format("2006-01-02")
	if s.f == nil || s.day != day {
		if s.f != nil {
			s.f.Close()
		}
		path := filepath.Join(s.dir, fmt.Sprintf("%s-%s.log", s.app, day))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			s.log.Error().Err(err).Str("path", path).Msg("cannot open event log file")
			return
		}
		s.f = f
		s.day = day
	}
	fmt.Fprintf(s.f, "%s %s %s\n", now.Format("2006-01-02T15:04:05"), tag, msg)
}

func (s *Sink) emit(tag, msg string) {
	switch {
	case strings.Contains(tag, "ERR"):
		s.log.Error().Str("tag", tag).Msg(msg)
	case tag == "warn":
		s.log.Warn().Str("tag", tag).Msg(msg)
	default:
		s.log.Info().Str("tag", tag).Msg(msg)
	}
}
