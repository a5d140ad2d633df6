package api

import (
	"bufio"
	"net/http"
	"os"
	"time"

	"github.com/fleetlink/backplane/internal/eventlog"
)

type StatsChartsHandler struct {
	sink *eventlog.Sink
}

func NewStatsChartsHandler(sink *eventlog.Sink) *StatsChartsHandler {
	return &StatsChartsHandler{sink: sink}
}

// ServeHTTP streams the stats lines for one day restricted to an inclusive
// [t_start, t_end] window. Lines are "HH:MM:SS\t{json}\n", so the window
// check is a plain string compare on the first 8 bytes.
func (h *StatsChartsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	day := r.URL.Query().Get("day")
	if day == "" {
		day = time.Now().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", day); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid day, want YYYY-MM-DD")
		return
	}

	tStart := r.URL.Query().Get("t_start")
	if tStart == "" {
		tStart = "00:00:00"
	}
	tEnd := r.URL.Query().Get("t_end")
	if tEnd == "" {
		tEnd = "23:59:59"
	}
	for _, v := range []string{tStart, tEnd} {
		if _, err := time.Parse("15:04:05", v); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid time window, want HH:MM:SS")
			return
		}
	}

	f, err := os.Open(h.sink.StatsPath(day))
	if err != nil {
		if os.IsNotExist(err) {
			// A day with no stats streams nothing.
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			return
		}
		WriteError(w, http.StatusInternalServerError, "stats file unavailable")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if len(line) < 8 {
			continue
		}
		hhmmss := line[:8]
		if hhmmss < tStart || hhmmss > tEnd {
			continue
		}
		w.Write([]byte(line))
		w.Write([]byte("\n"))
	}
}
