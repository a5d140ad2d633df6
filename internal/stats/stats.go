package stats

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetlink/backplane/internal/eventlog"
)

// nosaveCap bounds the accumulated no-save seconds so a long dead period does
// not dwarf the chart scale.
const nosaveCap = 100_000

// Counters is the shared atomic counter block. Every pipeline stage
// increments these directly; the Reporter drains them every interval.
type Counters struct {
	UnknownTopic            atomic.Int64
	DevIDMissing            atomic.Int64
	DynamoError             atomic.Int64
	SavedTelemetry          atomic.Int64
	SavedControl            atomic.Int64
	SavedCommand            atomic.Int64
	BigQueryInsertions      atomic.Int64
	PayloadsReceived        atomic.Int64
	PayloadsDiscarded       atomic.Int64
	PayloadsWithInsertError atomic.Int64
	BQRowsInserted          atomic.Int64
}

// Snapshot is one reporting window, serialized as a JSON line into the stats
// file and the main log.
type Snapshot struct {
	UnknownTopic            int64 `json:"unknown_topic"`
	DevIDMissing            int64 `json:"dev_id_missing"`
	DynamoError             int64 `json:"dynamodb_error"`
	SavedTelemetry          int64 `json:"saved_telemetry"`
	SavedControl            int64 `json:"saved_control"`
	SavedCommand            int64 `json:"saved_command"`
	BigQueryInsertions      int64 `json:"bigquery_insertions"`
	TimeNosaveS             int64 `json:"time_nosave_s"`
	PayloadsReceived        int64 `json:"payloads_received"`
	PayloadsDiscarded       int64 `json:"payloads_discarded"`
	PayloadsWithInsertError int64 `json:"payloads_with_insert_error"`
	BQRowsInserted          int64 `json:"bq_rows_inserted"`
}

// Reporter drains the counters on a fixed interval and appends a snapshot
// line to the stats file.
type Reporter struct {
	c        *Counters
	sink     *eventlog.Sink
	log      zerolog.Logger
	interval time.Duration

	// Cumulative seconds with no successful save, carried across windows.
	nosave int64
}

func NewReporter(c *Counters, sink *eventlog.Sink, interval time.Duration, log zerolog.Logger) *Reporter {
	return &Reporter{
		c:        c,
		sink:     sink,
		log:      log.With().Str("component", "stats").Logger(),
		interval: interval,
	}
}

// Run emits snapshots until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.emit()
		}
	}
}

func (r *Reporter) emit() {
	snap := r.collect(int64(r.interval.Seconds()))
	line, err := json.Marshal(snap)
	if err != nil {
		r.log.Error().Err(err).Msg("marshal stats snapshot")
		return
	}
	if err := r.sink.Stats(line); err != nil {
		r.log.Error().Err(err).Msg("append stats line")
	}
	r.sink.Logf("INFO", "stats %s", line)
}

// collect drains every counter and updates the no-save accumulator. Counters
// are reset by subtracting the observed value rather than storing zero, so
// increments racing the read are never lost.
func (r *Reporter) collect(elapsedS int64) Snapshot {
	snap := Snapshot{
		UnknownTopic:            drain(&r.c.UnknownTopic),
		DevIDMissing:            drain(&r.c.DevIDMissing),
		DynamoError:             drain(&r.c.DynamoError),
		SavedTelemetry:          drain(&r.c.SavedTelemetry),
		SavedControl:            drain(&r.c.SavedControl),
		SavedCommand:            drain(&r.c.SavedCommand),
		BigQueryInsertions:      drain(&r.c.BigQueryInsertions),
		PayloadsReceived:        drain(&r.c.PayloadsReceived),
		PayloadsDiscarded:       drain(&r.c.PayloadsDiscarded),
		PayloadsWithInsertError: drain(&r.c.PayloadsWithInsertError),
		BQRowsInserted:          drain(&r.c.BQRowsInserted),
	}

	if snap.SavedTelemetry == 0 && snap.BigQueryInsertions == 0 {
		r.nosave += elapsedS
		if r.nosave > nosaveCap {
			r.nosave = nosaveCap
		}
	} else {
		r.nosave = 0
	}
	snap.TimeNosaveS = r.nosave

	return snap
}

func drain(v *atomic.Int64) int64 {
	n := v.Load()
	v.Add(-n)
	return n
}
