package ingest

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetlink/backplane/internal/devid"
	"github.com/fleetlink/backplane/internal/eventlog"
	"github.com/fleetlink/backplane/internal/metrics"
	"github.com/fleetlink/backplane/internal/resolver"
	"github.com/fleetlink/backplane/internal/stats"
	"github.com/fleetlink/backplane/internal/warehouse"
	"github.com/fleetlink/backplane/internal/widecol"
)

// Telemetry timestamps are device-local with no offset. The GMT field
// carries the zone as a signed hour count instead.
const (
	timeLayout   = "2006-01-02T15:04:05"
	stampLayout  = "2006-01-02T15:04:05.000"
	defaultGMT   = -3
	serverOffset = -3 * time.Hour
)

// WideWriter is the wide-column put surface. Satisfied by *widecol.Writer.
type WideWriter interface {
	Insert(ctx context.Context, table string, record map[string]any) error
}

// RowEnqueuer feeds the warehouse batcher. Satisfied by *warehouse.Batcher.
type RowEnqueuer interface {
	Enqueue(table string, row warehouse.Row)
}

// StateUpdater receives enriched telemetry for the realtime view. Satisfied
// by *realtime.State.
type StateUpdater interface {
	Update(devID string, telemetry json.RawMessage)
}

// Pipeline validates, enriches and fans out classified packets. Either
// store may be nil when the corresponding backend is disabled; the realtime
// view is nil in the relay role.
type Pipeline struct {
	resolver  *resolver.Resolver
	realtime  StateUpdater
	wide      WideWriter
	warehouse RowEnqueuer
	sink      *eventlog.Sink
	counters  *stats.Counters
	log       zerolog.Logger

	now func() time.Time
}

type Options struct {
	Resolver  *resolver.Resolver
	Realtime  StateUpdater
	Wide      WideWriter
	Warehouse RowEnqueuer
	Sink      *eventlog.Sink
	Counters  *stats.Counters
	Log       zerolog.Logger
}

func New(opts Options) *Pipeline {
	return &Pipeline{
		resolver:  opts.Resolver,
		realtime:  opts.Realtime,
		wide:      opts.Wide,
		warehouse: opts.Warehouse,
		sink:      opts.Sink,
		counters:  opts.Counters,
		log:       opts.Log.With().Str("component", "ingest").Logger(),
		now:       time.Now,
	}
}

// HandleMessage is the broker callback. It must not block longer than the
// warehouse channel send; everything slower runs on its own goroutine.
func (p *Pipeline) HandleMessage(topic string, payload []byte) {
	p.counters.PayloadsReceived.Add(1)
	metrics.PayloadsReceivedTotal.Inc()

	act := Classify(topic, payload)
	metrics.ActionsTotal.WithLabelValues(act.Kind.String()).Inc()

	switch act.Kind {
	case Telemetry:
		p.handleTelemetry(topic, payload)
	case ControlLog:
		p.handleControl(topic, payload, act.DevID)
	case CommandLogJSON:
		p.handleCommand(topic, payload, act.DevID, true)
	case CommandLogRaw:
		p.handleCommand(topic, payload, act.DevID, false)
	default:
		p.counters.UnknownTopic.Add(1)
		p.sink.TopicError(topic, "Unknown topic")
	}
}

// discard drops the packet with a deduplicated topic-error line.
func (p *Pipeline) discard(topic, msg string) {
	p.counters.PayloadsDiscarded.Add(1)
	metrics.PayloadsDiscardedTotal.Inc()
	p.sink.TopicError(topic, msg)
}

func (p *Pipeline) handleTelemetry(topic string, payload []byte) {
	doc := map[string]any{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		p.discard(topic, "Malformed payload: "+err.Error())
		return
	}

	devID, ok := doc["dev_id"].(string)
	if !ok || devID == "" {
		p.discard(topic, "Could not find dev ID")
		return
	}

	// JSON numbers land as float64; anything non-whole counts as absent.
	if g, ok := doc["GMT"].(float64); !ok || g != math.Trunc(g) {
		doc["GMT"] = defaultGMT
	}

	ts, ok := doc["timestamp"].(string)
	if !ok {
		p.discard(topic, "Could not find timestamp")
		return
	}
	if _, err := time.Parse(timeLayout, ts); err != nil {
		p.discard(topic, "Invalid timestamp "+ts)
		return
	}

	doc["topic"] = topic

	// doc is read-only from here on; the snapshot, the put goroutine and
	// the batcher may all see it concurrently.
	if p.realtime != nil {
		enriched, err := json.Marshal(doc)
		if err == nil {
			p.realtime.Update(devID, enriched)
		}
	}

	table := p.resolver.Resolve(topic, doc)
	if table == "" {
		p.counters.PayloadsDiscarded.Add(1)
		metrics.PayloadsDiscardedTotal.Inc()
		p.log.Debug().Str("topic", topic).Str("dev_id", devID).Msg("no table for payload")
		return
	}

	p.putAsync(table, doc)
	if p.warehouse != nil {
		p.warehouse.Enqueue(table, toRow(doc))
	}
}

func (p *Pipeline) handleControl(topic string, payload []byte, devID string) {
	var body any
	if devID != "" {
		// Clock packet off the bare sync topic; payload stays a raw string.
		body = string(payload)
	} else {
		doc := map[string]any{}
		if err := json.Unmarshal(payload, &doc); err != nil {
			p.discard(topic, "Malformed payload: "+err.Error())
			return
		}
		devID, _ = doc["dev_id"].(string)
		body = doc
	}

	if !devid.Usable(devID) {
		p.counters.DevIDMissing.Add(1)
		p.sink.DevError(devID, "Invalid dev ID on "+topic)
		return
	}
	p.putAsync(widecol.TableControlLog, p.logRecord(devID, topic, body))
}

func (p *Pipeline) handleCommand(topic string, payload []byte, devID string, parse bool) {
	var body any = string(payload)
	if parse {
		doc := map[string]any{}
		if err := json.Unmarshal(payload, &doc); err != nil {
			p.discard(topic, "Malformed payload: "+err.Error())
			return
		}
		body = doc
	}

	if !devid.Usable(devID) {
		p.counters.DevIDMissing.Add(1)
		p.sink.DevError(devID, "Invalid dev ID on "+topic)
		return
	}
	p.putAsync(widecol.TableCommandLog, p.logRecord(devID, topic, body))
}

// logRecord is the control/command envelope. The range key is server time
// shifted to fleet-local hours with millisecond precision.
func (p *Pipeline) logRecord(devID, topic string, body any) map[string]any {
	return map[string]any{
		"dev_id":    devID,
		"timestamp": p.now().Add(serverOffset).Format(stampLayout),
		"topic":     topic,
		"payload":   body,
	}
}

// putAsync fires the wide-column put without waiting. The writer counts
// failures; nothing downstream depends on the result.
func (p *Pipeline) putAsync(table string, rec map[string]any) {
	if p.wide == nil {
		return
	}
	go func() {
		_ = p.wide.Insert(context.Background(), table, rec)
	}()
}

func toRow(doc map[string]any) warehouse.Row {
	row := make(warehouse.Row, len(doc))
	for k, v := range doc {
		row[k] = v
	}
	return row
}
