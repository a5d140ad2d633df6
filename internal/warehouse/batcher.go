package warehouse

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetlink/backplane/internal/metrics"
	"github.com/fleetlink/backplane/internal/stats"
)

const (
	defaultCapacity = 20_000
	defaultMaxRows  = 3000
	defaultMaxAge   = 2800 * time.Millisecond
	defaultTick     = 3 * time.Second
)

// event is one message on the batcher's channel: rows for a table, or a
// bare tick that only drives the age sweep.
type event struct {
	table string
	rows  []Row
	tick  bool
}

// queue buffers rows for one table. first is the enqueue instant of the
// oldest buffered row and is reset whenever the queue refills from empty.
type queue struct {
	first time.Time
	rows  []Row
}

// Batcher coalesces rows per table and flushes by size or age. All queue
// state is owned by the Run loop; producers only touch the channel, which
// both avoids a lock around the map and serializes flush decisions.
//
// Enqueue blocks when the channel is full. Sustained overload therefore
// stalls the caller, which is the intended backpressure path.
type Batcher struct {
	events    chan event
	inserter  Inserter
	counters  *stats.Counters
	log       zerolog.Logger
	maxRows   int
	maxAge    time.Duration
	tickEvery time.Duration

	queues map[string]*queue
	wg     sync.WaitGroup
}

type BatcherOptions struct {
	Inserter Inserter
	Counters *stats.Counters
	Log      zerolog.Logger

	// Zero values fall back to production defaults.
	Capacity  int
	MaxRows   int
	MaxAge    time.Duration
	TickEvery time.Duration
}

func NewBatcher(opts BatcherOptions) *Batcher {
	if opts.Capacity == 0 {
		opts.Capacity = defaultCapacity
	}
	if opts.MaxRows == 0 {
		opts.MaxRows = defaultMaxRows
	}
	if opts.MaxAge == 0 {
		opts.MaxAge = defaultMaxAge
	}
	if opts.TickEvery == 0 {
		opts.TickEvery = defaultTick
	}
	return &Batcher{
		events:    make(chan event, opts.Capacity),
		inserter:  opts.Inserter,
		counters:  opts.Counters,
		log:       opts.Log.With().Str("component", "batcher").Logger(),
		maxRows:   opts.MaxRows,
		maxAge:    opts.MaxAge,
		tickEvery: opts.TickEvery,
		queues:    make(map[string]*queue),
	}
}

// Enqueue adds one row for a table. Blocks when the channel is full.
func (b *Batcher) Enqueue(table string, row Row) {
	b.events <- event{table: table, rows: []Row{row}}
}

// EnqueueRows adds a pre-built row batch for a table.
func (b *Batcher) EnqueueRows(table string, rows []Row) {
	b.events <- event{table: table, rows: rows}
}

// Run owns the queues until ctx is cancelled, then flushes what remains and
// waits for in-flight inserts.
func (b *Batcher) Run(ctx context.Context) {
	go b.tickLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			for table := range b.queues {
				b.flush(table)
			}
			b.wg.Wait()
			return
		case ev := <-b.events:
			if !ev.tick {
				q, ok := b.queues[ev.table]
				if !ok {
					q = &queue{}
					b.queues[ev.table] = q
				}
				if len(q.rows) == 0 {
					q.first = time.Now()
				}
				q.rows = append(q.rows, ev.rows...)
			}
			b.sweep()
		}
	}
}

// tickLoop injects a tick so age-based flushes happen even when no rows
// arrive. The send is non-blocking: a full channel means the loop already
// has plenty of events to sweep on.
func (b *Batcher) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(b.tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case b.events <- event{tick: true}:
			default:
			}
		}
	}
}

func (b *Batcher) sweep() {
	now := time.Now()
	for table, q := range b.queues {
		if len(q.rows) == 0 {
			continue
		}
		if len(q.rows) >= b.maxRows || now.Sub(q.first) > b.maxAge {
			b.flush(table)
		}
	}
}

// flush drains a table's queue and inserts the batch on its own goroutine.
// Rows in a failed batch are dropped, not retried; the loss is counted.
func (b *Batcher) flush(table string) {
	q := b.queues[table]
	if q == nil || len(q.rows) == 0 {
		return
	}
	rows := q.rows
	q.rows = nil

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := b.inserter.Insert(ctx, table, rows); err != nil {
			b.counters.PayloadsWithInsertError.Add(int64(len(rows)))
			b.log.Error().Err(err).Str("table", table).Int("rows", len(rows)).Msg("warehouse insert failed, rows dropped")
			return
		}
		b.counters.BigQueryInsertions.Add(1)
		b.counters.BQRowsInserted.Add(int64(len(rows)))
		metrics.WarehouseRowsTotal.Add(float64(len(rows)))
		metrics.WarehouseFlushSize.Observe(float64(len(rows)))
	}()
}
