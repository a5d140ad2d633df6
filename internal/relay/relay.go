package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetlink/backplane/internal/eventlog"
	"github.com/fleetlink/backplane/internal/metrics"
)

// Publisher is the broker-session surface the relay needs. Satisfied by
// *mqttclient.Client.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload string, timeout time.Duration) error
}

// Cell holds the current broker client. Reconnect logic swaps the handle;
// the relay reads a fresh copy for every send attempt, so commands always go
// out on the live session.
type Cell struct {
	mu sync.Mutex
	p  Publisher
}

func (c *Cell) Set(p Publisher) {
	c.mu.Lock()
	c.p = p
	c.mu.Unlock()
}

func (c *Cell) Get() Publisher {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.p
}

// Command is one outbound envelope. The retry counter is attempt-local and
// never stored.
type Command struct {
	Topic   string
	Payload string
}

const (
	publishQoS     = 1 // at-least-once
	publishTimeout = 3 * time.Second
	retryBackoff   = time.Second
)

// Relay forwards commands to the broker with unbounded retry. Commands are
// processed concurrently; there is no per-device serialization.
type Relay struct {
	cell     *Cell
	commands chan Command
	sink     *eventlog.Sink
	log      zerolog.Logger

	timeout time.Duration
	backoff time.Duration

	// Exposed via health; these are relay-role counters, separate from the
	// ingester's stats block. Errors counts publish timeouts and failures
	// only, not time spent waiting for a client.
	Sent   atomic.Int64
	Errors atomic.Int64
}

func New(cell *Cell, sink *eventlog.Sink, log zerolog.Logger) *Relay {
	return &Relay{
		cell:     cell,
		commands: make(chan Command, 1000),
		sink:     sink,
		log:      log.With().Str("component", "relay").Logger(),
		timeout:  publishTimeout,
		backoff:  retryBackoff,
	}
}

// Enqueue queues a command for forwarding. Blocks when the queue is full.
func (r *Relay) Enqueue(cmd Command) {
	r.commands <- cmd
}

// Run consumes commands until ctx is cancelled. Each command gets its own
// goroutine; in-flight retries are not cancelled, only bounded per attempt
// by the publish timeout.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-r.commands:
			go r.forward(cmd)
		}
	}
}

// forward retries until the broker accepts the publish.
func (r *Relay) forward(cmd Command) {
	for attempt := 1; ; attempt++ {
		metrics.RelayAttemptsTotal.Inc()

		// Waiting for a client is not a publish failure; only the log line
		// records the attempt.
		p := r.cell.Get()
		if p == nil {
			r.sink.Logf("ERR_FWBRKR", "[E1][T%d] No connection", attempt)
			time.Sleep(r.backoff)
			continue
		}

		err := p.Publish(cmd.Topic, publishQoS, false, cmd.Payload, r.timeout)
		if err != nil {
			r.Errors.Add(1)
			r.sink.Logf("ERR_FWBRKR", "[E2][T%d] publish %s: %v", attempt, cmd.Topic, err)
			time.Sleep(r.backoff)
			continue
		}

		if attempt >= 2 {
			r.sink.Logf("FWBRKR_OK", "[T%d] %s", attempt, cmd.Topic)
		}
		r.Sent.Add(1)
		metrics.RelayPublishedTotal.Inc()
		return
	}
}
