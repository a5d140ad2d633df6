package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Store keeps opaque per-device state blobs in Redis under
// "<prefix><dev_id>". Values are CBOR; callers pick the record schema.
//
// The connection is established lazily and re-used. The relay role treats a
// failed first connect as fatal: it refuses to run without persistent state.
type Store struct {
	url    string
	prefix string
	log    zerolog.Logger

	mu     sync.Mutex
	client *redis.Client
}

func New(url, prefix string, log zerolog.Logger) *Store {
	return &Store{
		url:    url,
		prefix: prefix,
		log:    log.With().Str("component", "kvstore").Logger(),
	}
}

// conn returns the shared client, dialing on first use.
func (s *Store) conn(ctx context.Context) (*redis.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}

	opts, err := redis.ParseURL(s.url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	s.log.Info().Msg("redis connected")
	s.client = client
	return client, nil
}

// reset drops the cached client after an operation failure, so the next
// call re-dials and a dead server keeps failing at connect instead of
// silently erroring per operation.
func (s *Store) reset() {
	s.mu.Lock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	s.mu.Unlock()
}

// Ping forces the lazy connect. Used at relay startup and by health checks.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.conn(ctx)
	return err
}

// Get returns the raw blob for a device, or nil when absent.
func (s *Store) Get(ctx context.Context, devID string) ([]byte, error) {
	client, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	b, err := client.Get(ctx, s.prefix+devID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		s.reset()
		return nil, fmt.Errorf("redis get %s: %w", devID, err)
	}
	return b, nil
}

// Set stores the raw blob for a device. Blobs have no TTL; device state
// outlives any single process.
func (s *Store) Set(ctx context.Context, devID string, val []byte) error {
	client, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if err := client.Set(ctx, s.prefix+devID, val, 0).Err(); err != nil {
		s.reset()
		return fmt.Errorf("redis set %s: %w", devID, err)
	}
	return nil
}

// GetRecord decodes the device's blob into out. Returns false when the
// device has no stored record.
func (s *Store) GetRecord(ctx context.Context, devID string, out any) (bool, error) {
	b, err := s.Get(ctx, devID)
	if err != nil {
		return false, err
	}
	if b == nil {
		return false, nil
	}
	if err := cbor.Unmarshal(b, out); err != nil {
		return false, fmt.Errorf("decode record for %s: %w", devID, err)
	}
	return true, nil
}

// SetRecord encodes v and stores it as the device's blob.
func (s *Store) SetRecord(ctx context.Context, devID string, v any) error {
	b, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record for %s: %w", devID, err)
	}
	return s.Set(ctx, devID, b)
}

// Close releases the connection if one was established.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}
