package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fidcgate/fidcgate/internal/breaker"
	"github.com/fidcgate/fidcgate/internal/redis"
	"github.com/fidcgate/fidcgate/internal/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("fidcgate.session")

// defaultLookupTimeout bounds a single session-store read.
const defaultLookupTimeout = 3 * time.Second

// Store reads session records from the shared cache. Reads go through the
// "redis" breaker with a per-lookup deadline; a missing key is a business
// miss, not a dependency failure, and does not count against the breaker.
type Store struct {
	client    redis.Client
	breakers  *breaker.Registry
	pool      *worker.Pool
	logger    *slog.Logger
	keyPrefix string
	timeout   time.Duration
}

// StoreOption configures optional Store behavior.
type StoreOption func(*Store)

// WithLookupTimeout overrides the per-lookup deadline.
func WithLookupTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithKeyPrefix overrides the session key namespace.
func WithKeyPrefix(prefix string) StoreOption {
	return func(s *Store) {
		if prefix != "" {
			s.keyPrefix = prefix
		}
	}
}

// NewStore creates a session store client.
func NewStore(client redis.Client, breakers *breaker.Registry, pool *worker.Pool, logger *slog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		client:    client,
		breakers:  breakers,
		pool:      pool,
		logger:    logger,
		keyPrefix: DefaultKeyPrefix,
		timeout:   defaultLookupTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get fetches and decodes the session record for the partner/session pair.
// Returns ErrNotFound for a missing key. I/O and timeout failures are
// reported through the breaker; once it opens, calls fail immediately with
// *breaker.OpenError.
func (s *Store) Get(ctx context.Context, partner, sessionID string) (*Record, error) {
	key := Key(s.keyPrefix, partner, sessionID)

	ctx, span := tracer.Start(ctx, "fidcgate.session.lookup")
	span.SetAttributes(attribute.String("partner", partner))
	defer span.End()

	var payload []byte
	found := true

	err := s.breakers.Get(breaker.PolicyRedis).Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		data, getErr := s.client.Get(ctx, key).Bytes()
		if getErr != nil {
			if errors.Is(getErr, redis.Nil) {
				found = false
				return nil
			}
			return fmt.Errorf("session read: %w", getErr)
		}
		payload = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}

	// Decode off the breaker: a corrupt record is not a store outage. The
	// worker pool bounds concurrent decodes; payload content is never logged.
	var record *Record
	decodeErr := s.pool.Run(ctx, func() error {
		var err error
		record, err = Decode(payload)
		return err
	})
	if decodeErr != nil {
		s.logger.Error("session record decode failed",
			"key", key, "payload_bytes", len(payload), "error", decodeErr)
		return nil, decodeErr
	}

	return record, nil
}

// Ping probes session-store connectivity, used by the deep readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
