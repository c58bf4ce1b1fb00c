package event

import (
	"context"
	"errors"
	"time"

	"github.com/erp/compliance/internal/domain/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Publish outcomes reported to a RelayObserver.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeDead      = "dead"
)

// RelayObserver is told the outcome of every publish attempt.
type RelayObserver interface {
	OutboxPublished(ctx context.Context, eventType, outcome string)
}

// OutboxRelayConfig tunes the relay loops.
type OutboxRelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// Retention is how long delivered messages are kept. Zero keeps them.
	Retention     time.Duration
	PurgeInterval time.Duration
	// ProcessingTimeout is how long a claimed message may stay PROCESSING
	// before a pass hands it back.
	ProcessingTimeout time.Duration
}

func DefaultOutboxRelayConfig() OutboxRelayConfig {
	return OutboxRelayConfig{
		BatchSize:         100,
		PollInterval:      5 * time.Second,
		Retention:         7 * 24 * time.Hour,
		PurgeInterval:     time.Hour,
		ProcessingTimeout: 5 * time.Minute,
	}
}

// OutboxRelay moves committed outbox messages to the event transport.
//
// Each pass claims the heads of as many partitions as fit in a batch and
// publishes them oldest first. After a failure the rest of that partition's
// claimed messages are handed back unspent, so a partition never overtakes
// its own failed message.
type OutboxRelay struct {
	store      shared.OutboxStore
	publisher  shared.EventPublisher
	serializer *EventSerializer
	cfg        OutboxRelayConfig
	observer   RelayObserver
	logger     *zap.Logger

	stop context.CancelFunc
	done chan error
}

func NewOutboxRelay(
	store shared.OutboxStore,
	publisher shared.EventPublisher,
	serializer *EventSerializer,
	cfg OutboxRelayConfig,
	logger *zap.Logger,
) *OutboxRelay {
	def := DefaultOutboxRelayConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = def.PurgeInterval
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = def.ProcessingTimeout
	}
	return &OutboxRelay{
		store:      store,
		publisher:  publisher,
		serializer: serializer,
		cfg:        cfg,
		logger:     logger,
	}
}

// SetObserver reports publish outcomes to o.
func (r *OutboxRelay) SetObserver(o RelayObserver) { r.observer = o }

// Start runs the relay until Stop or until ctx ends.
func (r *OutboxRelay) Start(ctx context.Context) error {
	if r.done != nil {
		return errors.New("outbox relay already started")
	}
	ctx, r.stop = context.WithCancel(ctx)
	r.done = make(chan error, 1)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		every(ctx, r.cfg.PollInterval, func() { r.pass(ctx) })
		return nil
	})
	if r.cfg.Retention > 0 {
		g.Go(func() error {
			every(ctx, r.cfg.PurgeInterval, func() {
				r.purge(ctx, time.Now().Add(-r.cfg.Retention))
			})
			return nil
		})
	}
	go func() { r.done <- g.Wait() }()
	return nil
}

// Stop ends the loops and waits for the current pass, or for ctx.
func (r *OutboxRelay) Stop(ctx context.Context) error {
	if r.done == nil {
		return nil
	}
	r.stop()
	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func every(ctx context.Context, d time.Duration, fn func()) {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

// pass reclaims abandoned claims, then relays fresh messages, then due retries.
func (r *OutboxRelay) pass(ctx context.Context) {
	r.reclaim(ctx)

	fresh, err := r.store.NextPending(ctx, r.cfg.BatchSize)
	if err != nil {
		r.logger.Error("Outbox poll failed", zap.Error(err))
		return
	}
	r.relay(ctx, fresh)

	due, err := r.store.NextRetryable(ctx, time.Now(), r.cfg.BatchSize)
	if err != nil {
		r.logger.Error("Outbox retry poll failed", zap.Error(err))
		return
	}
	r.relay(ctx, due)
}

func (r *OutboxRelay) reclaim(ctx context.Context) {
	n, err := r.store.ReclaimStale(ctx, time.Now().UTC().Add(-r.cfg.ProcessingTimeout))
	if err != nil {
		r.logger.Error("Outbox reclaim failed", zap.Error(err))
		return
	}
	if n > 0 {
		r.logger.Warn("Reclaimed stalled outbox messages",
			zap.Int64("count", n),
			zap.Duration("processing_timeout", r.cfg.ProcessingTimeout),
		)
	}
}

func (r *OutboxRelay) relay(ctx context.Context, candidates []*shared.OutboxMessage) {
	if len(candidates) == 0 {
		return
	}
	ids := make([]uuid.UUID, 0, len(candidates))
	for _, m := range candidates {
		ids = append(ids, m.ID)
	}
	claimed, err := r.store.Claim(ctx, ids)
	if err != nil {
		r.logger.Error("Outbox claim failed", zap.Int("candidates", len(ids)), zap.Error(err))
		return
	}

	stalled := make(map[string]struct{})
	for _, m := range claimed {
		if _, ok := stalled[m.PartitionKey]; ok {
			m.Release(time.Now().UTC())
			r.save(ctx, m)
			continue
		}
		if !r.publish(ctx, m) {
			stalled[m.PartitionKey] = struct{}{}
		}
	}
}

// publish sends one claimed message and records the result. It reports
// whether the message left.
func (r *OutboxRelay) publish(ctx context.Context, m *shared.OutboxMessage) bool {
	log := r.logger.With(
		zap.String("event_id", m.EventID.String()),
		zap.String("event_type", m.EventType),
		zap.String("partition_key", m.PartitionKey),
	)

	evt, err := r.serializer.Deserialize(m.EventType, m.Payload)
	if err == nil {
		err = r.publisher.Publish(ctx, evt)
	}
	now := time.Now().UTC()

	if err == nil {
		m.MarkDelivered(now)
		r.observe(ctx, m.EventType, OutcomeDelivered)
		// A lost status write leaves the row PROCESSING until reclaim hands it
		// back; the resend is a duplicate that consumers drop by event id.
		r.save(ctx, m)
		log.Debug("Outbox message delivered")
		return true
	}

	m.RecordFailure(err.Error(), now)
	if m.IsDead() {
		r.observe(ctx, m.EventType, OutcomeDead)
		log.Warn("Outbox message dead lettered",
			zap.Int("attempts", m.RetryCount),
			zap.String("aggregate_id", m.AggregateID.String()),
			zap.Error(err),
		)
	} else {
		r.observe(ctx, m.EventType, OutcomeFailed)
		log.Error("Outbox publish failed",
			zap.Int("attempts", m.RetryCount),
			zap.Timep("next_retry_at", m.NextRetryAt),
			zap.Error(err),
		)
	}
	r.save(ctx, m)
	return false
}

func (r *OutboxRelay) save(ctx context.Context, m *shared.OutboxMessage) {
	if err := r.store.Update(ctx, m); err != nil {
		r.logger.Error("Outbox status write failed",
			zap.String("event_id", m.EventID.String()),
			zap.String("status", string(m.Status)),
			zap.Error(err),
		)
	}
}

func (r *OutboxRelay) observe(ctx context.Context, eventType, outcome string) {
	if r.observer != nil {
		r.observer.OutboxPublished(ctx, eventType, outcome)
	}
}

// purge drops messages delivered before cutoff.
func (r *OutboxRelay) purge(ctx context.Context, cutoff time.Time) {
	n, err := r.store.PurgeSent(ctx, cutoff)
	if err != nil {
		r.logger.Error("Outbox purge failed", zap.Error(err))
		return
	}
	if n > 0 {
		r.logger.Info("Outbox purged", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	}
}
