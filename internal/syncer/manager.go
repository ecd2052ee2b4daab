// Package syncer implements the sync queue manager: the client-side owner
// of the durable operation queue. It decides when to attempt a flush,
// applies per-operation retry with a fixed delay, quarantines operations
// that exhaust their retries, and absorbs the server delta.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quickaudit/fieldsync/internal/apperr"
	"github.com/quickaudit/fieldsync/internal/metrics"
	"github.com/quickaudit/fieldsync/internal/models"
	"github.com/quickaudit/fieldsync/internal/netmon"
	"github.com/quickaudit/fieldsync/internal/queue"
	"github.com/quickaudit/fieldsync/internal/repo"
)

// Deliverer is the transport contract the manager flushes through.
type Deliverer interface {
	Sync(ctx context.Context, req models.SyncRequest) (*models.SyncResponse, error)
}

// EmitFunc publishes a local entity change on the realtime channel.
// Emission is best-effort: a send failure never blocks the mutation,
// delivery guarantees come from the queue.
type EmitFunc func(eventType string, payload interface{}) error

// Config tunes the queue manager.
type Config struct {
	TenantID     string
	MaxRetries   int           // delivery attempts per operation per round
	RetryDelay   time.Duration // fixed delay between attempts of one operation
	FlushTimeout time.Duration // wall-clock bound for a whole round
	SyncInterval time.Duration // periodic flush trigger, 0 disables
}

func (c *Config) withDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 2 * time.Minute
	}
}

// Manager owns the durable queue and the watermark.
type Manager struct {
	store    *queue.Store
	adapters *repo.Adapters
	client   Deliverer
	monitor  netmon.Monitor
	logger   *slog.Logger
	cfg      Config
	emit     EmitFunc // optional

	flushing atomic.Bool
	wg       sync.WaitGroup
}

// NewManager wires the queue manager. Dependencies are explicit: the store,
// the local repository adapters, the delivery transport and the
// connectivity monitor are all injected.
func NewManager(store *queue.Store, adapters *repo.Adapters, client Deliverer, monitor netmon.Monitor, logger *slog.Logger, cfg Config) *Manager {
	cfg.withDefaults()
	return &Manager{
		store:    store,
		adapters: adapters,
		client:   client,
		monitor:  monitor,
		logger:   logger,
		cfg:      cfg,
	}
}

// SetEmitter installs the realtime publish hook.
func (m *Manager) SetEmitter(emit EmitFunc) {
	m.emit = emit
}

// Enqueue persists an operation and, when the device is online, kicks an
// asynchronous flush without blocking the caller. The operation is durable
// before Enqueue returns.
func (m *Manager) Enqueue(ctx context.Context, op models.SyncOperation) (models.SyncOperation, error) {
	op, err := m.store.Enqueue(ctx, op)
	if err != nil {
		return op, err
	}
	m.updateQueueGauges(ctx)

	if m.monitor.Online() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.Flush(context.Background()); err != nil {
				m.logger.Warn("post-enqueue flush failed", "error", err)
			}
		}()
	}
	return op, nil
}

// Flush drains the current queue snapshot to the merge endpoint. At most
// one flush runs at a time; concurrent calls return immediately. A round
// that outlives the configured timeout counts as a failure for every
// operation still in flight: those return to the queue for the next
// trigger.
func (m *Manager) Flush(ctx context.Context) error {
	if !m.flushing.CompareAndSwap(false, true) {
		return nil
	}
	defer m.flushing.Store(false)

	roundCtx, cancel := context.WithTimeout(ctx, m.cfg.FlushTimeout)
	defer cancel()

	// Snapshot and clear: enqueues racing this round land in a fresh
	// queue, bounding round size.
	snapshot, err := m.store.Snapshot(roundCtx)
	if err != nil {
		return fmt.Errorf("failed to snapshot queue: %w", err)
	}
	if len(snapshot) == 0 {
		return nil
	}

	watermark, err := m.store.Watermark(roundCtx)
	if err != nil {
		return err
	}

	m.logger.Info("sync round starting",
		"operations", len(snapshot), "watermark", watermark)

	var delivered, quarantined int
	for i, item := range snapshot {
		if roundCtx.Err() != nil {
			m.requeueRemaining(snapshot[i:])
			return apperr.Wrap(apperr.ErrSyncTimeout, "sync round timed out", roundCtx.Err())
		}
		switch err := m.deliver(roundCtx, item, watermark); {
		case err == nil:
			delivered++
		case apperr.Is(err, apperr.ErrSyncTimeout):
			m.requeueRemaining(snapshot[i:])
			return err
		case apperr.Is(err, apperr.ErrSyncAuthFailed):
			// Not the operation's fault; the whole round waits for a
			// fresh credential.
			m.requeueRemaining(snapshot[i:])
			return err
		default:
			quarantined++
		}
	}

	// One delta fetch per round, after all operations are settled, so the
	// watermark can advance atomically with the absorbed changes.
	if err := m.absorbDelta(roundCtx, watermark); err != nil {
		m.logger.Warn("round delivered but delta fetch failed; watermark not advanced",
			"delivered", delivered, "error", err)
		return err
	}

	m.updateQueueGauges(context.Background())
	m.logger.Info("sync round complete",
		"delivered", delivered, "quarantined", quarantined)
	return nil
}

// deliver attempts one operation with up to MaxRetries tries and the fixed
// retry delay. Exhaustion and non-retryable rejections quarantine the
// operation; it is never silently discarded.
func (m *Manager) deliver(ctx context.Context, item queue.Item, watermark time.Time) error {
	req := models.SyncRequest{
		Operations:        []models.SyncOperation{item.Op},
		LastSyncTimestamp: watermark,
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		resp, err := m.client.Sync(ctx, req)
		if err == nil {
			if resp.Results.Conflicts > 0 {
				// A conflict is an outcome, not a delivery failure: the
				// server recorded it and the operation is consumed.
				m.logger.Warn("operation flagged as conflict",
					"op_id", item.Op.ID, "entity", item.Op.EntityType, "sync_id", item.Op.SyncID)
			}
			if err := m.store.Complete(ctx, item.Op.ID); err != nil {
				return err
			}
			metrics.FlushOutcomes.WithLabelValues("delivered").Inc()
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return apperr.Wrap(apperr.ErrSyncTimeout, "delivery interrupted by round timeout", ctx.Err())
		}
		if apperr.Is(err, apperr.ErrSyncAuthFailed) {
			// A bad credential fails the round, not the operation.
			return err
		}
		if !apperr.Retryable(err) {
			break
		}
		if attempt < m.cfg.MaxRetries {
			m.logger.Warn("delivery attempt failed, retrying",
				"op_id", item.Op.ID, "attempt", attempt, "max", m.cfg.MaxRetries, "error", err)
			select {
			case <-ctx.Done():
				return apperr.Wrap(apperr.ErrSyncTimeout, "delivery interrupted by round timeout", ctx.Err())
			case <-time.After(m.cfg.RetryDelay):
			}
		}
	}

	m.logger.Error("operation exhausted retries, quarantining",
		"op_id", item.Op.ID, "entity", item.Op.EntityType, "error", lastErr)
	if err := m.store.Quarantine(context.Background(), item, lastErr.Error()); err != nil {
		return err
	}
	metrics.FlushOutcomes.WithLabelValues("quarantined").Inc()
	return lastErr
}

func (m *Manager) requeueRemaining(items []queue.Item) {
	// Requeue must outlive the expired round context.
	ctx := context.Background()
	for _, item := range items {
		if err := m.store.Requeue(ctx, item.Op.ID, "round aborted"); err != nil {
			m.logger.Error("failed to requeue operation", "op_id", item.Op.ID, "error", err)
			continue
		}
		metrics.FlushOutcomes.WithLabelValues("requeued").Inc()
	}
}

// absorbDelta fetches the server changes since the watermark, applies them
// to the local repositories and advances the watermark.
func (m *Manager) absorbDelta(ctx context.Context, watermark time.Time) error {
	resp, err := m.client.Sync(ctx, models.SyncRequest{LastSyncTimestamp: watermark})
	if err != nil {
		return err
	}
	if err := m.ApplyChanges(ctx, &resp.ServerChanges); err != nil {
		return err
	}
	if err := m.store.SetWatermark(ctx, resp.Timestamp); err != nil {
		return err
	}
	return nil
}

// ApplyChanges writes a server delta into the local store. Records arrive
// already merged, so they land as synced regardless of prior local state.
func (m *Manager) ApplyChanges(ctx context.Context, changes *models.ServerChanges) error {
	for _, t := range models.EntityTypes {
		store, err := m.adapters.For(t)
		if err != nil {
			return err
		}
		for _, rec := range changes.ByType(t) {
			if err := m.applyRecord(ctx, store, rec); err != nil {
				return fmt.Errorf("failed to apply %s delta: %w", t, err)
			}
		}
	}
	return nil
}

func (m *Manager) applyRecord(ctx context.Context, store repo.Store, rec models.Record) error {
	rec.TenantID = m.cfg.TenantID

	// A record the device created offline has a provisional local id; the
	// server's copy supersedes it, matched through the stable sync id.
	if rec.SyncID != "" {
		local, err := store.GetBySyncID(ctx, m.cfg.TenantID, rec.SyncID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err == nil && local.ID != rec.ID {
			if err := store.Delete(ctx, m.cfg.TenantID, local.ID); err != nil {
				return err
			}
		}
	}

	if rec.Deleted {
		err := store.Delete(ctx, m.cfg.TenantID, rec.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	return store.Upsert(ctx, &rec)
}

// Stats reports queue occupancy plus the current watermark.
func (m *Manager) Stats(ctx context.Context) (queue.Stats, time.Time, error) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return stats, time.Time{}, err
	}
	watermark, err := m.store.Watermark(ctx)
	return stats, watermark, err
}

// RequeueQuarantined moves quarantined operations back into the live queue
// for another delivery attempt.
func (m *Manager) RequeueQuarantined(ctx context.Context) (int, error) {
	n, err := m.store.RequeueQuarantined(ctx)
	m.updateQueueGauges(ctx)
	return n, err
}

func (m *Manager) updateQueueGauges(ctx context.Context) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return
	}
	metrics.QueueDepth.Set(float64(stats.Pending))
	metrics.QuarantineDepth.Set(float64(stats.Quarantined))
}

// Run services the manager's triggers until ctx is cancelled: an immediate
// flush when starting online, flush on every offline-to-online transition,
// and an optional periodic flush. All triggers funnel through Flush's
// single-flight guard.
func (m *Manager) Run(ctx context.Context) {
	transitions := m.monitor.Subscribe()

	if m.monitor.Online() {
		if err := m.Flush(ctx); err != nil {
			m.logger.Warn("startup flush failed", "error", err)
		}
	}

	var ticker *time.Ticker
	var tick <-chan time.Time
	if m.cfg.SyncInterval > 0 {
		ticker = time.NewTicker(m.cfg.SyncInterval)
		tick = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return
		case online := <-transitions:
			if online {
				m.logger.Info("connectivity restored, flushing queue")
				if err := m.Flush(ctx); err != nil {
					m.logger.Warn("reconnect flush failed", "error", err)
				}
			}
		case <-tick:
			if m.monitor.Online() {
				if err := m.Flush(ctx); err != nil {
					m.logger.Warn("periodic flush failed", "error", err)
				}
			}
		}
	}
}
