package vitalsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// SyncOutcome carries the server-confirmed result of a replayed operation.
type SyncOutcome struct {
	ServerTimestamp *time.Time
}

// SyncHandler replays a single queue entry against the remote service.
// Handlers are registered per record table; adding a record type is a
// registration, not a new switch branch.
//
// For OpDelete entries the handler must work from the entry's Payload alone,
// never from the record store: the local row is already gone.
type SyncHandler interface {
	Apply(ctx context.Context, entry QueueEntry) (*SyncOutcome, error)
}

// SyncHandlerFunc adapts a function to the SyncHandler interface.
type SyncHandlerFunc func(ctx context.Context, entry QueueEntry) (*SyncOutcome, error)

func (f SyncHandlerFunc) Apply(ctx context.Context, entry QueueEntry) (*SyncOutcome, error) {
	return f(ctx, entry)
}

// QueueConfig tunes the sync queue's drain behavior.
type QueueConfig struct {
	// MaxRetries is the transient-failure budget before an entry is abandoned.
	MaxRetries int
	// BaseDelay seeds the exponential backoff between retries.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
	// BatchSize bounds how many entries drain between inter-batch pauses.
	BatchSize int
	// BatchDelay is the pause between batches, so a large backlog does not
	// saturate the server on reconnect.
	BatchDelay time.Duration
	// SkipOnExpensive defers automatic drains while on a metered connection.
	SkipOnExpensive bool
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	return c
}

// SyncQueue drains durable pending operations against the remote service,
// in priority order, with exponential backoff on transient failures.
type SyncQueue struct {
	store   *Store
	monitor *Monitor
	logger  *logrus.Logger
	cfg     QueueConfig

	mu          sync.Mutex
	handlers    map[string]SyncHandler
	processing  bool
	rerun       bool
	closed      bool
	timers      map[int64]*time.Timer
	subs        map[int]func(QueueStatus)
	nextSubID   int
	lastAttempt *time.Time
	lastSuccess *time.Time
}

// NewSyncQueue creates a sync queue over the given store and monitor.
func NewSyncQueue(store *Store, monitor *Monitor, cfg QueueConfig, logger *logrus.Logger) *SyncQueue {
	if logger == nil {
		logger = discardLogger()
	}
	q := &SyncQueue{
		store:    store,
		monitor:  monitor,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		handlers: make(map[string]SyncHandler),
		timers:   make(map[int64]*time.Timer),
		subs:     make(map[int]func(QueueStatus)),
	}

	// Restore observable timestamps across restarts; the queue itself is
	// durable in the store.
	if v, err := store.GetMetadata(metaLastSyncAttempt); err == nil && v != "" {
		if t, err := parseTime(v); err == nil {
			q.lastAttempt = &t
		}
	}
	if v, err := store.GetMetadata(metaLastSuccessfulSync); err == nil && v != "" {
		if t, err := parseTime(v); err == nil {
			q.lastSuccess = &t
		}
	}
	return q
}

// RegisterHandler binds a record table to its sync handler.
func (q *SyncQueue) RegisterHandler(table string, h SyncHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[table] = h
}

// ProcessQueue drains pending entries. It is a no-op while offline or (when
// configured) on an expensive connection. If another drain is already in
// flight, that drain runs one more pass instead of a second one starting.
func (q *SyncQueue) ProcessQueue(ctx context.Context) error {
	return q.process(ctx, false)
}

// ForceSyncAll is the same underlying drain, for explicit user-triggered
// "sync now" actions; it ignores the expensive-connection deferral but
// carries no different correctness guarantee.
func (q *SyncQueue) ForceSyncAll(ctx context.Context) error {
	return q.process(ctx, true)
}

func (q *SyncQueue) process(ctx context.Context, force bool) error {
	if !q.monitor.IsOnline() {
		return nil
	}
	if !force && q.cfg.SkipOnExpensive && q.monitor.IsExpensiveConnection() {
		q.logger.Debug("sync deferred: expensive connection")
		return nil
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	if q.processing {
		// A retry timer (or caller) hit while a drain is in flight. The
		// trigger must not be lost: have the in-flight drain run one more
		// pass before it returns.
		q.rerun = true
		q.mu.Unlock()
		return nil
	}
	q.processing = true
	now := time.Now().UTC()
	q.lastAttempt = &now
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.rerun = false
		q.mu.Unlock()
		q.notify()
	}()

	_ = q.store.SetMetadata(metaLastSyncAttempt, fmtTime(now))
	q.notify()

	for {
		if err := q.drainPending(ctx); err != nil {
			return err
		}

		q.mu.Lock()
		again := q.rerun && !q.closed
		q.rerun = false
		q.mu.Unlock()
		if !again {
			return nil
		}
	}
}

func (q *SyncQueue) drainPending(ctx context.Context) error {
	entries, err := q.store.QueueEntries()
	if err != nil {
		return fmt.Errorf("queue: load entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	q.logger.WithField("pending", len(entries)).Info("processing sync queue")

	for i, entry := range entries {
		if i > 0 && i%q.cfg.BatchSize == 0 && q.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(q.cfg.BatchDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		q.processEntry(ctx, entry)
	}

	return nil
}

func (q *SyncQueue) processEntry(ctx context.Context, entry QueueEntry) {
	log := q.logger.WithFields(logrus.Fields{
		"entry":     entry.ID,
		"table":     entry.TableName,
		"operation": entry.Operation,
	})

	q.mu.Lock()
	handler, ok := q.handlers[entry.TableName]
	q.mu.Unlock()
	if !ok {
		// Nothing will ever drain this entry; abandon it rather than let it
		// sit queued forever.
		log.Error("no sync handler registered, abandoning entry")
		q.fail(entry, fmt.Errorf("%w: %s", ErrNoHandler, entry.TableName), true, StatusFailed)
		return
	}

	outcome, err := handler.Apply(ctx, entry)
	if err == nil {
		q.cancelTimer(entry.ID)
		var serverTS *time.Time
		if outcome != nil {
			serverTS = outcome.ServerTimestamp
		}
		if err := q.store.CompleteQueueEntry(&entry, serverTS); err != nil {
			log.WithError(err).Error("record sync success")
			return
		}
		now := time.Now().UTC()
		q.mu.Lock()
		q.lastSuccess = &now
		q.mu.Unlock()
		_ = q.store.SetMetadata(metaLastSuccessfulSync, fmtTime(now))
		log.Debug("entry synced")
		return
	}

	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		switch {
		case syncErr.Conflict():
			log.WithError(err).Warn("server reported conflict")
			q.fail(entry, err, true, StatusConflict)
			return
		case syncErr.Permanent():
			// A validation-style rejection will never succeed on replay;
			// surface the failure immediately instead of burning retries.
			log.WithError(err).Warn("permanent failure, abandoning entry")
			q.fail(entry, err, true, StatusFailed)
			return
		}
	}

	attempts := entry.RetryCount + 1
	abandon := attempts >= q.cfg.MaxRetries
	q.fail(entry, err, abandon, StatusFailed)

	if abandon {
		log.WithError(err).WithField("attempts", attempts).Warn("retry budget exhausted, abandoning entry")
		return
	}

	delay := q.retryDelay(attempts)
	log.WithError(err).WithField("retry_in", delay).Info("transient failure, retry scheduled")
	q.scheduleRetry(entry.ID, delay)
}

func (q *SyncQueue) fail(entry QueueEntry, cause error, abandon bool, status SyncStatus) {
	if err := q.store.FailQueueEntry(&entry, cause.Error(), abandon, status); err != nil {
		q.logger.WithError(err).WithField("entry", entry.ID).Error("record sync failure")
	}
	if abandon {
		q.cancelTimer(entry.ID)
	}
}

// retryDelay computes min(base * 2^(attempts-1), maxDelay).
func (q *SyncQueue) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = q.cfg.MaxDelay
	b.MaxElapsedTime = 0

	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (q *SyncQueue) scheduleRetry(entryID int64, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if t, ok := q.timers[entryID]; ok {
		t.Stop()
	}
	q.timers[entryID] = time.AfterFunc(delay, func() {
		q.cancelTimer(entryID)
		if err := q.ProcessQueue(context.Background()); err != nil {
			q.logger.WithError(err).Debug("scheduled drain failed")
		}
	})
}

func (q *SyncQueue) cancelTimer(entryID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.timers[entryID]; ok {
		t.Stop()
		delete(q.timers, entryID)
	}
}

// Status returns a snapshot of queue health.
func (q *SyncQueue) Status() QueueStatus {
	stats, err := q.store.Stats()

	q.mu.Lock()
	defer q.mu.Unlock()

	status := QueueStatus{
		IsProcessing:       q.processing,
		LastSyncAttempt:    q.lastAttempt,
		LastSuccessfulSync: q.lastSuccess,
	}
	if err == nil {
		status.PendingCount = stats.QueueDepth
		status.FailedCount = stats.FailedRecords
	}
	return status
}

// Subscribe registers a callback invoked whenever queue status changes, so
// the UI can reflect sync health without polling. Returns an unsubscribe
// function.
func (q *SyncQueue) Subscribe(fn func(QueueStatus)) func() {
	q.mu.Lock()
	id := q.nextSubID
	q.nextSubID++
	q.subs[id] = fn
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.subs, id)
	}
}

func (q *SyncQueue) notify() {
	status := q.Status()

	q.mu.Lock()
	subs := make([]func(QueueStatus), 0, len(q.subs))
	for _, fn := range q.subs {
		subs = append(subs, fn)
	}
	q.mu.Unlock()

	for _, fn := range subs {
		fn(status)
	}
}

// Close cancels every tracked retry timer so none fires after shutdown.
func (q *SyncQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
}
