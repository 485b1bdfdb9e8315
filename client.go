package vitalsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stridehealth/vitalsync/internal/remote"
)

// Client is the top-level entry point. It owns the durable store, the cache,
// the network monitor, and the sync queue, and exposes the measurement API
// the application calls. All writes land locally first; synchronization with
// the server happens opportunistically in the background.
type Client struct {
	cfg     Config
	logger  *logrus.Logger
	store   *Store
	cache   *Cache
	monitor *Monitor
	queue   *SyncQueue
	remote  remote.Service

	mu          sync.Mutex
	started     bool
	unsubscribe func()
	stop        chan struct{}
	done        chan struct{}
}

// New builds a Client from the configuration. When cfg.BaseURL is empty the
// client runs in local-only mode: records are stored and queryable, but
// nothing is uploaded and SyncNow returns ErrOffline.
func New(cfg Config) (*Client, error) {
	var svc remote.Service
	if !cfg.IsOffline() {
		svc = remote.NewHTTPClient(cfg.BaseURL, cfg.APIKey)
	}
	return newClient(cfg, svc)
}

func newClient(cfg Config, svc remote.Service) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger()
	}

	store, err := NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	cache, err := NewCache(cfg.CachePath, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open cache: %w", err)
	}

	probe := NewHTTPProbe(cfg.ProbeEndpoint)
	monitor := NewMonitor(probe, cfg.Mode, cfg.ProbeInterval, logger)

	queue := NewSyncQueue(store, monitor, QueueConfig{
		MaxRetries:      cfg.MaxRetries,
		BaseDelay:       cfg.RetryBaseDelay,
		MaxDelay:        cfg.RetryMaxDelay,
		BatchSize:       cfg.BatchSize,
		BatchDelay:      cfg.BatchDelay,
		SkipOnExpensive: cfg.SkipExpensiveSync,
	}, logger)

	c := &Client{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		cache:   cache,
		monitor: monitor,
		queue:   queue,
		remote:  svc,
	}
	if svc != nil {
		queue.RegisterHandler(TableWeightMeasurements, &weightSyncHandler{store: store, svc: svc})
		queue.RegisterHandler(TableBodyMeasurements, &bodySyncHandler{store: store, svc: svc})
	}
	return c, nil
}

// Start brings the network monitor online and launches the background sync
// and retention loops. A failed initial connectivity probe is fatal.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	stop, done := c.stop, c.done
	c.mu.Unlock()

	if err := c.monitor.Start(ctx); err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		// A Close racing this failed Start waits on done; release it.
		close(done)
		return fmt.Errorf("start network monitor: %w", err)
	}

	if c.remote != nil {
		unsub := c.monitor.OnReconnect(func() {
			go c.drain()
		})
		c.mu.Lock()
		c.unsubscribe = unsub
		c.mu.Unlock()
		// Drain anything left over from the previous run.
		if c.monitor.IsOnline() {
			go c.drain()
		}
	}

	go c.background(stop, done)
	return nil
}

// background runs the periodic sync and retention cleanup tickers until Close.
// It owns its channels so a stop-and-restart never swaps them mid-loop.
func (c *Client) background(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	var syncTick <-chan time.Time
	if !c.cfg.DisableAutoSync && c.remote != nil && c.cfg.SyncInterval > 0 {
		t := time.NewTicker(c.cfg.SyncInterval)
		defer t.Stop()
		syncTick = t.C
	}

	var cleanupTick <-chan time.Time
	if c.cfg.CleanupInterval > 0 && c.cfg.RetentionWindow > 0 {
		t := time.NewTicker(c.cfg.CleanupInterval)
		defer t.Stop()
		cleanupTick = t.C
	}

	for {
		select {
		case <-stop:
			return
		case <-syncTick:
			c.drain()
		case <-cleanupTick:
			if _, err := c.Cleanup(); err != nil {
				c.logger.WithError(err).Warn("retention cleanup failed")
			}
		}
	}
}

func (c *Client) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := c.queue.ProcessQueue(ctx); err != nil {
		c.logger.WithError(err).Warn("background sync failed")
	}
}

// kick schedules an immediate drain attempt after a local write.
func (c *Client) kick() {
	if c.remote == nil || !c.monitor.IsOnline() {
		return
	}
	go c.drain()
}

// LogWeight records a weight measurement locally and queues it for upload.
// The returned ID identifies the record on this device.
func (c *Client) LogWeight(userID string, weight float64, measuredAt time.Time) (string, error) {
	id, err := c.store.CreateWeightMeasurement(&WeightMeasurement{
		UserID:     userID,
		Weight:     weight,
		MeasuredAt: measuredAt,
	})
	if err != nil {
		return "", err
	}
	c.kick()
	return id, nil
}

// UpdateWeight applies a partial update to a weight measurement.
func (c *Client) UpdateWeight(localID string, upd WeightUpdate) error {
	if err := c.store.UpdateWeightMeasurement(localID, upd); err != nil {
		return err
	}
	c.kick()
	return nil
}

// DeleteWeight removes a weight measurement locally and, if the server has
// seen it, queues the deletion for upload.
func (c *Client) DeleteWeight(localID string) error {
	if err := c.store.DeleteWeightMeasurement(localID); err != nil {
		return err
	}
	c.kick()
	return nil
}

// Weight returns a single weight measurement by its local ID.
func (c *Client) Weight(localID string) (*WeightMeasurement, error) {
	return c.store.GetWeightMeasurement(localID)
}

// Weights lists a user's weight measurements.
func (c *Client) Weights(userID string, opts GetOptions) ([]WeightMeasurement, error) {
	return c.store.WeightMeasurements(userID, opts)
}

// LogBody records a body measurement locally and queues it for upload.
func (c *Client) LogBody(userID string, chest, waist, hips float64, measuredAt time.Time) (string, error) {
	id, err := c.store.CreateBodyMeasurement(&BodyMeasurement{
		UserID:     userID,
		Chest:      chest,
		Waist:      waist,
		Hips:       hips,
		MeasuredAt: measuredAt,
	})
	if err != nil {
		return "", err
	}
	c.kick()
	return id, nil
}

// UpdateBody applies a partial update to a body measurement.
func (c *Client) UpdateBody(localID string, upd BodyUpdate) error {
	if err := c.store.UpdateBodyMeasurement(localID, upd); err != nil {
		return err
	}
	c.kick()
	return nil
}

// DeleteBody removes a body measurement locally and, if the server has seen
// it, queues the deletion for upload.
func (c *Client) DeleteBody(localID string) error {
	if err := c.store.DeleteBodyMeasurement(localID); err != nil {
		return err
	}
	c.kick()
	return nil
}

// Body returns a single body measurement by its local ID.
func (c *Client) Body(localID string) (*BodyMeasurement, error) {
	return c.store.GetBodyMeasurement(localID)
}

// BodyMeasurements lists a user's body measurements.
func (c *Client) BodyMeasurements(userID string, opts GetOptions) ([]BodyMeasurement, error) {
	return c.store.BodyMeasurements(userID, opts)
}

// Bootstrap pulls the user's server-side history and merges it into the
// local store. Local records keyed by the same (user, measured-at) pair are
// overwritten; records the server has never seen are untouched.
func (c *Client) Bootstrap(ctx context.Context, userID string) error {
	if c.remote == nil || !c.monitor.IsOnline() {
		return ErrOffline
	}

	weights, err := c.remote.GetWeightMeasurements(ctx, userID)
	if err != nil {
		return fmt.Errorf("fetch weight history: %w", err)
	}
	if err := c.store.MergeServerWeightMeasurements(userID, weights); err != nil {
		return fmt.Errorf("merge weight history: %w", err)
	}

	bodies, err := c.remote.GetBodyMeasurements(ctx, userID)
	if err != nil {
		return fmt.Errorf("fetch body history: %w", err)
	}
	if err := c.store.MergeServerBodyMeasurements(userID, bodies); err != nil {
		return fmt.Errorf("merge body history: %w", err)
	}
	return nil
}

// SyncNow drains the queue immediately, ignoring the expensive-connection
// preference. It still requires connectivity.
func (c *Client) SyncNow(ctx context.Context) error {
	if c.remote == nil {
		return ErrOffline
	}
	return c.queue.ForceSyncAll(ctx)
}

// QueueStatus reports the current state of the sync queue.
func (c *Client) QueueStatus() QueueStatus {
	return c.queue.Status()
}

// OnSyncStatus registers a callback invoked after each queue drain. The
// returned function removes the subscription.
func (c *Client) OnSyncStatus(fn func(QueueStatus)) func() {
	return c.queue.Subscribe(fn)
}

// OnNetworkChange registers a callback for connectivity transitions.
func (c *Client) OnNetworkChange(fn func(online bool)) func() {
	return c.monitor.OnStateChange(fn)
}

// IsOnline reports the monitor's current connectivity verdict.
func (c *Client) IsOnline() bool {
	return c.monitor.IsOnline()
}

// Stats returns storage-level counters for diagnostics.
func (c *Client) Stats() (*StoreStats, error) {
	return c.store.Stats()
}

// Cleanup deletes synced records older than the retention window. Records
// the server has not confirmed are never removed.
func (c *Client) Cleanup() (int64, error) {
	if c.cfg.RetentionWindow <= 0 {
		return 0, nil
	}
	return c.store.CleanupExpiredData(c.cfg.RetentionWindow)
}

// HealthCheck verifies the local store and, when configured and online, the
// server.
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	var hs HealthStatus

	if _, err := c.store.Stats(); err != nil {
		hs.Error = fmt.Sprintf("store: %v", err)
	} else {
		hs.StoreOK = true
	}

	if c.remote != nil && c.monitor.IsOnline() {
		if _, err := c.remote.HealthCheck(ctx); err != nil {
			if hs.Error == "" {
				hs.Error = fmt.Sprintf("server: %v", err)
			}
		} else {
			hs.ServerReachable = true
		}
	}

	hs.Healthy = hs.StoreOK && (c.remote == nil || hs.ServerReachable || !c.monitor.IsOnline())
	return hs
}

// Orchestrator builds a startup orchestrator backed by this client's cache
// and network monitor.
func (c *Client) Orchestrator(categories []DataCategory) (*Orchestrator, error) {
	return NewOrchestrator(c.cache, c.monitor, categories, c.logger)
}

// Cache exposes the TTL cache for application-managed entries.
func (c *Client) Cache() *Cache {
	return c.cache
}

// Close stops background work and releases the store and cache. It is safe
// to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	unsub := c.unsubscribe
	c.unsubscribe = nil
	wasStarted := c.started
	done := c.done
	if wasStarted {
		c.started = false
		close(c.stop)
	}
	c.mu.Unlock()

	if wasStarted {
		<-done
	}
	if unsub != nil {
		unsub()
	}
	c.queue.Close()
	c.monitor.Stop()

	var firstErr error
	if err := c.cache.Close(); err != nil {
		firstErr = err
	}
	if err := c.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
