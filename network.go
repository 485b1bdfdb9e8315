package vitalsync

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnectionType classifies the device's active network connection.
type ConnectionType string

const (
	ConnectionNone     ConnectionType = "none"
	ConnectionWifi     ConnectionType = "wifi"
	ConnectionCellular ConnectionType = "cellular"
	ConnectionEthernet ConnectionType = "ethernet"
	ConnectionUnknown  ConnectionType = "unknown"
)

// ConnectionState is a point-in-time connectivity snapshot.
type ConnectionState struct {
	// Connected reports whether the device has any network connection.
	Connected bool
	// Reachable reports whether the connection is confirmed to reach the
	// public internet. A captive portal is Connected but not Reachable.
	Reachable bool
	Type      ConnectionType
}

// ConnectivityProbe supplies connectivity snapshots. Platform adapters
// (OS connectivity APIs) implement this; the library ships HTTPProbe.
type ConnectivityProbe interface {
	Probe(ctx context.Context) (ConnectionState, error)
}

// ReachabilityMode controls how IsOnline interprets a ConnectionState.
type ReachabilityMode string

const (
	// ModeDevelopment treats any connection as online, so local testing
	// against simulators or offline fixtures is not blocked by an
	// unreachable internet check.
	ModeDevelopment ReachabilityMode = "development"
	// ModeStrict requires confirmed internet reachability. Production
	// default: a captive portal must not count as online.
	ModeStrict ReachabilityMode = "strict"
)

// Monitor wraps platform connectivity signals into a single online flag plus
// change and reconnect subscriptions.
type Monitor struct {
	probe    ConnectivityProbe
	mode     ReachabilityMode
	interval time.Duration
	logger   *logrus.Logger

	mu            sync.Mutex
	state         ConnectionState
	online        bool
	started       bool
	nextSubID     int
	changeSubs    map[int]func(online bool)
	reconnectSubs map[int]func()
	stop          chan struct{}
	done          chan struct{}
}

// NewMonitor creates a network monitor polling the given probe.
// A zero interval defaults to 15 seconds.
func NewMonitor(probe ConnectivityProbe, mode ReachabilityMode, interval time.Duration, logger *logrus.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &Monitor{
		probe:         probe,
		mode:          mode,
		interval:      interval,
		logger:        logger,
		changeSubs:    make(map[int]func(bool)),
		reconnectSubs: make(map[int]func()),
	}
}

// Start captures the current connectivity once and begins polling for
// changes. A failing initial probe is a startup error, not a silent offline
// state.
func (m *Monitor) Start(ctx context.Context) error {
	// Probe before taking the lock so a slow probe never blocks readers.
	// The guard and the state assignment share one critical section: two
	// racing Start calls must not both spawn a poller.
	state, err := m.probe.Probe(ctx)
	if err != nil {
		return fmt.Errorf("network: initial connectivity probe: %w", err)
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.state = state
	m.online = m.evaluate(state)
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	go m.poll(stop, done)
	return nil
}

// poll takes its channels as arguments so a stopped-and-restarted monitor
// never swaps them out from under a still-exiting poller.
func (m *Monitor) poll(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.interval)
			m.Refresh(ctx)
			cancel()
		}
	}
}

// Refresh re-probes connectivity immediately and applies the result.
// Probe errors are treated as a disconnected state, not surfaced.
func (m *Monitor) Refresh(ctx context.Context) {
	state, err := m.probe.Probe(ctx)
	if err != nil {
		m.logger.WithError(err).Debug("connectivity probe failed")
		state = ConnectionState{Connected: false, Type: ConnectionNone}
	}
	m.SetState(state)
}

// SetState applies a connectivity snapshot. Platform adapters push OS change
// events through here; the poller uses it too.
func (m *Monitor) SetState(state ConnectionState) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}

	wasOnline := m.online
	m.state = state
	m.online = m.evaluate(state)
	nowOnline := m.online

	var changes []func(bool)
	var reconnects []func()
	if nowOnline != wasOnline {
		for _, fn := range m.changeSubs {
			changes = append(changes, fn)
		}
		// Reconnect fires only on the offline-to-online transition.
		if nowOnline {
			for _, fn := range m.reconnectSubs {
				reconnects = append(reconnects, fn)
			}
		}
	}
	m.mu.Unlock()

	if len(changes) > 0 || len(reconnects) > 0 {
		m.logger.WithFields(logrus.Fields{
			"online": nowOnline,
			"type":   state.Type,
		}).Info("network state changed")
	}
	for _, fn := range changes {
		fn(nowOnline)
	}
	for _, fn := range reconnects {
		fn()
	}
}

func (m *Monitor) evaluate(state ConnectionState) bool {
	if m.mode == ModeStrict {
		return state.Connected && state.Reachable
	}
	return state.Connected
}

// IsOnline reports whether the device is online under the configured mode.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started && m.online
}

// State returns the last observed connectivity snapshot.
func (m *Monitor) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsExpensiveConnection reports whether the active connection is metered
// (cellular). The sync queue may defer large batch drains on such links.
func (m *Monitor) IsExpensiveConnection() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Type == ConnectionCellular
}

// OnStateChange registers a callback fired on every online/offline
// transition. Returns an unsubscribe function.
func (m *Monitor) OnStateChange(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.changeSubs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.changeSubs, id)
	}
}

// OnReconnect registers a callback fired only on offline-to-online
// transitions, never on every state tick. Returns an unsubscribe function.
func (m *Monitor) OnReconnect(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.reconnectSubs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.reconnectSubs, id)
	}
}

// WaitForConnection resolves true immediately if already online, otherwise
// true on the next reconnect or false when the timeout (or ctx) expires.
// The internal subscription never outlives the call.
func (m *Monitor) WaitForConnection(ctx context.Context, timeout time.Duration) bool {
	if m.IsOnline() {
		return true
	}

	reconnected := make(chan struct{}, 1)
	unsubscribe := m.OnReconnect(func() {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-reconnected:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Stop halts polling and clears all stored connectivity state and
// subscriptions. The monitor can be started again afterwards.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stop)
	done := m.done
	m.state = ConnectionState{}
	m.online = false
	m.changeSubs = make(map[int]func(bool))
	m.reconnectSubs = make(map[int]func())
	m.mu.Unlock()

	<-done
}

// HTTPProbe checks reachability by requesting a generate-204 style endpoint.
// A response other than 204 signals a connection without real internet
// access (captive portal). Connection type comes from TypeHint when the
// embedding platform can supply one.
type HTTPProbe struct {
	Endpoint string
	Client   *http.Client
	// TypeHint reports the platform's active connection type, when known.
	TypeHint func() ConnectionType
}

// NewHTTPProbe creates a probe against the given reachability endpoint.
func NewHTTPProbe(endpoint string) *HTTPProbe {
	return &HTTPProbe{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *HTTPProbe) Probe(ctx context.Context) (ConnectionState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Endpoint, nil)
	if err != nil {
		return ConnectionState{}, fmt.Errorf("network: build probe request: %w", err)
	}

	connType := ConnectionUnknown
	if p.TypeHint != nil {
		connType = p.TypeHint()
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		// No response at all: treat as disconnected rather than erroring,
		// so a poll tick while offline is a state, not a failure.
		return ConnectionState{Connected: false, Type: ConnectionNone}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	return ConnectionState{
		Connected: true,
		Reachable: resp.StatusCode == http.StatusNoContent,
		Type:      connType,
	}, nil
}
