package vitalsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// loadRecorder tracks fetch invocations and their order across categories.
type loadRecorder struct {
	mu    sync.Mutex
	order []string
	count map[string]int
}

func newLoadRecorder() *loadRecorder {
	return &loadRecorder{count: make(map[string]int)}
}

func (r *loadRecorder) fetch(key string, data any, err error) func(context.Context) (any, error) {
	return func(context.Context) (any, error) {
		r.mu.Lock()
		r.order = append(r.order, key)
		r.count[key]++
		r.mu.Unlock()
		return data, err
	}
}

func (r *loadRecorder) calls(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count[key]
}

func (r *loadRecorder) position(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, k := range r.order {
		if k == key {
			return i
		}
	}
	return -1
}

func staticKey(key string) func() string {
	return func() string { return key }
}

func newTestOrchestrator(t *testing.T, monitor *Monitor, categories []DataCategory) (*Orchestrator, *Cache) {
	t.Helper()
	cache := newTestCache(t)
	o, err := NewOrchestrator(cache, monitor, categories, nil)
	require.NoError(t, err)
	return o, cache
}

func TestNewOrchestratorRejectsDuplicateKeys(t *testing.T) {
	monitor, _ := newTestMonitor(t, ModeStrict, onlineState())
	rec := newLoadRecorder()

	_, err := NewOrchestrator(newTestCache(t), monitor, []DataCategory{
		{Key: "a", Fetch: rec.fetch("a", 1, nil), CacheKey: staticKey("a"), Priority: PriorityCritical},
		{Key: "a", Fetch: rec.fetch("a", 1, nil), CacheKey: staticKey("a"), Priority: PriorityCritical},
	}, nil)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestNewOrchestratorRejectsUnknownDependency(t *testing.T) {
	monitor, _ := newTestMonitor(t, ModeStrict, onlineState())
	rec := newLoadRecorder()

	_, err := NewOrchestrator(newTestCache(t), monitor, []DataCategory{
		{Key: "a", Fetch: rec.fetch("a", 1, nil), CacheKey: staticKey("a"), Priority: PriorityHigh, DependsOn: []string{"ghost"}},
	}, nil)
	require.ErrorIs(t, err, ErrUnknownDependency)
}

func TestNewOrchestratorRejectsCycle(t *testing.T) {
	monitor, _ := newTestMonitor(t, ModeStrict, onlineState())
	rec := newLoadRecorder()

	_, err := NewOrchestrator(newTestCache(t), monitor, []DataCategory{
		{Key: "a", Fetch: rec.fetch("a", 1, nil), CacheKey: staticKey("a"), Priority: PriorityHigh, DependsOn: []string{"b"}},
		{Key: "b", Fetch: rec.fetch("b", 1, nil), CacheKey: staticKey("b"), Priority: PriorityHigh, DependsOn: []string{"a"}},
	}, nil)
	require.ErrorIs(t, err, ErrDependencyCycle)
}

func TestNewOrchestratorRejectsLowerPriorityDependency(t *testing.T) {
	monitor, _ := newTestMonitor(t, ModeStrict, onlineState())
	rec := newLoadRecorder()

	// A high-priority category must not wait on a low-priority one: the low
	// phase runs later, so the dependency could never be satisfied in order.
	_, err := NewOrchestrator(newTestCache(t), monitor, []DataCategory{
		{Key: "slow", Fetch: rec.fetch("slow", 1, nil), CacheKey: staticKey("slow"), Priority: PriorityLow},
		{Key: "fast", Fetch: rec.fetch("fast", 1, nil), CacheKey: staticKey("fast"), Priority: PriorityHigh, DependsOn: []string{"slow"}},
	}, nil)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "DependsOn", vErr.Field)
}

func TestRunStartupRequiredCriticalFailureIsFatal(t *testing.T) {
	monitor, _ := newTestMonitor(t, ModeStrict, onlineState())
	rec := newLoadRecorder()

	o, _ := newTestOrchestrator(t, monitor, []DataCategory{
		{Key: "user", Fetch: rec.fetch("user", nil, errors.New("500")), CacheKey: staticKey("user"), TTL: TTLShort, Required: true, Priority: PriorityCritical},
	})

	_, err := o.RunStartup(context.Background())
	require.ErrorIs(t, err, ErrStartupFailed)
}

func TestRunStartupSecondaryFailureDegrades(t *testing.T) {
	monitor, _ := newTestMonitor(t, ModeStrict, onlineState())
	rec := newLoadRecorder()

	o, _ := newTestOrchestrator(t, monitor, []DataCategory{
		{Key: "user", Fetch: rec.fetch("user", 1, nil), CacheKey: staticKey("user"), TTL: TTLShort, Required: true, Priority: PriorityCritical},
		{Key: "programs", Fetch: rec.fetch("programs", nil, errors.New("503")), CacheKey: staticKey("programs"), TTL: TTLLong, Required: true, Priority: PriorityHigh},
	})

	results, err := o.RunStartup(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	byKey := map[string]CategoryResult{}
	for _, r := range results {
		byKey[r.Key] = r
	}
	require.NoError(t, byKey["user"].Err)
	require.Error(t, byKey["programs"].Err)
}

func TestRunStartupServesFromCache(t *testing.T) {
	monitor, _ := newTestMonitor(t, ModeStrict, onlineState())
	rec := newLoadRecorder()

	o, cache := newTestOrchestrator(t, monitor, []DataCategory{
		{Key: "user", Fetch: rec.fetch("user", 1, nil), CacheKey: staticKey(CacheKeyUserData), TTL: TTLShort, Required: true, Priority: PriorityCritical},
	})
	require.NoError(t, cache.Set(CacheKeyUserData, userData{Name: "sam"}, TTLShort))

	results, err := o.RunStartup(context.Background())
	require.NoError(t, err)
	require.True(t, results[0].FromCache)
	require.Zero(t, rec.calls("user"))
}

func TestRunStartupFetchPopulatesCache(t *testing.T) {
	monitor, _ := newTestMonitor(t, ModeStrict, onlineState())
	rec := newLoadRecorder()

	o, cache := newTestOrchestrator(t, monitor, []DataCategory{
		{Key: "user", Fetch: rec.fetch("user", userData{Name: "sam"}, nil), CacheKey: staticKey(CacheKeyUserData), TTL: TTLShort, Required: true, Priority: PriorityCritical},
	})

	results, err := o.RunStartup(context.Background())
	require.NoError(t, err)
	require.False(t, results[0].FromCache)
	require.Equal(t, 1, rec.calls("user"))

	var out userData
	require.True(t, cache.GetInto(CacheKeyUserData, &out))
	require.Equal(t, "sam", out.Name)
}

func TestOfflineWithoutCacheSkips(t *testing.T) {
	monitor, _ := newTestMonitor(t, ModeStrict, offlineState())
	rec := newLoadRecorder()

	o, _ := newTestOrchestrator(t, monitor, []DataCategory{
		{Key: "programs", Fetch: rec.fetch("programs", 1, nil), CacheKey: staticKey(CacheKeyAllPrograms), TTL: TTLLong, Priority: PriorityHigh},
	})

	results, err := o.RunStartup(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Skipped)
	require.ErrorIs(t, results[0].Err, ErrOffline)
	require.Zero(t, rec.calls("programs"))
}

func TestOfflineRequiredCriticalWithCacheSucceeds(t *testing.T) {
	monitor, _ := newTestMonitor(t, ModeStrict, offlineState())
	rec := newLoadRecorder()

	o, cache := newTestOrchestrator(t, monitor, []DataCategory{
		{Key: "user", Fetch: rec.fetch("user", 1, nil), CacheKey: staticKey(CacheKeyUserData), TTL: TTLShort, Required: true, Priority: PriorityCritical},
	})
	require.NoError(t, cache.Set(CacheKeyUserData, userData{Name: "sam"}, TTLShort))

	results, err := o.RunStartup(context.Background())
	require.NoError(t, err)
	require.True(t, results[0].FromCache)
}

func TestDependenciesAttemptedFirst(t *testing.T) {
	monitor, _ := newTestMonitor(t, ModeStrict, onlineState())
	rec := newLoadRecorder()

	o, _ := newTestOrchestrator(t, monitor, []DataCategory{
		{Key: "days", Fetch: rec.fetch("days", 1, nil), CacheKey: staticKey("days"), TTL: TTLLong, Priority: PriorityHigh, DependsOn: []string{"programs"}},
		{Key: "programs", Fetch: rec.fetch("programs", 1, nil), CacheKey: staticKey("programs"), TTL: TTLLong, Priority: PriorityHigh},
	})

	_, err := o.RunStartup(context.Background())
	require.NoError(t, err)
	require.Less(t, rec.position("programs"), rec.position("days"))
}

func TestDependencyFailureStillAttemptsDependent(t *testing.T) {
	monitor, _ := newTestMonitor(t, ModeStrict, onlineState())
	rec := newLoadRecorder()

	// Attempted, not succeeded, is the gate: a failed dependency must not
	// wedge its dependents forever.
	o, _ := newTestOrchestrator(t, monitor, []DataCategory{
		{Key: "programs", Fetch: rec.fetch("programs", nil, errors.New("503")), CacheKey: staticKey("programs"), TTL: TTLLong, Priority: PriorityHigh},
		{Key: "days", Fetch: rec.fetch("days", 1, nil), CacheKey: staticKey("days"), TTL: TTLLong, Priority: PriorityHigh, DependsOn: []string{"programs"}},
	})

	_, err := o.RunStartup(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rec.calls("days"))
}

func TestDynamicCacheKeyResolvedFresh(t *testing.T) {
	monitor, _ := newTestMonitor(t, ModeStrict, onlineState())
	rec := newLoadRecorder()

	var mu sync.Mutex
	programID := "p1"
	o, cache := newTestOrchestrator(t, monitor, []DataCategory{
		{
			Key:   "days",
			Fetch: rec.fetch("days", 1, nil),
			CacheKey: func() string {
				mu.Lock()
				defer mu.Unlock()
				return ProgramDaysKey(programID)
			},
			TTL:      TTLLong,
			Priority: PriorityHigh,
		},
	})

	_, err := o.RunStartup(context.Background())
	require.NoError(t, err)
	require.True(t, cache.Exists(ProgramDaysKey("p1")))

	// The active program changes; the next pass must key on the new value,
	// not a captured one.
	mu.Lock()
	programID = "p2"
	mu.Unlock()

	o.SmartRefresh(context.Background())
	require.True(t, cache.Exists(ProgramDaysKey("p2")))
}

func TestSmartRefreshSkipsFreshEntries(t *testing.T) {
	monitor, _ := newTestMonitor(t, ModeStrict, onlineState())
	rec := newLoadRecorder()

	o, cache := newTestOrchestrator(t, monitor, []DataCategory{
		{Key: "user", Fetch: rec.fetch("user", 1, nil), CacheKey: staticKey(CacheKeyUserData), TTL: TTLShort, Priority: PriorityCritical},
	})
	require.NoError(t, cache.Set(CacheKeyUserData, 1, TTLShort))

	results := o.SmartRefresh(context.Background())
	require.Empty(t, results)
	require.Zero(t, rec.calls("user"))
}

func TestSmartRefreshRefetchesStaleEntries(t *testing.T) {
	monitor, _ := newTestMonitor(t, ModeStrict, onlineState())
	rec := newLoadRecorder()

	o, cache := newTestOrchestrator(t, monitor, []DataCategory{
		{Key: "user", Fetch: rec.fetch("user", 1, nil), CacheKey: staticKey(CacheKeyUserData), TTL: TTLShort, Priority: PriorityCritical},
	})
	require.NoError(t, cache.Set(CacheKeyUserData, 1, TTLShort))
	advance(cache, 40*time.Minute)

	results := o.SmartRefresh(context.Background())
	require.Len(t, results, 1)
	require.Equal(t, 1, rec.calls("user"))
}

func TestSmartRefreshOfflineIsNoop(t *testing.T) {
	monitor, _ := newTestMonitor(t, ModeStrict, offlineState())
	rec := newLoadRecorder()

	o, _ := newTestOrchestrator(t, monitor, []DataCategory{
		{Key: "user", Fetch: rec.fetch("user", 1, nil), CacheKey: staticKey(CacheKeyUserData), TTL: TTLShort, Priority: PriorityCritical},
	})

	require.Nil(t, o.SmartRefresh(context.Background()))
	require.Zero(t, rec.calls("user"))
}

func TestRunBackgroundLoadsLowPriority(t *testing.T) {
	monitor, _ := newTestMonitor(t, ModeStrict, onlineState())
	rec := newLoadRecorder()

	o, _ := newTestOrchestrator(t, monitor, []DataCategory{
		{Key: "catalog", Fetch: rec.fetch("catalog", 1, nil), CacheKey: staticKey("catalog"), TTL: TTLVeryLong, Priority: PriorityLow},
	})

	o.RunBackground(context.Background())
	require.Equal(t, 1, rec.calls("catalog"))
}
