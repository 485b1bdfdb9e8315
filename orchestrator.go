package vitalsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Priority tiers for startup data categories.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// DataCategory describes one startup data load: how to fetch it, where it
// caches, and when it must load relative to other categories.
type DataCategory struct {
	Key string

	// Fetch retrieves the category's data from the authoritative source.
	Fetch func(ctx context.Context) (any, error)

	// CacheKey resolves the cache key. It is called fresh on every check so
	// a dynamically parameterized key (e.g. keyed by the active program)
	// never goes stale in a captured value.
	CacheKey func() string

	TTL      CacheTTL
	Required bool
	Priority Priority

	// DependsOn lists category keys that must be attempted before this one.
	DependsOn []string
}

// CategoryResult reports the outcome of one category load.
type CategoryResult struct {
	Key       string
	FromCache bool
	Skipped   bool
	Err       error
}

// Orchestrator loads the declared data categories at app start with maximum
// safe parallelism: independent categories dispatch together, dependents
// wait for their dependencies' wave to finish.
type Orchestrator struct {
	cache      *Cache
	monitor    *Monitor
	logger     *logrus.Logger
	categories []DataCategory
	byKey      map[string]DataCategory

	mu        sync.Mutex
	attempted map[string]bool
}

// NewOrchestrator validates the category graph and builds an orchestrator.
// Unknown dependency keys, dependencies on later-phase categories, and
// cycles are configuration errors reported here, not silently-capped
// runtime states.
func NewOrchestrator(cache *Cache, monitor *Monitor, categories []DataCategory, logger *logrus.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = discardLogger()
	}

	byKey := make(map[string]DataCategory, len(categories))
	for _, cat := range categories {
		if cat.Key == "" {
			return nil, &ValidationError{Field: "Key", Message: "category key required"}
		}
		if _, dup := byKey[cat.Key]; dup {
			return nil, &ValidationError{Field: "Key", Message: fmt.Sprintf("duplicate category %q", cat.Key)}
		}
		if cat.Fetch == nil {
			return nil, &ValidationError{Field: "Fetch", Message: fmt.Sprintf("category %q has no fetch", cat.Key)}
		}
		if cat.CacheKey == nil {
			return nil, &ValidationError{Field: "CacheKey", Message: fmt.Sprintf("category %q has no cache key", cat.Key)}
		}
		byKey[cat.Key] = cat
	}

	for _, cat := range categories {
		for _, dep := range cat.DependsOn {
			depCat, ok := byKey[dep]
			if !ok {
				return nil, fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, cat.Key, dep)
			}
			if depCat.Priority.rank() > cat.Priority.rank() {
				return nil, &ValidationError{
					Field:   "DependsOn",
					Message: fmt.Sprintf("category %q depends on lower-priority %q", cat.Key, dep),
				}
			}
		}
	}

	if err := checkAcyclic(categories); err != nil {
		return nil, err
	}

	return &Orchestrator{
		cache:      cache,
		monitor:    monitor,
		logger:     logger,
		categories: categories,
		byKey:      byKey,
		attempted:  make(map[string]bool),
	}, nil
}

// checkAcyclic runs Kahn's algorithm over the dependency graph.
func checkAcyclic(categories []DataCategory) error {
	indegree := make(map[string]int, len(categories))
	dependents := make(map[string][]string)
	for _, cat := range categories {
		indegree[cat.Key] += 0
		for _, dep := range cat.DependsOn {
			indegree[cat.Key]++
			dependents[dep] = append(dependents[dep], cat.Key)
		}
	}

	var ready []string
	for key, deg := range indegree {
		if deg == 0 {
			ready = append(ready, key)
		}
	}

	visited := 0
	for len(ready) > 0 {
		key := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		visited++
		for _, next := range dependents[key] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if visited != len(categories) {
		return ErrDependencyCycle
	}
	return nil
}

// RunStartup loads the critical phase, then the secondary (high and medium)
// phase. A required category failing in the critical phase is fatal and
// returned as an error wrapping ErrStartupFailed; a required failure in the
// secondary phase degrades: it is logged and the app continues with partial
// data.
func (o *Orchestrator) RunStartup(ctx context.Context) ([]CategoryResult, error) {
	critical := o.byPriority(PriorityCritical)
	results := o.loadPhase(ctx, critical, false)
	for _, res := range results {
		if res.Err != nil && o.byKey[res.Key].Required {
			return results, fmt.Errorf("%w: %s: %v", ErrStartupFailed, res.Key, res.Err)
		}
	}

	secondary := append(o.byPriority(PriorityHigh), o.byPriority(PriorityMedium)...)
	secondaryResults := o.loadPhase(ctx, secondary, false)
	for _, res := range secondaryResults {
		if res.Err != nil {
			o.logger.WithError(res.Err).WithField("category", res.Key).Warn("secondary data load failed, continuing")
		}
	}

	return append(results, secondaryResults...), nil
}

// RunBackground loads the low-priority categories and then performs a smart
// refresh pass over everything whose cache entry wants a background refresh.
// Failures are logged and returned, never fatal.
func (o *Orchestrator) RunBackground(ctx context.Context) []CategoryResult {
	results := o.loadPhase(ctx, o.byPriority(PriorityLow), false)
	results = append(results, o.SmartRefresh(ctx)...)
	return results
}

// SmartRefresh re-fetches every category whose cache entry has crossed the
// soft refresh threshold. Priority groups run concurrently and one group's
// failure never blocks another's.
func (o *Orchestrator) SmartRefresh(ctx context.Context) []CategoryResult {
	if !o.monitor.IsOnline() {
		return nil
	}

	groups := make(map[Priority][]DataCategory)
	for _, cat := range o.categories {
		if o.cache.NeedsBackgroundRefresh(cat.CacheKey()) {
			groups[cat.Priority] = append(groups[cat.Priority], cat)
		}
	}

	var (
		mu      sync.Mutex
		results []CategoryResult
	)
	var g errgroup.Group
	for _, cats := range groups {
		cats := cats
		g.Go(func() error {
			res := o.loadPhase(ctx, cats, true)
			mu.Lock()
			results = append(results, res...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// loadPhase dispatches categories in dependency-ordered waves: everything
// whose dependencies have been attempted runs in parallel, then the next
// wave is recomputed. The graph is validated acyclic at construction, so
// every wave makes progress.
func (o *Orchestrator) loadPhase(ctx context.Context, categories []DataCategory, force bool) []CategoryResult {
	remaining := make([]DataCategory, len(categories))
	copy(remaining, categories)

	var results []CategoryResult
	for len(remaining) > 0 {
		var wave, deferred []DataCategory
		for _, cat := range remaining {
			if o.depsAttempted(cat) {
				wave = append(wave, cat)
			} else {
				deferred = append(deferred, cat)
			}
		}
		if len(wave) == 0 {
			// Dependencies live outside this phase and were never attempted;
			// run the stragglers rather than drop them.
			wave, deferred = deferred, nil
		}

		var (
			mu          sync.Mutex
			waveResults []CategoryResult
		)
		var g errgroup.Group
		for _, cat := range wave {
			cat := cat
			g.Go(func() error {
				res := o.loadCategory(ctx, cat, force)
				mu.Lock()
				waveResults = append(waveResults, res)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		o.mu.Lock()
		for _, cat := range wave {
			o.attempted[cat.Key] = true
		}
		o.mu.Unlock()

		results = append(results, waveResults...)
		remaining = deferred
	}
	return results
}

func (o *Orchestrator) depsAttempted(cat DataCategory) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, dep := range cat.DependsOn {
		if !o.attempted[dep] {
			return false
		}
	}
	return true
}

func (o *Orchestrator) loadCategory(ctx context.Context, cat DataCategory, force bool) CategoryResult {
	key := cat.CacheKey()
	log := o.logger.WithFields(logrus.Fields{"category": cat.Key, "cache_key": key})

	if !force && o.cache.Exists(key) {
		// Usable data, fresh or stale. Stale entries are returned to callers
		// and refreshed by the background smart refresh pass, never blocked on.
		log.Debug("category served from cache")
		return CategoryResult{Key: cat.Key, FromCache: true}
	}

	if !o.monitor.IsOnline() {
		log.Debug("category skipped: offline with no cached data")
		return CategoryResult{Key: cat.Key, Skipped: true, Err: ErrOffline}
	}

	data, err := cat.Fetch(ctx)
	if err != nil {
		log.WithError(err).Warn("category fetch failed")
		return CategoryResult{Key: cat.Key, Err: err}
	}

	if err := o.cache.Set(key, data, cat.TTL); err != nil {
		// Cache failures are soft; the fetch itself succeeded.
		log.WithError(err).Warn("category cache write failed")
	}

	log.Debug("category fetched")
	return CategoryResult{Key: cat.Key}
}

func (o *Orchestrator) byPriority(p Priority) []DataCategory {
	var out []DataCategory
	for _, cat := range o.categories {
		if cat.Priority == p {
			out = append(out, cat)
		}
	}
	return out
}
