// Package warmer pre-populates caches from pluggable strategies so cold
// starts and invalidation storms do not hammer the backing systems.
package warmer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/brixsport/statekit/cache"
	"github.com/brixsport/statekit/errors"
	"github.com/brixsport/statekit/metric"
	"github.com/brixsport/statekit/pkg/retry"
)

// Logger interface for injecting custom loggers
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

type defaultLogger struct{}

func (l *defaultLogger) Printf(format string, v ...any) {
	log.Printf("[WARMER] "+format, v...)
}

func (l *defaultLogger) Errorf(format string, v ...any) {
	log.Printf("[WARMER ERROR] "+format, v...)
}

func (l *defaultLogger) Debugf(_ string, _ ...any) {}

// Strategy produces the entries one warming source contributes. A
// strategy failing affects only its own entries; other strategies in
// the same pass still run.
type Strategy[V any] interface {
	// Name identifies the strategy in reports, logs, and metrics.
	Name() string

	// Load produces the entries to warm, keyed by cache key.
	Load(ctx context.Context) (map[string]V, error)

	// TTL is the remote TTL for the entries this strategy produces.
	TTL() time.Duration
}

// StrategyFunc adapts plain functions into a Strategy.
type StrategyFunc[V any] struct {
	StrategyName string
	LoadFunc     func(ctx context.Context) (map[string]V, error)
	EntryTTL     time.Duration
}

// Name implements Strategy.
func (s StrategyFunc[V]) Name() string { return s.StrategyName }

// Load implements Strategy.
func (s StrategyFunc[V]) Load(ctx context.Context) (map[string]V, error) {
	return s.LoadFunc(ctx)
}

// TTL implements Strategy.
func (s StrategyFunc[V]) TTL() time.Duration { return s.EntryTTL }

// StrategyResult is one strategy's outcome within a pass.
type StrategyResult struct {
	Name    string        `json:"name"`
	Warmed  int           `json:"warmed"`
	Elapsed time.Duration `json:"elapsed"`
	Error   string        `json:"error,omitempty"`
}

// Report summarizes one warming pass.
type Report struct {
	ID         string           `json:"id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Warmed     int              `json:"warmed"`
	Failed     int              `json:"failed"`
	Strategies []StrategyResult `json:"strategies"`
}

// Option configures optional warmer collaborators.
type Option[V any] func(*Warmer[V])

// WithLogger sets a custom logger.
func WithLogger[V any](logger Logger) Option[V] {
	return func(w *Warmer[V]) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMetrics exports pass and per-strategy failure counters.
func WithMetrics[V any](metrics *metric.Metrics) Option[V] {
	return func(w *Warmer[V]) {
		w.metrics = metrics
	}
}

// WithConcurrency bounds how many strategies run at once in a pass.
func WithConcurrency[V any](n int) Option[V] {
	return func(w *Warmer[V]) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithLoadRetry sets the retry policy applied to each strategy's Load.
// Store writes are never retried here; the pool and breaker own that
// failure domain.
func WithLoadRetry[V any](p retry.Policy) Option[V] {
	return func(w *Warmer[V]) {
		w.loadRetry = p
	}
}

// Warmer runs registered strategies against a tiered cache, either on
// demand through WarmAll or periodically through Start.
type Warmer[V any] struct {
	target      *cache.Tiered[V]
	interval    time.Duration
	concurrency int
	loadRetry   retry.Policy
	logger      Logger
	metrics     *metric.Metrics

	mu         sync.Mutex
	strategies []Strategy[V]
	lastReport *Report
	stopCh     chan struct{}
	running    bool

	wg sync.WaitGroup
}

// New creates a warmer for target. interval is the periodic warming
// cadence used by Start.
func New[V any](target *cache.Tiered[V], interval time.Duration, opts ...Option[V]) (*Warmer[V], error) {
	if target == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "warmer", "New", "target cache")
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	w := &Warmer[V]{
		target:      target,
		interval:    interval,
		concurrency: 4,
		loadRetry: retry.Policy{
			MaxAttempts:  2,
			InitialDelay: 150 * time.Millisecond,
			MaxDelay:     time.Second,
			AddJitter:    true,
		},
		logger: &defaultLogger{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Register adds a strategy. Registering while a pass runs is safe; the
// strategy joins the next pass.
func (w *Warmer[V]) Register(s Strategy[V]) error {
	if s == nil || s.Name() == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "warmer", "Register", "strategy must have a name")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, existing := range w.strategies {
		if existing.Name() == s.Name() {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "warmer", "Register", "duplicate strategy "+s.Name())
		}
	}
	w.strategies = append(w.strategies, s)
	return nil
}

// WarmAll runs every registered strategy once and reports per-strategy
// outcomes. A failing strategy never aborts the others.
func (w *Warmer[V]) WarmAll(ctx context.Context) *Report {
	w.mu.Lock()
	strategies := make([]Strategy[V], len(w.strategies))
	copy(strategies, w.strategies)
	w.mu.Unlock()

	report := &Report{
		ID:         uuid.NewString(),
		StartedAt:  time.Now(),
		Strategies: make([]StrategyResult, len(strategies)),
	}

	var g errgroup.Group
	g.SetLimit(w.concurrency)

	for i, s := range strategies {
		i, s := i, s
		g.Go(func() error {
			report.Strategies[i] = w.runStrategy(ctx, s)
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = time.Now()
	for _, r := range report.Strategies {
		report.Warmed += r.Warmed
		if r.Error != "" {
			report.Failed++
		}
	}

	if w.metrics != nil {
		w.metrics.WarmingPasses.Inc()
	}
	w.logger.Printf("pass %s warmed %d entries across %d strategies (%d failed)",
		report.ID, report.Warmed, len(strategies), report.Failed)

	w.mu.Lock()
	w.lastReport = report
	w.mu.Unlock()
	return report
}

func (w *Warmer[V]) runStrategy(ctx context.Context, s Strategy[V]) StrategyResult {
	start := time.Now()
	result := StrategyResult{Name: s.Name()}

	entries, err := retry.DoWithResult(ctx, w.loadRetry, func() (map[string]V, error) {
		return s.Load(ctx)
	})
	if err != nil {
		result.Error = err.Error()
		result.Elapsed = time.Since(start)
		w.logger.Errorf("strategy %s failed: %v", s.Name(), err)
		if w.metrics != nil {
			w.metrics.RecordWarmingError(s.Name())
		}
		return result
	}

	for key, value := range entries {
		if err := w.target.SetDurable(ctx, key, value, s.TTL()); err != nil {
			result.Error = err.Error()
			w.logger.Errorf("strategy %s: store %q: %v", s.Name(), key, err)
			if w.metrics != nil {
				w.metrics.RecordWarmingError(s.Name())
			}
			break
		}
		result.Warmed++
	}

	result.Elapsed = time.Since(start)
	return result
}

// LastReport returns the most recent pass report, or nil before the
// first pass.
func (w *Warmer[V]) LastReport() *Report {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastReport
}

// Start begins periodic warming, running one pass immediately.
func (w *Warmer[V]) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	w.running = true
	w.stopCh = make(chan struct{})
	stopCh := w.stopCh
	w.mu.Unlock()

	w.WarmAll(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.WarmAll(ctx)
			}
		}
	}()
	return nil
}

// Stop halts periodic warming. A pass already in flight finishes.
func (w *Warmer[V]) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return errors.ErrNotStarted
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	return nil
}
