// Package ratelimit implements fixed-window attempt limiting with block
// escalation, keyed by caller identity and by origin.
package ratelimit

import (
	"context"
	stderrors "errors"
	"log"
	"strconv"
	"time"

	"github.com/brixsport/statekit/errors"
	"github.com/brixsport/statekit/metric"
	"github.com/brixsport/statekit/redisclient"
)

// Logger interface for injecting custom loggers
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

type defaultLogger struct{}

func (l *defaultLogger) Printf(format string, v ...any) {
	log.Printf("[RATELIMIT] "+format, v...)
}

func (l *defaultLogger) Errorf(format string, v ...any) {
	log.Printf("[RATELIMIT ERROR] "+format, v...)
}

func (l *defaultLogger) Debugf(_ string, _ ...any) {}

// Config configures the limiter.
type Config struct {
	// MaxAttempts is the number of attempts one identity may record per
	// window. Reaching it installs a block.
	MaxAttempts int64

	// Window is the fixed counting window.
	Window time.Duration

	// BlockDuration is how long an identity stays blocked after
	// exhausting its attempts.
	BlockDuration time.Duration

	// OriginMaxAttempts caps attempts per origin (e.g. an IP shared by
	// many identities) per window. Zero disables origin limiting.
	OriginMaxAttempts int64
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Window <= 0 {
		c.Window = time.Hour
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = 30 * time.Minute
	}
	return c
}

// Decision is the outcome of a limit check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Remaining is how many attempts are left in the current window.
	// Negative when unknown (fail-open).
	Remaining int64

	// ResetAt is when the current window rolls over.
	ResetAt time.Time

	// RetryAfter is how long a denied caller should wait.
	RetryAfter time.Duration
}

// Option configures optional limiter collaborators.
type Option func(*Limiter)

// WithLogger sets a custom logger.
func WithLogger(logger Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics exports block and fail-open counters.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = metrics
	}
}

// Limiter counts attempts in fixed windows kept in the remote store.
// When the store is unreachable the limiter fails open: availability of
// the guarded operation outranks strict limiting, and every such pass
// is logged and counted.
type Limiter struct {
	remote  redisclient.RemoteStore
	cfg     Config
	logger  Logger
	metrics *metric.Metrics
}

// New creates a limiter.
func New(remote redisclient.RemoteStore, cfg Config, opts ...Option) (*Limiter, error) {
	if remote == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "ratelimit", "New", "remote store")
	}

	l := &Limiter{
		remote: remote,
		cfg:    cfg.normalized(),
		logger: &defaultLogger{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func winKey(identity string) string     { return "ratelimit:win:" + identity }
func blockKey(identity string) string   { return "ratelimit:block:" + identity }
func originWinKey(origin string) string { return "ratelimit:origin:" + origin }

// Check reports whether identity (and optionally origin) may proceed,
// without recording an attempt.
func (l *Limiter) Check(ctx context.Context, identity, origin string) (Decision, error) {
	if identity == "" {
		return Decision{}, errors.WrapInvalid(errors.ErrInvalidConfig, "ratelimit", "Check", "identity cannot be empty")
	}

	if d, blocked, err := l.checkBlock(ctx, identity); err != nil {
		return l.failOpen("Check", err), nil
	} else if blocked {
		return d, nil
	}

	d, err := l.windowState(ctx, winKey(identity), l.cfg.MaxAttempts)
	if err != nil {
		return l.failOpen("Check", err), nil
	}
	if !d.Allowed {
		return d, nil
	}

	if l.cfg.OriginMaxAttempts > 0 && origin != "" {
		od, err := l.windowState(ctx, originWinKey(origin), l.cfg.OriginMaxAttempts)
		if err != nil {
			return l.failOpen("Check", err), nil
		}
		if !od.Allowed {
			return od, nil
		}
	}
	return d, nil
}

// RecordAttempt counts one attempt for identity and origin. Reaching
// the identity cap installs a block for the configured duration; the
// returned decision then carries the full block as RetryAfter.
func (l *Limiter) RecordAttempt(ctx context.Context, identity, origin string) (Decision, error) {
	if identity == "" {
		return Decision{}, errors.WrapInvalid(errors.ErrInvalidConfig, "ratelimit", "RecordAttempt", "identity cannot be empty")
	}

	if d, blocked, err := l.checkBlock(ctx, identity); err != nil {
		return l.failOpen("RecordAttempt", err), nil
	} else if blocked {
		return d, nil
	}

	count, resetAt, err := l.bump(ctx, winKey(identity))
	if err != nil {
		return l.failOpen("RecordAttempt", err), nil
	}

	if l.cfg.OriginMaxAttempts > 0 && origin != "" {
		originCount, originReset, err := l.bump(ctx, originWinKey(origin))
		if err != nil {
			return l.failOpen("RecordAttempt", err), nil
		}
		if originCount > l.cfg.OriginMaxAttempts {
			return Decision{
				Allowed:    false,
				Remaining:  0,
				ResetAt:    originReset,
				RetryAfter: time.Until(originReset),
			}, nil
		}
	}

	if count >= l.cfg.MaxAttempts {
		if err := l.installBlock(ctx, identity); err != nil {
			return l.failOpen("RecordAttempt", err), nil
		}
		l.logger.Printf("identity %s blocked for %v after %d attempts", identity, l.cfg.BlockDuration, count)
		if l.metrics != nil {
			l.metrics.RateLimitBlocks.Inc()
		}
		return Decision{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: l.cfg.BlockDuration,
		}, nil
	}

	return Decision{
		Allowed:   true,
		Remaining: l.cfg.MaxAttempts - count,
		ResetAt:   resetAt,
	}, nil
}

// Clear removes identity's window and block, e.g. after a successful
// authentication.
func (l *Limiter) Clear(ctx context.Context, identity string) error {
	if err := l.remote.Del(ctx, winKey(identity), blockKey(identity)); err != nil {
		return errors.WrapTransient(err, "ratelimit", "Clear", "delete limiter keys")
	}
	return nil
}

// checkBlock reports whether identity is currently blocked and, if so,
// the decision to return.
func (l *Limiter) checkBlock(ctx context.Context, identity string) (Decision, bool, error) {
	remaining, err := l.remote.TTL(ctx, blockKey(identity))
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			return Decision{}, false, nil
		}
		return Decision{}, false, err
	}
	if remaining <= 0 {
		remaining = l.cfg.BlockDuration
	}
	return Decision{
		Allowed:    false,
		Remaining:  0,
		ResetAt:    time.Now().Add(remaining),
		RetryAfter: remaining,
	}, true, nil
}

// installBlock blocks the identity and discards its window, so the count
// starts from zero once the block lapses.
func (l *Limiter) installBlock(ctx context.Context, identity string) error {
	if err := l.remote.Del(ctx, winKey(identity)); err != nil {
		return err
	}
	return l.remote.Set(ctx, blockKey(identity), strconv.FormatInt(time.Now().Unix(), 10), l.cfg.BlockDuration)
}

// bump increments the window counter and returns the new count and the
// window's reset time. The increment happens first so concurrent
// attempts are never lost; whoever lands the first increment anchors the
// window and sets its expiry.
func (l *Limiter) bump(ctx context.Context, key string) (int64, time.Time, error) {
	now := time.Now()
	count, err := l.remote.HIncrBy(ctx, key, "count", 1)
	if err != nil {
		return 0, time.Time{}, err
	}
	if count == 1 {
		return count, now.Add(l.cfg.Window), l.anchorWindow(ctx, key, now)
	}

	fields, err := l.remote.HGetAll(ctx, key)
	if err != nil {
		return 0, time.Time{}, err
	}
	start, _ := strconv.ParseInt(fields["start"], 10, 64)
	if start == 0 {
		// A concurrent first attempt owns the anchor but has not written
		// it yet; its window started within the last instant.
		return count, now.Add(l.cfg.Window), nil
	}
	windowStart := time.Unix(0, start)
	if now.Sub(windowStart) < l.cfg.Window {
		return count, windowStart.Add(l.cfg.Window), nil
	}

	// The key outlived its window, meaning its expiry never landed.
	// Start over and count this attempt as the first of the new window.
	if err := l.remote.Del(ctx, key); err != nil {
		return 0, time.Time{}, err
	}
	count, err = l.remote.HIncrBy(ctx, key, "count", 1)
	if err != nil {
		return 0, time.Time{}, err
	}
	return count, now.Add(l.cfg.Window), l.anchorWindow(ctx, key, now)
}

// anchorWindow stamps the window's start and bounds the key's lifetime
// to the window, so an idle identity costs nothing.
func (l *Limiter) anchorWindow(ctx context.Context, key string, start time.Time) error {
	if err := l.remote.HSet(ctx, key, map[string]any{"start": start.UnixNano()}); err != nil {
		return err
	}
	return l.remote.Expire(ctx, key, l.cfg.Window)
}

// windowState reads the current window without incrementing it.
func (l *Limiter) windowState(ctx context.Context, key string, max int64) (Decision, error) {
	fields, err := l.remote.HGetAll(ctx, key)
	if err != nil {
		return Decision{}, err
	}

	now := time.Now()
	if len(fields) == 0 {
		return Decision{Allowed: true, Remaining: max, ResetAt: now.Add(l.cfg.Window)}, nil
	}

	start, _ := strconv.ParseInt(fields["start"], 10, 64)
	windowStart := time.Unix(0, start)
	if now.Sub(windowStart) >= l.cfg.Window {
		return Decision{Allowed: true, Remaining: max, ResetAt: now.Add(l.cfg.Window)}, nil
	}

	count, _ := strconv.ParseInt(fields["count"], 10, 64)
	resetAt := windowStart.Add(l.cfg.Window)
	if count >= max {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: time.Until(resetAt),
		}, nil
	}
	return Decision{Allowed: true, Remaining: max - count, ResetAt: resetAt}, nil
}

// failOpen converts a remote failure into an allow decision. Losing
// rate limiting briefly is preferable to refusing every caller, but it
// must never happen silently.
func (l *Limiter) failOpen(op string, err error) Decision {
	l.logger.Errorf("%s: remote store unavailable, failing open: %v", op, err)
	if l.metrics != nil {
		l.metrics.RateLimitFailOpen.Inc()
	}
	return Decision{Allowed: true, Remaining: -1}
}
