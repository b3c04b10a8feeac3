package vasm

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rendis/voike/internal/logging"
	"github.com/rendis/voike/pkg/schema"
)

// GuardConfig tunes the retry and circuit breaker wrapped around host
// executors.
type GuardConfig struct {
	// Retries is the number of extra attempts after a transient failure.
	Retries int
	// Delay is the first backoff; it doubles per attempt up to MaxDelay.
	Delay    time.Duration
	MaxDelay time.Duration
	// FailureThreshold consecutive transient failures open the circuit for
	// Cooldown.
	FailureThreshold int
	Cooldown         time.Duration
}

// DefaultGuardConfig returns the settings the CLI uses.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Retries:          2,
		Delay:            100 * time.Millisecond,
		MaxDelay:         2 * time.Second,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Guard wraps every configured executor of h. Transient errors are retried
// with exponential backoff; after FailureThreshold consecutive transient
// failures the syscall fails fast with CIRCUIT_OPEN until the cooldown
// elapses. Nil executors stay nil so their syscalls keep degrading softly.
func Guard(h HostBridge, cfg GuardConfig, logger *slog.Logger) HostBridge {
	g := &guard{cfg: cfg, logger: logging.OrDiscard(logger), breakers: make(map[string]*breaker)}
	return HostBridge{
		DB:   g.wrap("VOIKE_QUERY", h.DB),
		Blob: g.wrap("VOIKE_BLOB", h.Blob),
		Grid: g.wrap("VOIKE_GRID_JOB", h.Grid),
		AI:   g.wrap("VOIKE_AI_ASK", h.AI),
		VVM:  g.wrap("VOIKE_RUN_JOB", h.VVM),
	}
}

type guard struct {
	cfg    GuardConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*breaker
}

func (g *guard) wrap(op string, fn HostFunc) HostFunc {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, arg any) (any, error) {
		b := g.breaker(op)
		var lastErr error
		for attempt := 0; attempt <= g.cfg.Retries; attempt++ {
			if err := b.allow(op); err != nil {
				return nil, err
			}
			res, err := fn(ctx, arg)
			if err == nil {
				b.success()
				return res, nil
			}
			lastErr = err
			if !isTransient(err) {
				// The backend answered; a rejected request says nothing about its health.
				b.success()
				break
			}
			b.failure()
			if attempt == g.cfg.Retries {
				break
			}

			delay := g.backoff(attempt)
			g.logger.DebugContext(ctx, "retrying host call",
				slog.String("op", op), slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay), slog.String("error", err.Error()))
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
		}
		return nil, lastErr
	}
}

func (g *guard) backoff(attempt int) time.Duration {
	d := g.cfg.Delay << attempt
	if g.cfg.MaxDelay > 0 && (d > g.cfg.MaxDelay || d <= 0) {
		d = g.cfg.MaxDelay
	}
	return d
}

func (g *guard) breaker(op string) *breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[op]
	if !ok {
		b = &breaker{threshold: g.cfg.FailureThreshold, cooldown: g.cfg.Cooldown}
		g.breakers[op] = b
	}
	return b
}

// breaker is a consecutive-failure circuit. A single trial call is let
// through once the cooldown has elapsed; its outcome closes or reopens the
// circuit.
type breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openedAt  time.Time
	open      bool
	trial     bool
}

func (b *breaker) allow(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return nil
	}
	if !b.trial && time.Since(b.openedAt) >= b.cooldown {
		b.trial = true
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeCircuitOpen,
		"%s unavailable after %d consecutive failures", op, b.failures).
		WithDetails(map[string]any{
			"op":                 op,
			"cooldown_remaining": (b.cooldown - time.Since(b.openedAt)).Round(time.Millisecond).String(),
		})
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
	b.trial = false
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.trial || (b.threshold > 0 && b.failures >= b.threshold) {
		b.open = true
		b.trial = false
		b.openedAt = time.Now()
	}
}

// isTransient reports whether a host failure is worth retrying. Structured
// errors and cancellations never are.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"too many requests",
		"database is locked",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
