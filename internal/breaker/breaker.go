// Package breaker implements a per-key three-state circuit breaker that
// fails fast against a downstream that keeps failing.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ShayCichocki/taskforge/internal/events"
	"github.com/ShayCichocki/taskforge/pkg/models"
)

// ErrCircuitOpen indicates a call was rejected without being attempted.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitOpenError reports a rejected call and how long until a trial is allowed.
// RetryIn is zero when the rejection was caused by a trial already in flight.
type CircuitOpenError struct {
	Key     string
	RetryIn time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.RetryIn > 0 {
		return fmt.Sprintf("%s for %s: retry in %s", ErrCircuitOpen, e.Key, e.RetryIn.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s for %s: trial in flight", ErrCircuitOpen, e.Key)
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// Config holds the breaker thresholds. Every key shares the same Config.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens a circuit.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// Cooldown is how long an open circuit rejects calls before a trial.
	Cooldown time.Duration `mapstructure:"cooldown"`
	// CooldownMultiplier grows the cooldown each time a trial fails. 1 keeps it fixed.
	CooldownMultiplier float64 `mapstructure:"cooldown_multiplier"`
	// MaxCooldown caps the grown cooldown.
	MaxCooldown time.Duration `mapstructure:"max_cooldown"`
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		Cooldown:           60 * time.Second,
		CooldownMultiplier: 2,
		MaxCooldown:        10 * time.Minute,
	}
}

// Validate checks the configuration and clamps values into range.
func (c *Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("cooldown must be positive, got %s", c.Cooldown)
	}
	if c.CooldownMultiplier < 1 {
		c.CooldownMultiplier = 1
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = c.Cooldown
	}
	return nil
}

// circuit is the state for one key.
type circuit struct {
	mu             sync.Mutex
	key            string
	state          models.CircuitState
	failures       int
	cooldown       time.Duration
	lastTransition time.Time
	trialInFlight  bool

	successes  int64
	totalFails int64
	rejections int64
	reopens    int64
}

// Breaker tracks one circuit per downstream key. Circuits are created lazily
// and never deleted.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	circuits map[string]*circuit

	clock  clockwork.Clock
	sink   events.Sink
	logger *zap.Logger
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock sets the clock used for cooldowns.
func WithClock(c clockwork.Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// WithSink sets the sink that receives circuit state changes.
func WithSink(sink events.Sink) Option {
	return func(b *Breaker) { b.sink = events.OrNop(sink) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Breaker) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a Breaker. An invalid cfg is replaced field by field with defaults.
func New(cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	_ = cfg.Validate()

	b := &Breaker{
		cfg:      cfg,
		circuits: make(map[string]*circuit),
		clock:    clockwork.NewRealClock(),
		sink:     events.Nop,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("breaker")
	return b
}

// Config returns the effective configuration.
func (b *Breaker) Config() Config {
	return b.cfg
}

// Execute runs call through the circuit for key. It returns the call's result,
// the call's own error (recorded as a failure), or a *CircuitOpenError without
// invoking call. A call that ends because ctx was cancelled counts as neither
// success nor failure; an expired deadline counts as a failure.
func (b *Breaker) Execute(ctx context.Context, key string, call func(context.Context) (any, error)) (any, error) {
	c := b.circuit(key)

	trial, err := b.admit(c)
	if err != nil {
		return nil, err
	}

	result, callErr := call(ctx)
	b.record(ctx, c, trial, callErr)
	return result, callErr
}

func (b *Breaker) circuit(key string) *circuit {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{
			key:            key,
			state:          models.CircuitClosed,
			cooldown:       b.cfg.Cooldown,
			lastTransition: b.clock.Now(),
		}
		b.circuits[key] = c
	}
	return c
}

// admit decides whether a call may proceed and whether it is the half-open trial.
func (b *Breaker) admit(c *circuit) (trial bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := b.clock.Now()
	switch c.state {
	case models.CircuitClosed:
		return false, nil

	case models.CircuitOpen:
		elapsed := now.Sub(c.lastTransition)
		if elapsed < c.cooldown {
			c.rejections++
			return false, &CircuitOpenError{Key: c.key, RetryIn: c.cooldown - elapsed}
		}
		b.transition(c, models.CircuitHalfOpen, now, "cooldown elapsed")
		c.trialInFlight = true
		return true, nil

	default: // half-open
		if c.trialInFlight {
			c.rejections++
			return false, &CircuitOpenError{Key: c.key}
		}
		c.trialInFlight = true
		return true, nil
	}
}

func (b *Breaker) record(ctx context.Context, c *circuit, trial bool, callErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := b.clock.Now()
	// A manual reset while the trial ran already closed the circuit.
	trial = trial && c.state == models.CircuitHalfOpen

	if callErr != nil && (errors.Is(callErr, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)) {
		if trial {
			c.trialInFlight = false
		}
		return
	}

	if callErr == nil {
		c.successes++
		switch {
		case trial:
			c.trialInFlight = false
			c.failures = 0
			c.cooldown = b.cfg.Cooldown
			b.transition(c, models.CircuitClosed, now, "trial succeeded")
		case c.state == models.CircuitClosed:
			c.failures = 0
		}
		// A straggler admitted while closed cannot close an open circuit.
		return
	}

	c.totalFails++
	switch {
	case trial:
		c.trialInFlight = false
		c.reopens++
		c.cooldown = min(time.Duration(float64(c.cooldown)*b.cfg.CooldownMultiplier), b.cfg.MaxCooldown)
		b.transition(c, models.CircuitOpen, now, fmt.Sprintf("trial failed: %v", callErr))
	case c.state == models.CircuitClosed:
		c.failures++
		if c.failures >= b.cfg.FailureThreshold {
			b.transition(c, models.CircuitOpen, now,
				fmt.Sprintf("%d consecutive failures: %v", c.failures, callErr))
		}
	}
}

// transition moves c to state. Caller holds c.mu.
func (b *Breaker) transition(c *circuit, to models.CircuitState, now time.Time, reason string) {
	from := c.state
	c.state = to
	c.lastTransition = now

	fields := []zap.Field{
		zap.String("key", c.key),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Duration("cooldown", c.cooldown),
		zap.String("reason", reason),
	}
	if to == models.CircuitOpen {
		b.logger.Warn("circuit opened", fields...)
	} else {
		b.logger.Info("circuit state change", fields...)
	}

	ev := events.New(events.TypeCircuitStateChange, now)
	ev.Key = c.key
	ev.From = string(from)
	ev.To = string(to)
	ev.Message = reason
	b.sink.Emit(ev)
}

// Snapshot returns a copy of the circuit state for key.
func (b *Breaker) Snapshot(key string) (models.CircuitSnapshot, bool) {
	b.mu.Lock()
	c, ok := b.circuits[key]
	b.mu.Unlock()
	if !ok {
		return models.CircuitSnapshot{}, false
	}
	return b.snapshot(c), true
}

// Snapshots returns every known circuit, ordered by key.
func (b *Breaker) Snapshots() []models.CircuitSnapshot {
	b.mu.Lock()
	list := make([]*circuit, 0, len(b.circuits))
	for _, c := range b.circuits {
		list = append(list, c)
	}
	b.mu.Unlock()

	slices.SortFunc(list, func(x, y *circuit) int { return strings.Compare(x.key, y.key) })
	out := make([]models.CircuitSnapshot, len(list))
	for i, c := range list {
		out[i] = b.snapshot(c)
	}
	return out
}

func (b *Breaker) snapshot(c *circuit) models.CircuitSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.CircuitSnapshot{
		Key:              c.key,
		State:            c.state,
		Failures:         c.failures,
		FailureThreshold: b.cfg.FailureThreshold,
		Cooldown:         c.cooldown,
		LastTransition:   c.lastTransition,
		TotalSuccesses:   c.successes,
		TotalFailures:    c.totalFails,
		Rejections:       c.rejections,
		Reopens:          c.reopens,
	}
}

// Reset force-closes the circuit for key and clears its failure count.
// It reports false if the key has never been seen.
func (b *Breaker) Reset(key string) bool {
	b.mu.Lock()
	c, ok := b.circuits[key]
	b.mu.Unlock()
	if !ok {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.cooldown = b.cfg.Cooldown
	c.trialInFlight = false
	if c.state != models.CircuitClosed {
		b.transition(c, models.CircuitClosed, b.clock.Now(), "manual reset")
	}
	return true
}
