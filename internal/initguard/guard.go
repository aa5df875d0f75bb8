// Package initguard tracks per-key resource initialization so repeated or
// concurrent init requests for the same tab or session run once.
package initguard

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"pkt.systems/fleetconsole/internal/apiclient"
	"pkt.systems/fleetconsole/internal/logx"
	"pkt.systems/fleetconsole/schema"
	"pkt.systems/pslog"
)

// InitFunc creates the resource for a key.
type InitFunc func(ctx context.Context) (any, error)

// Config configures a Guard.
type Config struct {
	// Attempts is the total number of tries when init reports not-found.
	Attempts int
	// Delay is the fixed wait between tries.
	Delay  time.Duration
	Logger pslog.Logger
}

// Guard runs at most one initialization per key at a time and remembers
// successful results until Reset.
type Guard struct {
	group    singleflight.Group
	mu       sync.Mutex
	inflight map[string]struct{}
	done     map[string]any
	attempts int
	delay    time.Duration
	log      pslog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New constructs a guard.
func New(cfg Config) *Guard {
	g := &Guard{
		inflight: make(map[string]struct{}),
		done:     make(map[string]any),
		attempts: cfg.Attempts,
		delay:    cfg.Delay,
		log:      logx.Or(cfg.Logger),
		sleep:    sleepContext,
	}
	if g.attempts <= 0 {
		g.attempts = schema.DefaultInitRetryAttempts
	}
	if g.delay <= 0 {
		g.delay = schema.DefaultInitRetryDelay
	}
	return g
}

// Do returns the cached result for key, joins an initialization already in
// flight, or runs init. Only apiclient not-found failures are retried.
func (g *Guard) Do(ctx context.Context, key string, init InitFunc) (any, error) {
	g.mu.Lock()
	if v, ok := g.done[key]; ok {
		g.mu.Unlock()
		return v, nil
	}
	g.mu.Unlock()

	v, err, shared := g.group.Do(key, func() (any, error) {
		g.mu.Lock()
		if v, ok := g.done[key]; ok {
			g.mu.Unlock()
			return v, nil
		}
		g.inflight[key] = struct{}{}
		g.mu.Unlock()
		defer func() {
			g.mu.Lock()
			delete(g.inflight, key)
			g.mu.Unlock()
		}()

		v, err := g.run(ctx, key, init)
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.done[key] = v
		g.mu.Unlock()
		return v, nil
	})
	if shared {
		g.log.Debug("init joined in-flight request", "key", key)
	}
	return v, err
}

func (g *Guard) run(ctx context.Context, key string, init InitFunc) (any, error) {
	var lastErr error
	for attempt := 1; attempt <= g.attempts; attempt++ {
		v, err := init(ctx)
		if err == nil {
			if attempt > 1 {
				g.log.Info("init succeeded after retry", "key", key, "attempt", attempt)
			}
			return v, nil
		}
		lastErr = err
		if !apiclient.IsNotFound(err) || attempt == g.attempts {
			break
		}
		g.log.Debug("init not ready; retrying", "key", key, "attempt", attempt, "delay", g.delay)
		if err := g.sleep(ctx, g.delay); err != nil {
			return nil, err
		}
	}
	g.log.Warn("init failed", "key", key, "err", lastErr)
	return nil, lastErr
}

// InFlight reports whether an initialization for key is running.
func (g *Guard) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inflight[key]
	return ok
}

// Initialized reports whether key has a cached result.
func (g *Guard) Initialized(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.done[key]
	return ok
}

// Reset forgets the cached result for key so the next Do initializes again.
func (g *Guard) Reset(key string) {
	g.mu.Lock()
	delete(g.done, key)
	g.mu.Unlock()
	g.group.Forget(key)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
