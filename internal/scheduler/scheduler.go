package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"coinrotator/internal/domain"
	"coinrotator/internal/locks"
	"coinrotator/internal/ports"
)

// TickFunc runs one evaluation tick for a bot.
type TickFunc func(ctx context.Context, bot *domain.Bot)

// Registry tracks which bots currently have a tick in flight so a slow tick
// (e.g. one stuck on exchange latency) is skipped rather than stacked.
type Registry struct {
	mu      sync.Mutex
	running map[int64]bool
}

// NewRegistry creates an empty tick registry.
func NewRegistry() *Registry {
	return &Registry{running: make(map[int64]bool)}
}

// TryStart marks the bot's tick as running. It returns false when a tick for
// the same bot is already in flight.
func (r *Registry) TryStart(botID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[botID] {
		return false
	}
	r.running[botID] = true
	return true
}

// Finish clears the bot's in-flight marker.
func (r *Registry) Finish(botID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, botID)
}

// Scheduler drives periodic evaluation ticks for each registered bot and a
// background sweep of expired asset locks. Ticks for different bots run
// concurrently; ticks for the same bot never overlap.
type Scheduler struct {
	registry        *Registry
	locks           *locks.Manager
	logger          ports.Logger
	tick            TickFunc
	cleanupInterval time.Duration

	wg   sync.WaitGroup
	bots []*domain.Bot
}

// Config holds configuration for the scheduler.
type Config struct {
	Locks  *locks.Manager
	Logger ports.Logger
	Tick   TickFunc
	// CleanupInterval spaces the expired-lock sweeps. Zero disables the
	// sweep loop (tests drive cleanup directly).
	CleanupInterval time.Duration
	// Registry may be shared with other schedulers; nil creates a private one.
	Registry *Registry
}

// New creates a new scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Locks == nil || cfg.Logger == nil || cfg.Tick == nil {
		return nil, fmt.Errorf("missing required dependencies for scheduler")
	}
	reg := cfg.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	return &Scheduler{
		registry:        reg,
		locks:           cfg.Locks,
		logger:          cfg.Logger,
		tick:            cfg.Tick,
		cleanupInterval: cfg.CleanupInterval,
	}, nil
}

// Register adds a bot to be driven by Run. Must be called before Run.
func (s *Scheduler) Register(bot *domain.Bot) {
	s.bots = append(s.bots, bot)
}

// Run starts one goroutine per registered bot plus the lock-cleanup loop and
// blocks until the context is canceled and all in-flight ticks have drained.
func (s *Scheduler) Run(ctx context.Context) {
	for _, bot := range s.bots {
		s.wg.Add(1)
		go s.runBot(ctx, bot)
	}
	if s.cleanupInterval > 0 {
		s.wg.Add(1)
		go s.runCleanup(ctx)
	}
	s.wg.Wait()
	s.logger.Info(context.Background(), "Scheduler stopped", map[string]interface{}{"bots": len(s.bots)})
}

func (s *Scheduler) runBot(ctx context.Context, bot *domain.Bot) {
	defer s.wg.Done()

	interval := bot.TickInterval
	if interval <= 0 {
		interval = time.Minute
	}
	s.logger.Info(ctx, "Starting bot tick loop", map[string]interface{}{
		"botID": bot.ID, "bot": bot.Name, "interval": interval.String()})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Evaluate once immediately so a restart does not wait a full interval.
	s.fire(ctx, bot)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(context.Background(), "Bot tick loop stopping", map[string]interface{}{"botID": bot.ID})
			return
		case <-ticker.C:
			s.fire(ctx, bot)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, bot *domain.Bot) {
	if !s.registry.TryStart(bot.ID) {
		s.logger.Warn(ctx, "Skipping tick, previous tick still running", map[string]interface{}{"botID": bot.ID})
		return
	}
	defer s.registry.Finish(bot.ID)
	s.tick(ctx, bot)
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.locks.CleanupExpired(ctx); err != nil {
				s.logger.Error(ctx, err, "Expired lock sweep failed")
			}
		}
	}
}
