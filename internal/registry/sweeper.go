package registry

import (
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/avamesh/internal/observability"
)

// DefaultSweepInterval is how often the sweeper runs.
const DefaultSweepInterval = 30 * time.Second

// Sweeper periodically removes stale instances.
type Sweeper struct {
	registry   *Registry
	interval   time.Duration
	staleAfter time.Duration
	logger     observability.Logger

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewSweeper creates a sweeper for r.
func NewSweeper(r *Registry, interval, staleAfter time.Duration, logger observability.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Sweeper{
		registry:   r,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// Start launches the sweep loop. It is a no-op when already running.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.stoppedCh = make(chan struct{})

	go s.loop(ctx, s.stopCh, s.stoppedCh)

	s.logger.Info("stale instance sweeper started",
		observability.Duration("interval", s.interval),
		observability.Duration("stale_after", s.staleAfter),
	)
}

// Stop halts the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh, stoppedCh := s.stopCh, s.stoppedCh
	s.mu.Unlock()

	close(stopCh)
	<-stoppedCh
}

func (s *Sweeper) loop(ctx context.Context, stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.registry.Sweep(s.registry.now(), s.staleAfter)
		}
	}
}
