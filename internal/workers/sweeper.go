package workers

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scanguard/gateway/internal/metrics"
)

// SweepFunc removes expired state and reports how many entries it removed.
type SweepFunc func(ctx context.Context) (int, error)

// Sweeper runs a SweepFunc on a fixed interval until stopped.
type Sweeper struct {
	name     string
	interval time.Duration
	sweep    SweepFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper. It does nothing until Start.
func NewSweeper(name string, interval time.Duration, sweep SweepFunc) *Sweeper {
	return &Sweeper{name: name, interval: interval, sweep: sweep}
}

// Start launches the sweep loop in the background. Calling Start on a
// running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	log.Info().Str("sweep", s.name).Dur("interval", s.interval).Msg("Starting sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("sweep", s.name).Msg("Sweeper stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep synchronously.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	start := time.Now()
	n, err := s.sweep(ctx)
	if err != nil {
		log.Error().Err(err).Str("sweep", s.name).Msg("Sweep failed")
	}
	if n > 0 {
		metrics.SweepRemovedTotal.WithLabelValues(s.name).Add(float64(n))
		log.Debug().Str("sweep", s.name).Int("removed", n).Dur("took", time.Since(start)).Msg("Sweep completed")
	}
	return n
}
