package service

import (
	"context"
	"sync"
	"time"
)

// Sweeper drives the time-based transitions on a fixed tick: expiring
// stale postings, auto-declining unanswered offers and closing review
// windows. Each pass is idempotent, so overlapping deployments running
// their own sweepers do not double-apply anything.
type Sweeper struct {
	tasks    *TaskService
	bookings *BookingService
	interval time.Duration
	logger   Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(tasks *TaskService, bookings *BookingService, interval time.Duration, logger Logger) *Sweeper {
	return &Sweeper{
		tasks:    tasks,
		bookings: bookings,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the background loop. Calling Start on a running
// sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	s.done = done
	go s.run(ctx, done)
	s.logger.Infof("Sweeper started with interval %s", s.interval)
}

// Stop cancels the loop and waits for the in-flight pass to finish.
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
	s.logger.Infof("Sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass of every time-based transition and returns the
// total number of records it moved. Errors are logged, not returned to
// the ticker loop; a failed pass is retried on the next tick.
func (s *Sweeper) Sweep(ctx context.Context) int {
	total := 0
	if n, err := s.tasks.ExpireStale(ctx); err != nil {
		s.logger.Errorf("Sweep: expiring stale tasks failed: %v", err)
	} else {
		total += n
	}
	if n, err := s.bookings.ExpireStaleOffers(ctx); err != nil {
		s.logger.Errorf("Sweep: expiring stale offers failed: %v", err)
	} else {
		total += n
	}
	if n, err := s.tasks.CloseReviewWindows(ctx); err != nil {
		s.logger.Errorf("Sweep: closing review windows failed: %v", err)
	} else {
		total += n
	}
	return total
}
