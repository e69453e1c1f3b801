package session

import (
	"context"
	"fmt"
	"time"

	"github.com/trezcool/denim/core"
)

// MaxSweepFailures is how many passes in a row may fail before Run gives up.
const MaxSweepFailures = 5

// Sweeper periodically removes expired sessions.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   core.Logger
	onSwept  func(n int64)
}

func NewSweeper(store Store, interval time.Duration, logger core.Logger, onSwept func(n int64)) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{store: store, interval: interval, logger: logger, onSwept: onSwept}
}

// Sweep runs one DeleteExpired pass.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpired(ctx)
	if err != nil {
		return 0, err
	}
	if s.onSwept != nil {
		s.onSwept(n)
	}
	if n > 0 {
		s.logger.Info(fmt.Sprintf("swept %d expired sessions", n))
	}
	return n, nil
}

// Run sweeps every interval until ctx is done, then returns nil. After
// MaxSweepFailures failed passes in a row the backend is deemed gone and Run
// returns a core shutdown error.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, err := s.Sweep(ctx)
			if err == nil {
				failures = 0
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error(fmt.Sprintf("sweeping sessions: %v", err), err)
			if failures++; failures >= MaxSweepFailures {
				return core.NewShutdownError(fmt.Sprintf("session store unreachable, %d sweeps failed in a row: %v", failures, err))
			}
		}
	}
}
