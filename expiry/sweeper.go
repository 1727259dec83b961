package expiry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"telehealth-backend/logging"
)

// Expirer downgrades lapsed subscriptions. *subscriptions.Service implements it.
type Expirer interface {
	ExpireLapsed(ctx context.Context) (int, error)
}

// Sweeper runs the expiry job on a cron schedule. Runs never overlap.
type Sweeper struct {
	expirer Expirer
	cron    *cron.Cron
	timeout time.Duration
	mu      sync.Mutex
	log     *logrus.Entry
}

const defaultRunTimeout = 5 * time.Minute

// NewSweeper validates schedule (standard five-field cron, UTC).
func NewSweeper(expirer Expirer, schedule string) (*Sweeper, error) {
	s := &Sweeper{
		expirer: expirer,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		timeout: defaultRunTimeout,
		log:     logging.For("expiry"),
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("expiry schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		s.log.WithError(err).Error("[EXPIRY] sweep failed")
	}
}

// RunOnce performs one sweep and reports how many records were downgraded.
// A call while another sweep is running returns immediately with zero.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	if !s.mu.TryLock() {
		s.log.Debug("[EXPIRY] previous sweep still running; skipping")
		return 0, nil
	}
	defer s.mu.Unlock()
	start := time.Now()
	n, err := s.expirer.ExpireLapsed(ctx)
	s.log.WithFields(logrus.Fields{"expired": n, "took": time.Since(start).String()}).Info("[EXPIRY] sweep done")
	return n, err
}

// Start schedules the job in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.log.Info("[EXPIRY] scheduler started")
}

// Stop halts scheduling and waits for a running sweep or ctx, whichever ends first.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
