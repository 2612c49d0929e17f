// Package retention removes finished launches once they are older than the
// configured keep period.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/reportoor/pkg/lifecycle"
	"github.com/sirupsen/logrus"
)

// Cleaner removes launches that finished before a cutoff.
type Cleaner interface {
	Clean(ctx context.Context, finishedBefore time.Time) (*lifecycle.CleanResult, error)
}

// Job periodically removes expired launches.
type Job interface {
	Start(ctx context.Context) error
	Stop() error
	// RunOnce performs a single pass and returns the number of launches
	// removed.
	RunOnce(ctx context.Context) (int, error)
}

// Compile-time interface check.
var _ Job = (*job)(nil)

type job struct {
	log      logrus.FieldLogger
	cleaner  Cleaner
	interval time.Duration
	keepFor  time.Duration
	now      func() time.Time
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewJob creates a Job that keeps finished launches for keepFor.
func NewJob(
	log logrus.FieldLogger,
	cleaner Cleaner,
	interval, keepFor time.Duration,
) Job {
	return &job{
		log:      log.WithField("component", "retention"),
		cleaner:  cleaner,
		interval: interval,
		keepFor:  keepFor,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start runs a pass immediately and then on every tick.
func (j *job) Start(ctx context.Context) error {
	if j.interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}

	j.log.WithFields(logrus.Fields{
		"interval": units.HumanDuration(j.interval),
		"keep_for": units.HumanDuration(j.keepFor),
	}).Info("Starting launch retention job")

	j.wg.Add(1)

	go func() {
		defer j.wg.Done()

		j.runPass(ctx)

		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				j.runPass(ctx)
			case <-j.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the job goroutine to stop and waits for it.
func (j *job) Stop() error {
	j.stopOnce.Do(func() { close(j.done) })
	j.wg.Wait()

	j.log.Info("Launch retention job stopped")

	return nil
}

func (j *job) runPass(ctx context.Context) {
	if _, err := j.RunOnce(ctx); err != nil {
		j.log.WithError(err).Warn("Retention pass failed")
	}
}

func (j *job) RunOnce(ctx context.Context) (int, error) {
	if j.keepFor <= 0 {
		return 0, fmt.Errorf("keep period must be positive")
	}

	cutoff := j.now().Add(-j.keepFor)

	res, err := j.cleaner.Clean(ctx, cutoff)
	if err != nil {
		removed := 0
		if res != nil {
			removed = len(res.Launches)
		}

		return removed, fmt.Errorf("cleaning launches: %w", err)
	}

	return len(res.Launches), nil
}
