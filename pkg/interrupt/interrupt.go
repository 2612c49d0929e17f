// Package interrupt force-finishes launches that stayed in progress for too
// long.
package interrupt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/reportoor/pkg/lifecycle"
	"github.com/ethpandaops/reportoor/pkg/model"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// defaultConcurrency is the number of launches interrupted in parallel
// when no explicit value is configured.
const defaultConcurrency = 4

// LaunchLister finds launches still in progress that started before a
// cutoff.
type LaunchLister interface {
	ListStaleLaunches(ctx context.Context, startedBefore time.Time) ([]model.Node, error)
}

// Interrupter force-finishes one launch.
type Interrupter interface {
	Interrupt(ctx context.Context, launchID string, at time.Time) (*lifecycle.InterruptResult, error)
}

// Supervisor periodically interrupts stale launches.
type Supervisor interface {
	Start(ctx context.Context) error
	Stop() error
	// RunOnce performs a single pass and returns the number of launches
	// interrupted.
	RunOnce(ctx context.Context) (int, error)
}

// Compile-time interface check.
var _ Supervisor = (*supervisor)(nil)

type supervisor struct {
	log         logrus.FieldLogger
	launches    LaunchLister
	interrupter Interrupter
	interval    time.Duration
	maxDuration time.Duration
	concurrency int
	now         func() time.Time
	done        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(
	log logrus.FieldLogger,
	launches LaunchLister,
	interrupter Interrupter,
	interval, maxDuration time.Duration,
	concurrency int,
) Supervisor {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &supervisor{
		log:         log.WithField("component", "interrupt"),
		launches:    launches,
		interrupter: interrupter,
		interval:    interval,
		maxDuration: maxDuration,
		concurrency: concurrency,
		now:         time.Now,
		done:        make(chan struct{}),
	}
}

// Start runs a pass immediately and then on every tick.
func (s *supervisor) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}

	s.log.WithFields(logrus.Fields{
		"interval":     units.HumanDuration(s.interval),
		"max_duration": units.HumanDuration(s.maxDuration),
		"concurrency":  s.concurrency,
	}).Info("Starting stale launch supervisor")

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.runPass(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runPass(ctx)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the supervisor goroutine to stop and waits for it.
func (s *supervisor) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()

	s.log.Info("Stale launch supervisor stopped")

	return nil
}

func (s *supervisor) runPass(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.log.WithError(err).Warn("Stale launch pass failed")
	}
}

func (s *supervisor) RunOnce(ctx context.Context) (int, error) {
	start := s.now()
	cutoff := start.Add(-s.maxDuration)

	stale, err := s.launches.ListStaleLaunches(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("listing stale launches: %w", err)
	}

	if len(stale) == 0 {
		return 0, nil
	}

	s.log.WithField("count", len(stale)).Info("Interrupting stale launches")

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	var interrupted atomic.Int64

	for _, launch := range stale {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			case <-s.done:
				return nil
			default:
			}

			launchLog := s.log.WithFields(logrus.Fields{
				"launch_id":  launch.ID,
				"project_id": launch.ProjectID,
				"running":    units.HumanDuration(start.Sub(launch.StartedAt)),
			})

			res, err := s.interrupter.Interrupt(gCtx, launch.ID, start)
			if err != nil {
				var af *model.AlreadyFinishedError
				if errors.As(err, &af) {
					return nil
				}

				launchLog.WithError(err).Warn("Failed to interrupt launch")

				return nil //nolint:nilerr // log and continue
			}

			launchLog.WithField("nodes", res.Interrupted).Info("Interrupted stale launch")
			interrupted.Add(1)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(interrupted.Load()), fmt.Errorf("interrupting launches: %w", err)
	}

	return int(interrupted.Load()), nil
}
