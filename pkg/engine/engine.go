// Package engine assembles the stores and domain components from a
// configuration.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/reportoor/pkg/aggregator"
	"github.com/ethpandaops/reportoor/pkg/audit"
	"github.com/ethpandaops/reportoor/pkg/classifier"
	"github.com/ethpandaops/reportoor/pkg/config"
	"github.com/ethpandaops/reportoor/pkg/export"
	"github.com/ethpandaops/reportoor/pkg/hierarchy"
	"github.com/ethpandaops/reportoor/pkg/interrupt"
	"github.com/ethpandaops/reportoor/pkg/lifecycle"
	"github.com/ethpandaops/reportoor/pkg/retention"
	"github.com/ethpandaops/reportoor/pkg/taxonomy"
	"github.com/sirupsen/logrus"
)

// Engine owns every long-lived component.
type Engine struct {
	log logrus.FieldLogger
	cfg *config.Config

	Store      hierarchy.Store
	Taxonomy   taxonomy.Store
	Aggregator *aggregator.Aggregator
	Lifecycle  *lifecycle.Coordinator
	Classifier *classifier.Classifier
	Exporter   *export.Exporter

	dispatcher *audit.Dispatcher
	auditStore *audit.StoreSink
	supervisor interrupt.Supervisor
	retention  retention.Job
}

// New creates an Engine. Nothing is opened until Start.
func New(log logrus.FieldLogger, cfg *config.Config) *Engine {
	return &Engine{
		log: log.WithField("component", "engine"),
		cfg: cfg,
	}
}

// Start opens the stores and wires the components.
func (e *Engine) Start(ctx context.Context) error {
	e.Store = hierarchy.NewStore(e.log, &e.cfg.Database)
	if err := e.Store.Start(ctx); err != nil {
		return fmt.Errorf("starting hierarchy store: %w", err)
	}

	e.Taxonomy = taxonomy.NewStore(e.log, &e.cfg.Database)
	if err := e.Taxonomy.Start(ctx); err != nil {
		return fmt.Errorf("starting taxonomy store: %w", err)
	}

	if e.cfg.Taxonomy.File != "" {
		if err := e.Taxonomy.SeedFile(ctx, e.cfg.Taxonomy.File); err != nil {
			return fmt.Errorf("seeding taxonomy: %w", err)
		}
	}

	var publisher audit.Publisher = audit.Nop{}

	if e.cfg.Audit.Enabled {
		sinks := []audit.Sink{audit.LogSink{Log: e.log.WithField("component", "audit")}}

		if e.cfg.Audit.Persist {
			e.auditStore = audit.NewStoreSink(&e.cfg.Database)
			if err := e.auditStore.Start(ctx); err != nil {
				return fmt.Errorf("starting audit store: %w", err)
			}

			sinks = append(sinks, e.auditStore)
		}

		e.dispatcher = audit.NewDispatcher(e.log, e.cfg.Audit.BufferSize, sinks...)
		e.dispatcher.Start(context.WithoutCancel(ctx))
		publisher = e.dispatcher
	}

	e.Aggregator = aggregator.New(e.log, e.Store, aggregator.Options{
		RetryInitialInterval: e.cfg.Aggregation.RetryInitialInterval,
		RetryMaxElapsed:      e.cfg.Aggregation.RetryMaxElapsed,
		RepairDelay:          e.cfg.Aggregation.RepairDelay,
	})

	writer, err := export.NewWriter(e.log, &e.cfg.Export)
	if err != nil {
		return fmt.Errorf("creating export writer: %w", err)
	}

	if writer != nil {
		if err := writer.Preflight(ctx); err != nil {
			return fmt.Errorf("export preflight: %w", err)
		}
	}

	e.Exporter = export.NewExporter(e.log, e.Store, writer, e.cfg.Export.S3.Prefix)

	e.Lifecycle = lifecycle.New(e.log, lifecycle.Config{
		Store:            e.Store,
		Aggregator:       e.Aggregator,
		Taxonomy:         e.Taxonomy,
		Audit:            publisher,
		OnLaunchFinished: e.Exporter.OnLaunchFinished,
	})

	e.Classifier = classifier.New(e.log, classifier.Config{
		Nodes:      e.Store,
		Aggregator: e.Aggregator,
		Taxonomy:   e.Taxonomy,
		Audit:      publisher,
	})

	e.log.WithField("driver", e.cfg.Database.Driver).Info("Engine started")

	return nil
}

// StartSupervisor runs the stale launch supervisor when it is enabled.
func (e *Engine) StartSupervisor(ctx context.Context) error {
	if !e.cfg.Interrupt.Enabled {
		return nil
	}

	e.supervisor = interrupt.NewSupervisor(
		e.log,
		e.Store,
		e.Lifecycle,
		e.cfg.Interrupt.Interval,
		e.cfg.Interrupt.MaxDuration,
		e.cfg.Interrupt.Concurrency,
	)

	return e.supervisor.Start(ctx)
}

// InterruptStale performs a single supervisor pass regardless of the
// enabled flag.
func (e *Engine) InterruptStale(ctx context.Context) (int, error) {
	s := interrupt.NewSupervisor(
		e.log,
		e.Store,
		e.Lifecycle,
		e.cfg.Interrupt.Interval,
		e.cfg.Interrupt.MaxDuration,
		e.cfg.Interrupt.Concurrency,
	)

	return s.RunOnce(ctx)
}

// StartRetention runs the launch retention job when it is enabled.
func (e *Engine) StartRetention(ctx context.Context) error {
	if !e.cfg.Retention.Enabled {
		return nil
	}

	e.retention = retention.NewJob(
		e.log,
		e.Lifecycle,
		e.cfg.Retention.Interval,
		e.cfg.Retention.KeepFor,
	)

	return e.retention.Start(ctx)
}

// CleanExpired performs a single retention pass regardless of the enabled
// flag.
func (e *Engine) CleanExpired(ctx context.Context) (int, error) {
	j := retention.NewJob(
		e.log,
		e.Lifecycle,
		e.cfg.Retention.Interval,
		e.cfg.Retention.KeepFor,
	)

	return j.RunOnce(ctx)
}

// Activity returns the persisted audit trail of a node, oldest first. ok is
// false when audit persistence is disabled.
func (e *Engine) Activity(ctx context.Context, nodeID string) (activities []audit.Activity, ok bool, err error) {
	if e.auditStore == nil {
		return nil, false, nil
	}

	activities, err = e.auditStore.ListForNode(ctx, nodeID)

	return activities, true, err
}

// Stop shuts components down in reverse order of Start.
func (e *Engine) Stop() error {
	var errs []error

	if e.supervisor != nil {
		if err := e.supervisor.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	if e.retention != nil {
		if err := e.retention.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	if e.Exporter != nil {
		e.Exporter.Wait()
	}

	if e.Aggregator != nil {
		e.Aggregator.Close()
	}

	if e.dispatcher != nil {
		e.dispatcher.Stop()
	}

	if e.auditStore != nil {
		if err := e.auditStore.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping audit store: %w", err))
		}
	}

	if e.Taxonomy != nil {
		if err := e.Taxonomy.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping taxonomy store: %w", err))
		}
	}

	if e.Store != nil {
		if err := e.Store.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping hierarchy store: %w", err))
		}
	}

	e.log.Info("Engine stopped")

	return errors.Join(errs...)
}
