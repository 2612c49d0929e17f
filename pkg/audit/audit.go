// Package audit delivers old → new change records to sinks without ever
// blocking the engine.
package audit

import (
	"context"
	"sync"

	"github.com/ethpandaops/reportoor/pkg/model"
	"github.com/sirupsen/logrus"
)

// Publisher accepts audit records. Publish must not block.
type Publisher interface {
	Publish(rec model.AuditRecord)
}

// Sink persists or forwards audit records.
type Sink interface {
	Write(ctx context.Context, rec model.AuditRecord) error
}

// Nop discards every record.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(model.AuditRecord) {}

// Dispatcher is an asynchronous Publisher that fans records out to sinks
// from a single background worker.
type Dispatcher struct {
	log   logrus.FieldLogger
	sinks []Sink
	queue chan model.AuditRecord
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// Compile-time interface check.
var _ Publisher = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher with the given queue size.
func NewDispatcher(log logrus.FieldLogger, bufferSize int, sinks ...Sink) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1
	}

	return &Dispatcher{
		log:   log.WithField("component", "audit"),
		sinks: sinks,
		queue: make(chan model.AuditRecord, bufferSize),
		done:  make(chan struct{}),
	}
}

// Start launches the delivery worker.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		for {
			select {
			case rec := <-d.queue:
				d.deliver(ctx, rec)
			case <-d.done:
				d.drain(ctx)

				return
			}
		}
	}()
}

// Stop delivers whatever is queued and waits for the worker to exit.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()
}

// Publish enqueues rec, dropping it when the queue is full.
func (d *Dispatcher) Publish(rec model.AuditRecord) {
	select {
	case <-d.done:
		return
	default:
	}

	select {
	case d.queue <- rec:
	default:
		d.log.WithField("action", rec.Action).
			WithField("node_id", rec.NodeID).
			Warn("Audit queue full, dropping record")
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case rec := <-d.queue:
			d.deliver(ctx, rec)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, rec model.AuditRecord) {
	for _, sink := range d.sinks {
		if err := sink.Write(ctx, rec); err != nil {
			d.log.WithError(err).
				WithField("action", rec.Action).
				Warn("Failed to write audit record")
		}
	}
}

// LogSink writes records to a logger.
type LogSink struct {
	Log logrus.FieldLogger
}

// Write implements Sink.
func (s LogSink) Write(_ context.Context, rec model.AuditRecord) error {
	s.Log.WithFields(logrus.Fields{
		"action":     rec.Action,
		"node_id":    rec.NodeID,
		"launch_id":  rec.LaunchID,
		"project_id": rec.ProjectID,
		"actor":      rec.Actor,
		"before":     rec.Before,
		"after":      rec.After,
	}).Info("Audit")

	return nil
}
