// Copyright 2026 The go-taskfarm Authors
// This file is part of the go-taskfarm library.
//
// The go-taskfarm library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-taskfarm library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-taskfarm library. If not, see <http://www.gnu.org/licenses/>.

// Package worker implements the executing node. A worker announces
// itself to its configured masters until each acknowledges, then
// executes every task unit it receives and returns the results.
package worker

import (
	"context"
	"errors"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/taskfarm/go-taskfarm/job"
	"github.com/taskfarm/go-taskfarm/messenger"
	"github.com/taskfarm/go-taskfarm/node"
	"github.com/taskfarm/go-taskfarm/wire"
)

// associateInterval is the cadence at which an unacknowledged UP
// announcement is repeated.
const associateInterval = 10 * time.Second

var (
	unitsExecutedCtr = metrics.GetOrRegisterCounter("worker/units/executed", nil)
	unitsFailedCtr   = metrics.GetOrRegisterCounter("worker/units/failed", nil)
	unitsRefusedCtr  = metrics.GetOrRegisterCounter("worker/units/refused", nil)
	unitTimer        = metrics.GetOrRegisterTimer("worker/units/duration", nil)
)

// Worker runs the execution loop against a set of masters.
type Worker struct {
	msgr    *messenger.Messenger
	masters []*node.Node
	log     log.Logger

	// interval overrides the association cadence; tests shorten it.
	interval time.Duration
}

// New wires a worker onto a started messenger.
func New(msgr *messenger.Messenger, masters []*node.Node) *Worker {
	return &Worker{
		msgr:     msgr,
		masters:  masters,
		log:      log.New("component", "worker"),
		interval: associateInterval,
	}
}

// Associate registers every configured master as a destination, announces
// UP to each and blocks until all of them acknowledge or the context is
// cancelled. The announcement is repeated on a fixed cadence;
// content-addressed msg-ids make the repeats idempotent on the master.
func (w *Worker) Associate(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range w.masters {
		m := m
		g.Go(func() error { return w.associateOne(ctx, m) })
	}
	return g.Wait()
}

func (w *Worker) associateOne(ctx context.Context, m *node.Node) error {
	logger := w.log.New("master", m)
	w.msgr.RegisterDestination(m.Hostname, m.Addr)

	tracker, err := w.msgr.SendStatus(node.StateUp, m.Addr, true)
	if err != nil {
		return err
	}
	logger.Debug("Announced UP")

	poll := time.NewTicker(w.interval / 20)
	defer poll.Stop()
	lastSend := time.Now()

	for {
		if tracker.Acked() {
			w.msgr.ReleaseTracker(tracker)
			logger.Info("Associated with master")
			return nil
		}
		select {
		case <-ctx.Done():
			w.msgr.ReleaseTracker(tracker)
			return ctx.Err()
		case <-poll.C:
		}
		if time.Since(lastSend) >= w.interval {
			if _, err := w.msgr.SendStatus(node.StateUp, m.Addr, true); err != nil {
				w.msgr.ReleaseTracker(tracker)
				return err
			}
			lastSend = time.Now()
			logger.Debug("Re-announced UP")
		}
	}
}

// Run executes task units until the messenger closes. Units are executed
// serially in arrival order; their results go back to the address that
// sent them.
func (w *Worker) Run() error {
	w.log.Info("Worker up", "addr", w.msgr.Addr(), "masters", len(w.masters))
	for {
		inb, err := w.msgr.Receive()
		if err != nil {
			if errors.Is(err, messenger.ErrClosed) {
				return nil
			}
			return err
		}
		switch inb.Type {
		case wire.TypeTaskUnit:
			w.execute(inb)
		case wire.TypeStatus:
			w.log.Debug("Master state change", "master", w.msgr.NameOf(inb.From), "state", inb.Value)
		default:
			w.log.Warn("Message type not handled by worker", "from", inb.From, "type", inb.Type)
		}
	}
}

// execute runs one unit and returns its result to the dispatching
// master. Units without a processor are refused rather than run.
func (w *Worker) execute(inb *messenger.Inbound) {
	tu := inb.Value.(*job.TaskUnit)
	logger := w.log.New("unit", tu.ID, "job", tu.JobID)

	if tu.Processor == nil {
		tu.State = job.StateRefused
		unitsRefusedCtr.Inc(1)
		logger.Warn("Refusing unit without processor")
	} else {
		logger.Debug("Executing task unit", "retries", tu.Retries)
		start := time.Now()
		tu.Run()
		unitTimer.UpdateSince(start)
		switch tu.State {
		case job.StateCompleted:
			unitsExecutedCtr.Inc(1)
			logger.Debug("Task unit completed", "elapsed", time.Since(start))
		case job.StateFailed:
			unitsFailedCtr.Inc(1)
			logger.Warn("Task unit failed, retries remain", "retries", tu.Retries)
		case job.StateBailed:
			unitsFailedCtr.Inc(1)
			logger.Warn("Task unit bailed, budget exhausted")
		}
	}

	if _, err := w.msgr.SendTaskUnitResult(tu, inb.From, false); err != nil {
		logger.Error("Result send failed", "err", err)
	}
}
