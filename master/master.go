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

// Package master implements the coordinating node. The master accepts
// worker associations, splits submitted jobs into task units, spreads
// the units over the associated workers and combines their results into
// the job's final artifact.
package master

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/rcrowley/go-metrics"

	"github.com/taskfarm/go-taskfarm/job"
	"github.com/taskfarm/go-taskfarm/messenger"
	"github.com/taskfarm/go-taskfarm/node"
	"github.com/taskfarm/go-taskfarm/sched"
	"github.com/taskfarm/go-taskfarm/wire"
)

// DefaultRetries is the retry budget stamped on every task unit at
// dispatch time.
const DefaultRetries = 3

var (
	jobsReceivedCtr      = metrics.GetOrRegisterCounter("master/jobs/received", nil)
	jobsCompletedCtr     = metrics.GetOrRegisterCounter("master/jobs/completed", nil)
	unitsDispatchedCtr   = metrics.GetOrRegisterCounter("master/units/dispatched", nil)
	resultsReceivedCtr   = metrics.GetOrRegisterCounter("master/results/received", nil)
	workersAssociatedCtr = metrics.GetOrRegisterCounter("master/workers/associated", nil)
)

// Config tunes a master.
type Config struct {
	// Retries is the per-unit retry budget; zero selects DefaultRetries.
	Retries int
	// ResultDir is where finished jobs write their result artifact.
	// Empty means the current directory.
	ResultDir string
}

// Master runs the coordination loop. All state is owned by the single
// Run goroutine; the messenger's own goroutines never touch it.
type Master struct {
	cfg  Config
	msgr *messenger.Messenger
	sch  *sched.MinMakespan
	log  log.Logger

	// workers maps scheduler machine index to the worker's address, and
	// workerIndex the reverse.
	workers     []*net.UDPAddr
	workerIndex map[string]int

	jobs     map[string]*job.Job
	deferred []*job.Job
}

// New wires a master onto a started messenger.
func New(cfg Config, msgr *messenger.Messenger) *Master {
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	return &Master{
		cfg:         cfg,
		msgr:        msgr,
		sch:         sched.New(),
		log:         log.New("component", "master"),
		workerIndex: make(map[string]int),
		jobs:        make(map[string]*job.Job),
	}
}

// Workers returns the number of associated workers.
func (m *Master) Workers() int {
	return len(m.workers)
}

// Run receives and dispatches messages until the messenger closes.
func (m *Master) Run() error {
	m.log.Info("Master up", "addr", m.msgr.Addr())
	for {
		inb, err := m.msgr.Receive()
		if err != nil {
			if errors.Is(err, messenger.ErrClosed) {
				return nil
			}
			return err
		}
		m.handle(inb)
	}
}

func (m *Master) handle(inb *messenger.Inbound) {
	switch inb.Type {
	case wire.TypeStatus:
		m.handleStatus(inb.From, inb.Value.(int))
	case wire.TypeJob:
		m.handleJob(inb.Value.(*job.Job))
	case wire.TypeTaskUnitResult:
		m.handleResult(inb.From, inb.Value.(*job.TaskUnit))
	default:
		m.log.Warn("Message type not handled by master", "from", inb.From, "type", inb.Type)
	}
}

// handleStatus registers announcing workers. A repeated UP from a known
// address is a worker re-associating after losing our ack; it keeps its
// machine slot.
func (m *Master) handleStatus(from *net.UDPAddr, status int) {
	if status != node.StateUp {
		m.log.Debug("Worker state change", "worker", from, "state", status)
		return
	}
	if _, ok := m.workerIndex[from.String()]; ok {
		m.log.Debug("Worker re-announced", "worker", m.msgr.NameOf(from))
		return
	}
	machine := m.sch.AddMachine(1)
	name := fmt.Sprintf("worker%d", machine)
	m.workers = append(m.workers, from)
	m.workerIndex[from.String()] = machine
	m.msgr.RegisterDestination(name, from)
	workersAssociatedCtr.Inc(1)
	m.log.Info("Worker associated", "worker", name, "addr", from, "workers", len(m.workers))

	if len(m.deferred) > 0 {
		pending := m.deferred
		m.deferred = nil
		for _, j := range pending {
			m.log.Info("Dispatching deferred job", "job", j.ID)
			m.dispatchJob(j)
		}
	}
}

// handleJob splits a submission and spreads its units. Jobs that arrive
// before any worker has associated are parked until one does.
func (m *Master) handleJob(j *job.Job) {
	if _, ok := m.jobs[j.ID]; ok {
		m.log.Warn("Duplicate job submission ignored", "job", j.ID)
		return
	}
	jobsReceivedCtr.Inc(1)
	m.log.Info("Job received", "job", j.ID, "input", len(j.InputData))

	if len(m.workers) == 0 {
		m.log.Warn("No workers associated, deferring job", "job", j.ID)
		m.jobs[j.ID] = j
		m.deferred = append(m.deferred, j)
		return
	}
	m.jobs[j.ID] = j
	m.dispatchJob(j)
}

func (m *Master) dispatchJob(j *job.Job) {
	units, err := j.Splitter.Split(j.InputData, j.Processor)
	if err != nil {
		m.log.Error("Splitter failed, abandoning job", "job", j.ID, "err", err)
		delete(m.jobs, j.ID)
		return
	}
	if len(units) == 0 {
		m.log.Warn("Job split into no units", "job", j.ID)
		m.finishJob(j)
		return
	}
	for _, u := range units {
		u.Retries = m.cfg.Retries
		j.RegisterUnit(u)
	}
	m.log.Info("Job split", "job", j.ID, "units", len(j.TaskUnits))
	for _, u := range units {
		// Duplicate-data units collapsed during registration; dispatch
		// only the canonical copies.
		if j.TaskUnits[u.ID] != u {
			continue
		}
		m.dispatchUnit(u)
	}
}

// dispatchUnit schedules one unit onto a machine and ships it.
func (m *Master) dispatchUnit(u *job.TaskUnit) {
	machine, err := m.sch.Schedule(u)
	if err != nil {
		m.log.Error("Scheduling failed", "unit", u.ID, "err", err)
		return
	}
	to := m.workers[machine]
	if _, err := m.msgr.SendTaskUnit(u, to, job.AttrsTaskUnitSend, false); err != nil {
		m.log.Error("Task unit send failed", "unit", u.ID, "worker", to, "err", err)
		return
	}
	u.State = job.StatePending
	unitsDispatchedCtr.Inc(1)
	m.log.Debug("Task unit dispatched", "unit", u.ID, "worker", m.msgr.NameOf(to), "retries", u.Retries)
}

// handleResult folds a returned unit into its job. FAILED units go back
// through the scheduler carrying the worker-reported retry budget; a
// unit redispatched with a spent budget comes back BAILED and settles.
func (m *Master) handleResult(from *net.UDPAddr, res *job.TaskUnit) {
	resultsReceivedCtr.Inc(1)
	j, ok := m.jobs[res.JobID]
	if !ok {
		m.log.Warn("Result for unknown job", "job", res.JobID, "unit", res.ID, "from", m.msgr.NameOf(from))
		return
	}
	pending, err := j.ApplyResult(res)
	if err != nil {
		m.log.Warn("Result not applicable", "job", j.ID, "unit", res.ID, "err", err)
		return
	}
	m.log.Debug("Result received", "job", j.ID, "unit", res.ID, "state", res.State, "pending", pending)

	if res.State == job.StateFailed {
		unit := j.TaskUnits[res.ID]
		unit.Retries = res.Retries
		m.log.Info("Rescheduling failed unit", "unit", unit.ID, "retries", unit.Retries)
		m.dispatchUnit(unit)
	}
	if pending == 0 {
		m.finishJob(j)
	}
}

// finishJob combines the unit results and writes the job's artifact.
func (m *Master) finishJob(j *job.Job) {
	units := make([]*job.TaskUnit, 0, len(j.TaskUnits))
	for _, u := range j.TaskUnits {
		units = append(units, u)
	}
	j.Combiner.AddTaskUnits(units)
	result, err := j.Combiner.Combine()
	if err != nil {
		m.log.Error("Combiner failed", "job", j.ID, "err", err)
		delete(m.jobs, j.ID)
		return
	}
	path, err := m.writeResult(j, result)
	if err != nil {
		m.log.Error("Result artifact not written", "job", j.ID, "err", err)
	} else {
		m.log.Info("Job completed", "job", j.ID, "result", path)
	}
	jobsCompletedCtr.Inc(1)
	delete(m.jobs, j.ID)
}

// resultArtifact is the serialized form of a finished job.
type resultArtifact struct {
	JobID     string      `json:"job_id"`
	Result    interface{} `json:"result"`
	Completed int         `json:"completed"`
	Bailed    int         `json:"bailed"`
	Refused   int         `json:"refused"`
}

func (m *Master) writeResult(j *job.Job, result interface{}) (string, error) {
	art := resultArtifact{JobID: j.ID, Result: result}
	for _, u := range j.TaskUnits {
		switch u.State {
		case job.StateCompleted:
			art.Completed++
		case job.StateBailed:
			art.Bailed++
		case job.StateRefused:
			art.Refused++
		}
	}
	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(m.cfg.ResultDir, fmt.Sprintf("result_%d.json", time.Now().UnixNano()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
