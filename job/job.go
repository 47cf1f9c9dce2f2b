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

// Package job models user submissions and the task units they split into.
//
// A job carries input data together with three user-supplied callables:
// a splitter that turns the input into task units, a processor applied to
// each unit, and a combiner that reduces the unit results into the final
// artifact. Splitter and combiner are optional; the defaults split on
// newlines and sum numeric results.
package job

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/taskfarm/go-taskfarm/serialize"
)

// ErrUnknownUnit is returned when a result references a unit the job
// never produced.
var ErrUnknownUnit = errors.New("result for unknown task unit")

// Job is a user submission. The master holds the authoritative Job; the
// serialized form carries only the content attributes (id, input, and the
// three callables' sources).
type Job struct {
	ID        string
	InputData string
	Processor *serialize.Callable
	Splitter  *Splitter
	Combiner  *Combiner

	// TaskUnits maps unit id to the authoritative unit. Pending counts
	// units not yet in a terminal state. Both are master-side bookkeeping
	// and never serialized.
	TaskUnits map[string]*TaskUnit
	Pending   int
}

// New assembles a job, substituting default splitter and combiner where
// none are given, and stamps its content id.
func New(inputData string, processor *serialize.Callable, splitter *Splitter, combiner *Combiner) *Job {
	if splitter == nil {
		splitter = new(Splitter)
	}
	if combiner == nil {
		combiner = new(Combiner)
	}
	j := &Job{
		InputData: inputData,
		Processor: processor,
		Splitter:  splitter,
		Combiner:  combiner,
		TaskUnits: make(map[string]*TaskUnit),
	}
	j.ID = ComputeJobID(inputData, j.processorSource(), splitter.Source(), combiner.Source())
	return j
}

// RegisterUnit stamps a freshly split unit with its content id, the job
// id and the default scheduling weight, and adds it to the job's table.
// Units with identical data and processor share a content id and
// collapse into one pending unit.
func (j *Job) RegisterUnit(t *TaskUnit) {
	t.ID = ComputeUnitID(t.Data, t.processorSource())
	t.JobID = j.ID
	if t.Size <= 0 {
		t.Size = 1
	}
	if _, ok := j.TaskUnits[t.ID]; ok {
		return
	}
	j.TaskUnits[t.ID] = t
	j.Pending++
}

// ApplyResult folds a returned unit into the authoritative table. The
// pending count drops only when the unit reached a terminal state; a
// FAILED unit stays pending so the master can reschedule it. It returns
// the number of still-pending units.
func (j *Job) ApplyResult(res *TaskUnit) (int, error) {
	unit, ok := j.TaskUnits[res.ID]
	if !ok {
		return j.Pending, fmt.Errorf("%w: %s", ErrUnknownUnit, res.ID)
	}
	wasTerminal := unit.State.Terminal()
	unit.State = res.State
	unit.Result = res.Result
	if !wasTerminal && unit.State.Terminal() {
		j.Pending--
	}
	return j.Pending, nil
}

// ComputeJobID derives a job's content id: the hex MD5 over its input
// data and the sources of its processor, splitter and combiner.
func ComputeJobID(inputData, processorSource, splitSource, combineSource string) string {
	h := md5.New()
	h.Write([]byte(inputData))
	h.Write([]byte(processorSource))
	h.Write([]byte(splitSource))
	h.Write([]byte(combineSource))
	return hex.EncodeToString(h.Sum(nil))
}

func (j *Job) processorSource() string {
	if j.Processor == nil {
		return ""
	}
	return j.Processor.Source
}

// Splitter turns a job's input into task units. A nil Fn selects the
// default behavior: one unit per non-empty input line.
type Splitter struct {
	Fn *serialize.Callable
}

// Source returns the splitter's transported source, empty for the default.
func (s *Splitter) Source() string {
	if s == nil || s.Fn == nil {
		return ""
	}
	return s.Fn.Source
}

// Split generates task units from the input data. Units come back with
// data and processor populated; the caller stamps ids and job ids.
func (s *Splitter) Split(inputData string, processor *serialize.Callable) ([]*TaskUnit, error) {
	if s == nil || s.Fn == nil {
		var units []*TaskUnit
		for _, line := range strings.Split(inputData, "\n") {
			if line == "" {
				continue
			}
			units = append(units, NewTaskUnit(line, processor))
		}
		return units, nil
	}
	out, err := s.Fn.Invoke(inputData)
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	parts, ok := out.([]interface{})
	if !ok {
		return nil, fmt.Errorf("split: splitter returned %T, want an array", out)
	}
	units := make([]*TaskUnit, 0, len(parts))
	for _, part := range parts {
		units = append(units, NewTaskUnit(part, processor))
	}
	return units, nil
}

// Combiner reduces completed unit results into the final artifact. A nil
// Fn selects the default behavior: numeric sum.
type Combiner struct {
	Fn *serialize.Callable

	units []*TaskUnit
}

// Source returns the combiner's transported source, empty for the default.
func (c *Combiner) Source() string {
	if c == nil || c.Fn == nil {
		return ""
	}
	return c.Fn.Source
}

// AddTaskUnits stages units whose results are to be combined.
func (c *Combiner) AddTaskUnits(units []*TaskUnit) {
	c.units = append(c.units, units...)
}

// Combine reduces the staged units' results. Only completed units
// contribute; bailed and refused units are skipped.
func (c *Combiner) Combine() (interface{}, error) {
	var results []interface{}
	for _, u := range c.units {
		if u.State == StateCompleted {
			results = append(results, u.Result)
		}
	}
	if c.Fn != nil {
		out, err := c.Fn.Invoke(results)
		if err != nil {
			return nil, fmt.Errorf("combine: %w", err)
		}
		return out, nil
	}
	// Default: sum. Integral sums stay integral so the textual artifact
	// of summing integers reads as an integer.
	var sum float64
	for _, r := range results {
		switch v := r.(type) {
		case int64:
			sum += float64(v)
		case float64:
			sum += v
		case int:
			sum += float64(v)
		default:
			return nil, fmt.Errorf("combine: non-numeric result %T", r)
		}
	}
	if sum == float64(int64(sum)) {
		return int64(sum), nil
	}
	return sum, nil
}
