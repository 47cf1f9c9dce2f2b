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

// Package sched assigns task units to workers.
//
// MinMakespan is the classic 2-approximation list scheduling heuristic for
// Q||C_max: every arriving unit goes to the machine with the smallest
// accumulated load.
package sched

import (
	"errors"

	"github.com/taskfarm/go-taskfarm/common/keyheap"
)

// ErrNoWorkers is returned by Schedule when no machine has been registered.
var ErrNoWorkers = errors.New("no workers registered")

// Unit is anything with a scheduling weight.
type Unit interface {
	SchedSize() int64
}

// machineLoad pairs a machine index with its accumulated load.
type machineLoad struct {
	machine int
	load    int64
}

// MinMakespan tracks per-machine loads in a min-heap and always assigns to
// the least loaded machine.
type MinMakespan struct {
	speeds      []int64
	assignments [][]Unit
	loads       *keyheap.Heap[machineLoad]
}

// New returns an empty scheduler with no machines.
func New() *MinMakespan {
	return &MinMakespan{
		loads: keyheap.New(nil, func(ml machineLoad) int64 { return ml.load }, false),
	}
}

// Machines returns the number of registered machines.
func (s *MinMakespan) Machines() int {
	return len(s.speeds)
}

// AddMachine registers a new machine with zero load. A non-positive speed
// is treated as the default speed of 1.
func (s *MinMakespan) AddMachine(speed int64) int {
	if speed <= 0 {
		speed = 1
	}
	index := len(s.speeds)
	s.speeds = append(s.speeds, speed)
	s.assignments = append(s.assignments, nil)
	s.loads.Push(machineLoad{machine: index, load: 0})
	return index
}

// Schedule assigns the unit to the machine with minimum current load and
// credits that machine with the unit's size. It returns the machine index.
func (s *MinMakespan) Schedule(u Unit) (int, error) {
	if len(s.speeds) == 0 {
		return 0, ErrNoWorkers
	}
	ml, err := s.loads.Pop()
	if err != nil {
		return 0, ErrNoWorkers
	}
	s.assignments[ml.machine] = append(s.assignments[ml.machine], u)
	s.loads.Push(machineLoad{machine: ml.machine, load: ml.load + u.SchedSize()})
	return ml.machine, nil
}

// Assignments returns the units assigned to the given machine so far.
func (s *MinMakespan) Assignments(machine int) []Unit {
	return s.assignments[machine]
}
