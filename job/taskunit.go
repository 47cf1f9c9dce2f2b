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

package job

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/taskfarm/go-taskfarm/serialize"
)

// State is the lifecycle state of a task unit.
type State string

// Task unit states.
const (
	StateDefined   State = "DEFINED"   // created, not yet dispatched
	StatePending   State = "PENDING"   // received by a worker, queued
	StateRunning   State = "RUNNING"   // processor executing
	StateFailed    State = "FAILED"    // attempt failed, retries remain
	StateBailed    State = "BAILED"    // retry budget exhausted
	StateRefused   State = "REFUSED"   // worker declined the unit
	StateCompleted State = "COMPLETED" // result available
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateDefined, StatePending, StateRunning, StateFailed,
		StateBailed, StateRefused, StateCompleted:
		return true
	}
	return false
}

// Terminal reports whether a unit in this state will produce no further
// results.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateBailed || s == StateRefused
}

// TaskUnit is the smallest independently executable work item: a datum
// plus the processor to apply to it. The master owns the authoritative
// unit; a worker holds a transient copy for the duration of execution.
type TaskUnit struct {
	ID        string
	JobID     string
	Data      interface{}
	Processor *serialize.Callable
	State     State
	Result    interface{}
	Retries   int
	Size      int64
}

// NewTaskUnit returns a unit in the DEFINED state.
func NewTaskUnit(data interface{}, processor *serialize.Callable) *TaskUnit {
	return &TaskUnit{Data: data, Processor: processor, State: StateDefined, Size: 1}
}

// SchedSize is the unit's scheduling weight.
func (t *TaskUnit) SchedSize() int64 {
	if t.Size <= 0 {
		return 1
	}
	return t.Size
}

// Run executes the processor on the unit's data. Failures never
// propagate: they become a FAILED transition while retries remain, BAILED
// once the budget is spent.
func (t *TaskUnit) Run() {
	t.State = StateRunning
	result, err := t.invoke()
	if err != nil {
		if t.Retries == 0 {
			t.State = StateBailed
		} else {
			t.State = StateFailed
			t.Retries--
		}
		return
	}
	t.Result = result
	t.State = StateCompleted
}

func (t *TaskUnit) invoke() (interface{}, error) {
	if t.Processor == nil {
		return nil, fmt.Errorf("task unit %s has no processor", t.ID)
	}
	return t.Processor.Invoke(t.Data)
}

// ComputeUnitID derives a unit's content id: the hex MD5 over its data
// and processor source.
func ComputeUnitID(data interface{}, processorSource string) string {
	h := md5.New()
	h.Write(dataBytes(data))
	h.Write([]byte(processorSource))
	return hex.EncodeToString(h.Sum(nil))
}

func dataBytes(data interface{}) []byte {
	switch v := data.(type) {
	case nil:
		return nil
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return []byte(fmt.Sprint(v))
		}
		return b
	}
}

// processorSource returns the unit's processor source, or empty when the
// processor is unset.
func (t *TaskUnit) processorSource() string {
	if t.Processor == nil {
		return ""
	}
	return t.Processor.Source
}
