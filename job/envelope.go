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
	"errors"
	"fmt"

	"github.com/taskfarm/go-taskfarm/serialize"
)

// Envelope class names.
const (
	ClassJob      = "job.Job"
	ClassTaskUnit = "job.TaskUnit"
)

// Attribute allow-lists for the two task-unit envelopes.
var (
	// AttrsTaskUnitSend is what the master ships to a worker.
	AttrsTaskUnitSend = []string{"id", "job_id", "data", "retries", "processor"}
	// AttrsTaskUnitResult is what a worker returns to the master. The
	// remaining retry budget travels along so each attempt's result is
	// distinguishable on the wire even when the outcome repeats.
	AttrsTaskUnitResult = []string{"id", "job_id", "state", "result", "retries"}
)

var (
	// ErrWrongClass is returned when an envelope names an unexpected class.
	ErrWrongClass = errors.New("envelope has unexpected class")
	// ErrJobIDMismatch is returned when a stated job id disagrees with the
	// id recomputed from the job's content.
	ErrJobIDMismatch = errors.New("job id does not match job content")
)

// MarshalEnvelope serializes the job for the wire: its id, input data and
// the three callables as source text.
func (j *Job) MarshalEnvelope() ([]byte, error) {
	env := serialize.NewEnvelope(ClassJob)
	if err := env.Set("job_id", j.ID); err != nil {
		return nil, err
	}
	if err := env.Set("input_data", j.InputData); err != nil {
		return nil, err
	}
	if err := env.Set("processor", j.processorSource()); err != nil {
		return nil, err
	}
	if err := env.Set("splitter", j.Splitter.Source()); err != nil {
		return nil, err
	}
	if err := env.Set("combiner", j.Combiner.Source()); err != nil {
		return nil, err
	}
	return env.Encode()
}

// UnmarshalJob reconstructs a job from its envelope, materializing the
// transported callables. The job id is recomputed from the content; an
// envelope stating a different id is rejected.
func UnmarshalJob(data []byte) (*Job, error) {
	env, err := serialize.Decode(data)
	if err != nil {
		return nil, err
	}
	if env.Class != ClassJob {
		return nil, fmt.Errorf("%w: %s", ErrWrongClass, env.Class)
	}
	var inputData string
	if env.Has("input_data") {
		if err := env.Get("input_data", &inputData); err != nil {
			return nil, err
		}
	}
	processor, err := env.Callable("processor")
	if err != nil {
		return nil, err
	}
	splitFn, err := env.Callable("splitter")
	if err != nil {
		return nil, err
	}
	combineFn, err := env.Callable("combiner")
	if err != nil {
		return nil, err
	}
	j := New(inputData, processor, &Splitter{Fn: splitFn}, &Combiner{Fn: combineFn})

	if env.Has("job_id") {
		var stated string
		if err := env.Get("job_id", &stated); err != nil {
			return nil, err
		}
		if stated != j.ID {
			return nil, fmt.Errorf("%w: stated %s, computed %s", ErrJobIDMismatch, stated, j.ID)
		}
	}
	return j, nil
}

// MarshalEnvelope serializes the task unit carrying only the allow-listed
// attributes.
func (t *TaskUnit) MarshalEnvelope(attrs []string) ([]byte, error) {
	env := serialize.NewEnvelope(ClassTaskUnit)
	for _, attr := range attrs {
		var err error
		switch attr {
		case "id":
			err = env.Set("id", t.ID)
		case "job_id":
			err = env.Set("job_id", t.JobID)
		case "data":
			err = env.Set("data", t.Data)
		case "retries":
			err = env.Set("retries", t.Retries)
		case "state":
			err = env.Set("state", string(t.State))
		case "result":
			err = env.Set("result", t.Result)
		case "processor":
			err = env.Set("processor", t.processorSource())
		default:
			err = fmt.Errorf("unknown task unit attribute %q", attr)
		}
		if err != nil {
			return nil, err
		}
	}
	return env.Encode()
}

// UnmarshalTaskUnit reconstructs a task unit from its envelope. Absent
// attributes keep their zero values, so the same decoder serves both the
// dispatch and the result envelope.
func UnmarshalTaskUnit(data []byte) (*TaskUnit, error) {
	env, err := serialize.Decode(data)
	if err != nil {
		return nil, err
	}
	if env.Class != ClassTaskUnit {
		return nil, fmt.Errorf("%w: %s", ErrWrongClass, env.Class)
	}
	t := &TaskUnit{State: StateDefined, Size: 1}
	if env.Has("id") {
		if err := env.Get("id", &t.ID); err != nil {
			return nil, err
		}
	}
	if env.Has("job_id") {
		if err := env.Get("job_id", &t.JobID); err != nil {
			return nil, err
		}
	}
	if env.Has("data") {
		if t.Data, err = env.Value("data"); err != nil {
			return nil, err
		}
	}
	if env.Has("retries") {
		if err := env.Get("retries", &t.Retries); err != nil {
			return nil, err
		}
		if t.Retries < 0 {
			return nil, fmt.Errorf("negative retry budget %d", t.Retries)
		}
	}
	if env.Has("state") {
		var state string
		if err := env.Get("state", &state); err != nil {
			return nil, err
		}
		t.State = State(state)
		if !t.State.Valid() {
			return nil, fmt.Errorf("unknown task unit state %q", state)
		}
	}
	if env.Has("result") {
		if t.Result, err = env.Value("result"); err != nil {
			return nil, err
		}
	}
	if t.Processor, err = env.Callable("processor"); err != nil {
		return nil, err
	}
	return t, nil
}
