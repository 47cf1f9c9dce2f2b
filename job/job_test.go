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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfarm/go-taskfarm/serialize"
)

const (
	squareSrc = `function (data) { return parseInt(data) * parseInt(data); }`
	identSrc  = `function (data) { return parseInt(data); }`
	throwSrc  = `function (data) { throw new Error("always fails"); }`
)

func squareProcessor(t *testing.T) *serialize.Callable {
	t.Helper()
	c, err := serialize.NewCallable(ClassTaskUnit, "processor", squareSrc)
	require.NoError(t, err)
	return c
}

func TestComputeUnitIDDeterministic(t *testing.T) {
	a := ComputeUnitID("2", squareSrc)
	b := ComputeUnitID("2", squareSrc)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	assert.NotEqual(t, a, ComputeUnitID("3", squareSrc))
	assert.NotEqual(t, a, ComputeUnitID("2", identSrc))
}

func TestComputeJobIDDeterministic(t *testing.T) {
	a := ComputeJobID("1\n2", squareSrc, "", "")
	assert.Equal(t, a, ComputeJobID("1\n2", squareSrc, "", ""))
	assert.NotEqual(t, a, ComputeJobID("1\n3", squareSrc, "", ""))
	assert.NotEqual(t, a, ComputeJobID("1\n2", identSrc, "", ""))
	assert.NotEqual(t, a, ComputeJobID("1\n2", squareSrc, identSrc, ""))
}

func TestTaskUnitRunCompletes(t *testing.T) {
	tu := NewTaskUnit("2", squareProcessor(t))
	tu.Run()
	assert.Equal(t, StateCompleted, tu.State)
	assert.EqualValues(t, 4, tu.Result)
}

func TestTaskUnitRunFailsWithRetries(t *testing.T) {
	c, err := serialize.NewCallable(ClassTaskUnit, "processor", throwSrc)
	require.NoError(t, err)

	tu := NewTaskUnit("2", c)
	tu.Retries = 1
	tu.Run()
	assert.Equal(t, StateFailed, tu.State)
	assert.Equal(t, 0, tu.Retries)

	// Budget spent: the next failure bails.
	tu.Run()
	assert.Equal(t, StateBailed, tu.State)
	assert.Equal(t, 0, tu.Retries)
}

func TestTaskUnitRunBailsWithoutRetries(t *testing.T) {
	c, err := serialize.NewCallable(ClassTaskUnit, "processor", throwSrc)
	require.NoError(t, err)

	tu := NewTaskUnit("2", c)
	tu.Run()
	assert.Equal(t, StateBailed, tu.State)
}

func TestDefaultSplitter(t *testing.T) {
	var s *Splitter
	units, err := s.Split("1\n2\n3", squareProcessor(t))
	require.NoError(t, err)
	require.Len(t, units, 3)
	assert.Equal(t, "1", units[0].Data)
	assert.Equal(t, "2", units[1].Data)
	assert.Equal(t, "3", units[2].Data)
}

func TestDefaultSplitterSkipsEmptyLines(t *testing.T) {
	s := new(Splitter)
	units, err := s.Split("2\n", squareProcessor(t))
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "2", units[0].Data)
}

func TestCustomSplitter(t *testing.T) {
	fn, err := serialize.NewCallable(ClassJob, "splitter",
		`function (input) { return input.split(","); }`)
	require.NoError(t, err)

	s := &Splitter{Fn: fn}
	units, err := s.Split("a,b,c", nil)
	require.NoError(t, err)
	require.Len(t, units, 3)
	assert.Equal(t, "b", units[1].Data)
}

func TestDefaultCombinerSums(t *testing.T) {
	c := new(Combiner)
	c.AddTaskUnits([]*TaskUnit{
		{State: StateCompleted, Result: int64(1)},
		{State: StateCompleted, Result: int64(2)},
		{State: StateCompleted, Result: float64(3)},
	})
	out, err := c.Combine()
	require.NoError(t, err)
	assert.EqualValues(t, int64(6), out)
}

func TestDefaultCombinerSkipsNonCompleted(t *testing.T) {
	c := new(Combiner)
	c.AddTaskUnits([]*TaskUnit{
		{State: StateCompleted, Result: int64(4)},
		{State: StateBailed},
		{State: StateRefused},
	})
	out, err := c.Combine()
	require.NoError(t, err)
	assert.EqualValues(t, int64(4), out)
}

func TestCustomCombiner(t *testing.T) {
	fn, err := serialize.NewCallable(ClassJob, "combiner",
		`function (results) { return results.join("-"); }`)
	require.NoError(t, err)

	c := &Combiner{Fn: fn}
	c.AddTaskUnits([]*TaskUnit{
		{State: StateCompleted, Result: "x"},
		{State: StateCompleted, Result: "y"},
	})
	out, err := c.Combine()
	require.NoError(t, err)
	assert.Equal(t, "x-y", out)
}

func TestJobRegisterAndApplyResult(t *testing.T) {
	j := New("1\n2", squareProcessor(t), nil, nil)
	units, err := j.Splitter.Split(j.InputData, j.Processor)
	require.NoError(t, err)
	for _, u := range units {
		j.RegisterUnit(u)
	}
	require.Equal(t, 2, j.Pending)
	require.Len(t, j.TaskUnits, 2)
	for id, u := range j.TaskUnits {
		assert.Equal(t, id, u.ID)
		assert.Equal(t, j.ID, u.JobID)
		assert.EqualValues(t, 1, u.Size)
	}

	first := units[0]
	pending, err := j.ApplyResult(&TaskUnit{ID: first.ID, State: StateCompleted, Result: int64(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	// FAILED is not terminal: the unit stays pending for rescheduling.
	second := units[1]
	pending, err = j.ApplyResult(&TaskUnit{ID: second.ID, State: StateFailed})
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	pending, err = j.ApplyResult(&TaskUnit{ID: second.ID, State: StateBailed})
	require.NoError(t, err)
	assert.Equal(t, 0, pending)

	_, err = j.ApplyResult(&TaskUnit{ID: "no-such-unit", State: StateCompleted})
	assert.ErrorIs(t, err, ErrUnknownUnit)
}

func TestRegisterUnitCollapsesDuplicateData(t *testing.T) {
	j := New("7\n7\n8", squareProcessor(t), nil, nil)
	units, err := j.Splitter.Split(j.InputData, j.Processor)
	require.NoError(t, err)
	require.Len(t, units, 3)
	for _, u := range units {
		j.RegisterUnit(u)
	}
	assert.Len(t, j.TaskUnits, 2)
	assert.Equal(t, 2, j.Pending)
}

func TestJobEnvelopeRoundTrip(t *testing.T) {
	splitFn, err := serialize.NewCallable(ClassJob, "splitter",
		`function (input) { return input.split(","); }`)
	require.NoError(t, err)

	j := New("1,2,3", squareProcessor(t), &Splitter{Fn: splitFn}, nil)
	data, err := j.MarshalEnvelope()
	require.NoError(t, err)

	out, err := UnmarshalJob(data)
	require.NoError(t, err)
	assert.Equal(t, j.ID, out.ID)
	assert.Equal(t, j.InputData, out.InputData)
	assert.Equal(t, j.Processor.Source, out.Processor.Source)
	assert.Equal(t, j.Splitter.Source(), out.Splitter.Source())
	assert.Equal(t, "", out.Combiner.Source())

	// The reconstructed callables actually run.
	units, err := out.Splitter.Split(out.InputData, out.Processor)
	require.NoError(t, err)
	require.Len(t, units, 3)
	units[1].Run()
	assert.EqualValues(t, 4, units[1].Result)
}

func TestUnmarshalJobRejectsIDMismatch(t *testing.T) {
	j := New("1\n2", squareProcessor(t), nil, nil)
	j.ID = "0123456789abcdef0123456789abcdef"
	data, err := j.MarshalEnvelope()
	require.NoError(t, err)

	_, err = UnmarshalJob(data)
	assert.ErrorIs(t, err, ErrJobIDMismatch)
}

func TestUnmarshalJobRejectsWrongClass(t *testing.T) {
	tu := NewTaskUnit("2", squareProcessor(t))
	data, err := tu.MarshalEnvelope(AttrsTaskUnitSend)
	require.NoError(t, err)

	_, err = UnmarshalJob(data)
	assert.ErrorIs(t, err, ErrWrongClass)
}

func TestTaskUnitEnvelopeAllowList(t *testing.T) {
	tu := NewTaskUnit("2", squareProcessor(t))
	tu.ID = ComputeUnitID(tu.Data, squareSrc)
	tu.JobID = "feedface"
	tu.Retries = 3
	tu.Result = "should not travel"

	data, err := tu.MarshalEnvelope(AttrsTaskUnitSend)
	require.NoError(t, err)

	out, err := UnmarshalTaskUnit(data)
	require.NoError(t, err)
	assert.Equal(t, tu.ID, out.ID)
	assert.Equal(t, tu.JobID, out.JobID)
	assert.Equal(t, "2", out.Data)
	assert.Equal(t, 3, out.Retries)
	require.NotNil(t, out.Processor)
	// Result was not on the allow-list.
	assert.Nil(t, out.Result)
}

func TestTaskUnitResultEnvelope(t *testing.T) {
	tu := NewTaskUnit("2", squareProcessor(t))
	tu.ID = ComputeUnitID(tu.Data, squareSrc)
	tu.JobID = "feedface"
	tu.Run()
	require.Equal(t, StateCompleted, tu.State)

	data, err := tu.MarshalEnvelope(AttrsTaskUnitResult)
	require.NoError(t, err)

	out, err := UnmarshalTaskUnit(data)
	require.NoError(t, err)
	assert.Equal(t, tu.ID, out.ID)
	assert.Equal(t, StateCompleted, out.State)
	assert.EqualValues(t, 4, out.Result)
	// Data and processor were not on the allow-list.
	assert.Nil(t, out.Data)
	assert.Nil(t, out.Processor)
}

func TestUnmarshalTaskUnitRejectsBadState(t *testing.T) {
	tu := NewTaskUnit("2", nil)
	tu.State = State("EXPLODED")
	data, err := tu.MarshalEnvelope([]string{"id", "state"})
	require.NoError(t, err)

	_, err = UnmarshalTaskUnit(data)
	assert.Error(t, err)
}
