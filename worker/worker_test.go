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

package worker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfarm/go-taskfarm/job"
	"github.com/taskfarm/go-taskfarm/messenger"
	"github.com/taskfarm/go-taskfarm/node"
	"github.com/taskfarm/go-taskfarm/serialize"
	"github.com/taskfarm/go-taskfarm/wire"
)

const doubleSrc = `function (data) { return parseInt(data) * 2; }`

func newTestMessenger(t *testing.T) *messenger.Messenger {
	t.Helper()
	m := messenger.New("127.0.0.1", 0)
	require.NoError(t, m.Start())
	t.Cleanup(m.Close)
	return m
}

func masterNode(m *messenger.Messenger) *node.Node {
	return &node.Node{Hostname: "m0", Addr: m.Addr()}
}

func receiveWithin(t *testing.T, m *messenger.Messenger, d time.Duration) *messenger.Inbound {
	t.Helper()
	type res struct {
		inb *messenger.Inbound
		err error
	}
	ch := make(chan res, 1)
	go func() {
		inb, err := m.Receive()
		ch <- res{inb, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.inb
	case <-time.After(d):
		t.Fatal("no message received in time")
		return nil
	}
}

func TestAssociate(t *testing.T) {
	masterMsgr := newTestMessenger(t)
	workerMsgr := newTestMessenger(t)

	w := New(workerMsgr, []*node.Node{masterNode(masterMsgr)})
	w.interval = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	// The remote messenger acks received messages on its own; no master
	// loop is needed for the handshake to converge.
	require.NoError(t, w.Associate(ctx))

	addr, err := workerMsgr.HostByName("m0")
	require.NoError(t, err)
	assert.Equal(t, masterMsgr.Addr().String(), addr.String())

	inb := receiveWithin(t, masterMsgr, time.Second)
	assert.EqualValues(t, wire.TypeStatus, inb.Type)
	assert.Equal(t, node.StateUp, inb.Value)
}

func TestAssociateRetriesUntilMasterAppears(t *testing.T) {
	workerMsgr := newTestMessenger(t)

	// Reserve a port with a deaf socket, then hand it to a real
	// messenger mid-association.
	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := sink.LocalAddr().(*net.UDPAddr).Port

	w := New(workerMsgr, []*node.Node{{
		Hostname: "m0",
		Addr:     &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
	}})
	w.interval = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Associate(ctx) }()

	// Let a couple of unanswered announcements pass.
	time.Sleep(300 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("associated against a deaf socket: %v", err)
	default:
	}

	sink.Close()
	masterMsgr := messenger.New("127.0.0.1", port)
	require.NoError(t, masterMsgr.Start())
	t.Cleanup(masterMsgr.Close)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(4 * time.Second):
		t.Fatal("association never converged")
	}
}

func TestAssociateCancellation(t *testing.T) {
	workerMsgr := newTestMessenger(t)
	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sink.Close()

	w := New(workerMsgr, []*node.Node{{
		Hostname: "m0",
		Addr:     sink.LocalAddr().(*net.UDPAddr),
	}})
	w.interval = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = w.Associate(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Masters are registered as destinations up front, before the
	// handshake converges.
	addr, err := workerMsgr.HostByName("m0")
	require.NoError(t, err)
	assert.Equal(t, sink.LocalAddr().String(), addr.String())
}

func runWorker(t *testing.T, w *Worker) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- w.Run() }()
	t.Cleanup(func() {
		w.msgr.Close()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("worker loop did not stop")
		}
	})
}

func sendUnit(t *testing.T, from *messenger.Messenger, to *messenger.Messenger, tu *job.TaskUnit, attrs []string) {
	t.Helper()
	_, err := from.SendTaskUnit(tu, to.Addr(), attrs, false)
	require.NoError(t, err)
}

func TestRunExecutesUnit(t *testing.T) {
	masterMsgr := newTestMessenger(t)
	workerMsgr := newTestMessenger(t)

	w := New(workerMsgr, []*node.Node{masterNode(masterMsgr)})
	runWorker(t, w)

	proc, err := serialize.NewCallable(job.ClassTaskUnit, "processor", doubleSrc)
	require.NoError(t, err)
	tu := job.NewTaskUnit("21", proc)
	tu.ID = job.ComputeUnitID(tu.Data, doubleSrc)
	tu.JobID = "feedface"
	sendUnit(t, masterMsgr, workerMsgr, tu, job.AttrsTaskUnitSend)

	inb := receiveWithin(t, masterMsgr, 3*time.Second)
	require.EqualValues(t, wire.TypeTaskUnitResult, inb.Type)
	res := inb.Value.(*job.TaskUnit)
	assert.Equal(t, tu.ID, res.ID)
	assert.Equal(t, job.StateCompleted, res.State)
	assert.EqualValues(t, 42, res.Result)
}

func TestRunRefusesUnitWithoutProcessor(t *testing.T) {
	masterMsgr := newTestMessenger(t)
	workerMsgr := newTestMessenger(t)

	w := New(workerMsgr, []*node.Node{masterNode(masterMsgr)})
	runWorker(t, w)

	tu := job.NewTaskUnit("21", nil)
	tu.ID = job.ComputeUnitID(tu.Data, "")
	tu.JobID = "feedface"
	sendUnit(t, masterMsgr, workerMsgr, tu, []string{"id", "job_id", "data"})

	inb := receiveWithin(t, masterMsgr, 3*time.Second)
	res := inb.Value.(*job.TaskUnit)
	assert.Equal(t, job.StateRefused, res.State)
}

func TestRunReportsFailureStates(t *testing.T) {
	masterMsgr := newTestMessenger(t)
	workerMsgr := newTestMessenger(t)

	w := New(workerMsgr, []*node.Node{masterNode(masterMsgr)})
	runWorker(t, w)

	throw := `function (data) { throw new Error("broken"); }`
	proc, err := serialize.NewCallable(job.ClassTaskUnit, "processor", throw)
	require.NoError(t, err)

	// With budget left the unit fails and keeps a decremented budget.
	tu := job.NewTaskUnit("1", proc)
	tu.ID = job.ComputeUnitID(tu.Data, throw)
	tu.JobID = "feedface"
	tu.Retries = 2
	sendUnit(t, masterMsgr, workerMsgr, tu, job.AttrsTaskUnitSend)

	inb := receiveWithin(t, masterMsgr, 3*time.Second)
	res := inb.Value.(*job.TaskUnit)
	assert.Equal(t, job.StateFailed, res.State)

	// Without budget it bails.
	tu2 := job.NewTaskUnit("2", proc)
	tu2.ID = job.ComputeUnitID(tu2.Data, throw)
	tu2.JobID = "feedface"
	sendUnit(t, masterMsgr, workerMsgr, tu2, job.AttrsTaskUnitSend)

	inb = receiveWithin(t, masterMsgr, 3*time.Second)
	res = inb.Value.(*job.TaskUnit)
	assert.Equal(t, job.StateBailed, res.State)
}
