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

package wire

import "sync"

// TrackerState is the send-side lifecycle of a logical message.
type TrackerState int

const (
	TrackerQueued TrackerState = iota // fragments sit on the outbound queue
	TrackerSent                       // last fragment has left the socket
	TrackerAcked                      // receiver acknowledged the msg-id
)

// String implements fmt.Stringer.
func (s TrackerState) String() string {
	switch s {
	case TrackerQueued:
		return "queued"
	case TrackerSent:
		return "sent"
	case TrackerAcked:
		return "acked"
	default:
		return "unknown"
	}
}

// Tracker follows one logical message from enqueue to acknowledgement.
// The sender goroutine, the receiver goroutine and the caller all touch
// it, so state transitions are serialized behind a mutex.
type Tracker struct {
	ID MsgID

	mu    sync.Mutex
	state TrackerState
	inUse bool
}

// NewTracker returns a tracker in the queued state. inUse marks that the
// caller holds on to the tracker; such trackers survive the ACK and must
// be released explicitly.
func NewTracker(id MsgID, inUse bool) *Tracker {
	return &Tracker{ID: id, inUse: inUse}
}

// State returns the current state.
func (t *Tracker) State() TrackerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState moves the tracker to the given state.
func (t *Tracker) SetState(s TrackerState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Sent reports whether the last fragment has been written to the socket.
func (t *Tracker) Sent() bool {
	return t.State() == TrackerSent
}

// Acked reports whether the message has been acknowledged.
func (t *Tracker) Acked() bool {
	return t.State() == TrackerAcked
}

// InUse reports whether a caller still holds the tracker.
func (t *Tracker) InUse() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inUse
}

// Release drops the caller's claim; an acked, released tracker is garbage.
func (t *Tracker) Release() {
	t.mu.Lock()
	t.inUse = false
	t.mu.Unlock()
}
