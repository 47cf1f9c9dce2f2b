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

// Package messenger implements the reliable datagram messenger: an
// at-least-once transport over UDP with fragmentation, acknowledgements,
// per-message send tracking and receive-side duplicate suppression.
//
// A messenger owns one bound socket and two goroutines. The sender drains
// the outbound queue one fragment per write; the receiver reads one
// datagram at a time, reassembles logical messages and acknowledges them.
// The messenger never retransmits on its own: callers that need delivery
// re-invoke the send helper, and because msg-ids are content-addressed
// the receiver deduplicates naturally.
package messenger

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	log "github.com/inconshreveable/log15"
	"github.com/rcrowley/go-metrics"

	"github.com/taskfarm/go-taskfarm/job"
	"github.com/taskfarm/go-taskfarm/node"
	"github.com/taskfarm/go-taskfarm/wire"
)

const (
	outboundQueueDepth = 1024
	inboundQueueDepth  = 256

	// writeTimeout bounds a single blocked write so a stuck peer cannot
	// wedge the sender forever.
	writeTimeout = time.Second

	// fragTTL ages out reassembly entries whose last fragment never
	// arrived.
	fragTTL = 60 * time.Second

	// recentCacheSize bounds the cache of completed msg-ids used to
	// suppress resurrected duplicates.
	recentCacheSize = 1024
)

// ErrClosed is returned by operations on a closed messenger.
var ErrClosed = errors.New("messenger closed")

var (
	ingressTrafficMeter = metrics.GetOrRegisterMeter("messenger/ingress/traffic", nil)
	egressTrafficMeter  = metrics.GetOrRegisterMeter("messenger/egress/traffic", nil)
	malformedFrameCtr   = metrics.GetOrRegisterCounter("messenger/frames/malformed", nil)
	duplicateFrameCtr   = metrics.GetOrRegisterCounter("messenger/frames/duplicate", nil)
	staleFragmentCtr    = metrics.GetOrRegisterCounter("messenger/fragments/stale", nil)
	droppedMessageCtr   = metrics.GetOrRegisterCounter("messenger/messages/dropped", nil)
)

// Inbound is one fully reassembled, deserialized logical message.
type Inbound struct {
	From *net.UDPAddr
	Type byte
	// Value is an int for STATUS, *job.Job for JOB, and *job.TaskUnit
	// for TASKUNIT and TASKUNIT_RESULT.
	Value interface{}
}

// outbound is one fragment waiting for the socket.
type outbound struct {
	to   *net.UDPAddr
	frag *wire.Message
}

// delivery is one glued message waiting for a Receive call.
type delivery struct {
	from *net.UDPAddr
	msg  *wire.Message
}

// fragEntry is a sparse fragment sequence under reassembly.
type fragEntry struct {
	frags    []*wire.Message
	lastSeen time.Time
}

// Messenger handles all communication for one node.
type Messenger struct {
	ip   string
	port int
	conn *net.UDPConn
	log  log.Logger

	out  chan outbound
	in   chan delivery
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	trackMu  sync.Mutex
	trackers map[wire.MsgID]*wire.Tracker

	// frags and recent are touched only by the receiver goroutine.
	frags     map[wire.MsgID]*fragEntry
	recent    *lru.Cache
	lastPrune time.Time

	nameMu     sync.RWMutex
	nameToAddr map[string]*net.UDPAddr
	addrToName map[string]string
}

// New returns an unstarted messenger that will bind the given interface
// and port. Port 0 selects an ephemeral port.
func New(ip string, port int) *Messenger {
	recent, _ := lru.New(recentCacheSize)
	return &Messenger{
		ip:         ip,
		port:       port,
		log:        log.New("component", "messenger"),
		out:        make(chan outbound, outboundQueueDepth),
		in:         make(chan delivery, inboundQueueDepth),
		quit:       make(chan struct{}),
		trackers:   make(map[wire.MsgID]*wire.Tracker),
		frags:      make(map[wire.MsgID]*fragEntry),
		recent:     recent,
		nameToAddr: make(map[string]*net.UDPAddr),
		addrToName: make(map[string]string),
	}
}

// Start binds the socket and launches the sender and receiver.
func (m *Messenger) Start() error {
	ip := net.ParseIP(m.ip)
	if ip == nil {
		return fmt.Errorf("bad listen ip %q", m.ip)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: m.port})
	if err != nil {
		return fmt.Errorf("bind udp %s:%d: %w", m.ip, m.port, err)
	}
	m.conn = conn
	m.log = m.log.New("addr", conn.LocalAddr())

	m.wg.Add(2)
	go m.senderLoop()
	go m.receiverLoop()

	m.log.Info("Messenger up")
	return nil
}

// Close shuts the messenger down and waits for its goroutines.
func (m *Messenger) Close() {
	m.once.Do(func() {
		close(m.quit)
		if m.conn != nil {
			m.conn.Close()
		}
	})
	m.wg.Wait()
}

// Addr returns the bound address; only valid after Start.
func (m *Messenger) Addr() *net.UDPAddr {
	return m.conn.LocalAddr().(*net.UDPAddr)
}

// RegisterDestination remembers a symbolic name for an address so later
// sends and logs can refer to the peer by name.
func (m *Messenger) RegisterDestination(name string, addr *net.UDPAddr) {
	m.nameMu.Lock()
	m.nameToAddr[name] = addr
	m.addrToName[addr.String()] = name
	m.nameMu.Unlock()
}

// HostByName returns the address registered for a symbolic name.
func (m *Messenger) HostByName(name string) (*net.UDPAddr, error) {
	m.nameMu.RLock()
	defer m.nameMu.RUnlock()
	addr, ok := m.nameToAddr[name]
	if !ok {
		return nil, fmt.Errorf("unknown destination %q", name)
	}
	return addr, nil
}

// NameOf returns the symbolic name registered for an address, falling
// back to the address itself for unregistered peers.
func (m *Messenger) NameOf(addr *net.UDPAddr) string {
	m.nameMu.RLock()
	defer m.nameMu.RUnlock()
	if name, ok := m.addrToName[addr.String()]; ok {
		return name
	}
	return addr.String()
}

// SendStatus announces a node state to a remote node.
func (m *Messenger) SendStatus(status int, to *net.UDPAddr, track bool) (*wire.Tracker, error) {
	return m.send(wire.TypeStatus, []byte(strconv.Itoa(status)), to, track)
}

// SendJob ships a serialized job to a remote node.
func (m *Messenger) SendJob(j *job.Job, to *net.UDPAddr, track bool) (*wire.Tracker, error) {
	payload, err := j.MarshalEnvelope()
	if err != nil {
		return nil, err
	}
	return m.send(wire.TypeJob, payload, to, track)
}

// SendTaskUnit ships a task unit carrying only the allow-listed
// attributes.
func (m *Messenger) SendTaskUnit(tu *job.TaskUnit, to *net.UDPAddr, attrs []string, track bool) (*wire.Tracker, error) {
	payload, err := tu.MarshalEnvelope(attrs)
	if err != nil {
		return nil, err
	}
	return m.send(wire.TypeTaskUnit, payload, to, track)
}

// SendTaskUnitResult returns an executed unit to its master, result
// subset only.
func (m *Messenger) SendTaskUnitResult(tu *job.TaskUnit, to *net.UDPAddr, track bool) (*wire.Tracker, error) {
	payload, err := tu.MarshalEnvelope(job.AttrsTaskUnitResult)
	if err != nil {
		return nil, err
	}
	return m.send(wire.TypeTaskUnitResult, payload, to, track)
}

// SendAck acknowledges a received logical message by echoing its msg-id.
// Acks are not themselves tracked or acknowledged.
func (m *Messenger) SendAck(msg *wire.Message, to *net.UDPAddr) error {
	_, frags, err := wire.Fragment(wire.TypeAck, msg.ID[:], to)
	if err != nil {
		return err
	}
	return m.enqueue(frags, to)
}

// ReleaseTracker drops a tracker the caller no longer needs.
func (m *Messenger) ReleaseTracker(t *wire.Tracker) {
	t.Release()
	m.trackMu.Lock()
	delete(m.trackers, t.ID)
	m.trackMu.Unlock()
}

// send fragments the payload, arms a tracker and enqueues the fragments.
func (m *Messenger) send(msgType byte, payload []byte, to *net.UDPAddr, track bool) (*wire.Tracker, error) {
	id, frags, err := wire.Fragment(msgType, payload, to)
	if err != nil {
		return nil, err
	}
	tracker := m.armTracker(id, track)
	if err := m.enqueue(frags, to); err != nil {
		return nil, err
	}
	if track {
		return tracker, nil
	}
	return nil, nil
}

// armTracker creates the tracker for a msg-id, or re-arms the existing
// one: sending the same payload to the same destination twice is a
// retransmission, not a new message.
func (m *Messenger) armTracker(id wire.MsgID, track bool) *wire.Tracker {
	m.trackMu.Lock()
	defer m.trackMu.Unlock()
	if t, ok := m.trackers[id]; ok {
		if t.State() != wire.TrackerAcked {
			t.SetState(wire.TrackerQueued)
		}
		return t
	}
	t := wire.NewTracker(id, track)
	m.trackers[id] = t
	return t
}

func (m *Messenger) enqueue(frags []*wire.Message, to *net.UDPAddr) error {
	for _, f := range frags {
		select {
		case m.out <- outbound{to: to, frag: f}:
		case <-m.quit:
			return ErrClosed
		}
	}
	return nil
}

// Receive blocks until a fully reassembled non-ACK message is ready and
// returns its deserialized payload. Messages that fail to deserialize
// are logged and skipped, never fatal.
func (m *Messenger) Receive() (*Inbound, error) {
	for {
		select {
		case <-m.quit:
			return nil, ErrClosed
		case d := <-m.in:
			inb, err := m.decode(d)
			if err != nil {
				droppedMessageCtr.Inc(1)
				m.log.Warn("Dropping undecodable message", "from", d.from, "type", d.msg.Type, "err", err)
				continue
			}
			return inb, nil
		}
	}
}

func (m *Messenger) decode(d delivery) (*Inbound, error) {
	inb := &Inbound{From: d.from, Type: d.msg.Type}
	switch d.msg.Type {
	case wire.TypeStatus:
		status, err := strconv.Atoi(string(d.msg.Payload))
		if err != nil {
			return nil, fmt.Errorf("bad status payload: %w", err)
		}
		if !node.ValidState(status) {
			return nil, fmt.Errorf("status %d outside the defined set", status)
		}
		inb.Value = status
	case wire.TypeTaskUnit, wire.TypeTaskUnitResult:
		tu, err := job.UnmarshalTaskUnit(d.msg.Payload)
		if err != nil {
			return nil, err
		}
		inb.Value = tu
	case wire.TypeJob:
		j, err := job.UnmarshalJob(d.msg.Payload)
		if err != nil {
			return nil, err
		}
		inb.Value = j
	default:
		return nil, fmt.Errorf("unknown message type %d", d.msg.Type)
	}
	return inb, nil
}

// senderLoop writes queued fragments to the socket, one per write, and
// promotes trackers to SENT when their last fragment leaves.
func (m *Messenger) senderLoop() {
	defer m.wg.Done()
	m.log.Debug("Sender up")
	for {
		select {
		case <-m.quit:
			return
		case ob := <-m.out:
			if !m.writeFragment(ob) {
				return
			}
		}
	}
}

// writeFragment pushes one fragment out. Blocked writes are retried on a
// bounded deadline so shutdown is never stalled by an unwritable socket.
// It reports whether the sender should keep running.
func (m *Messenger) writeFragment(ob outbound) bool {
	packet := ob.frag.Pack()
	for {
		m.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		n, err := m.conn.WriteToUDP(packet, ob.to)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				select {
				case <-m.quit:
					return false
				default:
					continue
				}
			}
			select {
			case <-m.quit:
				return false
			default:
			}
			m.log.Debug("UDP send failed", "to", ob.to, "err", err)
			return true
		}
		egressTrafficMeter.Mark(int64(n))
		break
	}
	if ob.frag.IsLastFrag() {
		m.trackMu.Lock()
		if t, ok := m.trackers[ob.frag.ID]; ok && t.State() == wire.TrackerQueued {
			t.SetState(wire.TrackerSent)
		}
		m.trackMu.Unlock()
	}
	return true
}

// receiverLoop reads datagrams and feeds them through reassembly.
func (m *Messenger) receiverLoop() {
	defer m.wg.Done()
	m.log.Debug("Receiver up")

	// One extra byte so an oversized datagram is distinguishable from
	// one at exactly the cap.
	buf := make([]byte, wire.MsgSize+1)
	for {
		n, from, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-m.quit:
				return
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			m.log.Debug("Read error, shutting down receiver", "err", err)
			return
		}
		ingressTrafficMeter.Mark(int64(n))
		m.handlePacket(from, buf[:n])
	}
}

// handlePacket runs one datagram through unpack, dedup and reassembly,
// and dispatches the glued message once complete. Framing errors discard
// the datagram and nothing else.
func (m *Messenger) handlePacket(from *net.UDPAddr, buf []byte) {
	m.pruneFragments(time.Now())

	frag, err := wire.Unpack(buf)
	if err != nil {
		malformedFrameCtr.Inc(1)
		m.log.Debug("Bad packet", "from", from, "err", err)
		return
	}

	// A message we already completed: re-ack so the sender converges
	// even when our first ack was lost, but deliver nothing.
	if m.recent.Contains(frag.ID) {
		duplicateFrameCtr.Inc(1)
		if frag.Type != wire.TypeAck {
			m.SendAck(&wire.Message{ID: frag.ID}, from)
		}
		return
	}

	entry, ok := m.frags[frag.ID]
	if !ok {
		entry = new(fragEntry)
		m.frags[frag.ID] = entry
	}
	entry.lastSeen = time.Now()

	k := int(frag.FragIndex)
	for len(entry.frags) <= k {
		entry.frags = append(entry.frags, nil)
	}
	if entry.frags[k] != nil {
		// Repeated (msg-id, frag-index) while still reassembling.
		duplicateFrameCtr.Inc(1)
		return
	}
	entry.frags[k] = frag

	if !reassembled(entry.frags) {
		return
	}
	msg, err := wire.Glue(entry.frags)
	delete(m.frags, frag.ID)
	if err != nil {
		m.log.Debug("Reassembly failed", "from", from, "err", err)
		return
	}

	if msg.Type == wire.TypeAck {
		m.handleAck(msg)
		return
	}
	m.recent.Add(msg.ID, struct{}{})
	select {
	case m.in <- delivery{from: from, msg: msg}:
	case <-m.quit:
		return
	}
	m.SendAck(msg, from)
}

// reassembled reports whether the fragment sequence is gap-free and
// terminated.
func reassembled(frags []*wire.Message) bool {
	for _, f := range frags {
		if f == nil {
			return false
		}
	}
	return frags[len(frags)-1].IsLastFrag()
}

// handleAck promotes the tracker of the echoed msg-id and reaps it when
// nobody holds it.
func (m *Messenger) handleAck(msg *wire.Message) {
	if len(msg.Payload) != len(wire.MsgID{}) {
		m.log.Debug("Ack with malformed payload", "size", len(msg.Payload))
		return
	}
	var acked wire.MsgID
	copy(acked[:], msg.Payload)

	m.trackMu.Lock()
	defer m.trackMu.Unlock()
	t, ok := m.trackers[acked]
	if !ok {
		m.log.Debug("Ack for unknown message", "id", fmt.Sprintf("%x", acked))
		return
	}
	t.SetState(wire.TrackerAcked)
	if !t.InUse() {
		delete(m.trackers, acked)
	}
}

// pruneFragments drops reassembly entries that have not seen a fragment
// within fragTTL. Runs at most once per second, from the receiver
// goroutine only.
func (m *Messenger) pruneFragments(now time.Time) {
	if now.Sub(m.lastPrune) < time.Second {
		return
	}
	m.lastPrune = now
	for id, entry := range m.frags {
		if now.Sub(entry.lastSeen) > fragTTL {
			staleFragmentCtr.Inc(1)
			m.log.Debug("Dropping stale partial message", "id", fmt.Sprintf("%x", id))
			delete(m.frags, id)
		}
	}
}
