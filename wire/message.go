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

// Package wire implements the datagram message format.
//
// A logical message is carried as one or more fragments, each small enough
// to fit in a single datagram. Every fragment shares the 16-byte msg-id of
// its logical message; the msg-id is a content hash over the message type,
// the destination and the full payload, so a retransmission of the same
// message to the same destination is byte-identical and the receiver can
// deduplicate on it.
//
// Fragment layout: <ID[16]><FRAG><META2><META3><TYPE><FLAGS><PAYLOAD>.
package wire

import (
	"bytes"
	"crypto/md5"
	"errors"
	"net"
	"strconv"
)

// Wire format constants.
const (
	HeaderSize = 21   // 16-byte id plus five single-byte fields
	PayloadMax = 4096 // maximum payload bytes per fragment
	MsgSize    = HeaderSize + PayloadMax

	// MaxPayload bounds one logical message: the fragment index is a
	// single byte, so a message splits into at most 256 fragments.
	MaxPayload = 256 * PayloadMax

	// DefaultPort is the UDP port masters and workers bind by default.
	DefaultPort = 33310
)

// Message types.
const (
	TypeStatus         = 0x00
	TypeAck            = 0x01
	TypeTaskUnit       = 0x02
	TypeTaskUnitResult = 0x03
	TypeJob            = 0x04
)

// Flag bits.
const (
	FlagLastFrag = 0x01
)

// metaUnused fills the reserved meta bytes.
const metaUnused = 0xFF

// Framing errors.
var (
	ErrOversizedFrame          = errors.New("frame exceeds maximum message size")
	ErrMalformedFrame          = errors.New("frame too small to hold a header")
	ErrMissingFragment         = errors.New("fragment sequence has holes")
	ErrNonTerminalLastFragment = errors.New("final fragment lacks last-fragment flag")
	ErrFragmentTypeMismatch    = errors.New("fragments disagree on message type")
	ErrPayloadTooLarge         = errors.New("payload exceeds maximum fragment count")
)

// MsgID is the 16-byte content hash shared by all fragments of one logical
// message.
type MsgID [16]byte

// ComputeID derives the msg-id for a payload headed to the given address.
// The destination is part of the hash input so that identical payloads to
// distinct destinations stay distinguishable.
func ComputeID(msgType byte, to *net.UDPAddr, payload []byte) MsgID {
	h := md5.New()
	h.Write([]byte(strconv.Itoa(int(msgType))))
	h.Write([]byte(to.IP.String()))
	h.Write([]byte(strconv.Itoa(to.Port)))
	h.Write(payload)
	var id MsgID
	copy(id[:], h.Sum(nil))
	return id
}

// Message is a single fragment, or a glued logical message.
type Message struct {
	ID        MsgID
	FragIndex byte
	Meta2     byte
	Meta3     byte
	Type      byte
	Flags     byte
	Payload   []byte
}

// IsLastFrag reports whether this fragment closes its logical message.
func (m *Message) IsLastFrag() bool {
	return m.Flags&FlagLastFrag != 0
}

// Pack serializes the message into its on-wire form.
func (m *Message) Pack() []byte {
	buf := make([]byte, 0, HeaderSize+len(m.Payload))
	buf = append(buf, m.ID[:]...)
	buf = append(buf, m.FragIndex, m.Meta2, m.Meta3, m.Type, m.Flags)
	return append(buf, m.Payload...)
}

// Unpack parses a received datagram. Frames larger than MsgSize are
// rejected with ErrOversizedFrame, frames too small to hold a header with
// ErrMalformedFrame.
func Unpack(buf []byte) (*Message, error) {
	if len(buf) > MsgSize {
		return nil, ErrOversizedFrame
	}
	if len(buf) < HeaderSize {
		return nil, ErrMalformedFrame
	}
	m := &Message{
		FragIndex: buf[16],
		Meta2:     buf[17],
		Meta3:     buf[18],
		Type:      buf[19],
		Flags:     buf[20],
		Payload:   append([]byte(nil), buf[HeaderSize:]...),
	}
	copy(m.ID[:], buf[:16])
	return m, nil
}

// Fragment splits a payload into fragments of at most PayloadMax bytes,
// all stamped with the payload's msg-id. Only the final fragment carries
// the last-fragment flag. An empty payload yields a single empty
// fragment; a payload over MaxPayload would overflow the one-byte
// fragment index and is rejected with ErrPayloadTooLarge.
func Fragment(msgType byte, payload []byte, to *net.UDPAddr) (MsgID, []*Message, error) {
	if len(payload) > MaxPayload {
		return MsgID{}, nil, ErrPayloadTooLarge
	}
	id := ComputeID(msgType, to, payload)

	var frags []*Message
	for index := 0; ; index++ {
		chunk := payload
		if len(chunk) > PayloadMax {
			chunk = chunk[:PayloadMax]
		}
		payload = payload[len(chunk):]

		m := &Message{
			ID:        id,
			FragIndex: byte(index),
			Meta2:     metaUnused,
			Meta3:     metaUnused,
			Type:      msgType,
			Payload:   chunk,
		}
		if len(payload) == 0 {
			m.Flags |= FlagLastFrag
		}
		frags = append(frags, m)
		if len(payload) == 0 {
			return id, frags, nil
		}
	}
}

// Glue reassembles fragments, ordered by index, into one logical message.
// The slice may contain nil placeholders for fragments that never arrived;
// those fail with ErrMissingFragment.
func Glue(frags []*Message) (*Message, error) {
	if len(frags) == 0 {
		return nil, ErrMissingFragment
	}
	var payload bytes.Buffer
	for _, f := range frags {
		if f == nil {
			return nil, ErrMissingFragment
		}
		if f.Type != frags[0].Type {
			return nil, ErrFragmentTypeMismatch
		}
		payload.Write(f.Payload)
	}
	last := frags[len(frags)-1]
	if !last.IsLastFrag() {
		return nil, ErrNonTerminalLastFragment
	}
	return &Message{
		ID:        frags[0].ID,
		FragIndex: last.FragIndex,
		Meta2:     frags[0].Meta2,
		Meta3:     frags[0].Meta3,
		Type:      frags[0].Type,
		Flags:     last.Flags,
		Payload:   payload.Bytes(),
	}, nil
}
