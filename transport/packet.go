// Copyright 2022 The presence Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"errors"
	"fmt"
	"strings"
)

// PacketType Engine.IO packet type
type PacketType byte

// Engine.IO v4 packet types
const (
	PacketOpen PacketType = iota
	PacketClose
	PacketPing
	PacketPong
	PacketMessage
	PacketUpgrade
	PacketNoop
)

// ProtocolVersion the Engine.IO protocol revision spoken by this client
const ProtocolVersion = "4"

// payloadSeparator separates packets within one long-polling payload
const payloadSeparator = "\x1e"

// probeData payload of the ping / pong pair exchanged during a transport upgrade
const probeData = "probe"

// ErrBinaryPacket a base64 encoded binary packet was received
var ErrBinaryPacket = errors.New("binary packets are not supported")

// ErrMalformedPacket a packet could not be decoded
var ErrMalformedPacket = errors.New("malformed packet")

// String human readable packet type
func (t PacketType) String() string {
	switch t {
	case PacketOpen:
		return "open"
	case PacketClose:
		return "close"
	case PacketPing:
		return "ping"
	case PacketPong:
		return "pong"
	case PacketMessage:
		return "message"
	case PacketUpgrade:
		return "upgrade"
	case PacketNoop:
		return "noop"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Packet one Engine.IO packet
type Packet struct {
	Type PacketType
	Data string
}

// Encode encode the packet into its text form
func (p Packet) Encode() string {
	return string(rune('0'+p.Type)) + p.Data
}

// DecodePacket decode the text form of a packet
func DecodePacket(raw string) (Packet, error) {
	if len(raw) == 0 {
		return Packet{}, fmt.Errorf("%w: empty packet", ErrMalformedPacket)
	}
	if raw[0] == 'b' {
		return Packet{}, ErrBinaryPacket
	}
	if raw[0] < '0' || raw[0] > '0'+byte(PacketNoop) {
		return Packet{}, fmt.Errorf("%w: unknown packet type %q", ErrMalformedPacket, raw[0])
	}
	return Packet{Type: PacketType(raw[0] - '0'), Data: raw[1:]}, nil
}

// EncodePayload encode a set of packets into one long-polling payload
func EncodePayload(packets []Packet) string {
	encoded := make([]string, len(packets))
	for idx, pkt := range packets {
		encoded[idx] = pkt.Encode()
	}
	return strings.Join(encoded, payloadSeparator)
}

// DecodePayload decode a long-polling payload
//
// Packets which can't be decoded are skipped; the first decode error is returned alongside
// the packets which could be.
func DecodePayload(raw string) ([]Packet, error) {
	var firstErr error
	packets := []Packet{}
	for _, one := range strings.Split(raw, payloadSeparator) {
		pkt, err := DecodePacket(one)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		packets = append(packets, pkt)
	}
	return packets, firstErr
}

// OpenParams parameters the server sends in the open packet
type OpenParams struct {
	SID          string   `json:"sid" validate:"required"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval" validate:"gte=1"`
	PingTimeout  int64    `json:"pingTimeout" validate:"gte=1"`
	MaxPayload   int64    `json:"maxPayload"`
}
