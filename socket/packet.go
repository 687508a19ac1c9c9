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

package socket

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// PacketType Socket.IO packet type
type PacketType int

// Socket.IO v5 packet types
const (
	PacketConnect PacketType = iota
	PacketDisconnect
	PacketEvent
	PacketAck
	PacketConnectError
	PacketBinaryEvent
	PacketBinaryAck
)

// DefaultNamespace the namespace used when none is named
const DefaultNamespace = "/"

// ErrUnsupportedPacket the packet uses a feature this client does not implement
var ErrUnsupportedPacket = errors.New("unsupported packet")

// Packet one Socket.IO packet
type Packet struct {
	Type      PacketType
	Namespace string
	// AckID is set when the sender expects an acknowledgement
	AckID *uint64
	Data  json.RawMessage
}

// Encode encode the packet into the text carried by an Engine.IO message
func (p Packet) Encode() string {
	builder := strings.Builder{}
	builder.WriteString(strconv.Itoa(int(p.Type)))
	if p.Namespace != "" && p.Namespace != DefaultNamespace {
		builder.WriteString(p.Namespace)
		builder.WriteString(",")
	}
	if p.AckID != nil {
		builder.WriteString(strconv.FormatUint(*p.AckID, 10))
	}
	builder.Write(p.Data)
	return builder.String()
}

// DecodePacket decode the text of an Engine.IO message
func DecodePacket(raw string) (Packet, error) {
	if len(raw) == 0 {
		return Packet{}, fmt.Errorf("empty packet")
	}
	if raw[0] < '0' || raw[0] > '6' {
		return Packet{}, fmt.Errorf("unknown packet type %q", raw[0])
	}
	result := Packet{Type: PacketType(raw[0] - '0'), Namespace: DefaultNamespace}
	if result.Type == PacketBinaryEvent || result.Type == PacketBinaryAck {
		return Packet{}, fmt.Errorf("%w: binary packet type %d", ErrUnsupportedPacket, result.Type)
	}
	rest := raw[1:]

	if strings.HasPrefix(rest, "/") {
		end := strings.Index(rest, ",")
		if end < 0 {
			result.Namespace = rest
			rest = ""
		} else {
			result.Namespace = rest[:end]
			rest = rest[end+1:]
		}
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.ParseUint(rest[:digits], 10, 64)
		if err != nil {
			return Packet{}, fmt.Errorf("invalid ack ID: %w", err)
		}
		result.AckID = &id
		rest = rest[digits:]
	}

	if len(rest) > 0 {
		if !json.Valid([]byte(rest)) {
			return Packet{}, fmt.Errorf("packet payload is not valid JSON")
		}
		result.Data = json.RawMessage(rest)
	}
	return result, nil
}

// encodeEvent build the EVENT packet for an emit
func encodeEvent(namespace string, event string, args []interface{}) (Packet, error) {
	payload := make([]interface{}, 0, len(args)+1)
	payload = append(payload, event)
	payload = append(payload, args...)
	data, err := json.Marshal(payload)
	if err != nil {
		return Packet{}, fmt.Errorf("unable to encode arguments of '%s': %w", event, err)
	}
	return Packet{Type: PacketEvent, Namespace: namespace, Data: data}, nil
}

// decodeEvent split the payload of an EVENT packet into event name and arguments
func decodeEvent(data json.RawMessage) (string, []json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return "", nil, fmt.Errorf("event payload is not an array: %w", err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("event payload is empty")
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("event name is not a string: %w", err)
	}
	return name, parts[1:], nil
}

// decodeConnectError extract the message of a CONNECT_ERROR packet
func decodeConnectError(data json.RawMessage) string {
	var structured struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &structured); err == nil && structured.Message != "" {
		return structured.Message
	}
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil && plain != "" {
		return plain
	}
	return "connection refused"
}
