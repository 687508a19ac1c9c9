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

package presence

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// EventOnlineUsers the server event carrying presence counts
const EventOnlineUsers = "online-users"

// Snapshot presence as seen by one aggregator
//
// A nil count is not yet known. While not connected both counts are nil.
type Snapshot struct {
	UniqueVisitors  *int64 `json:"unique_visitors"`
	LiveConnections *int64 `json:"live_connections"`
	IsConnected     bool   `json:"is_connected"`
}

func equalCount(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Equal whether two snapshots hold the same values
func (s Snapshot) Equal(other Snapshot) bool {
	return s.IsConnected == other.IsConnected &&
		equalCount(s.UniqueVisitors, other.UniqueVisitors) &&
		equalCount(s.LiveConnections, other.LiveConnections)
}

// copy deep copy so callers can't alias aggregator state
func (s Snapshot) copy() Snapshot {
	result := Snapshot{IsConnected: s.IsConnected}
	if s.UniqueVisitors != nil {
		value := *s.UniqueVisitors
		result.UniqueVisitors = &value
	}
	if s.LiveConnections != nil {
		value := *s.LiveConnections
		result.LiveConnections = &value
	}
	return result
}

// numericField read a numeric field, ignoring any other JSON type
func numericField(payload gjson.Result, field string) (int64, bool) {
	value := payload.Get(field)
	if value.Type != gjson.Number {
		return 0, false
	}
	return value.Int(), true
}

// ParseOnlineUsers extract counts from an "online-users" payload
//
// The unique visitor count prefers "totalUnique" then "total". The live connection count
// comes from "totalSockets". A nil result means the payload did not carry that count.
func ParseOnlineUsers(args []json.RawMessage) (unique *int64, sockets *int64) {
	if len(args) == 0 {
		return nil, nil
	}
	payload := gjson.ParseBytes(args[0])
	if !payload.IsObject() {
		return nil, nil
	}
	for _, field := range []string{"totalUnique", "total"} {
		if value, ok := numericField(payload, field); ok {
			unique = &value
			break
		}
	}
	if value, ok := numericField(payload, "totalSockets"); ok {
		sockets = &value
	}
	return unique, sockets
}
