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
	"sync"
)

// Lifecycle events published by the Manager
const (
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventConnectError     = "connect_error"
	EventReconnectAttempt = "reconnect_attempt"
	EventReconnectFailed  = "reconnect_failed"
)

// Disconnect reasons which are not transport close reasons
const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonClientDisconnect = "io client disconnect"
)

// reservedEvents names which can't be emitted upstream
var reservedEvents = map[string]bool{
	EventConnect:          true,
	EventDisconnect:       true,
	EventConnectError:     true,
	EventReconnectAttempt: true,
	EventReconnectFailed:  true,
	"disconnecting":       true,
	"newListener":         true,
	"removeListener":      true,
}

// Event one delivery to a listener
type Event struct {
	// Name event name
	Name string
	// Args event arguments as sent by the server
	Args []json.RawMessage
	// Reason why the connection went away. Set for "disconnect".
	Reason string
	// Err why connecting failed. Set for "connect_error".
	Err error
	// Attempt reconnect attempt number. Set for "reconnect_attempt".
	Attempt int
}

// Listener receives events from the Manager
//
// Listeners are compared by identity, so implementations should be pointers.
type Listener interface {
	HandleEvent(evt Event)
}

// Callback adapts a function into a Listener
type Callback struct {
	fn func(Event)
}

// NewCallback wrap a function as a Listener
func NewCallback(fn func(Event)) *Callback {
	return &Callback{fn: fn}
}

// HandleEvent call the wrapped function
func (c *Callback) HandleEvent(evt Event) {
	c.fn(evt)
}

// registry event name to listener set
type registry struct {
	lock      sync.RWMutex
	listeners map[string][]Listener
}

func newRegistry() *registry {
	return &registry{listeners: make(map[string][]Listener)}
}

// add register a listener. Registering the same pair again does nothing.
func (r *registry) add(event string, listener Listener) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, one := range r.listeners[event] {
		if one == listener {
			return
		}
	}
	r.listeners[event] = append(r.listeners[event], listener)
}

// remove unregister listeners of an event, or all of them when none are given
func (r *registry) remove(event string, listeners ...Listener) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if len(listeners) == 0 {
		delete(r.listeners, event)
		return
	}
	kept := []Listener{}
	for _, one := range r.listeners[event] {
		drop := false
		for _, target := range listeners {
			if one == target {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, one)
		}
	}
	if len(kept) == 0 {
		delete(r.listeners, event)
	} else {
		r.listeners[event] = kept
	}
}

// clear drop every registration
func (r *registry) clear() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.listeners = make(map[string][]Listener)
}

// snapshot copy of the listeners of an event in registration order
func (r *registry) snapshot(event string) []Listener {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]Listener, len(r.listeners[event]))
	copy(result, r.listeners[event])
	return result
}

// has whether a listener is registered for an event
func (r *registry) has(event string, listener Listener) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	for _, one := range r.listeners[event] {
		if one == listener {
			return true
		}
	}
	return false
}

// count number of registrations
func (r *registry) count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	total := 0
	for _, listeners := range r.listeners {
		total += len(listeners)
	}
	return total
}
