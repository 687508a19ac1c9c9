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
	"errors"
	"fmt"
	"sync"

	"github.com/alwitt/presence/common"
	"github.com/alwitt/presence/socket"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// ErrAggregatorClosed the aggregator was closed
var ErrAggregatorClosed = errors.New("aggregator closed")

// State aggregator state
type State int

// Aggregator states
const (
	StateIdle State = iota
	StateAwaitingConnection
	StateConnected
	StateDisconnected
)

// String human readable state
func (s State) String() string {
	switch s {
	case StateAwaitingConnection:
		return "awaiting-connection"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "idle"
	}
}

// EventBus the part of the connection manager an aggregator depends on
type EventBus interface {
	Connect() error
	Disconnect()
	On(event string, listener socket.Listener) error
	Off(event string, listeners ...socket.Listener)
	IsConnected() bool
}

// CountsChangedCB called when one message carried both counts
type CountsChangedCB func(uniqueVisitors int64, liveConnections int64)

// ObserverCB called with the new snapshot after every change
type ObserverCB func(snapshot Snapshot)

// subscribedEvents events an active aggregator listens to
var subscribedEvents = []string{
	socket.EventConnect, socket.EventDisconnect, socket.EventConnectError, EventOnlineUsers,
}

// Aggregator derives a presence snapshot for one consumer from connection manager events
type Aggregator struct {
	common.Component
	bus       EventBus
	onCounts  CountsChangedCB
	lock      sync.Mutex
	enabled   bool
	active    bool
	closed    bool
	state     State
	snapshot  Snapshot
	observers map[uint64]ObserverCB
	nextID    uint64
}

// NewAggregator define a new aggregator, activating it right away when enabled
func NewAggregator(bus EventBus, onCounts CountsChangedCB, enabled bool) (*Aggregator, error) {
	instance := &Aggregator{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "presence", "component": "aggregator", "instance": uuid.NewString(),
			},
		},
		bus:       bus,
		onCounts:  onCounts,
		state:     StateIdle,
		observers: make(map[uint64]ObserverCB),
	}
	if enabled {
		if err := instance.SetEnabled(true); err != nil {
			return nil, err
		}
	}
	return instance, nil
}

// Snapshot the current snapshot
func (a *Aggregator) Snapshot() Snapshot {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.snapshot.copy()
}

// State the current state
func (a *Aggregator) State() State {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.state
}

// Enabled whether the aggregator is enabled
func (a *Aggregator) Enabled() bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.enabled
}

// Subscribe observe snapshot changes. Call the returned function to stop.
func (a *Aggregator) Subscribe(observer ObserverCB) func() {
	a.lock.Lock()
	defer a.lock.Unlock()
	id := a.nextID
	a.nextID++
	a.observers[id] = observer
	return func() {
		a.lock.Lock()
		defer a.lock.Unlock()
		delete(a.observers, id)
	}
}

// SetEnabled activate or deactivate the aggregator
func (a *Aggregator) SetEnabled(enabled bool) error {
	a.lock.Lock()
	if a.closed {
		a.lock.Unlock()
		return ErrAggregatorClosed
	}
	if a.enabled == enabled {
		a.lock.Unlock()
		return nil
	}
	prev := a.snapshot
	var err error
	if enabled {
		err = a.activateLocked()
	} else {
		a.deactivateLocked()
	}
	notify := a.pendingNotifyLocked(prev)
	a.lock.Unlock()
	notify()
	return err
}

// Close deactivate the aggregator for good
func (a *Aggregator) Close() error {
	if err := a.SetEnabled(false); err != nil && !errors.Is(err, ErrAggregatorClosed) {
		return err
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	a.closed = true
	a.observers = make(map[uint64]ObserverCB)
	return nil
}

// activateLocked take a hold on the connection and start listening
func (a *Aggregator) activateLocked() error {
	if err := a.bus.Connect(); err != nil {
		return fmt.Errorf("unable to connect: %w", err)
	}
	for _, event := range subscribedEvents {
		if err := a.bus.On(event, a); err != nil {
			for _, registered := range subscribedEvents {
				a.bus.Off(registered, a)
			}
			a.bus.Disconnect()
			return fmt.Errorf("unable to listen for '%s': %w", event, err)
		}
	}
	a.enabled = true
	a.active = true
	// The connect event for an established link has already been delivered
	if a.bus.IsConnected() {
		a.state = StateConnected
		a.snapshot = Snapshot{IsConnected: true}
	} else {
		a.state = StateAwaitingConnection
		a.snapshot = Snapshot{}
	}
	log.WithFields(a.LogTags).Debugf("Activated in state %s", a.state)
	return nil
}

// deactivateLocked stop listening and release the hold on the connection
func (a *Aggregator) deactivateLocked() {
	for _, event := range subscribedEvents {
		a.bus.Off(event, a)
	}
	a.bus.Disconnect()
	a.enabled = false
	a.active = false
	a.state = StateIdle
	a.snapshot = Snapshot{}
	log.WithFields(a.LogTags).Debug("Deactivated")
}

// pendingNotifyLocked prepare observer notification for a change from prev
func (a *Aggregator) pendingNotifyLocked(prev Snapshot) func() {
	if prev.Equal(a.snapshot) {
		return func() {}
	}
	observers := make([]ObserverCB, 0, len(a.observers))
	for _, observer := range a.observers {
		observers = append(observers, observer)
	}
	current := a.snapshot.copy()
	return func() {
		for _, observer := range observers {
			observer(current.copy())
		}
	}
}

// HandleEvent apply one connection manager event
func (a *Aggregator) HandleEvent(evt socket.Event) {
	a.lock.Lock()
	if !a.active {
		a.lock.Unlock()
		return
	}
	prev := a.snapshot.copy()
	var countsPair []int64

	switch evt.Name {
	case socket.EventConnect:
		a.state = StateConnected
		a.snapshot.IsConnected = true

	case socket.EventDisconnect, socket.EventConnectError:
		a.state = StateDisconnected
		a.snapshot = Snapshot{}

	case EventOnlineUsers:
		if !a.snapshot.IsConnected {
			log.WithFields(a.LogTags).Debug("Ignoring presence counts while not connected")
			break
		}
		unique, sockets := ParseOnlineUsers(evt.Args)
		if unique != nil {
			a.snapshot.UniqueVisitors = unique
		}
		if sockets != nil {
			a.snapshot.LiveConnections = sockets
		}
		if unique != nil && sockets != nil {
			countsPair = []int64{*unique, *sockets}
		}
	}

	notify := a.pendingNotifyLocked(prev)
	onCounts := a.onCounts
	a.lock.Unlock()

	if countsPair != nil && onCounts != nil {
		onCounts(countsPair[0], countsPair[1])
	}
	notify()
}
