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
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/presence/common"
	"github.com/alwitt/presence/socket"
	"github.com/alwitt/presence/transport"
	"github.com/alwitt/presence/transport/enginetest"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// fakeBus delivers events synchronously to its listeners
type fakeBus struct {
	lock        sync.Mutex
	listeners   map[string][]socket.Listener
	connected   bool
	connects    int
	disconnects int
}

func newFakeBus() *fakeBus {
	return &fakeBus{listeners: make(map[string][]socket.Listener)}
}

func (b *fakeBus) Connect() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.connects++
	return nil
}

func (b *fakeBus) Disconnect() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.disconnects++
}

func (b *fakeBus) On(event string, listener socket.Listener) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	for _, one := range b.listeners[event] {
		if one == listener {
			return nil
		}
	}
	b.listeners[event] = append(b.listeners[event], listener)
	return nil
}

func (b *fakeBus) Off(event string, listeners ...socket.Listener) {
	b.lock.Lock()
	defer b.lock.Unlock()
	kept := []socket.Listener{}
	for _, one := range b.listeners[event] {
		drop := len(listeners) == 0
		for _, target := range listeners {
			if one == target {
				drop = true
			}
		}
		if !drop {
			kept = append(kept, one)
		}
	}
	if len(kept) == 0 {
		delete(b.listeners, event)
	} else {
		b.listeners[event] = kept
	}
}

func (b *fakeBus) IsConnected() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.connected
}

func (b *fakeBus) registrations() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	total := 0
	for _, listeners := range b.listeners {
		total += len(listeners)
	}
	return total
}

func (b *fakeBus) fire(evt socket.Event) {
	b.lock.Lock()
	listeners := append([]socket.Listener{}, b.listeners[evt.Name]...)
	b.lock.Unlock()
	for _, listener := range listeners {
		listener.HandleEvent(evt)
	}
}

func onlineUsers(payload string) socket.Event {
	return socket.Event{
		Name: EventOnlineUsers, Args: []json.RawMessage{json.RawMessage(payload)},
	}
}

func count(value int64) *int64 {
	return &value
}

type countsCall struct {
	unique  int64
	sockets int64
}

func TestParseOnlineUsers(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	type testCase struct {
		payload string
		unique  *int64
		sockets *int64
	}
	cases := []testCase{
		{payload: `{"totalUnique":12,"totalSockets":15}`, unique: count(12), sockets: count(15)},
		{payload: `{"total":9}`, unique: count(9)},
		{payload: `{"totalUnique":4,"total":9}`, unique: count(4)},
		{payload: `{"totalUnique":"4","total":9}`, unique: count(9)},
		{payload: `{"totalSockets":3}`, sockets: count(3)},
		{payload: `{"total":null,"totalSockets":"3"}`},
		{payload: `[1,2]`},
		{payload: `"total"`},
	}
	for _, oneCase := range cases {
		unique, sockets := ParseOnlineUsers([]json.RawMessage{json.RawMessage(oneCase.payload)})
		assert.Equal(oneCase.unique, unique, oneCase.payload)
		assert.Equal(oneCase.sockets, sockets, oneCase.payload)
	}

	unique, sockets := ParseOnlineUsers(nil)
	assert.Nil(unique)
	assert.Nil(sockets)
}

func TestAggregatorEventHandling(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	bus := newFakeBus()
	calls := []countsCall{}
	uut, err := NewAggregator(bus, func(unique, sockets int64) {
		calls = append(calls, countsCall{unique: unique, sockets: sockets})
	}, true)
	assert.Nil(err)

	// Case 0: activation
	assert.Equal(1, bus.connects)
	assert.Equal(4, bus.registrations())
	assert.Equal(StateAwaitingConnection, uut.State())
	assert.Equal(Snapshot{}, uut.Snapshot())

	// Case 1: connect
	bus.fire(socket.Event{Name: socket.EventConnect})
	assert.Equal(StateConnected, uut.State())
	assert.Equal(Snapshot{IsConnected: true}, uut.Snapshot())

	// Case 2: complete presence payload
	bus.fire(onlineUsers(`{"totalUnique":12,"totalSockets":15}`))
	assert.Equal(
		Snapshot{UniqueVisitors: count(12), LiveConnections: count(15), IsConnected: true},
		uut.Snapshot(),
	)
	assert.Equal([]countsCall{{unique: 12, sockets: 15}}, calls)

	// Case 3: partial payload updates one count without the callback
	bus.fire(onlineUsers(`{"total":9}`))
	assert.Equal(
		Snapshot{UniqueVisitors: count(9), LiveConnections: count(15), IsConnected: true},
		uut.Snapshot(),
	)
	assert.Len(calls, 1)

	// Case 4: malformed payload leaves everything alone
	bus.fire(onlineUsers(`{"total":"lots"}`))
	bus.fire(socket.Event{Name: EventOnlineUsers})
	assert.Equal(count(9), uut.Snapshot().UniqueVisitors)
	assert.Len(calls, 1)

	// Case 5: disconnect clears the counts
	bus.fire(socket.Event{Name: socket.EventDisconnect, Reason: "transport close"})
	assert.Equal(StateDisconnected, uut.State())
	assert.Equal(Snapshot{}, uut.Snapshot())

	// Case 6: counts arriving while disconnected are ignored
	bus.fire(onlineUsers(`{"totalUnique":1,"totalSockets":1}`))
	assert.Equal(Snapshot{}, uut.Snapshot())
	assert.Len(calls, 1)

	// Case 7: reconnect does not restore counts
	bus.fire(socket.Event{Name: socket.EventConnect})
	assert.Equal(Snapshot{IsConnected: true}, uut.Snapshot())
	bus.fire(onlineUsers(`{"totalUnique":2,"totalSockets":3}`))
	assert.Len(calls, 2)

	// Case 8: connect error clears the counts
	bus.fire(socket.Event{Name: socket.EventConnectError, Err: fmt.Errorf("refused")})
	assert.Equal(StateDisconnected, uut.State())
	assert.Equal(Snapshot{}, uut.Snapshot())
}

func TestAggregatorObservers(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	bus := newFakeBus()
	uut, err := NewAggregator(bus, nil, true)
	assert.Nil(err)

	seen := []Snapshot{}
	unsubscribe := uut.Subscribe(func(snapshot Snapshot) {
		seen = append(seen, snapshot)
	})

	bus.fire(socket.Event{Name: socket.EventConnect})
	// No change, no notification
	bus.fire(socket.Event{Name: socket.EventConnect})
	bus.fire(onlineUsers(`{"totalUnique":5,"totalSockets":6}`))
	bus.fire(onlineUsers(`{"totalUnique":5,"totalSockets":6}`))
	assert.Equal([]Snapshot{
		{IsConnected: true},
		{UniqueVisitors: count(5), LiveConnections: count(6), IsConnected: true},
	}, seen)

	// Mutating a delivered snapshot does not leak back
	*seen[1].UniqueVisitors = 100
	assert.Equal(count(5), uut.Snapshot().UniqueVisitors)

	unsubscribe()
	bus.fire(socket.Event{Name: socket.EventDisconnect})
	assert.Len(seen, 2)
}

func TestAggregatorEnableDisable(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	bus := newFakeBus()

	// Case 0: created disabled
	uut, err := NewAggregator(bus, nil, false)
	assert.Nil(err)
	assert.Equal(0, bus.connects)
	assert.Equal(0, bus.registrations())
	assert.Equal(StateIdle, uut.State())
	assert.False(uut.Enabled())

	// Case 1: enabling against an established connection starts connected
	bus.connected = true
	assert.Nil(uut.SetEnabled(true))
	assert.Nil(uut.SetEnabled(true))
	assert.Equal(1, bus.connects)
	assert.Equal(StateConnected, uut.State())
	assert.True(uut.Snapshot().IsConnected)

	seen := []Snapshot{}
	uut.Subscribe(func(snapshot Snapshot) { seen = append(seen, snapshot) })
	bus.fire(onlineUsers(`{"totalUnique":3,"totalSockets":4}`))

	// Case 2: disabling unregisters, releases the hold and resets to idle
	assert.Nil(uut.SetEnabled(false))
	assert.Equal(0, bus.registrations())
	assert.Equal(1, bus.disconnects)
	assert.Equal(StateIdle, uut.State())
	assert.Equal(Snapshot{}, uut.Snapshot())
	assert.Equal(Snapshot{}, seen[len(seen)-1])

	// Case 3: events arriving late are ignored
	uut.HandleEvent(onlineUsers(`{"totalUnique":7,"totalSockets":8}`))
	assert.Equal(Snapshot{}, uut.Snapshot())

	// Case 4: close is final
	assert.Nil(uut.SetEnabled(true))
	assert.Equal(2, bus.connects)
	assert.Nil(uut.Close())
	assert.Equal(2, bus.disconnects)
	assert.ErrorIs(uut.SetEnabled(true), ErrAggregatorClosed)
	assert.Nil(uut.Close())
}

func TestAggregatorsShareManager(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	server := enginetest.NewServer(enginetest.Options{PingInterval: time.Millisecond * 100})
	defer server.Close()
	server.OnMessage(func(s *enginetest.Server, sid string, data string) {
		if data == "0" {
			_ = s.Send(sid, `0{"sid":"ns"}`)
		}
	})

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	opener, err := transport.GetOpener(log.Fields{"instance": "unit-test"})
	assert.Nil(err)
	origin, err := url.Parse(server.URL())
	assert.Nil(err)
	manager, err := socket.GetManager(utCtxt, common.SocketConfig{
		URL:            origin.String(),
		Path:           "/socket.io/",
		Transports:     "polling",
		ConnectTimeout: 2000,
		EmitBufferSize: 16,
		Reconnect:      common.SocketReconnectConfig{MaxAttempts: 1, InitialDelay: 10, MaxDelay: 20},
	}, opener)
	assert.Nil(err)
	defer func() {
		assert.Nil(manager.Close())
	}()

	first, err := NewAggregator(manager, nil, true)
	assert.Nil(err)
	second, err := NewAggregator(manager, nil, true)
	assert.Nil(err)

	bothConnected := func() bool {
		return first.Snapshot().IsConnected && second.Snapshot().IsConnected
	}
	assert.Eventually(bothConnected, time.Second*2, time.Millisecond*10)
	assert.Len(server.SessionIDs(), 1)

	// Case 1: fan-out converges
	server.Broadcast(`2["online-users",{"totalUnique":12,"totalSockets":15}]`)
	expected := Snapshot{UniqueVisitors: count(12), LiveConnections: count(15), IsConnected: true}
	assert.Eventually(func() bool {
		return first.Snapshot().Equal(expected) && second.Snapshot().Equal(expected)
	}, time.Second*2, time.Millisecond*10)

	// Case 2: disabling one keeps the other live on the same connection
	assert.Nil(first.SetEnabled(false))
	assert.True(manager.IsConnected())
	server.Broadcast(`2["online-users",{"totalUnique":20,"totalSockets":21}]`)
	assert.Eventually(func() bool {
		return second.Snapshot().Equal(
			Snapshot{UniqueVisitors: count(20), LiveConnections: count(21), IsConnected: true},
		)
	}, time.Second*2, time.Millisecond*10)
	assert.Equal(Snapshot{}, first.Snapshot())

	// Case 3: the last consumer leaving closes the connection
	assert.Nil(second.Close())
	assert.False(manager.IsConnected())
	assert.Eventually(func() bool {
		return len(server.SessionIDs()) == 0
	}, time.Second*2, time.Millisecond*20)

	// Case 4: a new consumer re-opens it
	third, err := NewAggregator(manager, nil, true)
	assert.Nil(err)
	assert.Eventually(func() bool {
		return third.Snapshot().IsConnected
	}, time.Second*2, time.Millisecond*10)
	assert.Equal(2, server.Handshakes())
	assert.Nil(third.Close())
}
