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

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/alwitt/presence/common"
	"github.com/alwitt/presence/core"
	"github.com/alwitt/presence/presence"
	"github.com/apex/log"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

type fakeSource struct {
	lock      sync.Mutex
	current   presence.Snapshot
	observers map[int]presence.ObserverCB
	nextID    int
}

func newFakeSource() *fakeSource {
	return &fakeSource{observers: map[int]presence.ObserverCB{}}
}

func (s *fakeSource) Snapshot() presence.Snapshot {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.current
}

func (s *fakeSource) Subscribe(observer presence.ObserverCB) func() {
	s.lock.Lock()
	defer s.lock.Unlock()
	id := s.nextID
	s.nextID++
	s.observers[id] = observer
	return func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		delete(s.observers, id)
	}
}

func (s *fakeSource) set(snapshot presence.Snapshot) {
	s.lock.Lock()
	s.current = snapshot
	observers := []presence.ObserverCB{}
	for _, observer := range s.observers {
		observers = append(observers, observer)
	}
	s.lock.Unlock()
	for _, observer := range observers {
		observer(snapshot)
	}
}

func (s *fakeSource) subscribers() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.observers)
}

type recordingSink struct {
	lock     sync.Mutex
	name     string
	failWith error
	received []Message
	closed   bool
}

func (s *recordingSink) Name() string {
	return s.name
}

func (s *recordingSink) Publish(ctxt context.Context, msg Message) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.received = append(s.received, msg)
	return s.failWith
}

func (s *recordingSink) Close(ctxt context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) messages() []Message {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]Message{}, s.received...)
}

type outcomeRecorder struct {
	lock     sync.Mutex
	outcomes map[string]int
}

func (r *outcomeRecorder) RecordRelayPublish(sink string, err error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := "success"
	if err != nil {
		result = "failure"
	}
	r.outcomes[fmt.Sprintf("%s/%s", sink, result)]++
}

func (r *outcomeRecorder) count(key string) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.outcomes[key]
}

func counts(unique, sockets int64) presence.Snapshot {
	return presence.Snapshot{UniqueVisitors: &unique, LiveConnections: &sockets, IsConnected: true}
}

func TestRelayPublishOnChange(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Case 0: invalid params
	{
		_, err := GetRelay(utCtxt, Params{Publishers: []Publisher{&recordingSink{name: "a"}}})
		assert.NotNil(err)
		_, err = GetRelay(utCtxt, Params{Snapshots: newFakeSource()})
		assert.NotNil(err)
	}

	source := newFakeSource()
	good := &recordingSink{name: "good"}
	bad := &recordingSink{name: "bad", failWith: fmt.Errorf("sink down")}
	recorder := &outcomeRecorder{outcomes: map[string]int{}}
	uut, err := GetRelay(utCtxt, Params{
		Source:     "unit-test",
		Snapshots:  source,
		Publishers: []Publisher{good, bad},
		Recorder:   recorder,
	})
	assert.Nil(err)

	// Case 1: start publishes the current snapshot
	assert.Nil(uut.Start())
	assert.Eventually(func() bool {
		return len(good.messages()) == 1
	}, time.Second, time.Millisecond*10)
	first := good.messages()[0]
	assert.Equal("unit-test", first.Source)
	assert.False(first.Presence.IsConnected)
	assert.Nil(first.Presence.UniqueVisitors)

	// Case 2: changes are published in order, and a failing sink does not block the others
	source.set(counts(3, 5))
	assert.Eventually(func() bool {
		return len(good.messages()) == 2
	}, time.Second, time.Millisecond*10)
	source.set(counts(4, 6))
	assert.Eventually(func() bool {
		return recorder.count("good/success") == 3 && recorder.count("bad/failure") == 3
	}, time.Second, time.Millisecond*10)
	msgs := good.messages()
	assert.Len(msgs, 3)
	assert.EqualValues(3, *msgs[1].Presence.UniqueVisitors)
	assert.EqualValues(6, *msgs[2].Presence.LiveConnections)
	assert.Len(bad.messages(), 3)

	// Case 3: stop detaches and closes the sinks
	assert.Nil(uut.Stop(utCtxt))
	assert.Equal(0, source.subscribers())
	assert.True(good.closed)
	assert.True(bad.closed)
}

type stalledSink struct {
	lock  sync.Mutex
	calls int
}

func (s *stalledSink) Name() string {
	return "stalled"
}

func (s *stalledSink) Publish(ctxt context.Context, msg Message) error {
	s.lock.Lock()
	s.calls++
	s.lock.Unlock()
	<-ctxt.Done()
	return ctxt.Err()
}

func (s *stalledSink) Close(ctxt context.Context) error {
	return nil
}

func (s *stalledSink) published() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.calls
}

func TestRelayStalledSink(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := newFakeSource()
	sink := &stalledSink{}
	uut, err := GetRelay(utCtxt, Params{
		Source:         "unit-test",
		Snapshots:      source,
		Publishers:     []Publisher{sink},
		PublishTimeout: time.Minute,
	})
	assert.Nil(err)
	assert.Nil(uut.Start())
	assert.Eventually(func() bool {
		return sink.published() == 1
	}, time.Second, time.Millisecond*10)

	// Case 1: changes never wait on a stuck sink
	start := time.Now()
	for itr := 0; itr < 200; itr++ {
		source.set(counts(int64(itr), int64(itr)))
	}
	assert.True(time.Since(start) < time.Millisecond*200)
	assert.Equal(1, sink.published())

	// Case 2: stop releases the stuck publish
	assert.Nil(uut.Stop(utCtxt))
	assert.Equal(0, source.subscribers())
}

func TestRelayHeartbeat(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := newFakeSource()
	source.set(counts(1, 1))
	sink := &recordingSink{name: "sink"}
	uut, err := GetRelay(utCtxt, Params{
		Source:     "unit-test",
		Snapshots:  source,
		Publishers: []Publisher{sink},
		Heartbeat:  time.Millisecond * 50,
	})
	assert.Nil(err)
	assert.Nil(uut.Start())

	// Case 1: the unchanged snapshot is republished periodically
	assert.Eventually(func() bool {
		return len(sink.messages()) >= 4
	}, time.Second*2, time.Millisecond*10)
	for _, msg := range sink.messages() {
		assert.EqualValues(1, *msg.Presence.UniqueVisitors)
	}

	assert.Nil(uut.Stop(utCtxt))
	stopped := len(sink.messages())
	time.Sleep(time.Millisecond * 150)
	assert.Equal(stopped, len(sink.messages()))
}

func TestRedisPublisher(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	mr := miniredis.RunT(t)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	// Case 0: unreachable server
	{
		_, err := GetRedisPublisher(utCtxt, common.RedisRelayConfig{Address: "127.0.0.1:1"})
		assert.NotNil(err)
	}

	config := common.RedisRelayConfig{
		Address: mr.Addr(), Channel: "presence", Key: "presence:latest", KeyTTL: 30,
	}
	uut, err := GetRedisPublisher(utCtxt, config)
	assert.Nil(err)
	assert.Equal("redis", uut.Name())

	listener := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer listener.Close()
	sub := listener.Subscribe(utCtxt, "presence")
	defer sub.Close()
	_, err = sub.Receive(utCtxt)
	assert.Nil(err)
	msgs := sub.Channel()

	// Case 1: publish reaches subscribers and updates the latest key
	msg := Message{Presence: counts(7, 9), Source: "unit-test", PublishedAt: time.Now().UTC()}
	assert.Nil(uut.Publish(utCtxt, msg))
	select {
	case received := <-msgs:
		var parsed Message
		assert.Nil(json.Unmarshal([]byte(received.Payload), &parsed))
		assert.Equal("unit-test", parsed.Source)
		assert.EqualValues(7, *parsed.Presence.UniqueVisitors)
		assert.EqualValues(9, *parsed.Presence.LiveConnections)
	case <-utCtxt.Done():
		assert.Fail("redis message not received")
	}
	stored, err := mr.Get("presence:latest")
	assert.Nil(err)
	assert.Contains(stored, `"unique_visitors":7`)
	assert.Equal(time.Second*30, mr.TTL("presence:latest"))

	assert.Nil(uut.Close(utCtxt))
	assert.NotNil(uut.Publish(utCtxt, msg))
}

func TestNATSPublisher(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	server := natsserver.RunRandClientPortServer()
	defer server.Shutdown()

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	client, err := core.GetNatsClient(core.ConnectParamsFromConfig(common.NATSRelayConfig{
		ServerURI:      server.ClientURL(),
		ConnectTimeout: 5,
		Reconnect:      common.NATSReconnectConfig{MaxAttempts: -1, WaitInterval: 1},
		Subject:        "presence.snapshot",
	}))
	assert.Nil(err)

	// Case 0: missing subject
	{
		_, err := GetNATSPublisher(client, "")
		assert.NotNil(err)
	}

	uut, err := GetNATSPublisher(client, "presence.snapshot")
	assert.Nil(err)
	assert.Equal("nats", uut.Name())

	subscriber, err := nats.Connect(server.ClientURL())
	assert.Nil(err)
	defer subscriber.Close()
	msgs := make(chan *nats.Msg, 4)
	_, err = subscriber.ChanSubscribe("presence.snapshot", msgs)
	assert.Nil(err)
	assert.Nil(subscriber.Flush())

	// Case 1: publish through a relay
	source := newFakeSource()
	source.set(counts(2, 3))
	relay, err := GetRelay(utCtxt, Params{
		Source: "unit-test", Snapshots: source, Publishers: []Publisher{uut},
	})
	assert.Nil(err)
	assert.Nil(relay.Start())
	select {
	case msg := <-msgs:
		var parsed Message
		assert.Nil(json.Unmarshal(msg.Data, &parsed))
		assert.True(parsed.Presence.IsConnected)
		assert.EqualValues(2, *parsed.Presence.UniqueVisitors)
	case <-utCtxt.Done():
		assert.Fail("NATS message not received")
	}

	// Case 2: stop closes the client
	assert.Nil(relay.Stop(utCtxt))
	assert.True(client.Conn().IsClosed())
}

func TestBuildPublishers(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	mr := miniredis.RunT(t)
	server := natsserver.RunRandClientPortServer()
	defer server.Shutdown()

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	natsConfig := func(uri string) *common.NATSRelayConfig {
		return &common.NATSRelayConfig{
			ServerURI:      uri,
			ConnectTimeout: 5,
			Reconnect:      common.NATSReconnectConfig{MaxAttempts: -1, WaitInterval: 1},
			Subject:        "presence.snapshot",
		}
	}

	// Case 1: nothing configured
	{
		sinks, history, err := BuildPublishers(utCtxt, common.RelayConfig{})
		assert.Nil(err)
		assert.Empty(sinks)
		assert.Nil(history)
	}

	// Case 2: both sinks
	{
		sinks, history, err := BuildPublishers(utCtxt, common.RelayConfig{
			NATS:  natsConfig(server.ClientURL()),
			Redis: &common.RedisRelayConfig{Address: mr.Addr(), Channel: "presence"},
		})
		assert.Nil(err)
		assert.Len(sinks, 2)
		assert.Nil(history)
		for _, sink := range sinks {
			assert.Nil(sink.Close(utCtxt))
		}
	}

	// Case 3: relayed snapshots are retained by the history stream
	{
		opts := natsserver.DefaultTestOptions
		opts.Port = -1
		opts.JetStream = true
		opts.StoreDir = t.TempDir()
		jsServer := natsserver.RunServer(&opts)
		defer jsServer.Shutdown()

		config := natsConfig(jsServer.ClientURL())
		config.History = &common.NATSHistoryConfig{Stream: "presence-history", MaxMsgs: 10}
		sinks, history, err := BuildPublishers(utCtxt, common.RelayConfig{NATS: config})
		assert.Nil(err)
		assert.Len(sinks, 1)
		assert.NotNil(history)

		source := newFakeSource()
		source.set(counts(5, 8))
		uut, err := GetRelay(utCtxt, Params{Source: "unit-test", Snapshots: source, Publishers: sinks})
		assert.Nil(err)
		assert.Nil(uut.Start())
		assert.Eventually(func() bool {
			count, err := history.Count(utCtxt)
			return err == nil && count == 1
		}, time.Second*2, time.Millisecond*20)
		latest, err := history.Latest(utCtxt)
		assert.Nil(err)
		var msg Message
		assert.Nil(json.Unmarshal(latest.Data, &msg))
		assert.EqualValues(5, *msg.Presence.UniqueVisitors)
		assert.Nil(uut.Stop(utCtxt))
	}
}
