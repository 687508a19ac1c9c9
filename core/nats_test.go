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

package core

import (
	"context"
	"testing"
	"time"

	"github.com/alwitt/presence/common"
	"github.com/apex/log"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestNatsClientPublish(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	server := natsserver.RunRandClientPortServer()
	defer server.Shutdown()

	// Case 0: invalid params
	{
		_, err := GetNatsClient(NATSConnectParams{})
		assert.NotNil(err)
	}

	params := ConnectParamsFromConfig(common.NATSRelayConfig{
		ServerURI:      server.ClientURL(),
		ConnectTimeout: 5,
		Reconnect:      common.NATSReconnectConfig{MaxAttempts: -1, WaitInterval: 1},
		Subject:        "presence.snapshot",
	})
	assert.Equal(time.Second*5, params.ConnectTimeout)
	assert.Equal(-1, params.MaxReconnectAttempt)

	closed := make(chan bool, 1)
	params.OnCloseCallback = func(*nats.Conn) { closed <- true }
	uut, err := GetNatsClient(params)
	assert.Nil(err)

	subscriber, err := nats.Connect(server.ClientURL())
	assert.Nil(err)
	defer subscriber.Close()
	msgs := make(chan *nats.Msg, 4)
	sub, err := subscriber.ChanSubscribe("presence.snapshot", msgs)
	assert.Nil(err)
	assert.Nil(subscriber.Flush())
	defer func() {
		assert.Nil(sub.Unsubscribe())
	}()

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	// Case 1: publish
	assert.Nil(uut.Publish(utCtxt, "presence.snapshot", []byte(`{"hello":"world"}`)))
	select {
	case msg := <-msgs:
		assert.Equal(`{"hello":"world"}`, string(msg.Data))
	case <-utCtxt.Done():
		assert.Fail("message not received")
	}

	// Case 2: close
	uut.Close(utCtxt)
	select {
	case <-closed:
	case <-time.After(time.Second):
		assert.Fail("close callback not called")
	}
	assert.NotNil(uut.Publish(utCtxt, "presence.snapshot", []byte("late")))
}
