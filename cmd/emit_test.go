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

package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/alwitt/presence/common"
	"github.com/alwitt/presence/transport/enginetest"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestRunEmit(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	server := enginetest.NewServer(enginetest.Options{PingInterval: time.Millisecond * 100})
	defer server.Close()
	received := make(chan string, 4)
	server.OnMessage(func(s *enginetest.Server, sid string, data string) {
		if data == "0" {
			_ = s.Send(sid, `0{"sid":"ns"}`)
			return
		}
		received <- data
	})

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := common.SocketConfig{
		URL:            server.URL(),
		Path:           "/socket.io/",
		Transports:     "polling",
		ConnectTimeout: 2000,
		EmitBufferSize: 16,
		Reconnect:      common.SocketReconnectConfig{MaxAttempts: 0, InitialDelay: 10, MaxDelay: 20},
	}

	// Case 0: invalid args
	assert.NotNil(RunEmit(utCtxt, EmitCLIArgs{Timeout: 1}, config, "unit-test"))

	// Case 1: emit a message
	assert.Nil(RunEmit(
		utCtxt, EmitCLIArgs{Event: "custom-message", Text: "hello", Timeout: 5}, config, "unit-test",
	))
	select {
	case data := <-received:
		assert.Equal(`2["custom-message",{"text":"hello"}]`, data)
	case <-time.After(time.Second * 2):
		assert.Fail("emit not received")
	}
	assert.Eventually(func() bool {
		return len(server.SessionIDs()) == 0
	}, time.Second*2, time.Millisecond*20)

	// Case 2: unreachable target
	server.Close()
	assert.NotNil(RunEmit(
		utCtxt, EmitCLIArgs{Event: "custom-message", Text: "hello", Timeout: 5}, config, "unit-test",
	))
}
