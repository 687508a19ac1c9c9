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

package common

import (
	"bytes"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	viper.Reset()
	defer viper.Reset()

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("polling", cfg.Socket.Transports)
		assert.Equal("/socket.io/", cfg.Socket.Path)
		assert.Equal(5, cfg.Socket.Reconnect.MaxAttempts)
		assert.Equal(time.Second*20, cfg.Socket.ConnectTimeoutDuration())
		assert.NotNil(cfg.Gateway)
		assert.Nil(cfg.Relay)
	}

	// Case 2: invalid config
	{
		config := []byte(`---
socket:
  path: socket.io`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: invalid config
	{
		config := []byte(`---
socket:
  reconnect:
    initial_delay_ms: 1000
    max_delay_ms: 10`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: relay with only the Redis sink
	{
		config := []byte(`---
relay:
  redis:
    channel: unit-test`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		InstallRelayDefaultConfigValues()
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.NotNil(cfg.Relay)
		assert.Nil(cfg.Relay.NATS)
		assert.NotNil(cfg.Relay.Redis)
		assert.Equal("unit-test", cfg.Relay.Redis.Channel)
		assert.Equal("127.0.0.1:6379", cfg.Relay.Redis.Address)
		assert.Equal(30, cfg.Relay.HeartbeatInterval)
	}
}
