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
	"time"

	"github.com/alwitt/presence/common"
	"github.com/alwitt/presence/core"
	"github.com/alwitt/presence/presence"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// Message one relayed presence snapshot
type Message struct {
	Presence    presence.Snapshot `json:"presence"`
	Source      string            `json:"source"`
	PublishedAt time.Time         `json:"published_at"`
}

// Publisher a relay sink
type Publisher interface {
	// Name sink name
	Name() string
	// Publish publish one message
	Publish(ctxt context.Context, msg Message) error
	// Close release the sink
	Close(ctxt context.Context) error
}

// ===============================================================================
// NATS

// natsPublisher publishes snapshots on a NATS subject
type natsPublisher struct {
	common.Component
	client  core.NatsClient
	subject string
}

// GetNATSPublisher define a NATS relay sink
func GetNATSPublisher(client core.NatsClient, subject string) (Publisher, error) {
	if subject == "" {
		return nil, fmt.Errorf("NATS subject not defined")
	}
	logTags := log.Fields{"module": "relay", "component": "nats-sink", "subject": subject}
	return &natsPublisher{
		Component: common.Component{LogTags: logTags}, client: client, subject: subject,
	}, nil
}

func (p *natsPublisher) Name() string {
	return "nats"
}

func (p *natsPublisher) Publish(ctxt context.Context, msg Message) error {
	payload, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	return p.client.Publish(ctxt, p.subject, payload)
}

func (p *natsPublisher) Close(ctxt context.Context) error {
	p.client.Close(ctxt)
	return nil
}

// ===============================================================================
// Redis

// redisPublisher publishes snapshots on a Redis channel and keeps the latest under a key
type redisPublisher struct {
	common.Component
	client  *redis.Client
	channel string
	key     string
	ttl     time.Duration
}

// GetRedisPublisher define a Redis relay sink
func GetRedisPublisher(ctxt context.Context, config common.RedisRelayConfig) (Publisher, error) {
	logTags := log.Fields{
		"module": "relay", "component": "redis-sink", "instance": config.Address,
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctxt).Err(); err != nil {
		_ = client.Close()
		log.WithError(err).WithFields(logTags).Error("Redis ping failed")
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.WithFields(logTags).Info("Connected to Redis")
	return &redisPublisher{
		Component: common.Component{LogTags: logTags},
		client:    client,
		channel:   config.Channel,
		key:       config.Key,
		ttl:       time.Second * time.Duration(config.KeyTTL),
	}, nil
}

func (p *redisPublisher) Name() string {
	return "redis"
}

func (p *redisPublisher) Publish(ctxt context.Context, msg Message) error {
	payload, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	pipe := p.client.TxPipeline()
	if p.key != "" {
		pipe.Set(ctxt, p.key, payload, p.ttl)
	}
	pipe.Publish(ctxt, p.channel, payload)
	if _, err := pipe.Exec(ctxt); err != nil {
		return fmt.Errorf("redis publish to '%s' failed: %w", p.channel, err)
	}
	return nil
}

func (p *redisPublisher) Close(ctxt context.Context) error {
	return p.client.Close()
}
