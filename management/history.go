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

package management

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/presence/common"
	"github.com/alwitt/presence/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// HistoryParam parameters of the snapshot history stream
type HistoryParam struct {
	// Stream is the JetStream stream name
	Stream string `json:"stream" validate:"required"`
	// Subject is the subject relayed snapshots are published on
	Subject string `json:"subject" validate:"required"`
	// MaxMsgs is the max number of snapshots retained
	MaxMsgs int64 `json:"max_msgs" validate:"gte=1"`
	// MaxAge is the max age of a retained snapshot. Zero means no age limit.
	MaxAge time.Duration `json:"max_age"`
}

// HistoryParamFromConfig convert the relay config into history parameters
func HistoryParamFromConfig(subject string, config common.NATSHistoryConfig) HistoryParam {
	return HistoryParam{
		Stream:  config.Stream,
		Subject: subject,
		MaxMsgs: config.MaxMsgs,
		MaxAge:  time.Second * time.Duration(config.MaxAge),
	}
}

// SnapshotHistory retains relayed snapshots in a JetStream stream
type SnapshotHistory interface {
	// Ensure create the stream, or bring an existing one in line with the parameters
	Ensure(ctxt context.Context) error
	// Latest fetch the most recent retained snapshot
	Latest(ctxt context.Context) (*nats.RawStreamMsg, error)
	// Count number of snapshots currently retained
	Count(ctxt context.Context) (uint64, error)
}

// snapshotHistoryImpl implements SnapshotHistory
type snapshotHistoryImpl struct {
	common.Component
	js    nats.JetStreamContext
	param HistoryParam
}

// GetSnapshotHistory define SnapshotHistory
func GetSnapshotHistory(client core.NatsClient, param HistoryParam) (SnapshotHistory, error) {
	if err := validator.New().Struct(&param); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module":    "management",
		"component": "history",
		"instance":  param.Stream,
	}
	js, err := client.JetStream()
	if err != nil {
		return nil, err
	}
	return snapshotHistoryImpl{
		Component: common.Component{LogTags: logTags},
		js:        js,
		param:     param,
	}, nil
}

// applyLimits write the retention limits into a stream config
func (h snapshotHistoryImpl) applyLimits(config *nats.StreamConfig) {
	config.Subjects = []string{h.param.Subject}
	config.MaxMsgs = h.param.MaxMsgs
	config.MaxAge = h.param.MaxAge
	config.Discard = nats.DiscardOld
}

// Ensure create or update the history stream
func (h snapshotHistoryImpl) Ensure(ctxt context.Context) error {
	info, err := h.js.StreamInfo(h.param.Stream, nats.Context(ctxt))
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			log.WithError(err).WithFields(h.LogTags).Error("Unable to read stream info")
			return err
		}
		config := nats.StreamConfig{Name: h.param.Stream, Storage: nats.FileStorage}
		h.applyLimits(&config)
		if _, err := h.js.AddStream(&config, nats.Context(ctxt)); err != nil {
			log.WithError(err).WithFields(h.LogTags).Error("Unable to define history stream")
			return err
		}
		log.WithFields(h.LogTags).Infof("Defined history stream on %s", h.param.Subject)
		return nil
	}
	config := info.Config
	h.applyLimits(&config)
	if _, err := h.js.UpdateStream(&config, nats.Context(ctxt)); err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Unable to update history stream")
		return err
	}
	log.WithFields(h.LogTags).Infof("Updated history stream on %s", h.param.Subject)
	return nil
}

// Latest fetch the most recent retained snapshot
func (h snapshotHistoryImpl) Latest(ctxt context.Context) (*nats.RawStreamMsg, error) {
	info, err := h.js.StreamInfo(h.param.Stream, nats.Context(ctxt))
	if err != nil {
		return nil, err
	}
	if info.State.Msgs == 0 {
		return nil, fmt.Errorf("no snapshot in '%s'", h.param.Stream)
	}
	msg, err := h.js.GetMsg(h.param.Stream, info.State.LastSeq, nats.Context(ctxt))
	if err != nil {
		return nil, fmt.Errorf("no snapshot in '%s': %w", h.param.Stream, err)
	}
	return msg, nil
}

// Count number of snapshots currently retained
func (h snapshotHistoryImpl) Count(ctxt context.Context) (uint64, error) {
	info, err := h.js.StreamInfo(h.param.Stream, nats.Context(ctxt))
	if err != nil {
		return 0, err
	}
	return info.State.Msgs, nil
}
