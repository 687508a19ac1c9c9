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
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/presence/common"
	"github.com/alwitt/presence/core"
	"github.com/alwitt/presence/management"
	"github.com/alwitt/presence/presence"
	"github.com/apex/log"
)

// SnapshotSource where relayed snapshots come from
type SnapshotSource interface {
	Snapshot() presence.Snapshot
	Subscribe(observer presence.ObserverCB) func()
}

// PublishRecorder records publish outcomes
type PublishRecorder interface {
	RecordRelayPublish(sink string, err error)
}

// Params relay parameters
type Params struct {
	// Source identifies this relay instance in published messages
	Source string
	// Snapshots the snapshot source
	Snapshots SnapshotSource
	// Publishers the sinks
	Publishers []Publisher
	// Heartbeat period for republishing the current snapshot. Zero disables it.
	Heartbeat time.Duration
	// PublishTimeout max time one sink publish may take
	PublishTimeout time.Duration
	// Recorder optional publish outcome recorder
	Recorder PublishRecorder
}

// publishRequest one snapshot to publish
type publishRequest struct {
	snapshot presence.Snapshot
	trigger  string
}

// Relay republishes presence snapshots to external sinks
type Relay struct {
	common.Component
	params      Params
	operation   context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	tasks       common.TaskProcessor
	timer       common.IntervalTimer
	unsubscribe func()

	// latest unpublished change, coalesced while the publish loop is busy
	pendingLock sync.Mutex
	pending     *presence.Snapshot
	changed     chan struct{}
}

// GetRelay define a new relay
func GetRelay(ctxt context.Context, params Params) (*Relay, error) {
	if params.Snapshots == nil {
		return nil, fmt.Errorf("relay requires a snapshot source")
	}
	if len(params.Publishers) == 0 {
		return nil, fmt.Errorf("relay requires at least one publisher")
	}
	if params.PublishTimeout <= 0 {
		params.PublishTimeout = time.Second * 5
	}
	logTags := log.Fields{"module": "relay", "component": "relay", "instance": params.Source}
	operation, cancel := context.WithCancel(ctxt)
	instance := &Relay{
		Component: common.Component{LogTags: logTags},
		params:    params,
		operation: operation,
		cancel:    cancel,
		changed:   make(chan struct{}, 1),
	}
	tasks, err := common.GetNewTaskProcessorInstance(operation, "relay", 64)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := tasks.AddToTaskExecutionMap(
		reflect.TypeOf(publishRequest{}), instance.publish,
	); err != nil {
		cancel()
		return nil, err
	}
	timer, err := common.GetIntervalTimerInstance(
		operation, &instance.wg, instance.CopyLogTags(log.Fields{"task": "heartbeat"}),
	)
	if err != nil {
		cancel()
		return nil, err
	}
	instance.tasks = tasks
	instance.timer = timer
	return instance, nil
}

// Start start relaying
func (r *Relay) Start() error {
	if err := r.tasks.StartEventLoop(&r.wg); err != nil {
		return err
	}
	r.wg.Add(1)
	go r.forwardChanges()
	// Observers run on the connection's dispatch goroutine, so never block here.
	r.unsubscribe = r.params.Snapshots.Subscribe(func(snapshot presence.Snapshot) {
		r.pendingLock.Lock()
		r.pending = &snapshot
		r.pendingLock.Unlock()
		select {
		case r.changed <- struct{}{}:
		default:
		}
	})
	if r.params.Heartbeat > 0 {
		if err := r.timer.Start(r.params.Heartbeat, func() error {
			return r.enqueue(r.params.Snapshots.Snapshot(), "heartbeat")
		}, false); err != nil {
			return err
		}
	}
	log.WithFields(r.LogTags).Infof("Relaying to %d sinks", len(r.params.Publishers))
	return r.enqueue(r.params.Snapshots.Snapshot(), "start")
}

// Stop stop relaying and close every sink
func (r *Relay) Stop(ctxt context.Context) error {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	_ = r.timer.Stop()
	_ = r.tasks.StopEventLoop()
	r.cancel()
	r.wg.Wait()
	var firstErr error
	for _, publisher := range r.params.Publishers {
		if err := publisher.Close(ctxt); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Closing %s sink failed", publisher.Name())
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// forwardChanges hand the latest pending change to the publish loop
func (r *Relay) forwardChanges() {
	defer r.wg.Done()
	for {
		select {
		case <-r.operation.Done():
			return
		case <-r.changed:
		}
		r.pendingLock.Lock()
		snapshot := r.pending
		r.pending = nil
		r.pendingLock.Unlock()
		if snapshot == nil {
			continue
		}
		if err := r.enqueue(*snapshot, "change"); err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Dropped snapshot change")
		}
	}
}

// enqueue hand a snapshot to the publish loop
func (r *Relay) enqueue(snapshot presence.Snapshot, trigger string) error {
	ctxt, cancel := context.WithTimeout(r.operation, time.Second)
	defer cancel()
	return r.tasks.Submit(ctxt, publishRequest{snapshot: snapshot, trigger: trigger})
}

// publish send one snapshot to every sink
func (r *Relay) publish(param interface{}) error {
	request, ok := param.(publishRequest)
	if !ok {
		return fmt.Errorf("unexpected publish param %s", reflect.TypeOf(param))
	}
	msg := Message{
		Presence:    request.snapshot,
		Source:      r.params.Source,
		PublishedAt: time.Now().UTC(),
	}
	var firstErr error
	for _, publisher := range r.params.Publishers {
		ctxt, cancel := context.WithTimeout(r.operation, r.params.PublishTimeout)
		err := publisher.Publish(ctxt, msg)
		cancel()
		if r.params.Recorder != nil {
			r.params.Recorder.RecordRelayPublish(publisher.Name(), err)
		}
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Publish (%s) to %s failed", request.trigger, publisher.Name(),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		log.WithFields(r.LogTags).Debugf("Published (%s) to %s", request.trigger, publisher.Name())
	}
	return firstErr
}

// BuildPublishers define the sinks named in the relay config
//
// The snapshot history is returned when the NATS sink retains one, otherwise it is nil.
func BuildPublishers(
	ctxt context.Context, config common.RelayConfig,
) ([]Publisher, management.SnapshotHistory, error) {
	publishers := []Publisher{}
	var history management.SnapshotHistory
	if config.NATS != nil {
		client, err := core.GetNatsClient(core.ConnectParamsFromConfig(*config.NATS))
		if err != nil {
			return nil, nil, err
		}
		sink, err := GetNATSPublisher(client, config.NATS.Subject)
		if err != nil {
			client.Close(ctxt)
			return nil, nil, err
		}
		if config.NATS.History != nil {
			history, err = management.GetSnapshotHistory(
				client, management.HistoryParamFromConfig(config.NATS.Subject, *config.NATS.History),
			)
			if err == nil {
				err = history.Ensure(ctxt)
			}
			if err != nil {
				client.Close(ctxt)
				return nil, nil, err
			}
		}
		publishers = append(publishers, sink)
	}
	if config.Redis != nil {
		sink, err := GetRedisPublisher(ctxt, *config.Redis)
		if err != nil {
			for _, one := range publishers {
				_ = one.Close(ctxt)
			}
			return nil, nil, err
		}
		publishers = append(publishers, sink)
	}
	return publishers, history, nil
}
