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
	"fmt"
	"time"

	"github.com/alwitt/presence/common"
	"github.com/alwitt/presence/socket"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
)

// EmitCLIArgs arguments
type EmitCLIArgs struct {
	// Event the event name to emit
	Event string `validate:"required"`
	// Text the message text
	Text string
	// Timeout max seconds to wait for the connection
	Timeout int `validate:"gte=1"`
}

// GetEmitCLIFlags retrieve the set of CMD flags for the emit command
func GetEmitCLIFlags(args *EmitCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "event",
			Usage:       "Event name to emit",
			Aliases:     []string{"e"},
			EnvVars:     []string{"EMIT_EVENT"},
			Value:       "custom-message",
			DefaultText: "custom-message",
			Destination: &args.Event,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "text",
			Usage:       "Message text sent as {\"text\": ...}",
			Aliases:     []string{"t"},
			EnvVars:     []string{"EMIT_TEXT"},
			Value:       "",
			DefaultText: "",
			Destination: &args.Text,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "timeout",
			Usage:       "Seconds to wait for the connection",
			EnvVars:     []string{"EMIT_TIMEOUT"},
			Value:       30,
			DefaultText: "30",
			Destination: &args.Timeout,
			Required:    false,
		},
	}
}

// customMessage the payload of an emitted message
type customMessage struct {
	Text string `json:"text"`
}

// RunEmit connect, emit one event, and disconnect
func RunEmit(
	runTimeContext context.Context,
	params EmitCLIArgs,
	config common.SocketConfig,
	instance string,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "emit",
		"instance":  instance,
	}

	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}

	manager, err := defineManager(runTimeContext, config, logTags)
	if err != nil {
		return err
	}
	defer closeManager(manager, logTags)

	outcome := make(chan error, 1)
	report := func(err error) {
		select {
		case outcome <- err:
		default:
		}
	}
	if err := manager.On(socket.EventConnect, socket.NewCallback(func(socket.Event) {
		report(nil)
	})); err != nil {
		return err
	}
	if err := manager.On(socket.EventReconnectFailed, socket.NewCallback(func(socket.Event) {
		report(fmt.Errorf("unable to connect to %s", manager.Endpoint()))
	})); err != nil {
		return err
	}
	if err := manager.Connect(); err != nil {
		return err
	}
	defer manager.Disconnect()

	waitCtxt, cancel := context.WithTimeout(runTimeContext, time.Second*time.Duration(params.Timeout))
	defer cancel()
	select {
	case err := <-outcome:
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Connection failed")
			return err
		}
	case <-waitCtxt.Done():
		log.WithError(waitCtxt.Err()).WithFields(logTags).Error("Connection not established in time")
		return waitCtxt.Err()
	}

	if err := manager.Emit(params.Event, customMessage{Text: params.Text}); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Emit of '%s' failed", params.Event)
		return err
	}
	log.WithFields(logTags).Infof("Emitted '%s'", params.Event)
	return nil
}
