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

	"github.com/alwitt/presence/common"
	"github.com/alwitt/presence/console"
	"github.com/alwitt/presence/presence"
	"github.com/apex/log"
)

// RunWatchConsole show a live presence badge for the configured target
func RunWatchConsole(
	runTimeContext context.Context, config common.SocketConfig, instance string,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "watch",
		"instance":  instance,
	}

	manager, err := defineManager(runTimeContext, config, logTags)
	if err != nil {
		return err
	}
	defer closeManager(manager, logTags)

	aggregator, err := presence.NewAggregator(manager, nil, true)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define aggregator")
		return err
	}
	defer func() {
		if err := aggregator.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to close aggregator")
		}
	}()

	return console.Run(runTimeContext, manager.Endpoint().String(), aggregator)
}
