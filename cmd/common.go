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
	"github.com/alwitt/presence/socket"
	"github.com/alwitt/presence/transport"
	"github.com/apex/log"
)

// defineManager define the connection manager for the configured target
func defineManager(
	ctxt context.Context, config common.SocketConfig, logTags log.Fields,
) (socket.Manager, error) {
	opener, err := transport.GetOpener(logTags)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define transport opener")
		return nil, err
	}
	manager, err := socket.GetManager(ctxt, config, opener)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection manager")
		return nil, err
	}
	log.WithFields(logTags).Infof("Presence target %s", manager.Endpoint())
	return manager, nil
}

// closeManager close the connection manager, logging failures
func closeManager(manager socket.Manager, logTags log.Fields) {
	if err := manager.Close(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to close connection manager")
	}
}
