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

package socket

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/alwitt/presence/common"
	"github.com/alwitt/presence/transport"
)

// Endpoint the resolved connection target
type Endpoint struct {
	// Origin scheme and host of the server
	Origin *url.URL
	// Namespace Socket.IO namespace to join
	Namespace string
	// Path Engine.IO endpoint path
	Path string
	// Transports permitted transports in preference order
	Transports []string
}

// String human readable form
func (e Endpoint) String() string {
	return fmt.Sprintf(
		"%s%s (namespace %s, transports %s)",
		e.Origin.String(), e.Path, e.Namespace, strings.Join(e.Transports, ","),
	)
}

// ParseTransports parse a comma separated transport list
//
// Only "polling" and "websocket" are kept, duplicates are dropped and order is preserved.
// An empty result falls back to polling only.
func ParseTransports(raw string) []string {
	result := []string{}
	seen := map[string]bool{}
	for _, one := range strings.Split(raw, ",") {
		one = strings.ToLower(strings.TrimSpace(one))
		if one != transport.TransportPolling && one != transport.TransportWebsocket {
			continue
		}
		if seen[one] {
			continue
		}
		seen[one] = true
		result = append(result, one)
	}
	if len(result) == 0 {
		result = append(result, transport.TransportPolling)
	}
	return result
}

// originSchemes accepted URL schemes, and the HTTP scheme each maps to
var originSchemes = map[string]string{
	"http": "http", "https": "https", "ws": "http", "wss": "https",
}

// absoluteOrigin extract scheme and host from an absolute http(s) or ws(s) URL
//
// The origin always carries the HTTP scheme, since the handshake starts over HTTP.
func absoluteOrigin(raw string) (*url.URL, bool) {
	if raw == "" {
		return nil, false
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return nil, false
	}
	scheme, ok := originSchemes[strings.ToLower(parsed.Scheme)]
	if !ok {
		return nil, false
	}
	return &url.URL{Scheme: scheme, Host: parsed.Host}, true
}

// ResolveTarget resolve where the connection goes
//
// Origin: explicit socket URL, else the API base URL's origin when it is absolute, else the
// page origin. Namespace: explicit override, else the socket URL path, else "/".
func ResolveTarget(config common.SocketConfig) (Endpoint, error) {
	result := Endpoint{
		Namespace:  DefaultNamespace,
		Path:       config.Path,
		Transports: ParseTransports(config.Transports),
	}
	if result.Path == "" {
		result.Path = "/socket.io/"
	}

	if config.URL != "" {
		origin, ok := absoluteOrigin(config.URL)
		if !ok {
			return Endpoint{}, fmt.Errorf("socket URL '%s' is not an absolute http(s) or ws(s) URL", config.URL)
		}
		result.Origin = origin
		parsed, _ := url.Parse(config.URL)
		if path := strings.TrimRight(parsed.Path, "/"); path != "" {
			result.Namespace = path
		}
	} else if origin, ok := absoluteOrigin(config.APIBaseURL); ok {
		result.Origin = origin
	} else if origin, ok := absoluteOrigin(config.PageOrigin); ok {
		result.Origin = origin
	} else {
		return Endpoint{}, fmt.Errorf("unable to resolve socket origin")
	}

	if config.Namespace != "" {
		result.Namespace = config.Namespace
	}
	return result, nil
}
