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

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/alwitt/presence/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

// Supported transport names
const (
	TransportPolling   = "polling"
	TransportWebsocket = "websocket"
)

// Close reasons reported through SessionHandlers.OnClose
const (
	ReasonTransportClose = "transport close"
	ReasonTransportError = "transport error"
	ReasonPingTimeout    = "ping timeout"
)

// ErrSessionClosed the session is no longer usable
var ErrSessionClosed = errors.New("session closed")

// Target where and how to open an Engine.IO session
type Target struct {
	// Origin scheme and host of the server
	Origin *url.URL
	// Path Engine.IO endpoint path
	Path string
	// Transports ordered list of permitted transports. The first entry is used to open the
	// session; the session is upgraded to websocket when that is also listed.
	Transports []string
	// Header extra headers sent with every HTTP request and the websocket handshake
	Header http.Header
	// HTTPClient client used for long-polling. Defaults to a plain http.Client.
	HTTPClient *http.Client
	// Dialer websocket dialer. Defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// SessionHandlers callbacks invoked by a session from its reader goroutines
type SessionHandlers struct {
	// OnMessage called for every message packet in arrival order
	OnMessage func(data string)
	// OnClose called once when the session ends without Close being called
	OnClose func(reason string, err error)
}

// Session an open Engine.IO session
type Session interface {
	// ID the session ID assigned by the server
	ID() string
	// Transport name of the transport currently carrying the session
	Transport() string
	// Send send one message packet
	Send(ctxt context.Context, data string) error
	// Close close the session. SessionHandlers.OnClose is not called.
	Close() error
}

// Opener opens Engine.IO sessions
type Opener interface {
	// Open perform the handshake and start the session. ctxt bounds the handshake only.
	Open(ctxt context.Context, target Target, handlers SessionHandlers) (Session, error)
}

// engineOpener implements Opener
type engineOpener struct {
	common.Component
	validate *validator.Validate
}

// GetOpener define a new Engine.IO session opener
func GetOpener(logTags log.Fields) (Opener, error) {
	return &engineOpener{
		Component: common.Component{LogTags: logTags},
		validate:  validator.New(),
	}, nil
}

// carrier one transport able to carry packets for a session
type carrier interface {
	name() string
	send(ctxt context.Context, packets []Packet) error
	close()
}

// engineSession implements Session
type engineSession struct {
	common.Component
	target     Target
	handlers   SessionHandlers
	params     OpenParams
	operation  context.Context
	cancel     context.CancelFunc
	lock       sync.Mutex
	active     carrier
	closed     bool
	watchdog   *time.Timer
	writeLock  sync.Mutex
	httpClient *http.Client
	dialer     *websocket.Dialer
}

func contains(list []string, value string) bool {
	for _, one := range list {
		if one == value {
			return true
		}
	}
	return false
}

// Open perform the handshake and start the session
func (o *engineOpener) Open(
	ctxt context.Context, target Target, handlers SessionHandlers,
) (Session, error) {
	if target.Origin == nil {
		return nil, fmt.Errorf("target origin not defined")
	}
	if len(target.Transports) == 0 {
		target.Transports = []string{TransportPolling}
	}
	for _, one := range target.Transports {
		if one != TransportPolling && one != TransportWebsocket {
			return nil, fmt.Errorf("unsupported transport '%s'", one)
		}
	}
	if handlers.OnMessage == nil {
		handlers.OnMessage = func(string) {}
	}
	if handlers.OnClose == nil {
		handlers.OnClose = func(string, error) {}
	}

	operation, cancel := context.WithCancel(context.Background())
	session := &engineSession{
		Component:  common.Component{LogTags: o.CopyLogTags(log.Fields{"origin": target.Origin.Host})},
		target:     target,
		handlers:   handlers,
		operation:  operation,
		cancel:     cancel,
		httpClient: target.HTTPClient,
		dialer:     target.Dialer,
	}
	if session.httpClient == nil {
		session.httpClient = &http.Client{}
	}
	if session.dialer == nil {
		session.dialer = websocket.DefaultDialer
	}

	var err error
	if target.Transports[0] == TransportWebsocket {
		err = session.openWebsocket(ctxt, o.validate)
	} else {
		err = session.openPolling(ctxt, o.validate)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	return session, nil
}

// endpoint build the Engine.IO endpoint URL for a transport
func (s *engineSession) endpoint(transport string, sid string) *url.URL {
	target := *s.target.Origin
	target.Path = s.target.Path
	target.RawQuery = ""
	target.Fragment = ""
	if transport == TransportWebsocket {
		if target.Scheme == "https" {
			target.Scheme = "wss"
		} else {
			target.Scheme = "ws"
		}
	}
	query := url.Values{}
	query.Set("EIO", ProtocolVersion)
	query.Set("transport", transport)
	if sid != "" {
		query.Set("sid", sid)
	}
	if transport == TransportPolling {
		query.Set("t", strconv.FormatInt(time.Now().UnixNano(), 36))
	}
	target.RawQuery = query.Encode()
	return &target
}

// parseOpen process the open packet which starts every session
func (s *engineSession) parseOpen(pkt Packet, validate *validator.Validate) error {
	if pkt.Type != PacketOpen {
		return fmt.Errorf("expected open packet, got %s", pkt.Type)
	}
	if err := json.Unmarshal([]byte(pkt.Data), &s.params); err != nil {
		return fmt.Errorf("unable to parse open packet: %w", err)
	}
	if err := validate.Struct(&s.params); err != nil {
		return fmt.Errorf("invalid open packet: %w", err)
	}
	s.LogTags["sid"] = s.params.SID
	log.WithFields(s.LogTags).Debugf(
		"Session opened (ping interval %dms, timeout %dms, upgrades %v)",
		s.params.PingInterval, s.params.PingTimeout, s.params.Upgrades,
	)
	return nil
}

// heartbeatWindow how long the session tolerates no ping from the server
func (s *engineSession) heartbeatWindow() time.Duration {
	return time.Duration(s.params.PingInterval+s.params.PingTimeout) * time.Millisecond
}

// startWatchdog arm the ping watchdog
func (s *engineSession) startWatchdog() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.watchdog = time.AfterFunc(s.heartbeatWindow(), func() {
		s.terminate(ReasonPingTimeout, nil)
	})
}

// resetWatchdog push the ping watchdog deadline out
func (s *engineSession) resetWatchdog() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.watchdog != nil && !s.closed {
		s.watchdog.Reset(s.heartbeatWindow())
	}
}

// handlePacket process one packet received on the active transport
func (s *engineSession) handlePacket(pkt Packet) {
	switch pkt.Type {
	case PacketPing:
		s.resetWatchdog()
		ctxt, cancel := context.WithTimeout(s.operation, s.heartbeatWindow())
		defer cancel()
		if err := s.sendPackets(ctxt, []Packet{{Type: PacketPong, Data: pkt.Data}}); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failed to send pong")
		}
	case PacketMessage:
		s.handlers.OnMessage(pkt.Data)
	case PacketClose:
		s.terminate(ReasonTransportClose, nil)
	case PacketNoop, PacketPong, PacketUpgrade:
	default:
		log.WithFields(s.LogTags).Debugf("Ignoring unexpected %s packet", pkt.Type)
	}
}

// currentCarrier the transport currently carrying the session
func (s *engineSession) currentCarrier() (carrier, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return s.active, nil
}

// writeActive write packets on the active transport
func (s *engineSession) writeActive(ctxt context.Context, packets []Packet) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	active, err := s.currentCarrier()
	if err != nil {
		return err
	}
	if err := active.send(ctxt, packets); err != nil {
		if s.operation.Err() != nil {
			return ErrSessionClosed
		}
		return err
	}
	return nil
}

// sendPackets write packets, ending the session if the transport failed
func (s *engineSession) sendPackets(ctxt context.Context, packets []Packet) error {
	err := s.writeActive(ctxt, packets)
	if err != nil && !errors.Is(err, ErrSessionClosed) && ctxt.Err() == nil {
		s.terminate(ReasonTransportError, err)
	}
	return err
}

// terminate end the session because of a remote or transport event
func (s *engineSession) terminate(reason string, err error) {
	if !s.shutdown() {
		return
	}
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Infof("Session closed: %s", reason)
	} else {
		log.WithFields(s.LogTags).Infof("Session closed: %s", reason)
	}
	s.handlers.OnClose(reason, err)
}

// shutdown release all session resources. Returns false if already shut down.
func (s *engineSession) shutdown() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	s.cancel()
	if s.active != nil {
		s.active.close()
	}
	return true
}

// ID the session ID assigned by the server
func (s *engineSession) ID() string {
	return s.params.SID
}

// Transport name of the transport currently carrying the session
func (s *engineSession) Transport() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.name()
}

// Send send one message packet
func (s *engineSession) Send(ctxt context.Context, data string) error {
	return s.sendPackets(ctxt, []Packet{{Type: PacketMessage, Data: data}})
}

// Close close the session
func (s *engineSession) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	active := s.active
	s.lock.Unlock()

	if active != nil {
		ctxt, cancel := context.WithTimeout(s.operation, time.Second)
		// Best effort, the server notices the transport going away regardless
		s.writeLock.Lock()
		_ = active.send(ctxt, []Packet{{Type: PacketClose}})
		s.writeLock.Unlock()
		cancel()
		active.close()
	}
	s.cancel()
	log.WithFields(s.LogTags).Info("Session closed by client")
	return nil
}
