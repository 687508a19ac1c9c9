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

// Package enginetest provides an in-process Engine.IO v4 server for tests.
package enginetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/presence/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Options server behavior
type Options struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	// AllowUpgrade advertise the websocket upgrade to polling clients
	AllowUpgrade bool
	// SuppressPings never send heartbeat pings
	SuppressPings bool
	// RejectHandshake answer every handshake with this status when non-zero
	RejectHandshake int
}

// MessageHandler called for every message packet received from a client
type MessageHandler func(server *Server, sid string, data string)

// session server side state of one client session
type session struct {
	sid       string
	lock      sync.Mutex
	queue     []transport.Packet
	notify    chan struct{}
	ws        *websocket.Conn
	wsLock    sync.Mutex
	upgraded  bool
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) finish() {
	s.closeOnce.Do(func() {
		s.lock.Lock()
		s.closed = true
		s.lock.Unlock()
		close(s.done)
	})
}

// Server in-process Engine.IO server
type Server struct {
	opts      Options
	http      *httptest.Server
	upgrader  websocket.Upgrader
	lock      sync.Mutex
	sessions  map[string]*session
	onMessage MessageHandler
	handshake int
}

// NewServer start a new server
func NewServer(opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = time.Millisecond * 200
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = time.Millisecond * 200
	}
	s := &Server{
		opts:     opts,
		sessions: make(map[string]*session),
	}
	s.http = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// URL base URL of the server
func (s *Server) URL() string {
	return s.http.URL
}

// Close stop the server and drop every session
func (s *Server) Close() {
	s.lock.Lock()
	for _, one := range s.sessions {
		one.finish()
		one.wsLock.Lock()
		if one.ws != nil {
			_ = one.ws.Close()
		}
		one.wsLock.Unlock()
	}
	s.sessions = make(map[string]*session)
	s.lock.Unlock()
	s.http.CloseClientConnections()
	s.http.Close()
}

// OnMessage install the handler for client messages
func (s *Server) OnMessage(handler MessageHandler) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.onMessage = handler
}

// Handshakes number of handshakes served
func (s *Server) Handshakes() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.handshake
}

// SessionIDs IDs of the open sessions
func (s *Server) SessionIDs() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	ids := []string{}
	for sid, one := range s.sessions {
		one.lock.Lock()
		if !one.closed {
			ids = append(ids, sid)
		}
		one.lock.Unlock()
	}
	return ids
}

// Transport the transport currently used by a session
func (s *Server) Transport(sid string) string {
	one := s.get(sid)
	if one == nil {
		return ""
	}
	one.lock.Lock()
	defer one.lock.Unlock()
	if one.upgraded {
		return transport.TransportWebsocket
	}
	return transport.TransportPolling
}

// Send send a message packet to one session
func (s *Server) Send(sid string, data string) error {
	one := s.get(sid)
	if one == nil {
		return fmt.Errorf("unknown session %s", sid)
	}
	return s.push(one, transport.Packet{Type: transport.PacketMessage, Data: data})
}

// Broadcast send a message packet to every session
func (s *Server) Broadcast(data string) {
	for _, sid := range s.SessionIDs() {
		_ = s.Send(sid, data)
	}
}

// Disconnect close a session from the server side
func (s *Server) Disconnect(sid string) error {
	one := s.get(sid)
	if one == nil {
		return fmt.Errorf("unknown session %s", sid)
	}
	err := s.push(one, transport.Packet{Type: transport.PacketClose})
	// Let a pending poll pick up the close packet
	time.AfterFunc(time.Millisecond*50, func() { s.drop(one) })
	return err
}

// Drop abruptly forget a session without telling the client
func (s *Server) Drop(sid string) {
	if one := s.get(sid); one != nil {
		s.drop(one)
	}
}

func (s *Server) drop(one *session) {
	s.lock.Lock()
	delete(s.sessions, one.sid)
	s.lock.Unlock()
	one.finish()
	one.wsLock.Lock()
	if one.ws != nil {
		_ = one.ws.Close()
	}
	one.wsLock.Unlock()
}

func (s *Server) get(sid string) *session {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.sessions[sid]
}

// push deliver a packet over the session's current transport
func (s *Server) push(one *session, pkt transport.Packet) error {
	one.lock.Lock()
	if one.closed {
		one.lock.Unlock()
		return fmt.Errorf("session %s closed", one.sid)
	}
	if one.upgraded {
		one.lock.Unlock()
		one.wsLock.Lock()
		defer one.wsLock.Unlock()
		return one.ws.WriteMessage(websocket.TextMessage, []byte(pkt.Encode()))
	}
	one.queue = append(one.queue, pkt)
	one.lock.Unlock()
	select {
	case one.notify <- struct{}{}:
	default:
	}
	return nil
}

// openPacket the open packet for a new session
func (s *Server) openPacket(sid string, upgrades []string) transport.Packet {
	params, _ := json.Marshal(transport.OpenParams{
		SID:          sid,
		Upgrades:     upgrades,
		PingInterval: s.opts.PingInterval.Milliseconds(),
		PingTimeout:  s.opts.PingTimeout.Milliseconds(),
		MaxPayload:   1000000,
	})
	return transport.Packet{Type: transport.PacketOpen, Data: string(params)}
}

// newSession register a new session, optionally already bound to a websocket
func (s *Server) newSession(ws *websocket.Conn) *session {
	one := &session{
		sid:      uuid.New().String(),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		ws:       ws,
		upgraded: ws != nil,
	}
	s.lock.Lock()
	s.sessions[one.sid] = one
	s.handshake++
	s.lock.Unlock()
	if !s.opts.SuppressPings {
		go s.pinger(one)
	}
	return one
}

func (s *Server) pinger(one *session) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-one.done:
			return
		case <-ticker.C:
			if err := s.push(one, transport.Packet{Type: transport.PacketPing}); err != nil {
				return
			}
		}
	}
}

// handlePacket process one packet from a client
func (s *Server) handlePacket(one *session, pkt transport.Packet) {
	switch pkt.Type {
	case transport.PacketMessage:
		s.lock.Lock()
		handler := s.onMessage
		s.lock.Unlock()
		if handler != nil {
			handler(s, one.sid, pkt.Data)
		}
	case transport.PacketClose:
		s.drop(one)
	}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("EIO") != transport.ProtocolVersion {
		http.Error(w, "unsupported protocol version", http.StatusBadRequest)
		return
	}
	if s.opts.RejectHandshake != 0 && query.Get("sid") == "" {
		s.lock.Lock()
		s.handshake++
		s.lock.Unlock()
		http.Error(w, "rejected", s.opts.RejectHandshake)
		return
	}
	switch query.Get("transport") {
	case transport.TransportPolling:
		s.servePolling(w, r, query.Get("sid"))
	case transport.TransportWebsocket:
		s.serveWebsocket(w, r, query.Get("sid"))
	default:
		http.Error(w, "unknown transport", http.StatusBadRequest)
	}
}

func (s *Server) servePolling(w http.ResponseWriter, r *http.Request, sid string) {
	if sid == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "bad handshake method", http.StatusBadRequest)
			return
		}
		upgrades := []string{}
		if s.opts.AllowUpgrade {
			upgrades = append(upgrades, transport.TransportWebsocket)
		}
		one := s.newSession(nil)
		_, _ = io.WriteString(w, s.openPacket(one.sid, upgrades).Encode())
		return
	}
	one := s.get(sid)
	if one == nil {
		http.Error(w, "unknown session", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
		select {
		case <-one.notify:
		case <-one.done:
		case <-r.Context().Done():
			return
		case <-time.After(s.opts.PingInterval + s.opts.PingTimeout):
		}
		one.lock.Lock()
		packets := one.queue
		one.queue = nil
		closed := one.closed
		one.lock.Unlock()
		if len(packets) == 0 {
			if closed {
				packets = []transport.Packet{{Type: transport.PacketClose}}
			} else {
				packets = []transport.Packet{{Type: transport.PacketNoop}}
			}
		}
		_, _ = io.WriteString(w, transport.EncodePayload(packets))
	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		packets, _ := transport.DecodePayload(string(body))
		for _, pkt := range packets {
			s.handlePacket(one, pkt)
		}
		_, _ = io.WriteString(w, "ok")
	default:
		http.Error(w, "bad method", http.StatusMethodNotAllowed)
	}
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request, sid string) {
	var one *session
	if sid != "" {
		if one = s.get(sid); one == nil {
			http.Error(w, "unknown session", http.StatusBadRequest)
			return
		}
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if one == nil {
		one = s.newSession(conn)
		one.wsLock.Lock()
		err := conn.WriteMessage(websocket.TextMessage, []byte(s.openPacket(one.sid, nil).Encode()))
		one.wsLock.Unlock()
		if err != nil {
			s.drop(one)
			return
		}
	} else if !s.probe(one, conn) {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.drop(one)
			return
		}
		pkt, err := transport.DecodePacket(string(data))
		if err != nil {
			continue
		}
		s.handlePacket(one, pkt)
	}
}

// probe run the server side of the upgrade exchange
func (s *Server) probe(one *session, conn *websocket.Conn) bool {
	_, data, err := conn.ReadMessage()
	if err != nil || string(data) != "2probe" {
		return false
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("3probe")); err != nil {
		return false
	}
	// Flush the pending poll so the client can pause polling
	_ = s.push(one, transport.Packet{Type: transport.PacketNoop})
	_, data, err = conn.ReadMessage()
	if err != nil || !strings.HasPrefix(string(data), "5") {
		return false
	}
	one.wsLock.Lock()
	defer one.wsLock.Unlock()
	one.lock.Lock()
	pending := one.queue
	one.queue = nil
	one.ws = conn
	one.upgraded = true
	one.lock.Unlock()
	for _, pkt := range pending {
		if pkt.Type == transport.PacketNoop {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(pkt.Encode())); err != nil {
			return false
		}
	}
	return true
}
