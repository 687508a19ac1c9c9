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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

// defaultWriteTimeout write deadline when the caller context has none
const defaultWriteTimeout = time.Second * 10

// websocketCarrier websocket transport
type websocketCarrier struct {
	conn      *websocket.Conn
	writeLock sync.Mutex
	closeOnce sync.Once
}

func (c *websocketCarrier) name() string {
	return TransportWebsocket
}

// write send one frame per packet
func (c *websocketCarrier) send(ctxt context.Context, packets []Packet) error {
	deadline, ok := ctxt.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	for _, pkt := range packets {
		if err := c.conn.WriteMessage(websocket.TextMessage, []byte(pkt.Encode())); err != nil {
			return err
		}
	}
	return nil
}

// read read the next packet
func (c *websocketCarrier) read() (Packet, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return Packet{}, err
	}
	if msgType != websocket.TextMessage {
		return Packet{}, ErrBinaryPacket
	}
	return DecodePacket(string(data))
}

func (c *websocketCarrier) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// dial open a websocket against the Engine.IO endpoint
func (s *engineSession) dial(ctxt context.Context, sid string) (*websocketCarrier, error) {
	target := s.endpoint(TransportWebsocket, sid)
	conn, resp, err := s.dialer.DialContext(ctxt, target.String(), s.target.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed with %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return &websocketCarrier{conn: conn}, nil
}

// openWebsocket perform the handshake directly over websocket
func (s *engineSession) openWebsocket(ctxt context.Context, validate *validator.Validate) error {
	ws, err := s.dial(ctxt, "")
	if err != nil {
		return err
	}
	if deadline, ok := ctxt.Deadline(); ok {
		_ = ws.conn.SetReadDeadline(deadline)
	}
	pkt, err := ws.read()
	if err != nil {
		ws.close()
		return fmt.Errorf("websocket handshake failed: %w", err)
	}
	if err := s.parseOpen(pkt, validate); err != nil {
		ws.close()
		return err
	}
	_ = ws.conn.SetReadDeadline(time.Time{})
	s.lock.Lock()
	s.active = ws
	s.lock.Unlock()
	s.startWatchdog()
	go s.readLoop(ws)
	return nil
}

// readLoop read packets off the websocket until it fails or the session ends
func (s *engineSession) readLoop(ws *websocketCarrier) {
	for {
		pkt, err := ws.read()
		if errors.Is(err, ErrBinaryPacket) || errors.Is(err, ErrMalformedPacket) {
			log.WithError(err).WithFields(s.LogTags).Error("Dropped undecodable packet")
			continue
		}
		if err != nil {
			if s.operation.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.terminate(ReasonTransportClose, nil)
			} else {
				s.terminate(ReasonTransportError, err)
			}
			return
		}
		s.handlePacket(pkt)
	}
}

// upgrade move a long-polling session onto a websocket
//
// A failed upgrade leaves the session on long-polling.
func (s *engineSession) upgrade(poller *pollingCarrier) {
	probeTimeout := time.Duration(s.params.PingTimeout) * time.Millisecond
	ctxt, cancel := context.WithTimeout(s.operation, probeTimeout)
	defer cancel()

	ws, err := s.dial(ctxt, s.params.SID)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Upgrade dial failed")
		return
	}
	abandon := func(err error) {
		ws.close()
		if s.operation.Err() == nil {
			log.WithError(err).WithFields(s.LogTags).Error("Upgrade aborted")
		}
	}

	if err := ws.send(ctxt, []Packet{{Type: PacketPing, Data: probeData}}); err != nil {
		abandon(err)
		return
	}
	deadline, _ := ctxt.Deadline()
	_ = ws.conn.SetReadDeadline(deadline)
	reply, err := ws.read()
	if err != nil {
		abandon(err)
		return
	}
	if reply.Type != PacketPong || reply.Data != probeData {
		abandon(fmt.Errorf("unexpected probe reply %s '%s'", reply.Type, reply.Data))
		return
	}
	_ = ws.conn.SetReadDeadline(time.Time{})

	// Let the in-flight poll drain before switching
	poller.pause()
	select {
	case <-poller.stopped:
	case <-ctxt.Done():
		abandon(fmt.Errorf("timed out waiting for polling to pause"))
		if s.operation.Err() == nil {
			s.terminate(ReasonTransportError, ctxt.Err())
		}
		return
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if err := ws.send(ctxt, []Packet{{Type: PacketUpgrade}}); err != nil {
		abandon(err)
		if s.operation.Err() == nil {
			go s.terminate(ReasonTransportError, err)
		}
		return
	}
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		ws.close()
		return
	}
	s.active = ws
	s.lock.Unlock()
	log.WithFields(s.LogTags).Debug("Upgraded to websocket")
	go s.readLoop(ws)
}
