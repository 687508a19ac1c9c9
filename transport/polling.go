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
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// pollingCarrier HTTP long-polling transport
type pollingCarrier struct {
	session *engineSession
	sid     string
	lock    sync.Mutex
	paused  bool
	// stopped closed once the poll loop exits
	stopped chan struct{}
}

func (c *pollingCarrier) name() string {
	return TransportPolling
}

// newRequest build a request against the polling endpoint
func (c *pollingCarrier) newRequest(
	ctxt context.Context, method string, body io.Reader,
) (*http.Request, error) {
	target := c.session.endpoint(TransportPolling, c.sid)
	req, err := http.NewRequestWithContext(ctxt, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	for key, values := range c.session.target.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	}
	return req, nil
}

// poll execute one long-polling GET
func (c *pollingCarrier) poll(ctxt context.Context) ([]Packet, error) {
	req, err := c.newRequest(ctxt, http.MethodGet, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.session.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(
			"poll failed with %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)),
		)
	}
	packets, err := DecodePayload(string(payload))
	if err != nil {
		log.WithError(err).WithFields(c.session.LogTags).Error("Dropped undecodable packets")
	}
	return packets, nil
}

// send POST packets to the server
func (c *pollingCarrier) send(ctxt context.Context, packets []Packet) error {
	req, err := c.newRequest(ctxt, http.MethodPost, strings.NewReader(EncodePayload(packets)))
	if err != nil {
		return err
	}
	resp, err := c.session.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("post failed with %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *pollingCarrier) close() {
	c.pause()
}

// pause stop issuing new polls once the current one completes
func (c *pollingCarrier) pause() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.paused = true
}

func (c *pollingCarrier) isPaused() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.paused
}

// openPolling perform the handshake over long-polling
func (s *engineSession) openPolling(ctxt context.Context, validate *validator.Validate) error {
	poller := &pollingCarrier{session: s, stopped: make(chan struct{})}
	packets, err := poller.poll(ctxt)
	if err != nil {
		return fmt.Errorf("polling handshake failed: %w", err)
	}
	if len(packets) == 0 {
		return fmt.Errorf("polling handshake returned no packets")
	}
	if err := s.parseOpen(packets[0], validate); err != nil {
		return err
	}
	poller.sid = s.params.SID
	s.lock.Lock()
	s.active = poller
	s.lock.Unlock()
	s.startWatchdog()

	go s.pollLoop(poller, packets[1:])

	if contains(s.target.Transports, TransportWebsocket) &&
		contains(s.params.Upgrades, TransportWebsocket) {
		go s.upgrade(poller)
	}
	return nil
}

// pollLoop repeatedly poll the server until paused or the session ends
func (s *engineSession) pollLoop(poller *pollingCarrier, pending []Packet) {
	defer close(poller.stopped)
	for _, pkt := range pending {
		s.handlePacket(pkt)
	}
	for {
		if poller.isPaused() || s.operation.Err() != nil {
			return
		}
		packets, err := poller.poll(s.operation)
		if err != nil {
			if s.operation.Err() == nil {
				s.terminate(ReasonTransportError, err)
			}
			return
		}
		for _, pkt := range packets {
			s.handlePacket(pkt)
		}
	}
}
