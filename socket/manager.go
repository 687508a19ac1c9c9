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
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/presence/common"
	"github.com/alwitt/presence/transport"
	"github.com/apex/log"
	"github.com/cenkalti/backoff/v5"
)

// ErrManagerClosed the manager was closed
var ErrManagerClosed = errors.New("connection manager closed")

// ErrReservedEvent the event name is reserved for lifecycle events
var ErrReservedEvent = errors.New("reserved event name")

// ConnState state of the managed connection
type ConnState int

// Connection states
const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

// String human readable state
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Manager owns the single streaming connection and fans its events out to listeners
type Manager interface {
	// Connect take a hold on the connection, opening it if none is live
	Connect() error
	// Disconnect release a hold. The connection is torn down and every listener is
	// dropped once no holds remain.
	Disconnect()
	// On register a listener for an event, opening the connection if none is live
	On(event string, listener Listener) error
	// Off unregister listeners of an event, or all of them when none are given
	Off(event string, listeners ...Listener)
	// Emit send an event upstream. Emits are buffered while not connected.
	Emit(event string, args ...interface{}) error
	// IsConnected whether the namespace is currently connected
	IsConnected() bool
	// State current connection state
	State() ConnState
	// Endpoint where the connection goes
	Endpoint() Endpoint
	// Close tear down the connection regardless of holds and stop dispatching
	//
	// Close returns once the dispatch and connection goroutines have exited, so it must not
	// be called from inside a listener.
	Close() error
}

// dispatchTask one event delivery on the dispatch loop
type dispatchTask struct {
	event Event
	// pinned deliver to exactly these listeners without checking the registry
	pinned []Listener
}

// link one Engine.IO session joined to the namespace
type link struct {
	conn    *connection
	session transport.Session
	// joined receives the outcome of the namespace connect
	joined chan error
	// lost receives the reason the link went away after joining
	lost      chan string
	connected bool
	dead      bool
}

// resolve report the namespace connect outcome. Only the first outcome counts.
func (l *link) resolve(err error) {
	select {
	case l.joined <- err:
	default:
	}
}

// connection one connection generation, supervised until torn down or out of budget
type connection struct {
	ctxt   context.Context
	cancel context.CancelFunc
	active *link
}

// managerImpl implements Manager
type managerImpl struct {
	common.Component
	config     common.SocketConfig
	endpoint   Endpoint
	opener     transport.Opener
	registry   *registry
	dispatcher common.TaskProcessor
	operation  context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	lock     sync.Mutex
	holds    int
	conn     *connection
	state    ConnState
	outbox   []Packet
	flushing bool
	closed   bool
}

// GetManager define a new connection manager
func GetManager(
	ctxt context.Context, config common.SocketConfig, opener transport.Opener,
) (Manager, error) {
	endpoint, err := ResolveTarget(config)
	if err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module":    "socket",
		"component": "manager",
		"origin":    endpoint.Origin.Host,
		"namespace": endpoint.Namespace,
	}
	operation, cancel := context.WithCancel(ctxt)
	dispatcher, err := common.GetNewTaskProcessorInstance(operation, "socket-dispatch", 1024)
	if err != nil {
		cancel()
		return nil, err
	}
	instance := &managerImpl{
		Component:  common.Component{LogTags: logTags},
		config:     config,
		endpoint:   endpoint,
		opener:     opener,
		registry:   newRegistry(),
		dispatcher: dispatcher,
		operation:  operation,
		cancel:     cancel,
		state:      StateDisconnected,
	}
	if err := dispatcher.AddToTaskExecutionMap(
		reflect.TypeOf(dispatchTask{}), instance.deliver,
	); err != nil {
		cancel()
		return nil, err
	}
	if err := dispatcher.StartEventLoop(&instance.wg); err != nil {
		cancel()
		return nil, err
	}
	log.WithFields(logTags).Infof("Connection manager targeting %s", endpoint)
	return instance, nil
}

// ===============================================================================
// Dispatch

// deliver invoke the listeners for one event on the dispatch loop
func (m *managerImpl) deliver(param interface{}) error {
	task, ok := param.(dispatchTask)
	if !ok {
		return fmt.Errorf("unexpected dispatch param %s", reflect.TypeOf(param))
	}
	if task.pinned != nil {
		for _, listener := range task.pinned {
			listener.HandleEvent(task.event)
		}
		return nil
	}
	for _, listener := range m.registry.snapshot(task.event.Name) {
		// A listener removed by an earlier invocation must not see this event
		if !m.registry.has(task.event.Name, listener) {
			continue
		}
		listener.HandleEvent(task.event)
	}
	return nil
}

// publish queue an event for delivery
func (m *managerImpl) publish(evt Event) {
	if err := m.dispatcher.Submit(m.operation, dispatchTask{event: evt}); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to dispatch '%s'", evt.Name)
	}
}

// ===============================================================================
// Public API

// Connect take a hold on the connection, opening it if none is live
func (m *managerImpl) Connect() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	m.holds++
	m.ensureConnectionLocked()
	return nil
}

// Disconnect release a hold
func (m *managerImpl) Disconnect() {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.holds > 0 {
		m.holds--
	}
	if m.holds > 0 {
		return
	}
	m.teardownLocked()
}

// On register a listener for an event
func (m *managerImpl) On(event string, listener Listener) error {
	if listener == nil {
		return fmt.Errorf("nil listener for '%s'", event)
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	m.registry.add(event, listener)
	m.ensureConnectionLocked()
	return nil
}

// Off unregister listeners of an event
func (m *managerImpl) Off(event string, listeners ...Listener) {
	m.registry.remove(event, listeners...)
}

// Emit send an event upstream
func (m *managerImpl) Emit(event string, args ...interface{}) error {
	if reservedEvents[event] {
		return fmt.Errorf("%w: %s", ErrReservedEvent, event)
	}
	pkt, err := encodeEvent(m.endpoint.Namespace, event, args)
	if err != nil {
		return err
	}

	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return ErrManagerClosed
	}
	if m.state == StateConnected && !m.flushing && m.conn != nil && m.conn.active != nil {
		active := m.conn.active
		m.lock.Unlock()
		if err := m.send(active, pkt); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf("Emit of '%s' failed, buffering", event)
			m.lock.Lock()
			m.bufferLocked(pkt)
			m.lock.Unlock()
		}
		return nil
	}
	m.bufferLocked(pkt)
	m.ensureConnectionLocked()
	m.lock.Unlock()
	return nil
}

// IsConnected whether the namespace is currently connected
func (m *managerImpl) IsConnected() bool {
	return m.State() == StateConnected
}

// State current connection state
func (m *managerImpl) State() ConnState {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.state
}

// Endpoint where the connection goes
func (m *managerImpl) Endpoint() Endpoint {
	return m.endpoint
}

// Close tear down the connection regardless of holds, stop dispatching, and wait for the
// manager goroutines to exit
func (m *managerImpl) Close() error {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return nil
	}
	m.closed = true
	m.holds = 0
	m.teardownLocked()
	m.lock.Unlock()
	m.cancel()
	err := m.dispatcher.StopEventLoop()
	m.wg.Wait()
	return err
}

// ===============================================================================
// Connection lifecycle

// ensureConnectionLocked start a connection generation if none is live
func (m *managerImpl) ensureConnectionLocked() {
	if m.conn != nil {
		return
	}
	ctxt, cancel := context.WithCancel(m.operation)
	conn := &connection{ctxt: ctxt, cancel: cancel}
	m.conn = conn
	m.state = StateConnecting
	m.wg.Add(1)
	go m.supervise(conn)
}

// teardownLocked close the live connection and drop every listener
func (m *managerImpl) teardownLocked() {
	if m.conn == nil {
		m.outbox = nil
		return
	}
	conn := m.conn
	m.conn = nil
	wasConnected := m.state == StateConnected
	m.state = StateDisconnected
	m.outbox = nil
	m.flushing = false
	conn.cancel()

	var session transport.Session
	if conn.active != nil {
		conn.active.dead = true
		session = conn.active.session
	}
	var pinned []Listener
	if wasConnected {
		pinned = m.registry.snapshot(EventDisconnect)
	}
	m.registry.clear()
	log.WithFields(m.LogTags).Info("Connection torn down")

	if len(pinned) > 0 {
		// Bounded so a teardown from inside a listener can't wedge the dispatch loop
		ctxt, cancel := context.WithTimeout(m.operation, time.Millisecond*100)
		defer cancel()
		if err := m.dispatcher.Submit(ctxt, dispatchTask{
			event:  Event{Name: EventDisconnect, Reason: ReasonClientDisconnect},
			pinned: pinned,
		}); err != nil {
			log.WithError(err).WithFields(m.LogTags).Error("Unable to dispatch final disconnect")
		}
	}

	if session != nil {
		go func() {
			ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = session.Send(
				ctxt, Packet{Type: PacketDisconnect, Namespace: m.endpoint.Namespace}.Encode(),
			)
			_ = session.Close()
		}()
	}
}

// live whether a link is still the active link of the live connection
func (m *managerImpl) liveLocked(l *link) bool {
	return !l.dead && m.conn == l.conn && l.conn.active == l
}

// newBackOff the delay policy between reconnect attempts
func (m *managerImpl) newBackOff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Millisecond * time.Duration(m.config.Reconnect.InitialDelay)
	policy.MaxInterval = time.Millisecond * time.Duration(m.config.Reconnect.MaxDelay)
	policy.RandomizationFactor = 0.5
	policy.Multiplier = 2
	policy.Reset()
	return policy
}

// supervise keep one connection generation joined within the reconnect budget
func (m *managerImpl) supervise(conn *connection) {
	defer m.wg.Done()
	logTags := m.CopyLogTags(log.Fields{"task": "supervisor"})
	policy := m.newBackOff()
	failures := 0
	for {
		active, err := m.establish(conn)
		if conn.ctxt.Err() != nil {
			return
		}
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Connect attempt failed")
			m.publish(Event{Name: EventConnectError, Err: err})
		} else {
			var reason string
			select {
			case <-conn.ctxt.Done():
				return
			case reason = <-active.lost:
			}
			if reason == ReasonServerDisconnect {
				log.WithFields(logTags).Info("Server closed the namespace, not reconnecting")
				m.retire(conn, StateDisconnected)
				return
			}
			failures = 0
			policy.Reset()
		}

		failures++
		if failures > m.config.Reconnect.MaxAttempts {
			log.WithFields(logTags).Errorf(
				"Giving up after %d reconnect attempts", m.config.Reconnect.MaxAttempts,
			)
			m.retire(conn, StateDisconnected)
			m.publish(Event{Name: EventReconnectFailed})
			return
		}
		delay := policy.NextBackOff()
		log.WithFields(logTags).Debugf("Reconnect attempt %d in %s", failures, delay)
		select {
		case <-conn.ctxt.Done():
			return
		case <-time.After(delay):
		}
		m.publish(Event{Name: EventReconnectAttempt, Attempt: failures})
	}
}

// retire drop a connection generation which will not reconnect
//
// Holds and listeners survive. The next Connect, On or Emit starts a new generation.
func (m *managerImpl) retire(conn *connection, state ConnState) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.conn != conn {
		return
	}
	m.conn = nil
	m.state = state
	conn.cancel()
}

// establish open a session and join the namespace within the connect timeout
func (m *managerImpl) establish(conn *connection) (*link, error) {
	ctxt, cancel := context.WithTimeout(conn.ctxt, m.config.ConnectTimeoutDuration())
	defer cancel()

	attempt := &link{
		conn:   conn,
		joined: make(chan error, 1),
		lost:   make(chan string, 1),
	}
	m.lock.Lock()
	if m.conn != conn {
		m.lock.Unlock()
		return nil, ErrManagerClosed
	}
	conn.active = attempt
	m.state = StateConnecting
	m.lock.Unlock()

	target := transport.Target{
		Origin:     m.endpoint.Origin,
		Path:       m.endpoint.Path,
		Transports: m.endpoint.Transports,
	}
	session, err := m.opener.Open(ctxt, target, transport.SessionHandlers{
		OnMessage: func(data string) { m.onMessage(attempt, data) },
		OnClose:   func(reason string, err error) { m.onClose(attempt, reason, err) },
	})
	if err != nil {
		m.abandon(attempt, nil)
		return nil, fmt.Errorf("open failed: %w", err)
	}

	m.lock.Lock()
	attempt.session = session
	stale := !m.liveLocked(attempt)
	m.lock.Unlock()
	if stale {
		_ = session.Close()
		return nil, ErrManagerClosed
	}

	join := Packet{Type: PacketConnect, Namespace: m.endpoint.Namespace}
	if err := session.Send(ctxt, join.Encode()); err != nil {
		m.abandon(attempt, session)
		return nil, fmt.Errorf("namespace connect failed: %w", err)
	}

	select {
	case err := <-attempt.joined:
		if err != nil {
			m.abandon(attempt, session)
			return nil, err
		}
		return attempt, nil
	case <-ctxt.Done():
		m.abandon(attempt, session)
		if conn.ctxt.Err() != nil {
			return nil, conn.ctxt.Err()
		}
		return nil, fmt.Errorf("timed out after %s", m.config.ConnectTimeoutDuration())
	}
}

// abandon give up on a link which never joined
func (m *managerImpl) abandon(l *link, session transport.Session) {
	m.lock.Lock()
	l.dead = true
	m.lock.Unlock()
	if session != nil {
		_ = session.Close()
	}
}

// onMessage handle one Socket.IO packet from a link's session
func (m *managerImpl) onMessage(l *link, data string) {
	pkt, err := DecodePacket(data)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Dropped undecodable packet")
		return
	}
	if pkt.Namespace != m.endpoint.Namespace {
		log.WithFields(m.LogTags).Debugf("Ignoring packet for namespace %s", pkt.Namespace)
		return
	}

	switch pkt.Type {
	case PacketConnect:
		m.lock.Lock()
		if !m.liveLocked(l) || l.connected {
			m.lock.Unlock()
			return
		}
		l.connected = true
		m.state = StateConnected
		flush := len(m.outbox) > 0
		m.flushing = flush
		m.lock.Unlock()
		log.WithFields(m.LogTags).Info("Namespace connected")
		m.publish(Event{Name: EventConnect})
		if flush {
			go m.flush(l)
		}
		l.resolve(nil)

	case PacketConnectError:
		m.lock.Lock()
		pending := m.liveLocked(l) && !l.connected
		m.lock.Unlock()
		if pending {
			l.resolve(fmt.Errorf("%s", decodeConnectError(pkt.Data)))
		}

	case PacketDisconnect:
		if m.lose(l, ReasonServerDisconnect) {
			m.lock.Lock()
			session := l.session
			m.lock.Unlock()
			if session != nil {
				go func() { _ = session.Close() }()
			}
		}

	case PacketEvent:
		m.lock.Lock()
		deliverable := m.liveLocked(l) && l.connected
		m.lock.Unlock()
		if !deliverable {
			return
		}
		name, args, err := decodeEvent(pkt.Data)
		if err != nil {
			log.WithError(err).WithFields(m.LogTags).Error("Dropped malformed event")
			return
		}
		m.publish(Event{Name: name, Args: args})

	default:
		log.WithFields(m.LogTags).Debugf("Ignoring packet type %d", pkt.Type)
	}
}

// onClose handle a session ending on its own
func (m *managerImpl) onClose(l *link, reason string, err error) {
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Infof("Session lost: %s", reason)
	}
	if !m.lose(l, reason) {
		// Still joining
		l.resolve(fmt.Errorf("session closed while joining: %s", reason))
	}
}

// lose mark a joined link as gone. Returns false if the link never joined or was already gone.
func (m *managerImpl) lose(l *link, reason string) bool {
	m.lock.Lock()
	if !m.liveLocked(l) || !l.connected {
		m.lock.Unlock()
		return false
	}
	l.dead = true
	m.state = StateConnecting
	m.flushing = false
	m.lock.Unlock()
	log.WithFields(m.LogTags).Infof("Namespace disconnected: %s", reason)
	m.publish(Event{Name: EventDisconnect, Reason: reason})
	l.lost <- reason
	return true
}

// ===============================================================================
// Emit buffering

// bufferLocked hold a packet until connected, dropping the oldest when full
func (m *managerImpl) bufferLocked(pkt Packet) {
	if m.config.EmitBufferSize <= 0 {
		log.WithFields(m.LogTags).Warn("Not connected and emit buffering disabled, dropping emit")
		return
	}
	if len(m.outbox) >= m.config.EmitBufferSize {
		log.WithFields(m.LogTags).Warn("Emit buffer full, dropping oldest")
		m.outbox = m.outbox[1:]
	}
	m.outbox = append(m.outbox, pkt)
}

// send write one packet on a link
func (m *managerImpl) send(l *link, pkt Packet) error {
	m.lock.Lock()
	session := l.session
	m.lock.Unlock()
	if session == nil {
		return transport.ErrSessionClosed
	}
	ctxt, cancel := context.WithTimeout(l.conn.ctxt, m.config.ConnectTimeoutDuration())
	defer cancel()
	return session.Send(ctxt, pkt.Encode())
}

// flush send buffered emits in order on a newly joined link
func (m *managerImpl) flush(l *link) {
	for {
		m.lock.Lock()
		if !m.liveLocked(l) || len(m.outbox) == 0 {
			if m.liveLocked(l) {
				m.flushing = false
			}
			m.lock.Unlock()
			return
		}
		batch := m.outbox
		m.outbox = nil
		m.lock.Unlock()

		for idx, pkt := range batch {
			if err := m.send(l, pkt); err != nil {
				log.WithError(err).WithFields(m.LogTags).Error("Flushing buffered emits failed")
				m.lock.Lock()
				m.outbox = append(batch[idx:], m.outbox...)
				if m.liveLocked(l) {
					m.flushing = false
				}
				m.lock.Unlock()
				return
			}
		}
	}
}
