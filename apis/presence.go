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

package apis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/presence/common"
	"github.com/alwitt/presence/management"
	"github.com/alwitt/presence/metrics"
	"github.com/alwitt/presence/presence"
	"github.com/alwitt/presence/socket"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// SnapshotSource where the current presence snapshot is read from
type SnapshotSource interface {
	Snapshot() presence.Snapshot
}

// APIRestPresenceHandler REST handler for the presence gateway
type APIRestPresenceHandler struct {
	goutils.RestAPIHandler
	manager     socket.Manager
	current     SnapshotSource
	metrics     *metrics.Collector
	history     management.SnapshotHistory
	baseContext context.Context
}

// GetAPIRestPresenceHandler define APIRestPresenceHandler
//
// The collector and the snapshot history are optional.
func GetAPIRestPresenceHandler(
	baseContext context.Context,
	manager socket.Manager,
	current SnapshotSource,
	collector *metrics.Collector,
	history management.SnapshotHistory,
	httpConfig *common.HTTPConfig,
) (APIRestPresenceHandler, error) {
	if manager == nil || current == nil {
		return APIRestPresenceHandler{}, fmt.Errorf("presence handler needs a manager and a snapshot source")
	}
	logTags := log.Fields{
		"module":    "rest",
		"component": "presence",
	}
	return APIRestPresenceHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		manager:        manager,
		current:        current,
		metrics:        collector,
		history:        history,
		baseContext:    baseContext,
	}, nil
}

// APIRestRespPresence response carrying one presence snapshot
type APIRestRespPresence struct {
	goutils.RestAPIBaseResponse
	// Presence the presence snapshot
	Presence presence.Snapshot `json:"presence"`
}

// APIRestRespPresenceHistory response describing the retained snapshot history
type APIRestRespPresenceHistory struct {
	goutils.RestAPIBaseResponse
	// Retained number of snapshots currently retained
	Retained uint64 `json:"retained"`
	// Latest the most recently relayed message, if any
	Latest json.RawMessage `json:"latest,omitempty"`
}

// =======================================================================
// Presence query

// -----------------------------------------------------------------------

// GetPresence godoc
// @Summary Query current presence
// @Description Query the presence snapshot held by the gateway
// @tags Presence
// @Produce json
// @Param Presence-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespPresence "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Presence-Request-ID "Request ID to match against logs"
// @Router /v1/presence [get]
func (h APIRestPresenceHandler) GetPresence(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespPresence{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Presence:            h.current.Snapshot(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetPresenceHandler Wrapper around GetPresence
func (h APIRestPresenceHandler) GetPresenceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetPresence(w, r)
	}
}

// -----------------------------------------------------------------------

// StreamPresence godoc
// @Summary Stream presence changes
// @Description Stream newline delimited presence snapshots, starting with the current one.
// @Description Every stream holds its own aggregator on the shared connection.
// @tags Presence
// @Produce json
// @Param Presence-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespPresence "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Presence-Request-ID "Request ID to match against logs"
// @Router /v1/presence/stream [get]
func (h APIRestPresenceHandler) StreamPresence(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	replyError := func(err error, msg string) {
		log.WithError(err).WithFields(localLogTags).Error(msg)
		if err := h.WriteRESTResponse(
			w,
			http.StatusInternalServerError,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error()),
			nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		replyError(fmt.Errorf("response writer can't flush"), "Streaming not supported")
		return
	}

	// Streams outlive the server write timeout
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		log.WithError(err).WithFields(localLogTags).Debug("Unable to lift write deadline")
	}

	aggregator, err := presence.NewAggregator(h.manager, nil, false)
	if err != nil {
		replyError(err, "Unable to define aggregator")
		return
	}
	defer func() {
		if err := aggregator.Close(); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to close aggregator")
		}
	}()

	// Only the latest pending snapshot matters to a slow reader
	var pendingLock sync.Mutex
	var pending *presence.Snapshot
	changed := make(chan struct{}, 1)
	unsubscribe := aggregator.Subscribe(func(snapshot presence.Snapshot) {
		pendingLock.Lock()
		pending = &snapshot
		pendingLock.Unlock()
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	if err := aggregator.SetEnabled(true); err != nil {
		replyError(err, "Unable to start aggregator")
		return
	}

	if h.metrics != nil {
		h.metrics.StreamOpened()
		defer h.metrics.StreamClosed()
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	reqID := h.ReadRequestIDFromContext(r.Context())
	if reqID != "" && h.CallRequestIDHeaderField != nil && *h.CallRequestIDHeaderField != "" {
		w.Header().Set(*h.CallRequestIDHeaderField, reqID)
	}
	w.WriteHeader(http.StatusOK)

	var last *presence.Snapshot
	send := func(snapshot presence.Snapshot) error {
		if last != nil && last.Equal(snapshot) {
			return nil
		}
		resp := APIRestRespPresence{
			RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
			Presence:            snapshot,
		}
		serialize, err := json.Marshal(&resp)
		if err != nil {
			return err
		}
		written, err := fmt.Fprintf(w, "%s\n", serialize)
		writeFlusher.Flush()
		if err != nil {
			return err
		}
		last = &snapshot
		log.WithFields(localLogTags).Debugf("Written %dB", written)
		return nil
	}

	if err := send(aggregator.Snapshot()); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to transmit snapshot")
		return
	}
	for {
		select {
		case <-h.baseContext.Done():
			log.WithFields(localLogTags).Info("Terminating presence stream on server stop")
			return
		case <-r.Context().Done():
			log.WithFields(localLogTags).Info("Terminating presence stream on request end")
			return
		case <-changed:
			pendingLock.Lock()
			next := pending
			pending = nil
			pendingLock.Unlock()
			if next == nil {
				continue
			}
			if err := send(*next); err != nil {
				log.WithError(err).WithFields(localLogTags).Error("Failed to transmit snapshot")
				return
			}
		}
	}
}

// StreamPresenceHandler Wrapper around StreamPresence
func (h APIRestPresenceHandler) StreamPresenceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StreamPresence(w, r)
	}
}

// =======================================================================
// Event emit

// -----------------------------------------------------------------------

// EmitEvent godoc
// @Summary Emit an event
// @Description Emit an application event on the shared connection. The optional body is a
// @Description JSON array of event arguments. Events are buffered while disconnected.
// @tags Presence
// @Accept json
// @Produce json
// @Param Presence-Request-ID header string false "User provided request ID to match against logs"
// @Param eventName path string true "Event name"
// @Param args body []interface{} false "Event arguments"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Presence-Request-ID "Request ID to match against logs"
// @Router /v1/emit/{eventName} [post]
func (h APIRestPresenceHandler) EmitEvent(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	eventName, ok := mux.Vars(r)["eventName"]
	if !ok || eventName == "" {
		msg := "No event name provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		msg := "Unable to read request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	args := []interface{}{}
	if len(body) > 0 {
		var parsed []json.RawMessage
		if err := json.Unmarshal(body, &parsed); err != nil {
			msg := "Event arguments must be a JSON array"
			log.WithError(err).WithFields(localLogTags).Error(msg)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
			return
		}
		for _, arg := range parsed {
			args = append(args, arg)
		}
	}

	if err := h.manager.Emit(eventName, args...); err != nil {
		msg := fmt.Sprintf("Unable to emit '%s'", eventName)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		if errors.Is(err, socket.ErrReservedEvent) {
			respCode = http.StatusBadRequest
		}
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// EmitEventHandler Wrapper around EmitEvent
func (h APIRestPresenceHandler) EmitEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.EmitEvent(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// GetPresenceHistory godoc
// @Summary Query relayed snapshot history
// @Description Query how many relayed snapshots are retained, and the latest one
// @tags Presence
// @Produce json
// @Param Presence-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespPresenceHistory "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,404,500 {string} Presence-Request-ID "Request ID to match against logs"
// @Router /v1/presence/history [get]
func (h APIRestPresenceHandler) GetPresenceHistory(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.history == nil {
		msg := "Snapshot history is not enabled"
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg)
		return
	}

	retained, err := h.history.Count(r.Context())
	if err != nil {
		msg := "Unable to read snapshot history"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	resp := APIRestRespPresenceHistory{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Retained:            retained,
	}
	if retained > 0 {
		latest, err := h.history.Latest(r.Context())
		if err != nil {
			msg := "Unable to read latest snapshot"
			log.WithError(err).WithFields(localLogTags).Error(msg)
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusInternalServerError, msg, err.Error(),
			)
			return
		}
		if json.Valid(latest.Data) {
			resp.Latest = json.RawMessage(latest.Data)
		}
	}
	respCode = http.StatusOK
	respBody = resp
}

// GetPresenceHistoryHandler Wrapper around GetPresenceHistory
func (h APIRestPresenceHandler) GetPresenceHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetPresenceHistory(w, r)
	}
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For gateway REST API liveness check
// @Description Will return success to indicate gateway REST API module is live
// @tags Presence
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestPresenceHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestPresenceHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For gateway REST API readiness check
// @Description Will return success once the presence connection is established
// @tags Presence
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestPresenceHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.manager.IsConnected() {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		detail := fmt.Sprintf("connection is %s", h.manager.State())
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, detail)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestPresenceHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
