// Copyright 2026 The driverbroker Authors
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
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/driverbroker/broker"
	"github.com/alwitt/driverbroker/common"
	"github.com/alwitt/driverbroker/dispatch"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// ReadinessCheck reports whether a dependency of the broker is ready
type ReadinessCheck func() error

// APIRestBrokerHandler REST handler for the driver broker
type APIRestBrokerHandler struct {
	goutils.RestAPIHandler
	service     broker.Service
	readiness   []ReadinessCheck
	validate    *validator.Validate
	upgrader    websocket.Upgrader
	baseContext context.Context
	wg          *sync.WaitGroup
}

// GetAPIRestBrokerHandler define APIRestBrokerHandler
func GetAPIRestBrokerHandler(
	baseContext context.Context,
	service broker.Service,
	httpConfig *common.HTTPConfig,
	readiness []ReadinessCheck,
	wg *sync.WaitGroup,
) (APIRestBrokerHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "driver-broker",
	}
	validate, err := common.GetValidator()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define validator")
		return APIRestBrokerHandler{}, err
	}
	return APIRestBrokerHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		service:   service,
		readiness: readiness,
		validate:  validate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Drivers are not browsers
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		baseContext: baseContext,
		wg:          wg,
	}, nil
}

// errorResponse standard error body for a broker error
func (h APIRestBrokerHandler) errorResponse(
	ctxt context.Context, err error, msg string,
) (int, APIRestBaseResponse) {
	code := errorStatusCode(err)
	return code, APIRestBaseResponse{
		RestAPIBaseResponse: h.GetStdRESTErrorMsg(ctxt, code, msg, err.Error()),
		ErrorType:           common.ErrorType(err),
	}
}

// successResponse standard success body
func (h APIRestBrokerHandler) successResponse(ctxt context.Context) APIRestBaseResponse {
	return APIRestBaseResponse{RestAPIBaseResponse: h.GetStdRESTSuccessMsg(ctxt)}
}

// readIdentity read and validate the driver identity path parameter
func (h APIRestBrokerHandler) readIdentity(r *http.Request) (string, error) {
	identity, ok := mux.Vars(r)["identity"]
	if !ok {
		return "", fmt.Errorf("no driver identity provided: %w", common.ErrInvalidArgument)
	}
	if err := common.ValidateIdentity(identity, h.validate); err != nil {
		return "", err
	}
	return identity, nil
}

// readDriverCredentials read the driver identity and its bearer token
func (h APIRestBrokerHandler) readDriverCredentials(r *http.Request) (string, string, error) {
	identity, err := h.readIdentity(r)
	if err != nil {
		return "", "", err
	}
	token, err := readBearerToken(r)
	if err != nil {
		return "", "", err
	}
	return identity, token, nil
}

// =======================================================================
// Driver registration

// -----------------------------------------------------------------------

// APIRestReqRegisterDriver driver registration request
type APIRestReqRegisterDriver struct {
	// Identity driver identity
	Identity string `json:"identity" validate:"required,max=128,driver_identity"`
	// Schema opaque driver schema, Base64 encoded on the wire
	Schema []byte `json:"schema,omitempty"`
	// Operations operation names the driver supports
	Operations []string `json:"operations" validate:"dive,required,max=128"`
}

// APIRestRespRegisterDriver driver registration response
type APIRestRespRegisterDriver struct {
	APIRestBaseResponse
	// Token session token for the driver
	Token string `json:"token,omitempty"`
}

// RegisterDriver godoc
// @Summary Register a driver
// @Description Register a driver with its schema and supported operations. Returns the
// session token the driver must present on every driver call.
// @tags Driver
// @Accept json
// @Produce json
// @Param Driverbroker-Request-ID header string false "User provided request ID to match against logs"
// @Param driver body APIRestReqRegisterDriver true "Driver registration"
// @Success 200 {object} APIRestRespRegisterDriver "success"
// @Failure 400 {object} APIRestBaseResponse "error"
// @Failure 409 {object} APIRestBaseResponse "error"
// @Failure 500 {object} APIRestBaseResponse "error"
// @Header 200,400,409,500 {string} Driverbroker-Request-ID "Request ID to match against logs"
// @Router /v1/driver [post]
func (h APIRestBrokerHandler) RegisterDriver(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var params APIRestReqRegisterDriver
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.errorResponse(
			r.Context(), fmt.Errorf("%s: %w", err.Error(), common.ErrInvalidArgument), msg,
		)
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Invalid driver registration"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.errorResponse(
			r.Context(), fmt.Errorf("%s: %w", err.Error(), common.ErrInvalidArgument), msg,
		)
		return
	}

	token, err := h.service.Register(r.Context(), params.Identity, params.Schema, params.Operations)
	if err != nil {
		msg := fmt.Sprintf("Unable to register driver '%s'", params.Identity)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.errorResponse(r.Context(), err, msg)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespRegisterDriver{
		APIRestBaseResponse: h.successResponse(r.Context()), Token: token,
	}
}

// RegisterDriverHandler Wrapper around RegisterDriver
func (h APIRestBrokerHandler) RegisterDriverHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.RegisterDriver(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespDriverList list of registered drivers
type APIRestRespDriverList struct {
	APIRestBaseResponse
	// Drivers driver identities in registration order
	Drivers []string `json:"drivers"`
}

// ListDrivers godoc
// @Summary List drivers
// @Description List the registered drivers in registration order
// @tags Driver
// @Produce json
// @Param Driverbroker-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespDriverList "success"
// @Failure 500 {object} APIRestBaseResponse "error"
// @Header 200,500 {string} Driverbroker-Request-ID "Request ID to match against logs"
// @Router /v1/driver [get]
func (h APIRestBrokerHandler) ListDrivers(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	drivers, err := h.service.List(r.Context())
	if err != nil {
		msg := "Unable to list drivers"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.errorResponse(r.Context(), err, msg)
		return
	}
	if drivers == nil {
		drivers = []string{}
	}
	respCode = http.StatusOK
	respBody = APIRestRespDriverList{
		APIRestBaseResponse: h.successResponse(r.Context()), Drivers: drivers,
	}
}

// ListDriversHandler Wrapper around ListDrivers
func (h APIRestBrokerHandler) ListDriversHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListDrivers(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespDriverInfo one driver's description
type APIRestRespDriverInfo struct {
	APIRestBaseResponse
	// Driver the driver's description
	Driver *broker.DriverInfo `json:"driver,omitempty"`
}

// GetDriver godoc
// @Summary Describe a driver
// @Description Query the schema, operations, state, and session details of one driver
// @tags Driver
// @Produce json
// @Param Driverbroker-Request-ID header string false "User provided request ID to match against logs"
// @Param identity path string true "Driver identity"
// @Success 200 {object} APIRestRespDriverInfo "success"
// @Failure 400 {object} APIRestBaseResponse "error"
// @Failure 404 {object} APIRestBaseResponse "error"
// @Failure 500 {object} APIRestBaseResponse "error"
// @Header 200,400,404,500 {string} Driverbroker-Request-ID "Request ID to match against logs"
// @Router /v1/driver/{identity} [get]
func (h APIRestBrokerHandler) GetDriver(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	identity, err := h.readIdentity(r)
	if err != nil {
		msg := "Invalid driver identity"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.errorResponse(r.Context(), err, msg)
		return
	}

	info, err := h.service.Info(r.Context(), identity)
	if err != nil {
		msg := fmt.Sprintf("Unable to describe driver '%s'", identity)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.errorResponse(r.Context(), err, msg)
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespDriverInfo{
		APIRestBaseResponse: h.successResponse(r.Context()), Driver: &info,
	}
}

// GetDriverHandler Wrapper around GetDriver
func (h APIRestBrokerHandler) GetDriverHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetDriver(w, r)
	}
}

// -----------------------------------------------------------------------

// DisconnectDriver godoc
// @Summary Disconnect a driver
// @Description End the driver's session and remove it from the broker
// @tags Driver
// @Produce json
// @Param Driverbroker-Request-ID header string false "User provided request ID to match against logs"
// @Param Authorization header string true "Bearer <session token>"
// @Param identity path string true "Driver identity"
// @Success 200 {object} APIRestBaseResponse "success"
// @Failure 401 {object} APIRestBaseResponse "error"
// @Failure 404 {object} APIRestBaseResponse "error"
// @Failure 500 {object} APIRestBaseResponse "error"
// @Header 200,401,404,500 {string} Driverbroker-Request-ID "Request ID to match against logs"
// @Router /v1/driver/{identity} [delete]
func (h APIRestBrokerHandler) DisconnectDriver(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	identity, token, err := h.readDriverCredentials(r)
	if err != nil {
		msg := "Invalid driver credentials"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.errorResponse(r.Context(), err, msg)
		return
	}

	if err := h.service.Disconnect(r.Context(), identity, token); err != nil {
		msg := fmt.Sprintf("Unable to disconnect driver '%s'", identity)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.errorResponse(r.Context(), err, msg)
		return
	}
	respCode = http.StatusOK
	respBody = h.successResponse(r.Context())
}

// DisconnectDriverHandler Wrapper around DisconnectDriver
func (h APIRestBrokerHandler) DisconnectDriverHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DisconnectDriver(w, r)
	}
}

// -----------------------------------------------------------------------

// Heartbeat godoc
// @Summary Driver heartbeat
// @Description Keep the driver's session alive for another heartbeat window
// @tags Driver
// @Produce json
// @Param Driverbroker-Request-ID header string false "User provided request ID to match against logs"
// @Param Authorization header string true "Bearer <session token>"
// @Param identity path string true "Driver identity"
// @Success 200 {object} APIRestBaseResponse "success"
// @Failure 401 {object} APIRestBaseResponse "error"
// @Failure 404 {object} APIRestBaseResponse "error"
// @Failure 500 {object} APIRestBaseResponse "error"
// @Header 200,401,404,500 {string} Driverbroker-Request-ID "Request ID to match against logs"
// @Router /v1/driver/{identity}/heartbeat [post]
func (h APIRestBrokerHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	identity, token, err := h.readDriverCredentials(r)
	if err != nil {
		msg := "Invalid driver credentials"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.errorResponse(r.Context(), err, msg)
		return
	}

	if err := h.service.Heartbeat(r.Context(), identity, token); err != nil {
		msg := fmt.Sprintf("Heartbeat from '%s' rejected", identity)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.errorResponse(r.Context(), err, msg)
		return
	}
	respCode = http.StatusOK
	respBody = h.successResponse(r.Context())
}

// HeartbeatHandler Wrapper around Heartbeat
func (h APIRestBrokerHandler) HeartbeatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Heartbeat(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestReqUpdateState driver state update request
type APIRestReqUpdateState struct {
	// State opaque state snapshot, Base64 encoded on the wire
	State []byte `json:"state"`
}

// UpdateState godoc
// @Summary Update driver state
// @Description Replace the driver's state snapshot
// @tags Driver
// @Accept json
// @Produce json
// @Param Driverbroker-Request-ID header string false "User provided request ID to match against logs"
// @Param Authorization header string true "Bearer <session token>"
// @Param identity path string true "Driver identity"
// @Param state body APIRestReqUpdateState true "New state snapshot"
// @Success 200 {object} APIRestBaseResponse "success"
// @Failure 400 {object} APIRestBaseResponse "error"
// @Failure 401 {object} APIRestBaseResponse "error"
// @Failure 404 {object} APIRestBaseResponse "error"
// @Failure 500 {object} APIRestBaseResponse "error"
// @Header 200,400,401,404,500 {string} Driverbroker-Request-ID "Request ID to match against logs"
// @Router /v1/driver/{identity}/state [put]
func (h APIRestBrokerHandler) UpdateState(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	identity, token, err := h.readDriverCredentials(r)
	if err != nil {
		msg := "Invalid driver credentials"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.errorResponse(r.Context(), err, msg)
		return
	}

	var params APIRestReqUpdateState
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.errorResponse(
			r.Context(), fmt.Errorf("%s: %w", err.Error(), common.ErrInvalidArgument), msg,
		)
		return
	}

	if err := h.service.Update(r.Context(), identity, token, params.State); err != nil {
		msg := fmt.Sprintf("Unable to update state of '%s'", identity)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.errorResponse(r.Context(), err, msg)
		return
	}
	respCode = http.StatusOK
	respBody = h.successResponse(r.Context())
}

// UpdateStateHandler Wrapper around UpdateState
func (h APIRestBrokerHandler) UpdateStateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.UpdateState(w, r)
	}
}

// =======================================================================
// Operation dispatch

// -----------------------------------------------------------------------

// APIRestReqDispatch operation dispatch request
type APIRestReqDispatch struct {
	// Operation operation name
	Operation string `json:"operation" validate:"required,max=128"`
}

// APIRestRespDispatch operation dispatch response
type APIRestRespDispatch struct {
	APIRestBaseResponse
	// Receipt dispatch result
	Receipt *broker.DispatchReceipt `json:"receipt,omitempty"`
}

// DispatchOperation godoc
// @Summary Dispatch an operation
// @Description Send an operation to a driver. Succeeds with outcome "no_subscriber" when the
// driver has no open subscription; the operation is not kept for later.
// @tags Dispatch
// @Accept json
// @Produce json
// @Param Driverbroker-Request-ID header string false "User provided request ID to match against logs"
// @Param identity path string true "Driver identity"
// @Param operation body APIRestReqDispatch true "Operation to dispatch"
// @Success 200 {object} APIRestRespDispatch "success"
// @Failure 400 {object} APIRestRespDispatch "error"
// @Failure 404 {object} APIRestRespDispatch "error"
// @Failure 429 {object} APIRestRespDispatch "error"
// @Failure 500 {object} APIRestBaseResponse "error"
// @Header 200,400,404,429,500 {string} Driverbroker-Request-ID "Request ID to match against logs"
// @Router /v1/driver/{identity}/operation [post]
func (h APIRestBrokerHandler) DispatchOperation(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	identity, err := h.readIdentity(r)
	if err != nil {
		msg := "Invalid driver identity"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.errorResponse(r.Context(), err, msg)
		return
	}

	var params APIRestReqDispatch
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.errorResponse(
			r.Context(), fmt.Errorf("%s: %w", err.Error(), common.ErrInvalidArgument), msg,
		)
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Invalid dispatch request"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.errorResponse(
			r.Context(), fmt.Errorf("%s: %w", err.Error(), common.ErrInvalidArgument), msg,
		)
		return
	}

	receipt, err := h.service.Dispatch(r.Context(), identity, params.Operation)
	if err != nil {
		msg := fmt.Sprintf("Unable to dispatch '%s' to '%s'", params.Operation, identity)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		var errBody APIRestBaseResponse
		respCode, errBody = h.errorResponse(r.Context(), err, msg)
		respBody = APIRestRespDispatch{APIRestBaseResponse: errBody, Receipt: &receipt}
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespDispatch{
		APIRestBaseResponse: h.successResponse(r.Context()), Receipt: &receipt,
	}
}

// DispatchOperationHandler Wrapper around DispatchOperation
func (h APIRestBrokerHandler) DispatchOperationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DispatchOperation(w, r)
	}
}

// =======================================================================
// Operation subscription

// -----------------------------------------------------------------------

// APIRestRespOperation one line of a subscription stream
type APIRestRespOperation struct {
	APIRestBaseResponse
	// Operation operation delivered to the driver
	Operation *dispatch.OperationRequest `json:"operation,omitempty"`
	// Closed set on the final message, ErrorType then carries the close reason
	Closed bool `json:"closed,omitempty"`
}

// closeMessage final stream message reporting why the subscription ended
func (h APIRestBrokerHandler) closeMessage(ctxt context.Context, reason error) APIRestRespOperation {
	return APIRestRespOperation{
		APIRestBaseResponse: APIRestBaseResponse{
			RestAPIBaseResponse: h.GetStdRESTErrorMsg(
				ctxt, http.StatusGone, "Subscription closed", reason.Error(),
			),
			ErrorType: common.ErrorType(reason),
		},
		Closed: true,
	}
}

// openSubscription validate the caller and attach a new subscription
func (h APIRestBrokerHandler) openSubscription(r *http.Request) (dispatch.Delivery, error) {
	identity, token, err := h.readDriverCredentials(r)
	if err != nil {
		return nil, err
	}
	return h.service.Subscribe(r.Context(), identity, token)
}

// streamContext context ending with either the request or the server
func (h APIRestBrokerHandler) streamContext(parent context.Context) (context.Context, func()) {
	ctxt, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(h.baseContext, cancel)
	return ctxt, func() {
		stop()
		cancel()
	}
}

// Subscribe godoc
// @Summary Open a driver's operation stream
// @Description Long lived NDJSON stream delivering one operation per line in dispatch order.
// The final line reports why the stream closed (superseded, evicted, disconnected,
// reregistered, broker_shutdown).
// @tags Dispatch
// @Produce json
// @Param Driverbroker-Request-ID header string false "User provided request ID to match against logs"
// @Param Authorization header string true "Bearer <session token>"
// @Param identity path string true "Driver identity"
// @Success 200 {object} APIRestRespOperation "success"
// @Failure 400 {object} APIRestBaseResponse "error"
// @Failure 401 {object} APIRestBaseResponse "error"
// @Failure 404 {object} APIRestBaseResponse "error"
// @Failure 500 {object} APIRestBaseResponse "error"
// @Header 200,400,401,404,500 {string} Driverbroker-Request-ID "Request ID to match against logs"
// @Router /v1/driver/{identity}/subscribe [get]
func (h APIRestBrokerHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		return
	}

	delivery, err := h.openSubscription(r)
	if err != nil {
		msg := "Unable to open subscription"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.errorResponse(r.Context(), err, msg)
		return
	}
	defer func() {
		_ = delivery.Close()
	}()

	logTags := localLogTags
	logTags["driver"] = delivery.Identity()
	logTags["subscription"] = delivery.ID()

	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "application/x-ndjson")
	if h.CallRequestIDHeaderField != nil {
		w.Header().Set(*h.CallRequestIDHeaderField, h.ReadRequestIDFromContext(r.Context()))
	}
	w.WriteHeader(http.StatusOK)
	writeFlusher.Flush()
	log.WithFields(logTags).Info("Subscription stream opened")

	streamCtxt, cancel := h.streamContext(r.Context())
	defer cancel()
	respCode = http.StatusOK
	for {
		op, err := delivery.Next(streamCtxt)
		if err != nil {
			switch {
			case r.Context().Err() != nil:
				log.WithFields(logTags).Info("Terminating subscription on request end")
				respBody = h.successResponse(r.Context())
			case h.baseContext.Err() != nil:
				log.WithFields(logTags).Info("Terminating subscription on server stop")
				respBody = h.closeMessage(r.Context(), common.ErrBrokerShutdown)
			default:
				log.WithError(err).WithFields(logTags).Info("Subscription closed by broker")
				respBody = h.closeMessage(r.Context(), err)
			}
			break
		}
		resp := APIRestRespOperation{
			APIRestBaseResponse: APIRestBaseResponse{
				RestAPIBaseResponse: goutils.RestAPIBaseResponse{
					Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
				},
			},
			Operation: &op,
		}
		serialize, err := json.Marshal(&resp)
		if err != nil {
			msg := "Failed to serialize operation for transmission"
			log.WithError(err).WithFields(logTags).Error(msg)
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
			break
		}
		written, err := fmt.Fprintf(w, "%s\n", serialize)
		writeFlusher.Flush()
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to transmit operation")
			respBody = h.successResponse(r.Context())
			break
		}
		log.WithFields(logTags).Debugf("Sent %s (%dB)", op.String(), written)
	}
}

// SubscribeHandler Wrapper around Subscribe
func (h APIRestBrokerHandler) SubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Subscribe(w, r)
	}
}

// -----------------------------------------------------------------------

// websocketCloseCode WebSocket close code for a subscription close reason
func websocketCloseCode(reason error) int {
	if errors.Is(reason, common.ErrBrokerShutdown) {
		return websocket.CloseGoingAway
	}
	return websocket.CloseNormalClosure
}

// SubscribeWebSocket godoc
// @Summary Open a driver's operation stream over WebSocket
// @Description Same as the NDJSON stream, with one JSON text frame per operation. The close
// frame's reason text carries the close reason.
// @tags Dispatch
// @Param Driverbroker-Request-ID header string false "User provided request ID to match against logs"
// @Param Authorization header string true "Bearer <session token>"
// @Param identity path string true "Driver identity"
// @Success 101 {object} APIRestRespOperation "success"
// @Failure 400 {object} APIRestBaseResponse "error"
// @Failure 401 {object} APIRestBaseResponse "error"
// @Failure 404 {object} APIRestBaseResponse "error"
// @Router /v1/driver/{identity}/subscribe/ws [get]
func (h APIRestBrokerHandler) SubscribeWebSocket(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	delivery, err := h.openSubscription(r)
	if err != nil {
		msg := "Unable to open subscription"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody := h.errorResponse(r.Context(), err, msg)
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}
	defer func() {
		_ = delivery.Close()
	}()

	logTags := localLogTags
	logTags["driver"] = delivery.Identity()
	logTags["subscription"] = delivery.ID()

	var upgradeHeader http.Header
	if h.CallRequestIDHeaderField != nil {
		upgradeHeader = http.Header{}
		upgradeHeader.Set(*h.CallRequestIDHeaderField, h.ReadRequestIDFromContext(r.Context()))
	}
	conn, err := h.upgrader.Upgrade(w, r, upgradeHeader)
	if err != nil {
		// Upgrade already replied to the caller
		log.WithError(err).WithFields(logTags).Error("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	log.WithFields(logTags).Info("WebSocket subscription opened")

	streamCtxt, cancel := h.streamContext(r.Context())
	defer cancel()

	// Drain inbound frames so control frames get processed and peer close is detected
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cancel()
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var reason error
	for {
		op, err := delivery.Next(streamCtxt)
		if err != nil {
			if h.baseContext.Err() != nil {
				reason = common.ErrBrokerShutdown
			} else if streamCtxt.Err() == nil {
				reason = err
			}
			break
		}
		resp := APIRestRespOperation{
			APIRestBaseResponse: APIRestBaseResponse{
				RestAPIBaseResponse: goutils.RestAPIBaseResponse{
					Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
				},
			},
			Operation: &op,
		}
		if err := conn.WriteJSON(&resp); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to transmit operation")
			return
		}
		log.WithFields(logTags).Debugf("Sent %s", op.String())
	}

	if reason == nil {
		log.WithFields(logTags).Info("WebSocket closed by peer")
		return
	}
	log.WithError(reason).WithFields(logTags).Info("Subscription closed by broker")
	if err := conn.WriteJSON(h.closeMessage(r.Context(), reason)); err != nil {
		log.WithError(err).WithFields(logTags).Debug("Unable to send close message")
		return
	}
	if err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocketCloseCode(reason), common.ErrorType(reason)),
		time.Now().Add(time.Second),
	); err != nil {
		log.WithError(err).WithFields(logTags).Debug("Unable to send close frame")
	}
}

// SubscribeWebSocketHandler Wrapper around SubscribeWebSocket
func (h APIRestBrokerHandler) SubscribeWebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.SubscribeWebSocket(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For broker REST API liveness check
// @Description Will return success to indicate broker REST API module is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestBrokerHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestBrokerHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For broker REST API readiness check
// @Description Will return success if the broker and its messaging link are ready for use
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestBrokerHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.baseContext.Err() != nil {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, common.ErrBrokerShutdown.Error(),
		)
		return
	}
	for _, check := range h.readiness {
		if err := check(); err != nil {
			log.WithError(err).WithFields(localLogTags).Warn("Readiness check failed")
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
			return
		}
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestBrokerHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
