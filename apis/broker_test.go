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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/driverbroker/broker"
	"github.com/alwitt/driverbroker/common"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func defineTestHandler(
	t *testing.T, ctxt context.Context, readiness []ReadinessCheck, wg *sync.WaitGroup,
) (broker.Service, APIRestBrokerHandler) {
	service, err := broker.GetService(
		ctxt,
		common.BrokerConfig{
			HeartbeatWindow:       30,
			DispatchQueueCapacity: 4,
			DispatchRateLimit:     common.DispatchRateLimitConfig{Burst: 1},
		},
		common.GetRealClock(),
		nil,
		nil,
		wg,
	)
	assert.Nil(t, err)
	handler, err := GetAPIRestBrokerHandler(ctxt, service, &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: "Driverbroker-Request-ID"},
	}, readiness, wg)
	assert.Nil(t, err)
	return service, handler
}

type testCaller struct {
	t      *testing.T
	server *httptest.Server
}

func (c testCaller) call(method, path, token string, body interface{}, resp interface{}) int {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		assert.Nil(c.t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.server.URL+path, reader)
	assert.Nil(c.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	result, err := c.server.Client().Do(req)
	assert.Nil(c.t, err)
	defer result.Body.Close()
	if resp != nil {
		assert.Nil(c.t, json.NewDecoder(result.Body).Decode(resp))
	}
	return result.StatusCode
}

func TestBrokerDriverLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())

	_, handler := defineTestHandler(t, utCtxt, nil, &wg)
	server := httptest.NewServer(BuildBrokerRouter(mux.NewRouter(), "/", handler))
	defer server.Close()
	defer utCtxtCancel()
	uut := testCaller{t: t, server: server}

	// Case 0: liveness
	{
		assert.Equal(http.StatusOK, uut.call("GET", "/alive", "", nil, nil))
		assert.Equal(http.StatusOK, uut.call("GET", "/ready", "", nil, nil))
	}

	// Case 1: register
	var token string
	{
		var resp APIRestRespRegisterDriver
		code := uut.call("POST", "/v1/driver", "", APIRestReqRegisterDriver{
			Identity: "pump1", Schema: []byte(`{"rpm":"int"}`), Operations: []string{"start", "stop"},
		}, &resp)
		assert.Equal(http.StatusOK, code)
		assert.True(resp.Success)
		assert.NotEmpty(resp.Token)
		token = resp.Token
	}

	// Case 2: register again while the session is live
	{
		var resp APIRestRespRegisterDriver
		code := uut.call("POST", "/v1/driver", "", APIRestReqRegisterDriver{
			Identity: "pump1", Operations: []string{"start"},
		}, &resp)
		assert.Equal(http.StatusConflict, code)
		assert.False(resp.Success)
		assert.Equal("already_registered", resp.ErrorType)
		assert.Empty(resp.Token)
	}

	// Case 3: invalid identity
	{
		var resp APIRestBaseResponse
		code := uut.call("POST", "/v1/driver", "", APIRestReqRegisterDriver{
			Identity: "pump 1", Operations: []string{"start"},
		}, &resp)
		assert.Equal(http.StatusBadRequest, code)
		assert.Equal("invalid_argument", resp.ErrorType)
	}

	// Case 4: list and describe
	{
		var listResp APIRestRespDriverList
		assert.Equal(http.StatusOK, uut.call("GET", "/v1/driver", "", nil, &listResp))
		assert.Equal([]string{"pump1"}, listResp.Drivers)

		var infoResp APIRestRespDriverInfo
		assert.Equal(http.StatusOK, uut.call("GET", "/v1/driver/pump1", "", nil, &infoResp))
		assert.NotNil(infoResp.Driver)
		assert.Equal("pump1", infoResp.Driver.Identity)
		assert.Equal([]byte(`{"rpm":"int"}`), infoResp.Driver.Schema)
		assert.Equal([]string{"start", "stop"}, infoResp.Driver.Operations)
		assert.False(infoResp.Driver.Subscribed)

		var missing APIRestBaseResponse
		assert.Equal(http.StatusNotFound, uut.call("GET", "/v1/driver/pump2", "", nil, &missing))
		assert.Equal("not_found", missing.ErrorType)
	}

	// Case 5: heartbeat with bad credentials
	{
		var resp APIRestBaseResponse
		assert.Equal(http.StatusUnauthorized, uut.call("POST", "/v1/driver/pump1/heartbeat", "", nil, &resp))
		assert.Equal("invalid_token", resp.ErrorType)
		assert.Equal(
			http.StatusUnauthorized,
			uut.call("POST", "/v1/driver/pump1/heartbeat", "not-the-token", nil, &resp),
		)
		assert.Equal(
			http.StatusNotFound,
			uut.call("POST", "/v1/driver/pump2/heartbeat", token, nil, &resp),
		)
		assert.Equal(http.StatusOK, uut.call("POST", "/v1/driver/pump1/heartbeat", token, nil, &resp))
		assert.True(resp.Success)
	}

	// Case 6: update state
	{
		var resp APIRestBaseResponse
		assert.Equal(http.StatusUnauthorized, uut.call(
			"PUT", "/v1/driver/pump1/state", "not-the-token", APIRestReqUpdateState{State: []byte("x")}, &resp,
		))
		assert.Equal(http.StatusOK, uut.call(
			"PUT", "/v1/driver/pump1/state", token, APIRestReqUpdateState{State: []byte("running")}, &resp,
		))
		var infoResp APIRestRespDriverInfo
		assert.Equal(http.StatusOK, uut.call("GET", "/v1/driver/pump1", "", nil, &infoResp))
		assert.Equal([]byte("running"), infoResp.Driver.State)
		assert.NotNil(infoResp.Driver.StateUpdatedAt)
	}

	// Case 7: dispatch without a subscriber
	{
		var resp APIRestRespDispatch
		code := uut.call("POST", "/v1/driver/pump1/operation", "", APIRestReqDispatch{Operation: "start"}, &resp)
		assert.Equal(http.StatusOK, code)
		assert.True(resp.Success)
		assert.NotNil(resp.Receipt)
		assert.Equal(broker.OutcomeNoSubscriber, resp.Receipt.Outcome)
		assert.Empty(resp.Receipt.OperationID)
	}

	// Case 8: dispatch errors
	{
		var resp APIRestRespDispatch
		code := uut.call("POST", "/v1/driver/pump1/operation", "", APIRestReqDispatch{Operation: "explode"}, &resp)
		assert.Equal(http.StatusBadRequest, code)
		assert.Equal("unsupported_operation", resp.ErrorType)

		code = uut.call("POST", "/v1/driver/pump2/operation", "", APIRestReqDispatch{Operation: "start"}, &resp)
		assert.Equal(http.StatusNotFound, code)
		assert.Equal("not_found", resp.ErrorType)

		code = uut.call("POST", "/v1/driver/pump1/operation", "", APIRestReqDispatch{}, &resp)
		assert.Equal(http.StatusBadRequest, code)
		assert.Equal("invalid_argument", resp.ErrorType)
	}

	// Case 9: disconnect
	{
		var resp APIRestBaseResponse
		assert.Equal(http.StatusUnauthorized, uut.call("DELETE", "/v1/driver/pump1", "not-the-token", nil, &resp))
		assert.Equal(http.StatusOK, uut.call("DELETE", "/v1/driver/pump1", token, nil, &resp))
		assert.Equal(http.StatusNotFound, uut.call("DELETE", "/v1/driver/pump1", token, nil, &resp))

		var listResp APIRestRespDriverList
		assert.Equal(http.StatusOK, uut.call("GET", "/v1/driver", "", nil, &listResp))
		assert.Empty(listResp.Drivers)
	}
}

func TestBrokerSubscribeStream(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())

	service, handler := defineTestHandler(t, utCtxt, nil, &wg)
	server := httptest.NewServer(BuildBrokerRouter(mux.NewRouter(), "/", handler))
	defer server.Close()
	defer utCtxtCancel()
	uut := testCaller{t: t, server: server}

	token, err := service.Register(utCtxt, "pump1", nil, []string{"start", "stop"})
	assert.Nil(err)

	openStream := func(token string) (*http.Response, *bufio.Scanner) {
		req, err := http.NewRequest("GET", server.URL+"/v1/driver/pump1/subscribe", nil)
		assert.Nil(err)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := server.Client().Do(req)
		assert.Nil(err)
		return resp, bufio.NewScanner(resp.Body)
	}
	readLine := func(scanner *bufio.Scanner) APIRestRespOperation {
		var msg APIRestRespOperation
		assert.True(scanner.Scan())
		assert.Nil(json.Unmarshal(scanner.Bytes(), &msg))
		return msg
	}

	// Case 0: bad token is rejected before the stream opens
	{
		resp, _ := openStream("not-the-token")
		assert.Equal(http.StatusUnauthorized, resp.StatusCode)
		assert.NotEmpty(resp.Header.Get("Driverbroker-Request-ID"))
		var body APIRestBaseResponse
		assert.Nil(json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(resp.Header.Get("Driverbroker-Request-ID"), body.RequestID)
		assert.Equal("invalid_token", body.ErrorType)
		resp.Body.Close()
	}

	// Case 1: operations arrive in dispatch order
	resp1, stream1 := openStream(token)
	defer resp1.Body.Close()
	assert.Equal(http.StatusOK, resp1.StatusCode)
	stream1ID := resp1.Header.Get("Driverbroker-Request-ID")
	assert.NotEmpty(stream1ID)
	assert.Eventually(func() bool {
		info, err := service.Info(utCtxt, "pump1")
		return err == nil && info.Subscribed
	}, time.Second, time.Millisecond*10)
	{
		var first, second APIRestRespDispatch
		assert.Equal(http.StatusOK, uut.call(
			"POST", "/v1/driver/pump1/operation", "", APIRestReqDispatch{Operation: "start"}, &first,
		))
		assert.Equal(http.StatusOK, uut.call(
			"POST", "/v1/driver/pump1/operation", "", APIRestReqDispatch{Operation: "stop"}, &second,
		))
		assert.Equal(broker.OutcomeDelivered, first.Receipt.Outcome)

		msg := readLine(stream1)
		assert.True(msg.Success)
		assert.Equal(first.Receipt.OperationID, msg.Operation.ID)
		assert.Equal("start", msg.Operation.Operation)
		msg = readLine(stream1)
		assert.Equal(second.Receipt.OperationID, msg.Operation.ID)
		assert.Equal("stop", msg.Operation.Operation)
	}

	// Case 2: a new subscription supersedes the old one
	resp2, stream2 := openStream(token)
	defer resp2.Body.Close()
	assert.Equal(http.StatusOK, resp2.StatusCode)
	{
		msg := readLine(stream1)
		assert.True(msg.Closed)
		assert.False(msg.Success)
		assert.Equal("superseded", msg.ErrorType)
		assert.Equal(stream1ID, msg.RequestID)
	}

	// Case 3: disconnect ends the stream
	{
		assert.Nil(service.Disconnect(utCtxt, "pump1", token))
		msg := readLine(stream2)
		assert.True(msg.Closed)
		assert.Equal("disconnected", msg.ErrorType)
	}
}

func TestBrokerSubscribeWebSocket(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())

	service, handler := defineTestHandler(t, utCtxt, nil, &wg)
	server := httptest.NewServer(BuildBrokerRouter(mux.NewRouter(), "/", handler))
	defer server.Close()
	defer utCtxtCancel()

	token, err := service.Register(utCtxt, "pump1", nil, []string{"start"})
	assert.Nil(err)

	wsURL := fmt.Sprintf("ws%s/v1/driver/pump1/subscribe/ws", strings.TrimPrefix(server.URL, "http"))

	// Case 0: bad token
	{
		header := http.Header{}
		header.Set("Authorization", "Bearer not-the-token")
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
		assert.NotNil(err)
		assert.NotNil(resp)
		assert.Equal(http.StatusUnauthorized, resp.StatusCode)
		assert.NotEmpty(resp.Header.Get("Driverbroker-Request-ID"))
	}

	// Case 1: receive operations
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, upgradeResp, err := websocket.DefaultDialer.Dial(wsURL, header)
	assert.Nil(err)
	defer conn.Close()
	assert.NotEmpty(upgradeResp.Header.Get("Driverbroker-Request-ID"))
	assert.Eventually(func() bool {
		info, err := service.Info(utCtxt, "pump1")
		return err == nil && info.Subscribed
	}, time.Second, time.Millisecond*10)
	{
		receipt, err := service.Dispatch(utCtxt, "pump1", "start")
		assert.Nil(err)
		assert.Equal(broker.OutcomeDelivered, receipt.Outcome)

		var msg APIRestRespOperation
		assert.Nil(conn.ReadJSON(&msg))
		assert.True(msg.Success)
		assert.Equal(receipt.OperationID, msg.Operation.ID)
	}

	// Case 2: disconnect reports the close reason then closes the socket
	{
		assert.Nil(service.Disconnect(utCtxt, "pump1", token))
		var msg APIRestRespOperation
		assert.Nil(conn.ReadJSON(&msg))
		assert.True(msg.Closed)
		assert.Equal("disconnected", msg.ErrorType)

		_, _, err := conn.ReadMessage()
		assert.NotNil(err)
		closeErr, ok := err.(*websocket.CloseError)
		assert.True(ok)
		if ok {
			assert.Equal(websocket.CloseNormalClosure, closeErr.Code)
			assert.Equal("disconnected", closeErr.Text)
		}
	}
}

func TestBrokerReadiness(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	ready := false
	_, uut := defineTestHandler(t, utCtxt, []ReadinessCheck{
		func() error {
			if !ready {
				return fmt.Errorf("messaging link down")
			}
			return nil
		},
	}, &wg)

	// Case 0: dependency not ready
	{
		req, err := http.NewRequest("GET", "/ready", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusInternalServerError, respRecorder.Code)
	}

	// Case 1: dependency ready
	ready = true
	{
		req, err := http.NewRequest("GET", "/ready", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}

	// Case 2: server stopping
	utCtxtCancel()
	{
		req, err := http.NewRequest("GET", "/ready", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusInternalServerError, respRecorder.Code)
	}
}
