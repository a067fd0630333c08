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

package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/alwitt/driverbroker/apis"
	"github.com/alwitt/driverbroker/common"
	"github.com/alwitt/driverbroker/dispatch"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// OperationStream a driver's open subscription
type OperationStream interface {
	// Next block until the next operation arrives. Once the broker closes the
	// subscription, returns the close reason (common.ErrSuperseded, common.ErrEvicted, ...).
	Next() (dispatch.OperationRequest, error)
	// Close release the subscription
	Close() error
}

// decodeStreamMessage turn one stream message into an operation or a close reason
func decodeStreamMessage(raw []byte) (dispatch.OperationRequest, error) {
	var msg apis.APIRestRespOperation
	if err := json.Unmarshal(raw, &msg); err != nil {
		return dispatch.OperationRequest{}, fmt.Errorf("unparsable stream message: %w", err)
	}
	if msg.Closed || !msg.Success {
		if reason := common.ErrorFromType(msg.ErrorType); reason != nil {
			return dispatch.OperationRequest{}, reason
		}
		return dispatch.OperationRequest{}, fmt.Errorf(
			"subscription failed (%s): %w", msg.ErrorType, common.ErrSubscriptionClosed,
		)
	}
	if msg.Operation == nil {
		return dispatch.OperationRequest{}, fmt.Errorf("stream message carries no operation")
	}
	return *msg.Operation, nil
}

// ===============================================================================
// NDJSON stream

type ndjsonStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	lock    sync.Mutex
	reason  error
}

func (s *ndjsonStream) Next() (dispatch.OperationRequest, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.reason != nil {
		return dispatch.OperationRequest{}, s.reason
	}
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		op, err := decodeStreamMessage(line)
		if err != nil {
			s.reason = err
			return dispatch.OperationRequest{}, err
		}
		return op, nil
	}
	if err := s.scanner.Err(); err != nil {
		s.reason = err
	} else {
		s.reason = io.ErrUnexpectedEOF
	}
	return dispatch.OperationRequest{}, s.reason
}

func (s *ndjsonStream) Close() error {
	return s.body.Close()
}

// Subscribe open the driver's NDJSON operation stream. Cancelling ctxt also
// ends the stream.
func (c *Client) Subscribe(ctxt context.Context, identity, token string) (OperationStream, error) {
	req, requestID, err := c.newRequest(
		ctxt, http.MethodGet, c.endpoint("v1", "driver", identity, "subscribe"), token, nil,
	)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Subscribe [%s] failed", requestID)
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var base apis.APIRestBaseResponse
		if err := json.NewDecoder(resp.Body).Decode(&base); err != nil {
			return nil, fmt.Errorf("subscribe rejected with %d", resp.StatusCode)
		}
		return nil, responseError(resp.StatusCode, base.ErrorType)
	}
	log.WithFields(c.LogTags).Debugf("Subscribed '%s' [%s]", identity, requestID)
	return &ndjsonStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

// ===============================================================================
// WebSocket stream

type websocketStream struct {
	conn   *websocket.Conn
	lock   sync.Mutex
	reason error
}

func (s *websocketStream) Next() (dispatch.OperationRequest, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.reason != nil {
		return dispatch.OperationRequest{}, s.reason
	}
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			if reason := common.ErrorFromType(closeErr.Text); reason != nil {
				err = reason
			}
		}
		s.reason = err
		return dispatch.OperationRequest{}, err
	}
	op, err := decodeStreamMessage(raw)
	if err != nil {
		s.reason = err
	}
	return op, err
}

func (s *websocketStream) Close() error {
	_ = s.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	return s.conn.Close()
}

// SubscribeWebSocket open the driver's operation stream over WebSocket
func (c *Client) SubscribeWebSocket(
	ctxt context.Context, identity, token string,
) (OperationStream, error) {
	target := c.endpoint("v1", "driver", identity, "subscribe", "ws")
	switch {
	case strings.HasPrefix(target, "https://"):
		target = "wss://" + strings.TrimPrefix(target, "https://")
	default:
		target = "ws://" + strings.TrimPrefix(target, "http://")
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctxt, target, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			var base apis.APIRestBaseResponse
			if decodeErr := json.NewDecoder(resp.Body).Decode(&base); decodeErr == nil {
				return nil, responseError(resp.StatusCode, base.ErrorType)
			}
		}
		log.WithError(err).WithFields(c.LogTags).Errorf("WebSocket subscribe to '%s' failed", identity)
		return nil, err
	}
	return &websocketStream{conn: conn}, nil
}
