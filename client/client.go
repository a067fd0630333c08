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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/alwitt/driverbroker/apis"
	"github.com/alwitt/driverbroker/broker"
	"github.com/alwitt/driverbroker/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// DefaultRequestIDHeader request ID header the broker uses by default
const DefaultRequestIDHeader = "Driverbroker-Request-ID"

// Client REST client of the driver broker
type Client struct {
	common.Component
	baseURL         *url.URL
	httpClient      *http.Client
	requestIDHeader string
}

// GetClient define a broker client for the broker at baseURL. If httpClient is nil,
// http.DefaultClient is used.
func GetClient(baseURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid broker URL %q: %w", baseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported broker URL scheme %q", parsed.Scheme)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		Component: common.Component{LogTags: log.Fields{
			"module": "client", "component": "broker-client", "instance": parsed.Host,
		}},
		baseURL:         parsed,
		httpClient:      httpClient,
		requestIDHeader: DefaultRequestIDHeader,
	}, nil
}

// endpoint absolute URL of a broker path
func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, 0, len(segments))
	for _, segment := range segments {
		escaped = append(escaped, url.PathEscape(segment))
	}
	return c.baseURL.String() + "/" + strings.Join(escaped, "/")
}

// newRequest build a request with a fresh request ID and the driver's token
func (c *Client) newRequest(
	ctxt context.Context, method, target, token string, body interface{},
) (*http.Request, string, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, "", err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctxt, method, target, reader)
	if err != nil {
		return nil, "", err
	}
	requestID := uuid.NewString()
	req.Header.Set(c.requestIDHeader, requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, requestID, nil
}

// responseError convert a broker error reply into the matching broker error
func responseError(statusCode int, errorType string) error {
	if sentinel := common.ErrorFromType(errorType); sentinel != nil {
		return fmt.Errorf("broker replied %d: %w", statusCode, sentinel)
	}
	return fmt.Errorf("broker replied %d (%s)", statusCode, errorType)
}

// call execute one REST call and parse the reply into resp.
// resp must embed apis.APIRestBaseResponse.
func (c *Client) call(
	ctxt context.Context, method, target, token string, body interface{}, resp interface{},
) (int, error) {
	req, requestID, err := c.newRequest(ctxt, method, target, token, body)
	if err != nil {
		return 0, err
	}
	result, err := c.httpClient.Do(req)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("%s %s [%s] failed", method, target, requestID)
		return 0, err
	}
	defer result.Body.Close()
	raw, err := io.ReadAll(result.Body)
	if err != nil {
		return result.StatusCode, err
	}
	var base apis.APIRestBaseResponse
	if err := json.Unmarshal(raw, &base); err != nil {
		return result.StatusCode, fmt.Errorf(
			"unparsable broker reply (%d): %w", result.StatusCode, err,
		)
	}
	if resp != nil {
		if err := json.Unmarshal(raw, resp); err != nil {
			return result.StatusCode, err
		}
	}
	if result.StatusCode != http.StatusOK || !base.Success {
		log.WithFields(c.LogTags).Debugf(
			"%s %s [%s] returned %d %s", method, target, requestID, result.StatusCode, base.ErrorType,
		)
		return result.StatusCode, responseError(result.StatusCode, base.ErrorType)
	}
	return result.StatusCode, nil
}

// Register register a driver, returning its session token
func (c *Client) Register(
	ctxt context.Context, identity string, schema []byte, operations []string,
) (string, error) {
	var resp apis.APIRestRespRegisterDriver
	_, err := c.call(ctxt, http.MethodPost, c.endpoint("v1", "driver"), "", apis.APIRestReqRegisterDriver{
		Identity: identity, Schema: schema, Operations: operations,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Token, nil
}

// Heartbeat keep a driver's session alive
func (c *Client) Heartbeat(ctxt context.Context, identity, token string) error {
	_, err := c.call(
		ctxt, http.MethodPost, c.endpoint("v1", "driver", identity, "heartbeat"), token, nil, nil,
	)
	return err
}

// Update replace a driver's state snapshot
func (c *Client) Update(ctxt context.Context, identity, token string, state []byte) error {
	_, err := c.call(
		ctxt,
		http.MethodPut,
		c.endpoint("v1", "driver", identity, "state"),
		token,
		apis.APIRestReqUpdateState{State: state},
		nil,
	)
	return err
}

// Disconnect end a driver's session
func (c *Client) Disconnect(ctxt context.Context, identity, token string) error {
	_, err := c.call(ctxt, http.MethodDelete, c.endpoint("v1", "driver", identity), token, nil, nil)
	return err
}

// Dispatch send an operation to a driver. A driver without a subscription is not
// an error; check the receipt's Outcome.
func (c *Client) Dispatch(
	ctxt context.Context, identity, operation string,
) (broker.DispatchReceipt, error) {
	var resp apis.APIRestRespDispatch
	_, err := c.call(
		ctxt,
		http.MethodPost,
		c.endpoint("v1", "driver", identity, "operation"),
		"",
		apis.APIRestReqDispatch{Operation: operation},
		&resp,
	)
	var receipt broker.DispatchReceipt
	if resp.Receipt != nil {
		receipt = *resp.Receipt
	}
	return receipt, err
}

// List registered drivers in registration order
func (c *Client) List(ctxt context.Context) ([]string, error) {
	var resp apis.APIRestRespDriverList
	if _, err := c.call(ctxt, http.MethodGet, c.endpoint("v1", "driver"), "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Drivers, nil
}

// Info describe one driver
func (c *Client) Info(ctxt context.Context, identity string) (broker.DriverInfo, error) {
	var resp apis.APIRestRespDriverInfo
	if _, err := c.call(
		ctxt, http.MethodGet, c.endpoint("v1", "driver", identity), "", nil, &resp,
	); err != nil {
		return broker.DriverInfo{}, err
	}
	if resp.Driver == nil {
		return broker.DriverInfo{}, fmt.Errorf("broker reply missing driver description")
	}
	return *resp.Driver, nil
}
