package smartip

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Transport timing defaults.
const (
	// DefaultRequestTimeout bounds a single device request.
	DefaultRequestTimeout = 5 * time.Second

	connectTimeout  = 3 * time.Second
	keepAlive       = 30 * time.Second
	idleConnTimeout = 90 * time.Second

	// maxResponseSize caps the body read from a device.
	maxResponseSize = 1 << 20
)

// Transport executes one request against a device's control API.
// Implementations do not retry; the coordinator decides what a failure means.
type Transport interface {
	// Execute sends method to path (relative to /public/v1) with an optional
	// JSON payload and returns the raw response body. Failures are
	// *TransportError.
	Execute(ctx context.Context, method, path string, payload any, timeout time.Duration) ([]byte, error)
}

// HTTPTransport talks to a device over HTTP(S) with basic or bearer auth.
//
// Thread Safety: Execute is safe for concurrent use, but callers must not
// send state-changing requests concurrently to one device.
type HTTPTransport struct {
	endpoint DeviceEndpoint
	baseURL  string
	client   *http.Client
}

// NewHTTPTransport creates a transport for endpoint. The client keeps a single
// connection to the device; SmartIP firmware accepts very few at once.
func NewHTTPTransport(endpoint DeviceEndpoint) (*HTTPTransport, error) {
	if err := endpoint.Validate(); err != nil {
		return nil, err
	}
	return &HTTPTransport{
		endpoint: endpoint,
		baseURL:  endpoint.BaseURL(),
		client:   newDeviceClient(),
	}, nil
}

func newDeviceClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   connectTimeout,
				KeepAlive: keepAlive,
			}).DialContext,
			MaxIdleConns:          4,
			MaxIdleConnsPerHost:   1,
			MaxConnsPerHost:       1,
			IdleConnTimeout:       idleConnTimeout,
			TLSHandshakeTimeout:   connectTimeout,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// Endpoint returns the endpoint this transport talks to.
func (t *HTTPTransport) Endpoint() DeviceEndpoint {
	return t.endpoint
}

// Execute implements Transport.
func (t *HTTPTransport) Execute(ctx context.Context, method, path string, payload any, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("smartip: encoding %s payload: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("smartip: building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case t.endpoint.Token != "":
		req.Header.Set("Authorization", "Bearer "+t.endpoint.Token)
	case t.endpoint.Username != "":
		req.SetBasicAuth(t.endpoint.Username, t.endpoint.Password)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &TransportError{Kind: classifyNetError(ctx, err), Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		kind := classifyNetError(ctx, err)
		if kind != KindTimeout {
			kind = KindMalformedResponse
		}
		return nil, &TransportError{Kind: kind, Method: method, Path: path, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{Kind: KindHTTPStatus, Method: method, Path: path, Code: resp.StatusCode}
	}
	if len(data) > maxResponseSize {
		return nil, &TransportError{Kind: KindMalformedResponse, Method: method, Path: path,
			Err: fmt.Errorf("response exceeds %d bytes", maxResponseSize)}
	}
	if len(bytes.TrimSpace(data)) > 0 && !json.Valid(data) {
		return nil, &TransportError{Kind: KindMalformedResponse, Method: method, Path: path,
			Err: errors.New("response is not valid JSON")}
	}
	return data, nil
}

func classifyNetError(ctx context.Context, err error) TransportErrorKind {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return KindTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindConnectionRefused
	default:
		return KindNetwork
	}
}
