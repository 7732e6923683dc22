package resilience

import (
	"context"
	"fmt"
	"net/http"
)

// ResilientHTTPClient wraps an http.Client with circuit breaker protection
type ResilientHTTPClient struct {
	client *http.Client
	cb     *CircuitBreaker
}

// NewResilientHTTPClient creates a new HTTP client with circuit breaker protection
func NewResilientHTTPClient(client *http.Client, cb *CircuitBreaker) *ResilientHTTPClient {
	return &ResilientHTTPClient{
		client: client,
		cb:     cb,
	}
}

// Do executes an HTTP request through the circuit breaker.
// HTTP 5xx and 429 responses count as failures. Their body is closed and only
// the error is returned.
func (rc *ResilientHTTPClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := rc.cb.Execute(req.Context(), func(context.Context) error {
		var e error
		resp, e = rc.client.Do(req)
		if e != nil {
			return e
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("directory error: HTTP %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil && resp != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, err
}
