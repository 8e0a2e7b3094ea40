package circuitbreaker

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper wraps an http.Client with a circuit breaker and records metrics
// consistently. 5xx responses count as breaker failures; 4xx do not.
type HTTPWrapper struct {
	client  *http.Client
	cb      *Breaker
	name    string
	service string
	logger  *zap.Logger
}

// NewHTTPWrapper creates a new HTTP wrapper with circuit breaker and metrics
func NewHTTPWrapper(client *http.Client, name, service string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	cb := New(name, HTTPConfig().ToConfig(), logger)
	Collector.Register(name, service, cb)
	return &HTTPWrapper{client: client, cb: cb, name: name, service: service, logger: logger}
}

// Do executes an HTTP request through the circuit breaker.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var err2 error
		resp, err2 = hw.client.Do(req)
		if err2 != nil {
			return err2
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	Collector.RecordRequest(hw.name, hw.service, hw.cb.State(), err == nil)

	// A 5xx tripped breaker accounting but the response is still valid for
	// the caller to inspect.
	if _, ok := err.(*httpStatusError); ok {
		return resp, nil
	}
	return resp, err
}

// IsOpen reports whether the breaker currently rejects requests
func (hw *HTTPWrapper) IsOpen() bool {
	return hw.cb.State() == StateOpen
}

// httpStatusError marks 5xx responses for breaker accounting
type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }
