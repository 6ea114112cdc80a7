package breaker

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper guards an http.Client with a circuit breaker. 5xx responses
// count as breaker failures; 4xx do not, since they indicate a caller problem
// rather than a dependency outage.
type HTTPWrapper struct {
	client *http.Client
	cb     *Breaker
	logger *zap.Logger
}

// NewHTTPWrapper wraps client; a nil client gets a 30s-timeout default.
func NewHTTPWrapper(client *http.Client, name string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPWrapper{
		client: client,
		cb:     New(name, DefaultConfig(), logger),
		logger: logger,
	}
}

// Do executes the request through the breaker. When the breaker trips on a
// 5xx, the response is still returned to the caller for inspection.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var callErr error
		resp, callErr = hw.client.Do(req)
		if callErr != nil {
			return callErr
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	if _, ok := err.(*httpStatusError); ok {
		return resp, nil
	}
	return resp, err
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }
