package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pipeweave/pipeweave/internal/core"
)

// Request is the wire shape handed to a worker's execute endpoint.
type Request struct {
	RunID            string              `json:"runId"`
	TaskID           string              `json:"taskId"`
	CodeVersion      int                 `json:"codeVersion"`
	CodeHash         string              `json:"codeHash"`
	InputPath        string              `json:"inputPath"`
	UpstreamRefs     core.UpstreamRefMap `json:"upstreamRefs,omitempty"`
	StorageToken     string              `json:"storageToken"`
	Attempt          int                 `json:"attempt"`
	PreviousAttempts core.AttemptList    `json:"previousAttempts,omitempty"`
	Metadata         core.JSONMap        `json:"metadata,omitempty"`
}

// Transport delivers a run to its worker. Delivery is fire-and-forget: the
// worker reports success or failure later through the callback endpoint, so
// a nil error only means the worker accepted the run.
type Transport interface {
	Dispatch(ctx context.Context, svc core.Service, req Request) error
}

// HTTPTransport POSTs runs to service.BaseURL + "/execute". Each service gets
// its own circuit breaker so one flapping worker cannot starve the rest.
type HTTPTransport struct {
	client *http.Client
	log    *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewHTTPTransport returns a transport with the given per-request timeout.
func NewHTTPTransport(timeout time.Duration, log *zap.Logger) *HTTPTransport {
	return &HTTPTransport{
		client:   &http.Client{Timeout: timeout},
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (t *HTTPTransport) breaker(serviceID string) *gobreaker.CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cb, ok := t.breakers[serviceID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    serviceID,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.log.Warn("worker breaker state change",
				zap.String("service", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	t.breakers[serviceID] = cb
	return cb
}

// Dispatch sends the run through the service's breaker.
func (t *HTTPTransport) Dispatch(ctx context.Context, svc core.Service, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding dispatch for %q: %w", req.RunID, err)
	}

	_, err = t.breaker(svc.ID).Execute(func() (any, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			svc.BaseURL+"/execute", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("worker returned %s", resp.Status)
		}
		return nil, nil
	})
	if err != nil {
		return core.Unavailablef("dispatching %q to service %q: %v", req.RunID, svc.ID, err)
	}
	return nil
}
