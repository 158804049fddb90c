package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// HTTPInvoker calls the inference backend over HTTP. A circuit breaker
// rejects calls outright while the backend is tripping.
type HTTPInvoker struct {
	baseURL string
	breaker *gobreaker.CircuitBreaker
}

var _ Invoker = (*HTTPInvoker)(nil)

func NewHTTPInvoker(baseURL string) *HTTPInvoker {
	settings := gobreaker.Settings{
		Name:        "inference-backend",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &HTTPInvoker{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (h *HTTPInvoker) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	result, err := h.breaker.Execute(func() (interface{}, error) {
		return h.post(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*InvokeResponse), nil
}

func (h *HTTPInvoker) post(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	url := fmt.Sprintf("%s/v1/models/%s/predict", h.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(req.Input))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("backend error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var wire struct {
		Output       json.RawMessage `json:"output"`
		ModelVersion string          `json:"model_version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, err
	}
	if len(wire.Output) == 0 {
		return nil, fmt.Errorf("backend returned no output")
	}

	return &InvokeResponse{
		Output:       wire.Output,
		ModelVersion: wire.ModelVersion,
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}
