package backend

import (
	"context"
	"encoding/json"
)

// InvokeRequest is one admitted prediction request bound for the
// inference backend.
type InvokeRequest struct {
	Endpoint string          `json:"endpoint"`
	Model    string          `json:"model"`
	Input    json.RawMessage `json:"input"`
}

// InvokeResponse is the backend's computed result. ModelVersion is the
// version that actually served the request, which tags the cache entry.
type InvokeResponse struct {
	Output       json.RawMessage `json:"output"`
	ModelVersion string          `json:"model_version"`
	LatencyMs    int64           `json:"latency_ms"`
}

// Invoker runs a prediction against the inference backend.
type Invoker interface {
	Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error)
}
