package out

import (
	"context"
	"time"
)

// BackendResult is one classification backend's raw answer.
type BackendResult struct {
	Intent     string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// ClassifierBackend is the uniform capability interface every external
// classification service is wrapped in. The ensemble is agnostic to how
// many or which concrete backends are configured.
type ClassifierBackend interface {
	// Name identifies the backend in verdicts and logs.
	Name() string

	// Timeout is the per-backend call budget enforced by the ensemble.
	Timeout() time.Duration

	// Classify asks the backend for an intent verdict. Implementations
	// must honor ctx cancellation and return an error on timeout, transport
	// failure or a malformed response.
	Classify(ctx context.Context, text string) (*BackendResult, error)
}
