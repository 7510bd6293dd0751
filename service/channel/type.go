package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/khaledhikmat/vs-firewatch/model"
)

var ErrTimeout = errors.New("detector request timed out")

// NetworkError is a transport failure before any HTTP status was received.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("detector unreachable: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// HTTPStatusError is a non-2xx reply that did not carry a detection result.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("detector replied %d: %s", e.StatusCode, e.Body)
}

type IService interface {
	// Send posts one encoded frame to the detector. An empty authToken falls
	// back to the configured one.
	Send(ctx context.Context, payload []byte, metadata map[string]string, authToken string) (model.DetectionResult, error)
}
