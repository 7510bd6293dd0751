package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/khaledhikmat/vs-firewatch/model"
)

var (
	ErrOverloaded = errors.New("dispatcher overloaded")
	ErrTimeout    = errors.New("classification timed out")
	ErrClosed     = errors.New("dispatcher closed")
)

// DecodeFailure is the error annotation carried by results for payloads
// that are not images.
const DecodeFailure = "Unable to decode image"

// ClassifierError is a failure raised by the classifier running in a slot.
// The slot stays usable afterwards.
type ClassifierError struct {
	Slot int
	Err  error
}

func (e *ClassifierError) Error() string {
	return fmt.Sprintf("classifier failed in slot %d: %v", e.Slot, e.Err)
}

func (e *ClassifierError) Unwrap() error {
	return e.Err
}

type Parameters struct {
	Slots int
	// QueueSize caps the jobs waiting for a free slot. Submissions beyond it
	// are rejected with ErrOverloaded.
	QueueSize int
	// JobTimeout bounds the caller's wait once a slot starts the job. Zero
	// waits forever.
	JobTimeout time.Duration
	// Serialize funnels every classification through one lock, for
	// classifiers that are not reentrant and shared across slots.
	Serialize bool
}

type IService interface {
	Submit(ctx context.Context, payload []byte) (model.DetectionResult, error)
	Stats() model.DispatcherStats
	// Shutdown stops admission, lets admitted jobs finish and closes every
	// slot's classifier.
	Shutdown(ctx context.Context) error
}
