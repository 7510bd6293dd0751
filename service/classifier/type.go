package classifier

import (
	"context"
	"errors"

	"github.com/khaledhikmat/vs-firewatch/model"
)

// ErrDecode marks payloads that are not a readable image.
var ErrDecode = errors.New("unable to decode image")

// IService is one classifier instance. Instances are not assumed to be
// reentrant: the dispatcher gives every slot its own instance.
type IService interface {
	// Classify returns every candidate above the instance's confidence
	// floor, in the order the model produced them.
	Classify(ctx context.Context, payload []byte) ([]model.Candidate, error)
	Close() error
}

// Factory builds the classifier instance owned by one dispatcher slot.
type Factory func(slot int) (IService, error)

// Shared hands the same instance to every slot. Pair it with a serialized
// dispatcher when the instance is not safe for concurrent use.
func Shared(svc IService) Factory {
	return func(_ int) (IService, error) {
		return noClose{svc}, nil
	}
}

type noClose struct {
	IService
}

func (noClose) Close() error { return nil }

// Best picks the highest confidence candidate; ties go to the first seen.
func Best(candidates []model.Candidate) (model.Candidate, bool) {
	if len(candidates) == 0 {
		return model.Candidate{}, false
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Confidence > best.Confidence {
			best = c
		}
	}
	return best, true
}

// ToResult converts a classification outcome to the wire result.
func ToResult(candidates []model.Candidate) model.DetectionResult {
	best, ok := Best(candidates)
	if !ok {
		return model.NoDetection()
	}

	conf := roundConfidence(best.Confidence)
	return model.DetectionResult{
		Triggered:  true,
		Label:      best.Label,
		Confidence: &conf,
	}
}

func roundConfidence(c float64) float64 {
	return float64(int64(c*10000+0.5)) / 10000
}
