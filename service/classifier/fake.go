package classifier

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strconv"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/khaledhikmat/vs-firewatch/model"
)

type fakeService struct {
	floor float64
}

// NewFake returns a classifier that only checks the payload is a decodable
// image. A payload carrying a "label=<name>;conf=<value>" trailer after the
// image data yields that candidate, which is enough to drive agents and the
// detector end to end without a model.
func NewFake(floor float64) Factory {
	return func(_ int) (IService, error) {
		return &fakeService{floor: floor}, nil
	}
}

func (svc *fakeService) Classify(ctx context.Context, payload []byte) ([]model.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	label, conf, ok := parseTrailer(payload)
	if !ok || conf < svc.floor {
		return nil, nil
	}

	return []model.Candidate{{
		Label:      label,
		Confidence: conf,
		Width:      cfg.Width,
		Height:     cfg.Height,
	}}, nil
}

func (svc *fakeService) Close() error {
	return nil
}

const trailerMarker = "label="

func parseTrailer(payload []byte) (string, float64, bool) {
	i := bytes.LastIndex(payload, []byte(trailerMarker))
	if i < 0 {
		return "", 0, false
	}

	var label string
	conf := 1.0
	for _, part := range strings.Split(string(payload[i:]), ";") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "label":
			label = v
		case "conf":
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return "", 0, false
			}
			conf = f
		}
	}

	return label, conf, label != ""
}
