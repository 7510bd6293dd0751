package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"gocv.io/x/gocv"

	"github.com/khaledhikmat/vs-firewatch/model"
	"github.com/khaledhikmat/vs-firewatch/pipeline"
	"github.com/khaledhikmat/vs-firewatch/service/lgr"
)

const (
	FramerRTSP   = "rtsp"
	FramerFile   = "file"
	FramerRandom = "random"

	randomWidth    = 640
	randomHeight   = 480
	randomInterval = 40 * time.Millisecond // ~25 fps
)

// ErrRead is a single failed read from a live stream. The driver counts
// these and gives up after too many in a row.
var ErrRead = errors.New("unable to read frame")

// NewSourceFactory opens gocv-backed sources by camera framer type.
func NewSourceFactory(clock clockwork.Clock) pipeline.SourceFactory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return func(camera model.Camera) (pipeline.FrameSource, error) {
		switch camera.FramerType {
		case FramerRandom:
			return &randomSource{clock: clock}, nil
		case FramerRTSP, FramerFile, "":
			capture, err := gocv.OpenVideoCapture(camera.RtspURL)
			if err != nil {
				return nil, fmt.Errorf("opening %s: %w", camera.RtspURL, err)
			}
			lgr.Logger.Info("video source opened",
				slog.String("camera", camera.Name),
				slog.String("framerType", camera.FramerType),
				slog.Float64("fps", capture.Get(gocv.VideoCaptureFPS)),
			)
			return &videoSource{
				capture: capture,
				finite:  camera.FramerType == FramerFile,
				clock:   clock,
			}, nil
		default:
			return nil, fmt.Errorf("unknown framer type %q", camera.FramerType)
		}
	}
}

type videoSource struct {
	capture *gocv.VideoCapture
	finite  bool
	clock   clockwork.Clock
}

func (s *videoSource) Next(ctx context.Context) (pipeline.Frame, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Frame{}, err
	}

	img := gocv.NewMat()
	if ok := s.capture.Read(&img); !ok || img.Empty() {
		img.Close() // Crucial to close the image to avoid memory leaks
		if s.finite {
			return pipeline.Frame{}, io.EOF
		}
		return pipeline.Frame{}, ErrRead
	}

	return pipeline.Frame{
		Timestamp: s.clock.Now(),
		Buffer:    &img,
	}, nil
}

func (s *videoSource) Close() error {
	return s.capture.Close()
}

// randomSource produces noise frames at a steady rate, for running agents
// without cameras.
type randomSource struct {
	clock clockwork.Clock
}

func (s *randomSource) Next(ctx context.Context) (pipeline.Frame, error) {
	select {
	case <-ctx.Done():
		return pipeline.Frame{}, ctx.Err()
	case <-s.clock.After(randomInterval):
	}

	img := gocv.NewMatWithSize(randomHeight, randomWidth, gocv.MatTypeCV8UC3)
	gocv.RandU(&img, gocv.NewScalar(0, 0, 0, 0), gocv.NewScalar(255, 255, 255, 0))

	return pipeline.Frame{
		Timestamp: s.clock.Now(),
		Buffer:    &img,
	}, nil
}

func (s *randomSource) Close() error {
	return nil
}
