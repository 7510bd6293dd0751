package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/khaledhikmat/vs-firewatch/model"
	"github.com/khaledhikmat/vs-firewatch/service/channel"
	"github.com/khaledhikmat/vs-firewatch/service/config"
	"github.com/khaledhikmat/vs-firewatch/service/data"
	"github.com/khaledhikmat/vs-firewatch/service/orphan"
	"github.com/khaledhikmat/vs-firewatch/service/storage"
	"github.com/khaledhikmat/vs-firewatch/service/webhook"
)

var ErrEncode = errors.New("unable to encode frame")

// FrameBuffer is the decoded image behind a frame. gocv.Mat satisfies it.
type FrameBuffer interface {
	Close() error
}

// Frame is owned by the driver for one forwarding attempt and closed after.
type Frame struct {
	Index     uint64
	Timestamp time.Time
	Buffer    FrameBuffer
}

// FrameSource yields frames in order and never rewinds. Next returns io.EOF
// at the end of a finite stream.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// Encoder serializes a frame for the channel. Failures wrap ErrEncode.
type Encoder interface {
	Encode(frame Frame) ([]byte, error)
}

// SourceFactory opens the frame source for a camera.
type SourceFactory func(camera model.Camera) (FrameSource, error)

type AlertData struct {
	Camera     model.Camera
	Label      string
	Confidence float64
	Image      []byte
	Timestamp  time.Time
}

// Signature of alerter function
type Alerter func(canx context.Context, svcs ServicesFactory, errorStream chan interface{}, statsStream chan interface{}) chan AlertData

type ServicesFactory struct {
	CfgSvc     config.IService
	DataSvc    data.IService
	OrphanSvc  orphan.IService
	ChannelSvc channel.IService
	StorageSvc storage.IService
	WebhookSvc webhook.IService

	Sources SourceFactory
	Encoder Encoder
	Clock   clockwork.Clock
}
