package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/khaledhikmat/vs-firewatch/model"
	"github.com/khaledhikmat/vs-firewatch/service/config"
	"github.com/khaledhikmat/vs-firewatch/service/data"
	"github.com/khaledhikmat/vs-firewatch/service/sampler"
	"github.com/khaledhikmat/vs-firewatch/service/storage"
)

type countingBuffer struct {
	closed *atomic.Int32
}

func (b countingBuffer) Close() error {
	b.closed.Add(1)
	return nil
}

// scriptedSource yields n frames one second apart on a fake clock.
type scriptedSource struct {
	clock   clockwork.FakeClock
	n       int
	i       int
	failAll bool
	closed  atomic.Int32
}

func (s *scriptedSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.failAll {
		return Frame{}, errors.New("no signal")
	}
	if s.i >= s.n {
		return Frame{}, io.EOF
	}
	if s.i > 0 {
		s.clock.Advance(time.Second)
	}
	s.i++
	return Frame{Timestamp: s.clock.Now(), Buffer: countingBuffer{closed: &s.closed}}, nil
}

func (s *scriptedSource) Close() error { return nil }

type indexEncoder struct {
	failOn map[uint64]bool
}

func (e indexEncoder) Encode(frame Frame) ([]byte, error) {
	if e.failOn[frame.Index] {
		return nil, fmt.Errorf("%w: broken frame", ErrEncode)
	}
	return []byte(fmt.Sprintf("frame-%d", frame.Index)), nil
}

// scriptedChannel triggers or fails on chosen frame indices.
type scriptedChannel struct {
	mu        sync.Mutex
	sent      []uint64
	triggerOn map[uint64]string
	failOn    map[uint64]bool
	metadata  map[string]string
	token     string
}

func (c *scriptedChannel) Send(_ context.Context, payload []byte, metadata map[string]string, authToken string) (model.DetectionResult, error) {
	idx, _ := strconv.ParseUint(strings.TrimPrefix(string(payload), "frame-"), 10, 64)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, idx)
	c.metadata = metadata
	c.token = authToken

	if c.failOn[idx] {
		return model.DetectionResult{}, errors.New("connection reset")
	}
	if label, ok := c.triggerOn[idx]; ok {
		conf := 0.88
		return model.DetectionResult{Triggered: true, Label: label, Confidence: &conf}, nil
	}
	return model.NoDetection(), nil
}

func (c *scriptedChannel) sentIndices() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.sent...)
}

type recordingWebhook struct {
	mu    sync.Mutex
	posts []model.AlertPayload
}

func (w *recordingWebhook) Post(_ context.Context, payload model.AlertPayload) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.posts = append(w.posts, payload)
	return nil
}

func (w *recordingWebhook) all() []model.AlertPayload {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]model.AlertPayload(nil), w.posts...)
}

func newTestConfig(t *testing.T, dir string) config.IService {
	t.Helper()
	body := fmt.Sprintf(`
agents:
  inputFolder: %s
  recordingsFolder: %s
  maxSourceErrors: 3
  periodicTimeout: 1h
`, dir, filepath.Join(dir, "recordings"))

	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.NewViper(p)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func newTestSampler(t *testing.T, cfg config.IService, clock clockwork.Clock) sampler.IService {
	t.Helper()
	params, err := sampler.FromConfig(cfg.GetSamplerParameters())
	if err != nil {
		t.Fatal(err)
	}
	smp, err := sampler.NewAdaptive(params, clock)
	if err != nil {
		t.Fatal(err)
	}
	return smp
}

func lastFramerStats(statsStream chan interface{}) model.FramerStats {
	var last model.FramerStats
	for {
		select {
		case s := <-statsStream:
			if fs, ok := s.(model.FramerStats); ok {
				last = fs
			}
		default:
			return last
		}
	}
}

var testCamera = model.Camera{ID: "cam-1", Name: "Gate", Location: "east", FramerType: "random", AuthToken: "cam-token"}

func TestFramer(t *testing.T) {
	Convey("the stream driver", t, func() {
		dir := t.TempDir()
		cfg := newTestConfig(t, dir)
		clock := clockwork.NewFakeClock()

		source := &scriptedSource{clock: clock, n: 30}
		channel := &scriptedChannel{}
		encoder := indexEncoder{}

		svcs := func() ServicesFactory {
			return ServicesFactory{
				CfgSvc:     cfg,
				ChannelSvc: channel,
				Encoder:    encoder,
				Clock:      clock,
				Sources: func(model.Camera) (FrameSource, error) {
					return source, nil
				},
			}
		}

		statsStream := make(chan interface{}, 100)
		alertStream := make(chan AlertData, 10)

		Convey("forwards frames 0, 10 and 20 of 30 quiet frames", func() {
			err := framer(context.Background(), svcs(), testCamera, newTestSampler(t, cfg, clock), nil, statsStream, alertStream)
			So(err, ShouldBeNil)
			So(channel.sentIndices(), ShouldResemble, []uint64{0, 10, 20})
			So(source.closed.Load(), ShouldEqual, int32(30))
			So(channel.metadata, ShouldResemble, testCamera.Metadata())
			So(channel.token, ShouldEqual, "cam-token")

			st := lastFramerStats(statsStream)
			So(st.Frames, ShouldEqual, 30)
			So(st.Forwarded, ShouldEqual, 3)
			So(st.Escalated, ShouldEqual, 0)
		})

		Convey("escalates after a trigger and raises one alert per trigger", func() {
			source.n = 51
			channel.triggerOn = map[uint64]string{10: "fire"}

			err := framer(context.Background(), svcs(), testCamera, newTestSampler(t, cfg, clock), nil, statsStream, alertStream)
			So(err, ShouldBeNil)
			So(channel.sentIndices(), ShouldResemble, []uint64{0, 10, 15, 20, 25, 30, 35, 40, 50})

			st := lastFramerStats(statsStream)
			So(st.Escalated, ShouldEqual, 5)
			So(st.Alerts, ShouldEqual, 1)

			alert := <-alertStream
			So(alert.Label, ShouldEqual, "fire")
			So(alert.Confidence, ShouldEqual, 0.88)
			So(string(alert.Image), ShouldEqual, "frame-10")
		})

		Convey("failed sends and encodes are skipped, not retried", func() {
			channel.failOn = map[uint64]bool{10: true}
			encoder.failOn = map[uint64]bool{20: true}

			err := framer(context.Background(), svcs(), testCamera, newTestSampler(t, cfg, clock), nil, statsStream, alertStream)
			So(err, ShouldBeNil)
			So(channel.sentIndices(), ShouldResemble, []uint64{0, 10})
			So(source.closed.Load(), ShouldEqual, int32(30))

			st := lastFramerStats(statsStream)
			So(st.SendErrors, ShouldEqual, 1)
			So(st.Errors, ShouldEqual, 1)
			So(st.Forwarded, ShouldEqual, 2)
		})

		Convey("alerts are dropped rather than blocking the driver", func() {
			channel.triggerOn = map[uint64]string{0: "smoke", 10: "smoke", 20: "smoke"}
			full := make(chan AlertData)

			err := framer(context.Background(), svcs(), testCamera, newTestSampler(t, cfg, clock), nil, statsStream, full)
			So(err, ShouldBeNil)

			st := lastFramerStats(statsStream)
			So(st.Alerts, ShouldBeGreaterThanOrEqualTo, 3)
			So(st.Dropped, ShouldEqual, st.Alerts)
		})

		Convey("too many consecutive source errors end the driver", func() {
			source.failAll = true

			err := framer(context.Background(), svcs(), testCamera, newTestSampler(t, cfg, clock), nil, statsStream, alertStream)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "no signal")
			So(lastFramerStats(statsStream).Errors, ShouldEqual, 3)
		})

		Convey("a cancelled context stops the driver quietly", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			err := framer(ctx, svcs(), testCamera, newTestSampler(t, cfg, clock), nil, statsStream, alertStream)
			So(err, ShouldBeNil)
			So(channel.sentIndices(), ShouldBeEmpty)
		})
	})
}

func writeCameras(t *testing.T, cfg config.IService, cameras []model.Camera) {
	t.Helper()
	b, err := json.Marshal(cameras)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.GetCamerasInputFile(), b, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestAgent(t *testing.T) {
	Convey("an agent claims its camera and ends with its stream", t, func() {
		dir := t.TempDir()
		cfg := newTestConfig(t, dir)
		writeCameras(t, cfg, []model.Camera{testCamera})

		clock := clockwork.NewFakeClock()
		dataSvc, err := data.NewFilesDB(cfg, clock)
		So(err, ShouldBeNil)
		defer dataSvc.Finalize()

		channel := &scriptedChannel{}
		svcs := ServicesFactory{
			CfgSvc:     cfg,
			DataSvc:    dataSvc,
			ChannelSvc: channel,
			Encoder:    indexEncoder{},
			Clock:      clock,
			Sources: func(model.Camera) (FrameSource, error) {
				return &scriptedSource{clock: clock, n: 12}, nil
			},
		}

		statsStream := make(chan interface{}, 100)
		err = Agent(context.Background(), svcs, make(chan interface{}, 10), statsStream, make(chan AlertData, 10), testCamera)
		So(err, ShouldBeNil)
		So(channel.sentIndices(), ShouldResemble, []uint64{0, 10})

		c, err := dataSvc.RetrieveCameraByID(testCamera.ID)
		So(err, ShouldBeNil)
		So(c.AgentID, ShouldNotBeEmpty)
	})

	Convey("an agent fails when its source cannot be opened", t, func() {
		dir := t.TempDir()
		cfg := newTestConfig(t, dir)
		writeCameras(t, cfg, []model.Camera{testCamera})

		clock := clockwork.NewFakeClock()
		dataSvc, err := data.NewFilesDB(cfg, clock)
		So(err, ShouldBeNil)
		defer dataSvc.Finalize()

		svcs := ServicesFactory{
			CfgSvc:  cfg,
			DataSvc: dataSvc,
			Clock:   clock,
			Sources: func(model.Camera) (FrameSource, error) {
				return nil, errors.New("unreachable camera")
			},
		}

		err = Agent(context.Background(), svcs, nil, make(chan interface{}, 10), nil, testCamera)
		So(err, ShouldNotBeNil)
		So(err.Error(), ShouldContainSubstring, "unreachable camera")
	})
}

func TestSimpleAlerter(t *testing.T) {
	Convey("alerts go out early, then with the stored snapshot", t, func() {
		dir := t.TempDir()
		cfg := newTestConfig(t, dir)
		writeCameras(t, cfg, []model.Camera{{ID: "cam-1", Name: "Front gate", Location: "east wing"}})

		clock := clockwork.NewFakeClock()
		dataSvc, err := data.NewFilesDB(cfg, clock)
		So(err, ShouldBeNil)
		defer dataSvc.Finalize()

		storageSvc, err := storage.NewLocal(cfg)
		So(err, ShouldBeNil)

		hook := &recordingWebhook{}
		svcs := ServicesFactory{
			CfgSvc:     cfg,
			DataSvc:    dataSvc,
			StorageSvc: storageSvc,
			WebhookSvc: hook,
			Clock:      clock,
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		statsStream := make(chan interface{}, 10)
		errorStream := make(chan interface{}, 10)
		in := SimpleAlerter(ctx, svcs, errorStream, statsStream)

		in <- AlertData{
			Camera:     testCamera,
			Label:      "fire",
			Confidence: 0.9,
			Image:      []byte("jpeg"),
			Timestamp:  time.Unix(1700000000, 0),
		}

		deadline := time.Now().Add(3 * time.Second)
		for len(hook.all()) < 2 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}

		posts := hook.all()
		So(len(posts), ShouldEqual, 2)

		So(posts[0].IsEarly, ShouldBeTrue)
		So(posts[0].ImageURL, ShouldBeEmpty)
		So(posts[0].CameraName, ShouldEqual, "Front gate")
		So(posts[0].Location, ShouldEqual, "east wing")
		So(posts[0].Type, ShouldEqual, "fire")

		So(posts[1].IsEarly, ShouldBeFalse)
		So(posts[1].ImageURL, ShouldStartWith, "file://")

		stored, err := os.ReadFile(filepath.Join(dir, "recordings", "alerts", "cam-1_alerted_frame_1700000000000.jpg"))
		So(err, ShouldBeNil)
		So(string(stored), ShouldEqual, "jpeg")
		So(errorStream, ShouldBeEmpty)
	})
}
