package mode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/khaledhikmat/vs-firewatch/model"
	"github.com/khaledhikmat/vs-firewatch/pipeline"
	"github.com/khaledhikmat/vs-firewatch/service/classifier"
	"github.com/khaledhikmat/vs-firewatch/service/config"
	"github.com/khaledhikmat/vs-firewatch/service/data"
	"github.com/khaledhikmat/vs-firewatch/service/dispatcher"
	"github.com/khaledhikmat/vs-firewatch/service/orphan"
	"github.com/khaledhikmat/vs-firewatch/service/storage"
	"github.com/khaledhikmat/vs-firewatch/service/webhook"
)

type nopBuffer struct{}

func (nopBuffer) Close() error { return nil }

// tickingSource yields a frame every few milliseconds until cancelled.
type tickingSource struct {
	camera string
	reg    *sourceRegistry
}

func (s *tickingSource) Next(ctx context.Context) (pipeline.Frame, error) {
	select {
	case <-ctx.Done():
		return pipeline.Frame{}, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return pipeline.Frame{Timestamp: time.Now(), Buffer: nopBuffer{}}, nil
	}
}

func (s *tickingSource) Close() error {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	s.reg.closed[s.camera]++
	return nil
}

type sourceRegistry struct {
	mu     sync.Mutex
	opened map[string]int
	closed map[string]int
}

func newSourceRegistry() *sourceRegistry {
	return &sourceRegistry{
		opened: map[string]int{},
		closed: map[string]int{},
	}
}

func (r *sourceRegistry) factory(camera model.Camera) (pipeline.FrameSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened[camera.ID]++
	return &tickingSource{camera: camera.ID, reg: r}, nil
}

func (r *sourceRegistry) counts(id string) (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opened[id], r.closed[id]
}

type constEncoder struct{}

func (constEncoder) Encode(frame pipeline.Frame) ([]byte, error) {
	return []byte(fmt.Sprintf("frame-%d", frame.Index)), nil
}

type quietChannel struct{}

func (quietChannel) Send(_ context.Context, _ []byte, _ map[string]string, _ string) (model.DetectionResult, error) {
	return model.NoDetection(), nil
}

func newTestConfig(t *testing.T, extra string) (config.IService, string) {
	t.Helper()
	dir := t.TempDir()

	body := fmt.Sprintf(`mode:
  maxShutdownTime: 2s
agents:
  inputFolder: %s
  recordingsFolder: %s
  maxAgents: 1
  periodicTimeout: 50ms
classifier:
  type: fake
%s`, dir, filepath.Join(dir, "recordings"), extra)

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.NewViper(path)
	if err != nil {
		t.Fatal(err)
	}
	return cfg, dir
}

func writeCameras(t *testing.T, cfg config.IService, cameras []model.Camera) {
	t.Helper()
	raw, err := json.Marshal(cameras)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.GetCamerasInputFile(), raw, 0644); err != nil {
		t.Fatal(err)
	}
}

func newDataSvc(t *testing.T, cfg config.IService) data.IService {
	t.Helper()
	db, err := data.NewFilesDB(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(db.Finalize)
	return db
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func agentOf(db data.IService, id string) string {
	cameras, err := db.RetrieveCamerasByIDs([]string{id})
	if err != nil || len(cameras) != 1 {
		return ""
	}
	return cameras[0].AgentID
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestProcStats(t *testing.T) {
	Convey("Every stats type lands in its own file", t, func() {
		cfg, dir := newTestConfig(t, "")
		db := newDataSvc(t, cfg)

		procStats(db, model.AgentsManagerStats{})
		procStats(db, model.AgentStats{ID: "a1"})
		procStats(db, model.FramerStats{Name: "framer"})
		procStats(db, model.AlerterStats{Name: "simpleAlerter"})
		procStats(db, model.DispatcherStats{Slots: 2})
		procStats(db, "not stats")
		procError(db, model.GenError("test", os.ErrNotExist, map[string]interface{}{}, "boom"))

		for _, name := range []string{"agents-manager-stats", "agent-stats", "framer-stats", "alerter-stats", "dispatcher-stats", "errors"} {
			So(fileExists(filepath.Join(dir, name+".jsonl")), ShouldBeTrue)
		}
	})
}

func TestAgents(t *testing.T) {
	Convey("Given three cameras and room for one agent", t, func() {
		cfg, dir := newTestConfig(t, "")
		writeCameras(t, cfg, []model.Camera{
			{ID: "c1", Name: "front"},
			{ID: "c2", Name: "back", Excluded: true},
			{ID: "c3", Name: "yard"},
		})
		db := newDataSvc(t, cfg)
		reg := newSourceRegistry()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		clock := clockwork.NewRealClock()
		store, err := storage.NewLocal(cfg)
		So(err, ShouldBeNil)

		svcs := pipeline.ServicesFactory{
			CfgSvc:     cfg,
			DataSvc:    db,
			OrphanSvc:  orphan.NewPolled(ctx, cfg, db, clock),
			ChannelSvc: quietChannel{},
			StorageSvc: store,
			WebhookSvc: webhook.NewFake(cfg),
			Sources:    reg.factory,
			Encoder:    constEncoder{},
			Clock:      clock,
		}

		result := make(chan error, 1)
		go func() {
			result <- Agents(ctx, svcs)
		}()

		Convey("the first orphan gets an agent and the others wait", func() {
			So(waitFor(func() bool { return agentOf(db, "c1") != "" }), ShouldBeTrue)

			opened, _ := reg.counts("c1")
			So(opened, ShouldEqual, 1)
			So(agentOf(db, "c2"), ShouldEqual, "")
			So(agentOf(db, "c3"), ShouldEqual, "")

			Convey("excluding the camera stops its agent and frees the slot", func() {
				So(db.UpdateCameraExcluded("c1", true), ShouldBeNil)

				So(waitFor(func() bool {
					_, closed := reg.counts("c1")
					return closed == 1
				}), ShouldBeTrue)
				So(waitFor(func() bool { return agentOf(db, "c3") != "" }), ShouldBeTrue)
				So(agentOf(db, "c2"), ShouldEqual, "")

				cancel()
				select {
				case err := <-result:
					So(err, ShouldBeNil)
				case <-time.After(5 * time.Second):
					So("agents manager did not stop", ShouldBeEmpty)
				}

				_, closed := reg.counts("c3")
				So(closed, ShouldEqual, 1)
				So(fileExists(filepath.Join(dir, "agents-manager-stats.jsonl")), ShouldBeTrue)
			})
		})
	})
}

func pngWithTrailer(t *testing.T, trailer string) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatal(err)
	}
	buf.WriteString(trailer)
	return buf.Bytes()
}

func postImage(t *testing.T, url string, payload []byte) (*http.Response, model.DetectionResult) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("image", "frame.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Post(url, w.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var res model.DetectionResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	return resp, res
}

func TestDetector(t *testing.T) {
	Convey("Given a detector serving the fake classifier", t, func() {
		cfg, dir := newTestConfig(t, "")
		db := newDataSvc(t, cfg)
		svcs := pipeline.ServicesFactory{
			CfgSvc:  cfg,
			DataSvc: db,
			Clock:   clockwork.NewRealClock(),
		}

		factory, err := classifierFactory(cfg.GetClassifierParameters())
		So(err, ShouldBeNil)
		disp, err := dispatcher.New(dispatcher.Parameters{Slots: 2, QueueSize: 4}, factory, svcs.Clock)
		So(err, ShouldBeNil)

		listener, err := net.Listen("tcp", "127.0.0.1:0")
		So(err, ShouldBeNil)
		url := "http://" + listener.Addr().String() + "/detect"

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		result := make(chan error, 1)
		go func() {
			result <- serve(ctx, svcs, disp, listener)
		}()

		Convey("frames are classified over HTTP until shutdown", func() {
			resp, res := postImage(t, url, pngWithTrailer(t, "label=smoke;conf=0.71"))
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(res.Triggered, ShouldBeTrue)
			So(res.Label, ShouldEqual, "smoke")

			resp, res = postImage(t, url, []byte("junk"))
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
			So(res.Error, ShouldEqual, dispatcher.DecodeFailure)

			cancel()
			select {
			case err := <-result:
				So(err, ShouldBeNil)
			case <-time.After(5 * time.Second):
				So("detector did not stop", ShouldBeEmpty)
			}

			So(fileExists(filepath.Join(dir, "dispatcher-stats.jsonl")), ShouldBeTrue)

			_, err := disp.Submit(context.Background(), pngWithTrailer(t, ""))
			So(err, ShouldEqual, dispatcher.ErrClosed)
		})
	})

	Convey("An unknown classifier type is rejected", t, func() {
		_, err := classifierFactory(config.ClassifierParameters{Type: "magic"})
		So(err, ShouldNotBeNil)

		factory, err := classifierFactory(config.ClassifierParameters{Type: config.ClassifierFake, ConfidenceFloor: 0.5})
		So(err, ShouldBeNil)
		c, err := factory(0)
		So(err, ShouldBeNil)
		So(c, ShouldImplement, (*classifier.IService)(nil))
	})
}
