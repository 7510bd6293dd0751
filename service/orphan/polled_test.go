package orphan

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/khaledhikmat/vs-firewatch/model"
	"github.com/khaledhikmat/vs-firewatch/service/config"
	"github.com/khaledhikmat/vs-firewatch/service/data"
)

func newTestServices(t *testing.T, cameras []model.Camera) (config.IService, data.IService, clockwork.FakeClock) {
	t.Helper()
	dir := t.TempDir()

	cfgPath := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf("agents:\n  inputFolder: %s\n  periodicTimeout: 10s\n  maxAgents: 2\n", dir)
	if err := os.WriteFile(cfgPath, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.NewViper(cfgPath)
	if err != nil {
		t.Fatal(err)
	}

	raw, err := json.Marshal(cameras)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.GetCamerasInputFile(), raw, 0644); err != nil {
		t.Fatal(err)
	}

	clock := clockwork.NewFakeClock()
	db, err := data.NewFilesDB(cfg, clock)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(db.Finalize)

	return cfg, db, clock
}

func receive(ch <-chan []model.Camera) ([]model.Camera, bool) {
	select {
	case cameras := <-ch:
		return cameras, true
	case <-time.After(2 * time.Second):
		return nil, false
	}
}

func TestPolled(t *testing.T) {
	cameras := []model.Camera{
		{ID: "c1", Name: "front"},
		{ID: "c2", Name: "back", Excluded: true},
		{ID: "c3", Name: "yard"},
		{ID: "c4", Name: "roof"},
	}

	Convey("Given a polled orphan service", t, func() {
		cfg, db, clock := newTestServices(t, cameras)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		svc := NewPolled(ctx, cfg, db, clock)
		defer svc.Finalize()

		Convey("the first batch arrives on subscribe and is capped at max agents", func() {
			ch, err := svc.Subscribe()
			So(err, ShouldBeNil)

			batch, ok := receive(ch)
			So(ok, ShouldBeTrue)
			So(len(batch), ShouldEqual, 2)
			So(batch[0].ID, ShouldEqual, "c1")
			So(batch[1].ID, ShouldEqual, "c3")
		})

		Convey("claimed cameras are not delivered on the next poll", func() {
			ch, err := svc.Subscribe()
			So(err, ShouldBeNil)

			_, ok := receive(ch)
			So(ok, ShouldBeTrue)

			So(db.UpdateCameraAgentID("c1", "a1"), ShouldBeNil)
			So(db.UpdateCameraAgentID("c3", "a3"), ShouldBeNil)

			clock.BlockUntil(1)
			clock.Advance(10 * time.Second)

			batch, ok := receive(ch)
			So(ok, ShouldBeTrue)
			So(len(batch), ShouldEqual, 1)
			So(batch[0].ID, ShouldEqual, "c4")
		})

		Convey("subscribing twice fails", func() {
			_, err := svc.Subscribe()
			So(err, ShouldBeNil)

			_, err = svc.Subscribe()
			So(err, ShouldNotBeNil)
		})

		Convey("unsubscribe requires a subscription and allows a fresh one", func() {
			So(svc.Unsubscribe(), ShouldNotBeNil)

			first, err := svc.Subscribe()
			So(err, ShouldBeNil)
			So(svc.Unsubscribe(), ShouldBeNil)

			second, err := svc.Subscribe()
			So(err, ShouldBeNil)
			So(second, ShouldEqual, first)

			_, ok := receive(second)
			So(ok, ShouldBeTrue)
		})
	})
}
