package classifier

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/khaledhikmat/vs-firewatch/model"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 6))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestBest(t *testing.T) {
	Convey("Best", t, func() {
		Convey("no candidates", func() {
			_, ok := Best(nil)
			So(ok, ShouldBeFalse)
		})

		Convey("highest confidence wins", func() {
			best, ok := Best([]model.Candidate{
				{Label: "smoke", Confidence: 0.55},
				{Label: "fire", Confidence: 0.81},
				{Label: "smoke", Confidence: 0.62},
			})
			So(ok, ShouldBeTrue)
			So(best.Label, ShouldEqual, "fire")
		})

		Convey("ties go to the first seen", func() {
			best, _ := Best([]model.Candidate{
				{Label: "smoke", Confidence: 0.7},
				{Label: "fire", Confidence: 0.7},
			})
			So(best.Label, ShouldEqual, "smoke")
		})
	})
}

func TestToResult(t *testing.T) {
	Convey("ToResult", t, func() {
		Convey("empty means no detection", func() {
			r := ToResult(nil)
			So(r.Triggered, ShouldBeFalse)
			So(r.Label, ShouldEqual, model.NoneLabel)
			So(r.Confidence, ShouldBeNil)
		})

		Convey("confidence is rounded to four places", func() {
			r := ToResult([]model.Candidate{{Label: "fire", Confidence: 0.876543}})
			So(r.Triggered, ShouldBeTrue)
			So(r.Label, ShouldEqual, "fire")
			So(*r.Confidence, ShouldAlmostEqual, 0.8765, 1e-9)
		})
	})
}

func TestFake(t *testing.T) {
	Convey("fake classifier", t, func() {
		svc, err := NewFake(0.4)(0)
		So(err, ShouldBeNil)
		defer svc.Close()

		Convey("rejects payloads that are not images", func() {
			_, err := svc.Classify(context.Background(), []byte("definitely not an image"))
			So(errors.Is(err, ErrDecode), ShouldBeTrue)
		})

		Convey("plain images produce no candidates", func() {
			cands, err := svc.Classify(context.Background(), pngBytes(t))
			So(err, ShouldBeNil)
			So(cands, ShouldBeEmpty)
		})

		Convey("a trailer yields a candidate", func() {
			payload := append(pngBytes(t), []byte("label=fire;conf=0.9")...)
			cands, err := svc.Classify(context.Background(), payload)
			So(err, ShouldBeNil)
			So(len(cands), ShouldEqual, 1)
			So(cands[0].Label, ShouldEqual, "fire")
			So(cands[0].Confidence, ShouldEqual, 0.9)
			So(cands[0].Width, ShouldEqual, 8)
			So(cands[0].Height, ShouldEqual, 6)
		})

		Convey("candidates under the floor are dropped", func() {
			payload := append(pngBytes(t), []byte("label=smoke;conf=0.2")...)
			cands, err := svc.Classify(context.Background(), payload)
			So(err, ShouldBeNil)
			So(cands, ShouldBeEmpty)
		})

		Convey("a cancelled context is honoured", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err := svc.Classify(ctx, pngBytes(t))
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
		})
	})

	Convey("Shared reuses one instance and never closes it", t, func() {
		inner, _ := NewFake(0)(0)
		f := Shared(inner)
		a, _ := f(0)
		b, _ := f(1)
		So(a.Close(), ShouldBeNil)
		So(b.Close(), ShouldBeNil)
		_, err := b.Classify(context.Background(), pngBytes(t))
		So(err, ShouldBeNil)
	})
}
