package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/khaledhikmat/vs-firewatch/model"
	"github.com/khaledhikmat/vs-firewatch/service/lgr"
	"github.com/khaledhikmat/vs-firewatch/service/sampler"
)

const reportTimeout = time.Second

// framer is the stream driver of one camera: it pulls frames, asks the
// sampler which ones to forward, sends them synchronously to the detector
// and feeds each result back. A failed send is logged and skipped, never
// retried. It returns nil when the stream ends or the context is cancelled.
func framer(canxCtx context.Context,
	svcs ServicesFactory,
	camera model.Camera,
	smp sampler.IService,
	_ chan interface{},
	statsStream chan interface{},
	alertStream chan AlertData) error {
	source, err := svcs.Sources(camera)
	if err != nil {
		return fmt.Errorf("opening source for camera %s: %w", camera.ID, err)
	}
	defer source.Close()

	clock := svcs.Clock
	maxSourceErrors := svcs.CfgSvc.GetAgentMaxSourceErrors()
	statsPeriod := svcs.CfgSvc.GetAgentPeriodicTimeout()
	metadata := camera.Metadata()

	startTime := clock.Now()
	lastReport := startTime
	stats := model.FramerStats{
		Name:   "framer",
		Camera: camera.Name,
	}

	snapshot := func() model.FramerStats {
		s := stats
		s.Uptime = int64(clock.Since(startTime).Seconds())
		if s.Uptime > 0 {
			s.FPS = int(float64(s.Frames) / float64(s.Uptime))
		}
		return s
	}
	defer func() {
		report(statsStream, snapshot())
	}()

	var index uint64
	consecutiveErrors := 0

	for {
		if canxCtx.Err() != nil {
			lgr.Logger.Info("framer context cancelled", slog.String("camera", camera.Name))
			return nil
		}

		if clock.Since(lastReport) >= statsPeriod {
			report(statsStream, snapshot())
			lastReport = clock.Now()
		}

		frame, err := source.Next(canxCtx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				lgr.Logger.Info("framer source ended", slog.String("camera", camera.Name), slog.Uint64("frames", index))
				return nil
			case canxCtx.Err() != nil:
				lgr.Logger.Info("framer context cancelled", slog.String("camera", camera.Name))
				return nil
			}

			stats.Errors++
			consecutiveErrors++
			if consecutiveErrors >= maxSourceErrors {
				return fmt.Errorf("camera %s: %d consecutive source errors: %w", camera.ID, consecutiveErrors, err)
			}
			continue
		}
		consecutiveErrors = 0

		frame.Index = index
		index++
		stats.Frames++

		decision := smp.Decide(frame.Index)
		if !decision.Forward() {
			closeFrame(frame)
			continue
		}

		payload, err := svcs.Encoder.Encode(frame)
		closeFrame(frame)
		if err != nil {
			stats.Errors++
			lgr.Logger.Warn("frame encoding failed",
				slog.String("camera", camera.Name),
				slog.Uint64("frame", frame.Index),
				slog.Any("error", err),
			)
			continue
		}

		stats.Forwarded++
		if decision == sampler.Escalated {
			stats.Escalated++
		}

		result, err := svcs.ChannelSvc.Send(canxCtx, payload, metadata, camera.AuthToken)
		if err != nil {
			if canxCtx.Err() != nil {
				return nil
			}
			stats.SendErrors++
			lgr.Logger.Warn("sending frame failed",
				slog.String("camera", camera.Name),
				slog.Uint64("frame", frame.Index),
				slog.String("decision", decision.String()),
				slog.Any("error", err),
			)
			continue
		}

		lgr.Logger.Debug("frame classified",
			slog.String("camera", camera.Name),
			slog.Uint64("frame", frame.Index),
			slog.String("decision", decision.String()),
			slog.Bool("triggered", result.Triggered),
			slog.String("label", result.Label),
		)

		if !smp.ReportResult(result) {
			continue
		}

		stats.Alerts++
		confidence := 0.0
		if result.Confidence != nil {
			confidence = *result.Confidence
		}

		alert := AlertData{
			Camera:     camera,
			Label:      result.Label,
			Confidence: confidence,
			Image:      payload,
			Timestamp:  frame.Timestamp,
		}

		// WARNING: the driver never waits on the alerter
		select {
		case alertStream <- alert:
		default:
			stats.Dropped++
			lgr.Logger.Warn("alert stream full, alert dropped",
				slog.String("camera", camera.Name),
				slog.String("label", result.Label),
			)
		}
	}
}

func closeFrame(frame Frame) {
	if frame.Buffer != nil {
		frame.Buffer.Close() // Crucial to close the image to avoid memory leaks
	}
}

// report hands stats or errors to the mode processor, giving up after a
// short wait so a draining processor cannot wedge a pipeline goroutine.
func report(stream chan interface{}, v interface{}) {
	select {
	case stream <- v:
	case <-time.After(reportTimeout):
		lgr.Logger.Warn("report dropped", slog.String("type", fmt.Sprintf("%T", v)))
	}
}
