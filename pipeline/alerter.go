package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/khaledhikmat/vs-firewatch/model"
	"github.com/khaledhikmat/vs-firewatch/service/lgr"
)

const alertBuffer = 100

// SimpleAlerter announces every alert twice: an early webhook post right
// away, then a full one once the snapshot is stored and has a url. Camera
// name and location are refreshed from the data service before posting.
func SimpleAlerter(canx context.Context, svcs ServicesFactory, errorStream chan interface{}, statsStream chan interface{}) chan AlertData {
	// WARNING: never closed. Framers send without blocking and may outlive
	// the alerter by a few frames.
	in := make(chan AlertData, alertBuffer)

	go func() {
		clock := svcs.Clock
		startTime := clock.Now()
		stats := model.AlerterStats{Name: "simpleAlerter"}

		snapshot := func() model.AlerterStats {
			s := stats
			s.Uptime = int64(clock.Since(startTime).Seconds())
			return s
		}
		defer func() {
			report(statsStream, snapshot())
		}()

		for {
			select {
			case <-canx.Done():
				lgr.Logger.Info(
					"alerter context cancelled",
				)
				return

			case <-clock.After(svcs.CfgSvc.GetAgentPeriodicTimeout()):
				report(statsStream, snapshot())

			case alert := <-in:
				stats.Alerts++
				if err := processAlert(canx, svcs, alert); err != nil {
					stats.Errors++
					report(errorStream, model.GenError("simple_alerter",
						err,
						map[string]interface{}{"camera": alert.Camera.ID},
						"error processing %s alert", alert.Label))
				}
			}
		}
	}()

	return in
}

func processAlert(ctx context.Context, svcs ServicesFactory, alert AlertData) error {
	camera := alert.Camera
	if fresh, err := svcs.DataSvc.RetrieveCameraByID(camera.ID); err == nil {
		camera = fresh
	}

	lgr.Logger.Info(
		"alert detected",
		slog.String("camera", camera.Name),
		slog.String("label", alert.Label),
		slog.Float64("confidence", alert.Confidence),
		slog.Time("timestamp", alert.Timestamp),
	)

	payload := model.AlertPayload{
		Type:       alert.Label,
		CameraID:   camera.ID,
		CameraName: camera.Name,
		Location:   camera.Location,
		Confidence: alert.Confidence,
		Timestamp:  alert.Timestamp.Format(time.RFC3339),
		IsEarly:    true,
	}

	if err := svcs.WebhookSvc.Post(ctx, payload); err != nil {
		lgr.Logger.Warn("early alert post failed", slog.Any("error", err))
	}

	name := fmt.Sprintf("%s_alerted_frame_%d.jpg", camera.ID, alert.Timestamp.UnixMilli())
	url, err := svcs.StorageSvc.StoreFile(ctx, name, alert.Image)
	if err != nil {
		// the full alert still goes out, without an image
		lgr.Logger.Error("storing alert snapshot failed", slog.Any("error", err))
	}

	payload.ImageURL = url
	payload.IsEarly = false
	if postErr := svcs.WebhookSvc.Post(ctx, payload); postErr != nil {
		return fmt.Errorf("posting alert: %w", postErr)
	}

	if err != nil {
		return fmt.Errorf("storing snapshot %s: %w", name, err)
	}
	return nil
}
