package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/khaledhikmat/vs-firewatch/model"
	"github.com/khaledhikmat/vs-firewatch/service/lgr"
	"github.com/khaledhikmat/vs-firewatch/service/sampler"
)

// Agent claims a camera, runs its stream driver and keeps the camera
// heartbeat fresh. It returns when the driver ends or the context is
// cancelled; a driver failure is returned as the agent's error.
func Agent(canxCtx context.Context,
	svcs ServicesFactory,
	errorStream chan interface{},
	statsStream chan interface{},
	alertStream chan AlertData,
	camera model.Camera) error {
	agentID := uuid.NewString()
	lgr.Logger.Info(
		"agent starting....",
		slog.String("agentID", agentID),
		slog.String("camera", camera.Name),
		slog.String("frameType", camera.FramerType),
		slog.String("rtsp", camera.RtspURL),
	)

	params, err := sampler.FromConfig(svcs.CfgSvc.GetSamplerParameters())
	if err != nil {
		return err
	}

	smp, err := sampler.NewAdaptive(params, svcs.Clock)
	if err != nil {
		return err
	}

	clock := svcs.Clock
	agentStartTime := clock.Now()
	agentStats := model.AgentStats{
		ID:     agentID,
		Camera: camera.Name,
	}

	// Update the camera agent id
	err = svcs.DataSvc.UpdateCameraAgentID(camera.ID, agentID)
	if err != nil {
		return fmt.Errorf("error updating camera agent id: %w", err)
	}

	// The driver gets its own context so the agent can stop it on the way out
	driverCtx, driverCancel := context.WithCancel(canxCtx)
	defer driverCancel()

	driverResult := make(chan error, 1)
	go func() {
		driverResult <- framer(driverCtx, svcs, camera, smp, errorStream, statsStream, alertStream)
	}()

	// Monitor cancellations and update heartbeats
	for {
		select {
		case <-canxCtx.Done():
			lgr.Logger.Info(
				"agent context cancelled",
				slog.String("camera", camera.Name),
			)
			return nil

		case err := <-driverResult:
			lgr.Logger.Info(
				"agent driver exited",
				slog.String("camera", camera.Name),
				slog.Any("error", err),
			)
			return err

		case <-clock.After(svcs.CfgSvc.GetAgentPeriodicTimeout()):
			// Update the agent heartbeat so that the camera does not look orphaned
			err := svcs.DataSvc.UpdateCameraAgentHeartbeat(camera.ID)
			if err != nil {
				lgr.Logger.Error(
					"error updating camera agent heartbeat",
					slog.Any("error", err),
				)
			}

			agentStats.Uptime = int64(clock.Since(agentStartTime).Seconds())
			report(statsStream, agentStats)

			st := smp.State()
			lgr.Logger.Debug("agent heartbeat",
				slog.String("camera", camera.Name),
				slog.String("mode", st.Mode.String()),
				slog.Uint64("alertRemaining", st.AlertRemaining),
			)
		}
	}
}
