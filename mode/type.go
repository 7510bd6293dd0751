package mode

import (
	"context"
	"log/slog"

	"github.com/khaledhikmat/vs-firewatch/model"
	"github.com/khaledhikmat/vs-firewatch/pipeline"
	"github.com/khaledhikmat/vs-firewatch/service/data"
	"github.com/khaledhikmat/vs-firewatch/service/lgr"
)

// Processor runs one process mode until the context is cancelled or it
// fails.
type Processor func(canxCtx context.Context, svcs pipeline.ServicesFactory) error

func procStats(datasvc data.IService, stats interface{}) {
	var err error
	switch stats := stats.(type) {
	case model.AgentsManagerStats:
		err = datasvc.NewAgentsManagerStats(stats)
	case model.AgentStats:
		err = datasvc.NewAgentStats(stats)
	case model.FramerStats:
		err = datasvc.NewFramerStats(stats)
	case model.AlerterStats:
		err = datasvc.NewAlerterStats(stats)
	case model.DispatcherStats:
		err = datasvc.NewDispatcherStats(stats)
	default:
		lgr.Logger.Error(
			"unknown stats type",
			slog.Any("stats", stats),
		)
		return
	}

	if err != nil {
		lgr.Logger.Error(
			"failed to store stats",
			slog.Any("stats", stats),
			slog.Any("error", err),
		)
	}
}

func procError(datasvc data.IService, err interface{}) {
	errTemp := datasvc.NewError(err)
	if errTemp != nil {
		lgr.Logger.Error(
			"failed to store error",
			slog.Any("error", errTemp),
		)
	}
}
