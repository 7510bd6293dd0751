package webhook

import (
	"context"
	"log/slog"

	"github.com/khaledhikmat/vs-firewatch/model"
	"github.com/khaledhikmat/vs-firewatch/service/config"
	"github.com/khaledhikmat/vs-firewatch/service/lgr"
)

type fakeService struct {
	CfgSvc config.IService
}

// NewFake only logs alerts. It is used when no webhook url is configured.
func NewFake(cfgsvc config.IService) IService {
	return &fakeService{
		CfgSvc: cfgsvc,
	}
}

func (svc *fakeService) Post(_ context.Context, payload model.AlertPayload) error {
	lgr.Logger.Info("alert (no webhook configured)", slog.Any("payload", payload))
	return nil
}
