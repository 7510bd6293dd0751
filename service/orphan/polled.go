package orphan

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/vs-firewatch/model"
	"github.com/khaledhikmat/vs-firewatch/service/config"
	"github.com/khaledhikmat/vs-firewatch/service/data"
	"github.com/khaledhikmat/vs-firewatch/service/lgr"
)

type polledService struct {
	CanxCtx context.Context
	CfgSvc  config.IService
	DataSvc data.IService

	clock clockwork.Clock

	mu            sync.Mutex
	subsCtx       context.Context
	subsCancel    context.CancelFunc
	cameraChannel chan []model.Camera
}

// NewPolled asks the data service for orphaned cameras once on subscribe and
// then every agent periodic timeout. Each batch holds at most max-agents
// cameras.
func NewPolled(canxCtx context.Context, cfgSvc config.IService, dataSvc data.IService, clock clockwork.Clock) IService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &polledService{
		CanxCtx: canxCtx,
		CfgSvc:  cfgSvc,
		DataSvc: dataSvc,
		clock:   clock,
	}
}

func (svc *polledService) Subscribe() (<-chan []model.Camera, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	if svc.subsCtx != nil {
		return nil, xerrors.New("orphan polled service. already subscribed. Unsubscribe first")
	}

	// One channel for the life of the service no matter how many times the
	// manager subscribes and unsubscribes
	if svc.cameraChannel == nil {
		svc.cameraChannel = make(chan []model.Camera)
	}

	subsCtx, subsCancel := context.WithCancel(svc.CanxCtx)
	svc.subsCtx = subsCtx
	svc.subsCancel = subsCancel

	go svc.poll(subsCtx, svc.cameraChannel)

	return svc.cameraChannel, nil
}

func (svc *polledService) Unsubscribe() error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	if svc.subsCtx == nil {
		return xerrors.New("orphan polled service. not subscribed yet. Subscribe first")
	}

	svc.subsCancel()
	svc.subsCtx = nil
	svc.subsCancel = nil
	return nil
}

func (svc *polledService) Finalize() {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	if svc.subsCancel != nil {
		svc.subsCancel()
		svc.subsCtx = nil
		svc.subsCancel = nil
	}
}

func (svc *polledService) poll(ctx context.Context, out chan<- []model.Camera) {
	for {
		cameras, err := svc.DataSvc.RetrieveOrphanedCameras(svc.CfgSvc.GetMaxAgents())
		if err != nil {
			lgr.Logger.Error(
				"orphan polled service failed to retrieve cameras",
				slog.Any("error", xerrors.Errorf("retrieving orphaned cameras: %w", err)),
			)
		}

		if len(cameras) > 0 {
			select {
			case out <- cameras:
			case <-ctx.Done():
				lgr.Logger.Info("orphan polled service subscription cancelled")
				return
			}
		}

		select {
		case <-ctx.Done():
			lgr.Logger.Info("orphan polled service subscription cancelled")
			return
		case <-svc.clock.After(svc.CfgSvc.GetAgentPeriodicTimeout()):
		}
	}
}
