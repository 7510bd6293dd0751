package mode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/khaledhikmat/vs-firewatch/api"
	"github.com/khaledhikmat/vs-firewatch/model"
	"github.com/khaledhikmat/vs-firewatch/pipeline"
	"github.com/khaledhikmat/vs-firewatch/service/classifier"
	"github.com/khaledhikmat/vs-firewatch/service/classifier/yolo"
	"github.com/khaledhikmat/vs-firewatch/service/config"
	"github.com/khaledhikmat/vs-firewatch/service/dispatcher"
	"github.com/khaledhikmat/vs-firewatch/service/lgr"
	"github.com/khaledhikmat/vs-firewatch/service/metrics"
)

const readHeaderTimeout = 10 * time.Second

// Detector serves the detect endpoint over a bounded dispatcher until the
// context is cancelled. Dispatcher stats are persisted every agent
// periodic timeout.
func Detector(canxCtx context.Context, svcs pipeline.ServicesFactory) error {
	if svcs.Clock == nil {
		svcs.Clock = clockwork.NewRealClock()
	}

	factory, err := classifierFactory(svcs.CfgSvc.GetClassifierParameters())
	if err != nil {
		return err
	}

	dp := svcs.CfgSvc.GetDispatcherParameters()
	disp, err := dispatcher.New(dispatcher.Parameters{
		Slots:      dp.Slots,
		QueueSize:  dp.QueueSize,
		JobTimeout: dp.JobTimeout,
		Serialize:  dp.Serialize,
	}, factory, svcs.Clock)
	if err != nil {
		return err
	}

	sp := svcs.CfgSvc.GetServerParameters()
	listener, err := net.Listen("tcp", sp.Addr)
	if err != nil {
		_ = disp.Shutdown(context.Background())
		return fmt.Errorf("listening on %s: %w", sp.Addr, err)
	}

	return serve(canxCtx, svcs, disp, listener)
}

// serve runs the HTTP server on listener and owns disp from here on.
func serve(canxCtx context.Context, svcs pipeline.ServicesFactory, disp dispatcher.IService, listener net.Listener) error {
	sp := svcs.CfgSvc.GetServerParameters()
	srv := &http.Server{
		Handler:           api.NewRouter(sp, disp, metrics.New(disp.Stats)),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serverResult := make(chan error, 1)
	go func() {
		lgr.Logger.Info("detector listening", slog.String("addr", listener.Addr().String()))
		err := srv.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serverResult <- err
	}()

	ticker := svcs.Clock.NewTicker(svcs.CfgSvc.GetAgentPeriodicTimeout())
	defer ticker.Stop()

	var runErr error
	for runErr == nil {
		select {
		case <-canxCtx.Done():
			lgr.Logger.Info(
				"detector context cancelled",
			)
			return shutdown(svcs, srv, disp)

		case err := <-serverResult:
			if err == nil {
				err = errors.New("detector server stopped unexpectedly")
			}
			runErr = err

		case <-ticker.Chan():
			procStats(svcs.DataSvc, disp.Stats())
		}
	}

	procError(svcs.DataSvc, model.GenError("detector",
		runErr,
		map[string]interface{}{},
		"detector server failed"))
	_ = disp.Shutdown(context.Background())
	return runErr
}

// shutdown stops accepting requests, lets admitted jobs finish and persists
// the final stats, all within the mode shutdown time.
func shutdown(svcs pipeline.ServicesFactory, srv *http.Server, disp dispatcher.IService) error {
	ctx, cancel := context.WithTimeout(context.Background(), svcs.CfgSvc.GetModeMaxShutdownTime())
	defer cancel()

	srvErr := srv.Shutdown(ctx)
	dispErr := disp.Shutdown(ctx)

	procStats(svcs.DataSvc, disp.Stats())
	return errors.Join(srvErr, dispErr)
}

func classifierFactory(params config.ClassifierParameters) (classifier.Factory, error) {
	switch params.Type {
	case config.ClassifierFake:
		lgr.Logger.Warn("using the fake classifier")
		return classifier.NewFake(params.ConfidenceFloor), nil
	case config.ClassifierYolo:
		return yolo.NewFactory(params)
	default:
		return nil, fmt.Errorf("unknown classifier type %q", params.Type)
	}
}
