package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/vs-firewatch/mode"
	"github.com/khaledhikmat/vs-firewatch/pipeline"
	"github.com/khaledhikmat/vs-firewatch/service/capture"
	"github.com/khaledhikmat/vs-firewatch/service/channel"
	"github.com/khaledhikmat/vs-firewatch/service/config"
	"github.com/khaledhikmat/vs-firewatch/service/data"
	"github.com/khaledhikmat/vs-firewatch/service/lgr"
	"github.com/khaledhikmat/vs-firewatch/service/orphan"
	"github.com/khaledhikmat/vs-firewatch/service/storage"
	"github.com/khaledhikmat/vs-firewatch/service/tracer"
	"github.com/khaledhikmat/vs-firewatch/service/webhook"
)

const (
	serviceName = "vs-firewatch"

	// WARNING: added to the mode shutdown time so the mode processor always
	// gets to finish its own drain first
	shutdownGrace = 3 * time.Second
)

func main() {
	// Load env vars if we are in DEV mode
	if os.Getenv("RUN_TIME_ENV") == "dev" || os.Getenv("RUN_TIME_ENV") == "" {
		if err := godotenv.Load(); err != nil {
			lgr.Logger.Warn("no .env file loaded", slog.Any("error", xerrors.New(err.Error())))
		}
	}

	app := &cli.App{
		Name:  "firewatch",
		Usage: "Adaptive fire and smoke detection for camera streams",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML configuration file",
				Value:   "./settings/config.yaml",
				EnvVars: []string{"FIREWATCH_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "agents",
				Usage:  "Run stream agents for orphaned cameras",
				Action: modeAction(mode.Agents),
			},
			{
				Name:   "detector",
				Usage:  "Serve the detect endpoint over the bounded dispatcher",
				Action: modeAction(mode.Detector),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		lgr.Logger.Error("firewatch failed", slog.Any("error", xerrors.New(err.Error())))
		os.Exit(1)
	}
}

func modeAction(modeProc mode.Processor) cli.ActionFunc {
	return func(c *cli.Context) error {
		return run(c.String("config"), c.Command.Name, modeProc)
	}
}

func run(cfgPath, modeName string, modeProc mode.Processor) error {
	// Invalid configuration stops us before any frame or request is accepted
	cfgSvc, err := config.NewViper(cfgPath)
	if err != nil {
		return err
	}

	lp := cfgSvc.GetLogParameters()
	logCloser := lgr.Setup(lgr.Options{
		Level:      lp.Level,
		File:       lp.File,
		MaxSizeMB:  lp.MaxSizeMB,
		MaxBackups: lp.MaxBackups,
		MaxAgeDays: lp.MaxAgeDays,
	})
	defer logCloser.Close()

	shutdownTracer, err := tracer.Setup(cfgSvc.IsTracingEnabled(), serviceName+"-"+modeName, nil)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			lgr.Logger.Warn("tracer shutdown failed", slog.Any("error", err))
		}
	}()

	rootCtx := context.Background()
	canxCtx, canxFn := context.WithCancel(rootCtx)
	defer canxFn()

	// Hook up a signal handler to cancel the context
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			lgr.Logger.Info(
				"received kill signal",
				slog.Any("signal", sig),
			)
			canxFn()
		case <-canxCtx.Done():
		}
	}()

	svcs, err := newServices(canxCtx, cfgSvc)
	if err != nil {
		return err
	}
	defer svcs.DataSvc.Finalize()
	defer svcs.OrphanSvc.Finalize()

	lgr.Logger.Info("firewatch starting",
		slog.String("mode", modeName),
		slog.String("config", cfgPath),
	)

	modeProcResult := make(chan error, 1)
	go func() {
		modeProcResult <- modeProc(canxCtx, svcs)
	}()

	// Wait for cancellation or the mode processor
	var modeErr error
	select {
	case <-canxCtx.Done():
		lgr.Logger.Info(
			"firewatch context cancelled",
		)

	case modeErr = <-modeProcResult:
		modeProcResult = nil
		if modeErr != nil {
			lgr.Logger.Info(
				"firewatch mode processor exited",
				slog.Any("error", xerrors.New(modeErr.Error())),
			)
		}
	}

	// Cancel the context if not already cancelled
	canxFn()

	if modeProcResult == nil {
		return modeErr
	}

	// The mode processor drains within its own shutdown time
	waitOnShutdown := cfgSvc.GetModeMaxShutdownTime() + shutdownGrace
	lgr.Logger.Info(
		"firewatch is waiting for the mode processor to exit",
		slog.Duration("period", waitOnShutdown),
	)

	timer := time.NewTimer(waitOnShutdown)
	defer timer.Stop()

	select {
	case <-timer.C:
		lgr.Logger.Info(
			"firewatch shutdown waiting period expired. Exiting now",
			slog.Duration("period", waitOnShutdown),
		)
		return nil

	case err := <-modeProcResult:
		if err != nil {
			lgr.Logger.Info(
				"firewatch mode processor exited",
				slog.Any("error", xerrors.New(err.Error())),
			)
		}
		return err
	}
}

// newServices builds the services every mode processor shares.
func newServices(canxCtx context.Context, cfgSvc config.IService) (pipeline.ServicesFactory, error) {
	clock := clockwork.NewRealClock()

	dataSvc, err := data.NewFilesDB(cfgSvc, clock)
	if err != nil {
		return pipeline.ServicesFactory{}, err
	}

	storageSvc, err := newStorage(canxCtx, cfgSvc)
	if err != nil {
		dataSvc.Finalize()
		return pipeline.ServicesFactory{}, err
	}

	webhookSvc := webhook.NewFake(cfgSvc)
	if cfgSvc.GetWebhookURL() != "" {
		webhookSvc = webhook.NewHTTP(cfgSvc)
	}

	return pipeline.ServicesFactory{
		CfgSvc:     cfgSvc,
		DataSvc:    dataSvc,
		OrphanSvc:  orphan.NewPolled(canxCtx, cfgSvc, dataSvc, clock),
		ChannelSvc: channel.NewHTTP(cfgSvc),
		StorageSvc: storageSvc,
		WebhookSvc: webhookSvc,
		Sources:    capture.NewSourceFactory(clock),
		Encoder:    capture.NewJPEGEncoder(capture.DefaultJPEGQuality),
		Clock:      clock,
	}, nil
}

func newStorage(ctx context.Context, cfgSvc config.IService) (storage.IService, error) {
	switch t := cfgSvc.GetStorageParameters().Type; t {
	case config.StorageLocal:
		return storage.NewLocal(cfgSvc)
	case config.StorageS3:
		return storage.NewS3(ctx, cfgSvc)
	default:
		return nil, fmt.Errorf("unknown storage type %q", t)
	}
}
