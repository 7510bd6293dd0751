package mode

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/khaledhikmat/vs-firewatch/model"
	"github.com/khaledhikmat/vs-firewatch/pipeline"
	"github.com/khaledhikmat/vs-firewatch/service/lgr"
)

type agent struct {
	camera model.Camera
	canxFn context.CancelFunc
}

type agentExit struct {
	ref *agent
	err error
}

type agentsManager struct {
	svcs  pipeline.ServicesFactory
	clock clockwork.Clock

	maxAgents int
	group     errgroup.Group
	running   map[string]*agent
	exited    chan agentExit

	subscribed bool
	stats      model.AgentsManagerStats
	startTime  int64
	samples    int64

	errorStream chan interface{}
	statsStream chan interface{}
	alertStream chan pipeline.AlertData
}

// Agents runs one agent per orphaned camera, up to the configured maximum.
// It stops subscribing to orphans while full and stops agents whose camera
// gets excluded.
func Agents(canxCtx context.Context, svcs pipeline.ServicesFactory) error {
	if svcs.Clock == nil {
		svcs.Clock = clockwork.NewRealClock()
	}

	orphanStream, err := svcs.OrphanSvc.Subscribe()
	if err != nil {
		return err
	}

	mgr := &agentsManager{
		svcs:       svcs,
		clock:      svcs.Clock,
		maxAgents:  svcs.CfgSvc.GetMaxAgents(),
		running:    map[string]*agent{},
		subscribed: true,
		startTime:  svcs.Clock.Now().Unix(),
		// WARNING: never closed. Agents and the alerter may still report
		// while the manager is draining.
		errorStream: make(chan interface{}),
		statsStream: make(chan interface{}),
	}
	// every started agent can always post its exit without blocking
	mgr.exited = make(chan agentExit, mgr.maxAgents)
	mgr.group.SetLimit(mgr.maxAgents)

	mgr.alertStream = pipeline.SimpleAlerter(canxCtx, svcs, mgr.errorStream, mgr.statsStream)

	ticker := mgr.clock.NewTicker(svcs.CfgSvc.GetAgentPeriodicTimeout())
	defer ticker.Stop()

	for {
		select {
		case <-canxCtx.Done():
			lgr.Logger.Info(
				"agents manager context cancelled",
			)
			return mgr.drain()

		case cameras := <-orphanStream:
			mgr.start(canxCtx, cameras)

		case ex := <-mgr.exited:
			mgr.exit(ex)

		case <-ticker.Chan():
			mgr.stopExcluded()
			mgr.resubscribe()
			mgr.reportStats()

		case s := <-mgr.statsStream:
			procStats(svcs.DataSvc, s)

		case e := <-mgr.errorStream:
			procError(svcs.DataSvc, e)
		}
	}
}

func (mgr *agentsManager) start(canxCtx context.Context, cameras []model.Camera) {
	unaccommodated := 0

	for _, camera := range cameras {
		if _, ok := mgr.running[camera.ID]; ok {
			continue
		}

		// A child context lets us stop one agent without the others
		agentCanxCtx, agentCanxFn := context.WithCancel(canxCtx)
		ref := &agent{camera: camera, canxFn: agentCanxFn}

		started := mgr.group.TryGo(func() error {
			err := pipeline.Agent(agentCanxCtx, mgr.svcs, mgr.errorStream, mgr.statsStream, mgr.alertStream, camera)
			mgr.exited <- agentExit{ref: ref, err: err}
			return nil
		})
		if !started {
			agentCanxFn()
			unaccommodated++
			continue
		}

		mgr.running[camera.ID] = ref
	}

	if unaccommodated > 0 {
		mgr.stats.TotalUnaccommodated += int64(unaccommodated)
		lgr.Logger.Debug(
			"agents pod could not accommodate these cameras.",
			slog.Int("runningAgents", len(mgr.running)),
			slog.Int("maxAgents", mgr.maxAgents),
			slog.Int("unaccommodated", unaccommodated),
		)
	}

	// Stop consuming orphans we cannot host so other pods can claim them
	if len(mgr.running) >= mgr.maxAgents && mgr.subscribed {
		if err := mgr.svcs.OrphanSvc.Unsubscribe(); err != nil {
			procError(mgr.svcs.DataSvc, model.GenError("agents_manager",
				err,
				map[string]interface{}{},
				"error unsubscribing from orphan service"))
			return
		}
		mgr.subscribed = false
	}
}

func (mgr *agentsManager) exit(ex agentExit) {
	ex.ref.canxFn()
	mgr.stats.TotalStoppedAgents++

	if cur, ok := mgr.running[ex.ref.camera.ID]; ok && cur == ex.ref {
		delete(mgr.running, ex.ref.camera.ID)
	}

	if ex.err != nil {
		procError(mgr.svcs.DataSvc, model.GenError("agents_manager",
			ex.err,
			map[string]interface{}{"camera": ex.ref.camera.ID},
			"agent for camera %s exited",
			ex.ref.camera.Name))
	}
}

// stopExcluded cancels the agents whose camera is now excluded.
func (mgr *agentsManager) stopExcluded() {
	if len(mgr.running) == 0 {
		return
	}

	ids := make([]string, 0, len(mgr.running))
	for id := range mgr.running {
		ids = append(ids, id)
	}

	cameras, err := mgr.svcs.DataSvc.RetrieveCamerasByIDs(ids)
	if err != nil {
		procError(mgr.svcs.DataSvc, model.GenError("agents_manager",
			err,
			map[string]interface{}{},
			"error retrieving cameras by IDs from the data service"))
		return
	}

	for _, camera := range cameras {
		if !camera.Excluded {
			continue
		}

		ref, ok := mgr.running[camera.ID]
		if !ok {
			continue
		}

		lgr.Logger.Info(
			"stopping agent of excluded camera",
			slog.String("cameraID", camera.ID),
		)
		ref.canxFn()
		delete(mgr.running, camera.ID)
	}
}

func (mgr *agentsManager) resubscribe() {
	if mgr.subscribed || len(mgr.running) >= mgr.maxAgents {
		return
	}

	if _, err := mgr.svcs.OrphanSvc.Subscribe(); err != nil {
		procError(mgr.svcs.DataSvc, model.GenError("agents_manager",
			err,
			map[string]interface{}{},
			"error subscribing to orphan service"))
		return
	}
	mgr.subscribed = true
}

func (mgr *agentsManager) reportStats() {
	cameras, err := mgr.svcs.DataSvc.RetrieveCameras()
	if err == nil {
		mgr.stats.TotalCameras = int64(len(cameras))
	}

	mgr.samples += int64(len(mgr.running))
	mgr.stats.TotalRunningAgents = int64(len(mgr.running))
	mgr.stats.TotalRunningAgentsTime = mgr.clock.Now().Unix() - mgr.startTime
	if mgr.stats.TotalRunningAgentsTime > 0 {
		uptimeInMinutes := float64(mgr.stats.TotalRunningAgentsTime) / 60.0
		mgr.stats.AvgRunningAgentsPerMin = float64(mgr.samples) / uptimeInMinutes
	} else {
		mgr.stats.AvgRunningAgentsPerMin = 0.0
	}

	procStats(mgr.svcs.DataSvc, mgr.stats)
}

// drain keeps persisting reports while the agents wind down, for at most
// the mode shutdown time.
func (mgr *agentsManager) drain() error {
	lgr.Logger.Info(
		"agents manager is waiting for all agents to exit",
		slog.Int("runningAgents", len(mgr.running)),
	)

	drained := make(chan struct{})
	go func() {
		_ = mgr.group.Wait()
		close(drained)
	}()

	timer := mgr.clock.NewTimer(mgr.svcs.CfgSvc.GetModeMaxShutdownTime())
	defer timer.Stop()

	for {
		select {
		case <-timer.Chan():
			lgr.Logger.Info(
				"agents manager shutdown waiting period expired. Exiting now",
				slog.Duration("period", mgr.svcs.CfgSvc.GetModeMaxShutdownTime()),
			)
			return nil

		case <-drained:
			lgr.Logger.Info("all agents exited")
			mgr.reportStats()
			return nil

		case ex := <-mgr.exited:
			mgr.exit(ex)

		case s := <-mgr.statsStream:
			procStats(mgr.svcs.DataSvc, s)

		case e := <-mgr.errorStream:
			procError(mgr.svcs.DataSvc, e)
		}
	}
}
