package data

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/jonboulle/clockwork"

	"github.com/khaledhikmat/vs-firewatch/model"
	"github.com/khaledhikmat/vs-firewatch/service/config"
	"github.com/khaledhikmat/vs-firewatch/service/lgr"
)

const cameraCacheTTL = 5 * time.Minute

type filesDBService struct {
	CfgSvc config.IService
	clock  clockwork.Clock
	cache  *ristretto.Cache

	// serializes every read-modify-write of the cameras file and the
	// entity files
	mu sync.Mutex
}

// NewFilesDB keeps cameras in a JSON array file and appends stats and
// errors as JSON lines next to it. Camera lookups by id are cached.
func NewFilesDB(cfgsvc config.IService, clock clockwork.Clock) (IService, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating camera cache: %w", err)
	}

	return &filesDBService{
		CfgSvc: cfgsvc,
		clock:  clock,
		cache:  cache,
	}, nil
}

func (svc *filesDBService) Finalize() {
	svc.cache.Close()
}

func (svc *filesDBService) RetrieveCameras() ([]model.Camera, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.readCameras()
}

// RetrieveCameraByID serves from the cache when it can. Cached entries live
// five minutes unless the camera is updated through this service.
func (svc *filesDBService) RetrieveCameraByID(id string) (model.Camera, error) {
	if v, ok := svc.cache.Get(id); ok {
		if camera, ok := v.(model.Camera); ok {
			return camera, nil
		}
	}

	cameras, err := svc.RetrieveCameras()
	if err != nil {
		return model.Camera{}, err
	}

	for _, camera := range cameras {
		if camera.ID == id {
			svc.cache.SetWithTTL(id, camera, 1, cameraCacheTTL)
			return camera, nil
		}
	}

	return model.Camera{}, fmt.Errorf("%w: %s", ErrCameraNotFound, id)
}

func (svc *filesDBService) RetrieveCamerasByIDs(ids []string) ([]model.Camera, error) {
	cameras, err := svc.RetrieveCameras()
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	var result []model.Camera
	for _, camera := range cameras {
		if _, ok := wanted[camera.ID]; ok {
			result = append(result, camera)
		}
	}

	return result, nil
}

// RetrieveOrphanedCameras returns non-excluded cameras that have no agent or
// whose agent missed three heartbeats.
func (svc *filesDBService) RetrieveOrphanedCameras(max int) ([]model.Camera, error) {
	cameras, err := svc.RetrieveCameras()
	if err != nil {
		return nil, err
	}

	stale := int64((3 * svc.CfgSvc.GetAgentPeriodicTimeout()).Seconds())
	now := svc.clock.Now().Unix()

	var result []model.Camera
	for _, camera := range cameras {
		if len(result) >= max {
			break
		}
		if camera.Excluded {
			continue
		}
		if camera.AgentID == "" || now-camera.LastHeartBeat > stale {
			result = append(result, camera)
		}
	}

	return result, nil
}

func (svc *filesDBService) UpdateCameraExcluded(id string, excluded bool) error {
	return svc.updateCamera(id, func(c *model.Camera) {
		c.Excluded = excluded
	})
}

func (svc *filesDBService) UpdateCameraAgentID(cameraID, agentID string) error {
	now := svc.clock.Now().Unix()
	return svc.updateCamera(cameraID, func(c *model.Camera) {
		c.AgentID = agentID
		c.StartupTime = now
		c.LastHeartBeat = now
		c.Uptime = 0
	})
}

func (svc *filesDBService) UpdateCameraAgentHeartbeat(id string) error {
	now := svc.clock.Now().Unix()
	return svc.updateCamera(id, func(c *model.Camera) {
		c.LastHeartBeat = now
		c.Uptime = now - c.StartupTime
	})
}

func (svc *filesDBService) updateCamera(id string, mutate func(c *model.Camera)) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	cameras, err := svc.readCameras()
	if err != nil {
		return err
	}

	found := false
	for i := range cameras {
		if cameras[i].ID == id {
			mutate(&cameras[i])
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}

	data, err := json.MarshalIndent(cameras, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(svc.CfgSvc.GetCamerasInputFile(), data, 0644); err != nil {
		return err
	}

	svc.cache.Del(id)
	return nil
}

func (svc *filesDBService) readCameras() ([]model.Camera, error) {
	data, err := os.ReadFile(svc.CfgSvc.GetCamerasInputFile())
	if err != nil {
		return nil, err
	}

	cameras := []model.Camera{}
	if err := json.Unmarshal(data, &cameras); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", svc.CfgSvc.GetCamerasInputFile(), err)
	}

	return cameras, nil
}

func (svc *filesDBService) NewError(err interface{}) error {
	var customErr model.CustomError
	switch e := err.(type) {
	case model.CustomError:
		customErr = e
	case error:
		customErr = model.CustomError{Processor: "N/A", Inner: e, Message: e.Error(), StackTrace: "N/A"}
	default:
		customErr = model.CustomError{Processor: "N/A", Message: fmt.Sprintf("%v", e), StackTrace: "N/A"}
	}

	inner := ""
	if customErr.Inner != nil {
		inner = customErr.Inner.Error()
	}

	errorData := struct {
		Timestamp  int64                  `json:"timestamp"`
		Processor  string                 `json:"processor"`
		Inner      string                 `json:"innerError"`
		Message    string                 `json:"message"`
		StackTrace string                 `json:"stackTrace"`
		Misc       map[string]interface{} `json:"misc"`
	}{
		Timestamp:  svc.clock.Now().Unix(),
		Processor:  customErr.Processor,
		Inner:      inner,
		Message:    customErr.Message,
		StackTrace: customErr.StackTrace,
		Misc:       customErr.Misc,
	}
	return svc.newEntity(errorData, "errors")
}

func (svc *filesDBService) NewAgentsManagerStats(stats model.AgentsManagerStats) error {
	stats.Timestamp = svc.clock.Now().Unix()
	return svc.newEntity(stats, "agents-manager-stats")
}

func (svc *filesDBService) NewAgentStats(stats model.AgentStats) error {
	stats.Timestamp = svc.clock.Now().Unix()
	return svc.newEntity(stats, "agent-stats")
}

func (svc *filesDBService) NewFramerStats(stats model.FramerStats) error {
	stats.Timestamp = svc.clock.Now().Unix()
	return svc.newEntity(stats, "framer-stats")
}

func (svc *filesDBService) NewAlerterStats(stats model.AlerterStats) error {
	stats.Timestamp = svc.clock.Now().Unix()
	return svc.newEntity(stats, "alerter-stats")
}

func (svc *filesDBService) NewDispatcherStats(stats model.DispatcherStats) error {
	stats.Timestamp = svc.clock.Now().Unix()
	return svc.newEntity(stats, "dispatcher-stats")
}

// newEntity appends one JSON line to <inputFolder>/<name>.jsonl.
func (svc *filesDBService) newEntity(entity interface{}, name string) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	path := filepath.Join(svc.CfgSvc.GetInputFolder(), name+".jsonl")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	encErr := json.NewEncoder(file).Encode(entity)
	closeErr := file.Close()
	if encErr != nil {
		return encErr
	}
	if closeErr != nil {
		lgr.Logger.Warn("closing entity file", slog.String("path", path), slog.Any("error", closeErr))
	}
	return nil
}
