package data

import (
	"errors"

	"github.com/khaledhikmat/vs-firewatch/model"
)

var ErrCameraNotFound = errors.New("camera not found")

type IService interface {
	RetrieveCameras() ([]model.Camera, error)
	RetrieveCameraByID(id string) (model.Camera, error)
	RetrieveCamerasByIDs(ids []string) ([]model.Camera, error)
	RetrieveOrphanedCameras(max int) ([]model.Camera, error)
	UpdateCameraExcluded(id string, excluded bool) error
	UpdateCameraAgentID(cameraID, agentID string) error
	UpdateCameraAgentHeartbeat(id string) error

	NewError(err interface{}) error
	NewAgentsManagerStats(stats model.AgentsManagerStats) error
	NewAgentStats(stats model.AgentStats) error
	NewFramerStats(stats model.FramerStats) error
	NewAlerterStats(stats model.AlerterStats) error
	NewDispatcherStats(stats model.DispatcherStats) error

	Finalize()
}
