package model

import (
	"fmt"
	"runtime/debug"
)

type CustomError struct {
	Processor  string                 `json:"processor"`
	Inner      error                  `json:"innerError"`
	Message    string                 `json:"message"`
	StackTrace string                 `json:"stackTrace"`
	Misc       map[string]interface{} `json:"misc"`
}

func (e CustomError) Error() string {
	if e.Inner == nil {
		return fmt.Sprintf("%s: %s", e.Processor, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Processor, e.Message, e.Inner)
}

func (e CustomError) Unwrap() error {
	return e.Inner
}

func GenError(proc string, err error, misc map[string]interface{}, messagef string, args ...interface{}) CustomError {
	return CustomError{
		Processor:  proc,
		Inner:      err,
		Message:    fmt.Sprintf(messagef, args...),
		StackTrace: string(debug.Stack()),
		Misc:       misc,
	}
}

type Camera struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Location      string `json:"location"`
	RtspURL       string `json:"rtspUrl"`
	FramerType    string `json:"framerType"` // rtsp, file or random
	AuthToken     string `json:"authToken"`  // overrides the channel token when set
	Excluded      bool   `json:"excluded"`
	AgentID       string `json:"agentId"`       // The agent id that is currently controlling this camera
	StartupTime   int64  `json:"startupTime"`   // The startup time of the agent
	LastHeartBeat int64  `json:"lastHeartbeat"` // The last heartbeat time of the agent
	Uptime        int64  `json:"uptime"`        // The uptime of the agent
}

// Metadata is what the stream driver attaches to every forwarded frame.
func (c Camera) Metadata() map[string]string {
	return map[string]string{
		"cameraId":   c.ID,
		"cameraName": c.Name,
		"location":   c.Location,
	}
}

const NoneLabel = "none"

// DetectionResult is both the classifier verdict and the detector service
// wire format.
type DetectionResult struct {
	Triggered  bool     `json:"fire_detected"`
	Label      string   `json:"class"`
	Confidence *float64 `json:"confidence"`
	Error      string   `json:"error,omitempty"`
}

func NoDetection() DetectionResult {
	return DetectionResult{
		Triggered: false,
		Label:     NoneLabel,
	}
}

// Candidate is one labeled box proposed by a classifier for an image.
type Candidate struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
}

type AlerterStats struct {
	Name      string `json:"name"`
	Alerts    int    `json:"alerts"`
	Errors    int    `json:"errors"`
	Uptime    int64  `json:"uptime"`
	Timestamp int64  `json:"timestamp"`
}

type FramerStats struct {
	Name       string `json:"name"`
	Camera     string `json:"camera"`
	FPS        int    `json:"fps"`
	Frames     int    `json:"frames"`
	Forwarded  int    `json:"forwarded"`
	Escalated  int    `json:"escalated"`
	SendErrors int    `json:"sendErrors"`
	Alerts     int    `json:"alerts"`
	Dropped    int    `json:"droppedAlerts"`
	Errors     int    `json:"errors"`
	Uptime     int64  `json:"uptime"`
	Timestamp  int64  `json:"timestamp"`
}

type AgentStats struct {
	ID        string `json:"id"`     // Agent ID
	Camera    string `json:"camera"` // Camera name
	Uptime    int64  `json:"uptime"` // Uptime of the agent
	Timestamp int64  `json:"timestamp"`
}

type AgentsManagerStats struct {
	TotalCameras           int64   `json:"cameras"`
	TotalRunningAgents     int64   `json:"runningAgents"`
	TotalStoppedAgents     int64   `json:"stoppedAgents"`
	TotalUnaccommodated    int64   `json:"unaccommodated"`
	TotalRunningAgentsTime int64   `json:"runningAgentsUptime"`
	AvgRunningAgentsPerMin float64 `json:"avgRunningAgentsPerMin"`
	Timestamp              int64   `json:"timestamp"`
}

type DispatcherStats struct {
	Slots       int    `json:"slots"`
	QueueSize   int    `json:"queueSize"`
	Submitted   uint64 `json:"submitted"`
	Completed   uint64 `json:"completed"`
	DecodeFails uint64 `json:"decodeFails"`
	Failed      uint64 `json:"failed"`
	Rejected    uint64 `json:"rejected"`
	TimedOut    uint64 `json:"timedOut"`
	Abandoned   uint64 `json:"abandoned"`
	InFlight    int64  `json:"inFlight"`
	MaxInFlight int64  `json:"maxInFlight"`
	Queued      int    `json:"queued"`
	Timestamp   int64  `json:"timestamp"`
}

// AlertPayload is what the alerter posts to the webhook.
type AlertPayload struct {
	Type       string  `json:"type"`
	CameraID   string  `json:"cameraId"`
	CameraName string  `json:"cameraName"`
	Location   string  `json:"location"`
	Confidence float64 `json:"confidence"`
	Timestamp  string  `json:"timestamp"`
	ImageURL   string  `json:"imageUrl"`
	IsEarly    bool    `json:"isEarly"`
}
