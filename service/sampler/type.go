package sampler

import (
	"time"

	"github.com/khaledhikmat/vs-firewatch/model"
)

type Mode int

const (
	Normal Mode = iota
	Alert
)

func (m Mode) String() string {
	if m == Alert {
		return "ALERT"
	}
	return "NORMAL"
}

// Decision tells the stream driver why a frame was or was not forwarded.
type Decision int

const (
	Skip Decision = iota
	BaseRate
	Escalated
)

func (d Decision) Forward() bool {
	return d != Skip
}

func (d Decision) String() string {
	switch d {
	case BaseRate:
		return "base"
	case Escalated:
		return "escalated"
	default:
		return "skip"
	}
}

type Policy int

const (
	// PolicyExtend never lowers an active burst: remaining = max(remaining, burst).
	PolicyExtend Policy = iota
	// PolicyReset reassigns remaining = burst on every trigger.
	PolicyReset
)

type Parameters struct {
	BaseInterval uint64
	BurstCount   uint64
	AlertPeriod  time.Duration
	AlertLabels  []string
	Policy       Policy
}

type State struct {
	Mode              Mode
	BaseInterval      uint64
	AlertRemaining    uint64
	AlertPeriod       time.Duration
	LastAlertSendTime time.Time // zero before the first escalation
}

type IService interface {
	// Decide evaluates the escalation check, then the base-rate check.
	Decide(frameIndex uint64) Decision
	ShouldForward(frameIndex uint64) bool
	// ReportResult feeds a forwarded frame's verdict back. It returns true
	// when the result started or extended an escalation.
	ReportResult(result model.DetectionResult) bool
	State() State
}
