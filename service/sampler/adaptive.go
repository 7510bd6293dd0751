package sampler

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/khaledhikmat/vs-firewatch/model"
	"github.com/khaledhikmat/vs-firewatch/service/config"
)

var ErrInvalidParameters = errors.New("invalid sampler parameters")

type adaptive struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	labels map[string]struct{}
	burst  uint64
	policy Policy

	baseInterval      uint64
	alertPeriod       time.Duration
	alertRemaining    uint64
	lastAlertSendTime time.Time
}

// NewAdaptive returns the sampling controller of one stream. A nil clock
// means the real wall clock.
func NewAdaptive(params Parameters, clock clockwork.Clock) (IService, error) {
	if params.BaseInterval < 1 {
		return nil, fmt.Errorf("%w: base interval must be at least 1", ErrInvalidParameters)
	}
	if params.BurstCount < 1 {
		return nil, fmt.Errorf("%w: burst count must be at least 1", ErrInvalidParameters)
	}
	if params.AlertPeriod < 0 {
		return nil, fmt.Errorf("%w: alert period must not be negative", ErrInvalidParameters)
	}
	if params.Policy != PolicyExtend && params.Policy != PolicyReset {
		return nil, fmt.Errorf("%w: unknown escalation policy %d", ErrInvalidParameters, params.Policy)
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	labels := make(map[string]struct{}, len(params.AlertLabels))
	for _, l := range params.AlertLabels {
		labels[strings.ToLower(l)] = struct{}{}
	}

	return &adaptive{
		clock:        clock,
		labels:       labels,
		burst:        params.BurstCount,
		policy:       params.Policy,
		baseInterval: params.BaseInterval,
		alertPeriod:  params.AlertPeriod,
	}, nil
}

// FromConfig maps the sampler configuration section to Parameters.
func FromConfig(cfg config.SamplerParameters) (Parameters, error) {
	policy, err := ParsePolicy(cfg.EscalationPolicy)
	if err != nil {
		return Parameters{}, err
	}

	return Parameters{
		BaseInterval: cfg.BaseInterval,
		BurstCount:   cfg.BurstCount,
		AlertPeriod:  cfg.AlertPeriod,
		AlertLabels:  cfg.AlertLabels,
		Policy:       policy,
	}, nil
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "extend":
		return PolicyExtend, nil
	case "reset":
		return PolicyReset, nil
	default:
		return PolicyExtend, fmt.Errorf("%w: unknown escalation policy %q", ErrInvalidParameters, s)
	}
}

func (s *adaptive) Decide(frameIndex uint64) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.alertRemaining > 0 && now.Sub(s.lastAlertSendTime) >= s.alertPeriod {
		s.lastAlertSendTime = now
		s.alertRemaining--
		return Escalated
	}

	if frameIndex%s.baseInterval == 0 {
		return BaseRate
	}

	return Skip
}

func (s *adaptive) ShouldForward(frameIndex uint64) bool {
	return s.Decide(frameIndex).Forward()
}

func (s *adaptive) ReportResult(result model.DetectionResult) bool {
	if !result.Triggered {
		return false
	}
	if _, ok := s.labels[strings.ToLower(result.Label)]; !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.policy {
	case PolicyReset:
		s.alertRemaining = s.burst
	default:
		s.alertRemaining = max(s.alertRemaining, s.burst)
	}
	s.lastAlertSendTime = s.clock.Now()

	return true
}

func (s *adaptive) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	mode := Normal
	if s.alertRemaining > 0 {
		mode = Alert
	}

	return State{
		Mode:              mode,
		BaseInterval:      s.baseInterval,
		AlertRemaining:    s.alertRemaining,
		AlertPeriod:       s.alertPeriod,
		LastAlertSendTime: s.lastAlertSendTime,
	}
}
