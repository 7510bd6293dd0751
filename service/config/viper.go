package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "FIREWATCH"

type settings struct {
	Mode struct {
		MaxShutdownTime time.Duration `mapstructure:"maxShutdownTime" validate:"gt=0"`
	} `mapstructure:"mode"`

	Agents struct {
		InputFolder      string        `mapstructure:"inputFolder" validate:"required"`
		CamerasFile      string        `mapstructure:"camerasFile" validate:"required"`
		RecordingsFolder string        `mapstructure:"recordingsFolder" validate:"required"`
		MaxAgents        int           `mapstructure:"maxAgents" validate:"min=1"`
		PeriodicTimeout  time.Duration `mapstructure:"periodicTimeout" validate:"gt=0"`
		MaxSourceErrors  int           `mapstructure:"maxSourceErrors" validate:"min=1"`
	} `mapstructure:"agents"`

	Sampler    SamplerParameters    `mapstructure:"sampler"`
	Channel    ChannelParameters    `mapstructure:"channel"`
	Dispatcher DispatcherParameters `mapstructure:"dispatcher"`
	Classifier ClassifierParameters `mapstructure:"classifier"`
	Server     ServerParameters     `mapstructure:"server"`

	Webhook struct {
		URL string `mapstructure:"url" validate:"omitempty,url"`
	} `mapstructure:"webhook"`

	Storage StorageParameters `mapstructure:"storage"`
	Log     LogParameters     `mapstructure:"log"`

	Tracing struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"tracing"`
}

type viperService struct {
	s settings
}

// NewViper loads the configuration from the optional YAML file at path,
// overlays FIREWATCH_* environment variables and validates the result.
// An empty path, or a path that does not exist, yields the defaults.
func NewViper(path string) (IService, error) {
	vp := viper.New()
	setDefaults(vp)

	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			vp.SetConfigFile(path)
			vp.SetConfigType(strings.TrimPrefix(filepath.Ext(path), "."))
			if err := vp.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("checking config file %s: %w", path, err)
		}
	}

	svc := &viperService{}
	if err := vp.Unmarshal(&svc.s); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := validator.New().Struct(svc.s); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return svc, nil
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("mode.maxShutdownTime", "5s")

	vp.SetDefault("agents.inputFolder", "./settings")
	vp.SetDefault("agents.camerasFile", "cameras.json")
	vp.SetDefault("agents.recordingsFolder", "./recordings")
	vp.SetDefault("agents.maxAgents", 4)
	vp.SetDefault("agents.periodicTimeout", "30s")
	vp.SetDefault("agents.maxSourceErrors", 50)

	vp.SetDefault("sampler.baseInterval", 10)
	vp.SetDefault("sampler.burstCount", 5)
	vp.SetDefault("sampler.alertPeriod", "5s")
	vp.SetDefault("sampler.alertLabels", []string{"fire", "smoke"})
	vp.SetDefault("sampler.escalationPolicy", PolicyExtend)

	vp.SetDefault("channel.detectorURL", "http://localhost:8000/detect")
	vp.SetDefault("channel.authToken", "")
	vp.SetDefault("channel.timeout", "10s")

	vp.SetDefault("dispatcher.slots", 4)
	vp.SetDefault("dispatcher.queueSize", 64)
	vp.SetDefault("dispatcher.jobTimeout", "30s")
	vp.SetDefault("dispatcher.serialize", false)

	vp.SetDefault("classifier.type", ClassifierYolo)
	vp.SetDefault("classifier.modelPath", "./models/fireandsmoke.onnx")
	vp.SetDefault("classifier.labels", []string{"fire", "smoke"})
	vp.SetDefault("classifier.confidenceFloor", 0.4)
	vp.SetDefault("classifier.inputSize", 640)

	vp.SetDefault("server.addr", ":8000")
	vp.SetDefault("server.authToken", "")
	vp.SetDefault("server.maxUploadBytes", 10<<20)

	vp.SetDefault("webhook.url", "")

	vp.SetDefault("storage.type", StorageLocal)
	vp.SetDefault("storage.bucket", "")
	vp.SetDefault("storage.region", "")
	vp.SetDefault("storage.prefix", "alerts")
	vp.SetDefault("storage.endpoint", "")
	vp.SetDefault("storage.usePathStyle", false)

	vp.SetDefault("log.level", "info")
	vp.SetDefault("log.file", "")
	vp.SetDefault("log.maxSizeMB", 10)
	vp.SetDefault("log.maxBackups", 5)
	vp.SetDefault("log.maxAgeDays", 7)

	vp.SetDefault("tracing.enabled", false)
}

func (svc *viperService) GetModeMaxShutdownTime() time.Duration {
	return svc.s.Mode.MaxShutdownTime
}

func (svc *viperService) GetInputFolder() string {
	return svc.s.Agents.InputFolder
}

func (svc *viperService) GetCamerasInputFile() string {
	return filepath.Join(svc.GetInputFolder(), svc.s.Agents.CamerasFile)
}

func (svc *viperService) GetRecordingsFolder() string {
	return svc.s.Agents.RecordingsFolder
}

func (svc *viperService) GetMaxAgents() int {
	return svc.s.Agents.MaxAgents
}

func (svc *viperService) GetAgentPeriodicTimeout() time.Duration {
	return svc.s.Agents.PeriodicTimeout
}

func (svc *viperService) GetAgentMaxSourceErrors() int {
	return svc.s.Agents.MaxSourceErrors
}

func (svc *viperService) GetSamplerParameters() SamplerParameters {
	return svc.s.Sampler
}

func (svc *viperService) GetChannelParameters() ChannelParameters {
	return svc.s.Channel
}

func (svc *viperService) GetDispatcherParameters() DispatcherParameters {
	return svc.s.Dispatcher
}

func (svc *viperService) GetClassifierParameters() ClassifierParameters {
	return svc.s.Classifier
}

func (svc *viperService) GetServerParameters() ServerParameters {
	return svc.s.Server
}

func (svc *viperService) GetWebhookURL() string {
	return svc.s.Webhook.URL
}

func (svc *viperService) GetStorageParameters() StorageParameters {
	return svc.s.Storage
}

func (svc *viperService) GetLogParameters() LogParameters {
	return svc.s.Log
}

func (svc *viperService) IsTracingEnabled() bool {
	return svc.s.Tracing.Enabled
}
