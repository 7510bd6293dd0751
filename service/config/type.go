package config

import "time"

const (
	ClassifierYolo = "yolo"
	ClassifierFake = "fake"

	StorageLocal = "local"
	StorageS3    = "s3"

	PolicyExtend = "extend"
	PolicyReset  = "reset"
)

type IService interface {
	GetModeMaxShutdownTime() time.Duration
	GetInputFolder() string
	GetCamerasInputFile() string
	GetRecordingsFolder() string
	GetMaxAgents() int
	GetAgentPeriodicTimeout() time.Duration
	GetAgentMaxSourceErrors() int
	GetSamplerParameters() SamplerParameters
	GetChannelParameters() ChannelParameters
	GetDispatcherParameters() DispatcherParameters
	GetClassifierParameters() ClassifierParameters
	GetServerParameters() ServerParameters
	GetWebhookURL() string
	GetStorageParameters() StorageParameters
	GetLogParameters() LogParameters
	IsTracingEnabled() bool
}

type SamplerParameters struct {
	BaseInterval     uint64        `mapstructure:"baseInterval" validate:"min=1"`
	BurstCount       uint64        `mapstructure:"burstCount" validate:"min=1"`
	AlertPeriod      time.Duration `mapstructure:"alertPeriod" validate:"min=0"`
	AlertLabels      []string      `mapstructure:"alertLabels" validate:"min=1,dive,required"`
	EscalationPolicy string        `mapstructure:"escalationPolicy" validate:"oneof=extend reset"`
}

type ChannelParameters struct {
	DetectorURL string        `mapstructure:"detectorURL" validate:"required,url"`
	AuthToken   string        `mapstructure:"authToken"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type DispatcherParameters struct {
	Slots      int           `mapstructure:"slots" validate:"min=1"`
	QueueSize  int           `mapstructure:"queueSize" validate:"min=0"`
	JobTimeout time.Duration `mapstructure:"jobTimeout" validate:"min=0"`
	Serialize  bool          `mapstructure:"serialize"`
}

type ClassifierParameters struct {
	Type            string   `mapstructure:"type" validate:"oneof=yolo fake"`
	ModelPath       string   `mapstructure:"modelPath" validate:"required_if=Type yolo"`
	Labels          []string `mapstructure:"labels" validate:"min=1,dive,required"`
	ConfidenceFloor float64  `mapstructure:"confidenceFloor" validate:"gte=0,lte=1"`
	InputSize       int      `mapstructure:"inputSize" validate:"min=32"`
}

type ServerParameters struct {
	Addr           string `mapstructure:"addr" validate:"required"`
	AuthToken      string `mapstructure:"authToken"`
	MaxUploadBytes int64  `mapstructure:"maxUploadBytes" validate:"min=1"`
}

type StorageParameters struct {
	Type   string `mapstructure:"type" validate:"oneof=local s3"`
	Bucket string `mapstructure:"bucket" validate:"required_if=Type s3"`
	Region string `mapstructure:"region"`
	Prefix string `mapstructure:"prefix"`
	// Endpoint and UsePathStyle target S3-compatible stores such as MinIO.
	Endpoint     string `mapstructure:"endpoint" validate:"omitempty,url"`
	UsePathStyle bool   `mapstructure:"usePathStyle"`
}

type LogParameters struct {
	Level      string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"maxSizeMB" validate:"min=1"`
	MaxBackups int    `mapstructure:"maxBackups" validate:"min=0"`
	MaxAgeDays int    `mapstructure:"maxAgeDays" validate:"min=0"`
}
