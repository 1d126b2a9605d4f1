package config

import (
	"time"

	"github.com/vietddude/bootwatch/internal/infra/flagstore"
	"github.com/vietddude/bootwatch/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig     `yaml:"server"`
	Logging  LoggingConfig    `yaml:"logging"`
	Platform PlatformConfig   `yaml:"platform"`
	Network  NetworkConfig    `yaml:"network"`
	Flags    flagstore.Config `yaml:"flags"`
	Database postgres.Config  `yaml:"database"`
	History  HistoryConfig    `yaml:"history"`
	Health   HealthConfig     `yaml:"health"`
	Phases   []PhaseConfig    `yaml:"phases"   validate:"required,min=1,dive"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port" validate:"gte=-1,lte=65535"` // -1 disables the health server
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"  validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// PlatformConfig describes the host the application boots on.
type PlatformConfig struct {
	ContainerHost                bool              `yaml:"container_host"`
	Connection                   *ConnectionConfig `yaml:"connection"`
	ContainerTimeoutMultiplier   float64           `yaml:"container_timeout_multiplier"    validate:"gte=0"`
	FirstLaunchTimeoutMultiplier float64           `yaml:"first_launch_timeout_multiplier" validate:"gte=0"`
	WorkerURL                    string            `yaml:"worker_url"                      validate:"omitempty,url"`
	MountURL                     string            `yaml:"mount_url"                       validate:"omitempty,url"`
	MountMarker                  string            `yaml:"mount_marker"`
}

// ConnectionConfig is a static connection hint.
type ConnectionConfig struct {
	Type         string  `yaml:"type"`
	DownlinkMbps float64 `yaml:"downlink_mbps" validate:"gte=0"`
}

// NetworkConfig holds network quality settings.
type NetworkConfig struct {
	ProbeURL       string        `yaml:"probe_url"        validate:"omitempty,url"`
	ProbePerMinute int           `yaml:"probe_per_minute" validate:"gte=0"`
	WatchInterval  time.Duration `yaml:"watch_interval"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
}

// HistoryConfig holds run history settings.
type HistoryConfig struct {
	Backend       string        `yaml:"backend"        validate:"omitempty,oneof=memory postgres"`
	Retention     time.Duration `yaml:"retention"`
	PruneSchedule string        `yaml:"prune_schedule" validate:"omitempty,cronspec"`
}

// HealthConfig holds health monitor settings.
type HealthConfig struct {
	Interval     time.Duration     `yaml:"interval"`
	ProbeTimeout time.Duration     `yaml:"probe_timeout"`
	Components   []ComponentConfig `yaml:"components"    validate:"dive"`
	Triggers     []TriggerConfig   `yaml:"triggers"      validate:"dive"`
}

// ComponentConfig declares a monitored component.
type ComponentConfig struct {
	ID               string        `yaml:"id"                validate:"required"`
	Kind             string        `yaml:"kind"              validate:"required,oneof=http grpc memory flags history"`
	URL              string        `yaml:"url"               validate:"required_if=Kind http"`
	Target           string        `yaml:"target"            validate:"required_if=Kind grpc"`
	Service          string        `yaml:"service"`
	DegradedAbove    time.Duration `yaml:"degraded_above"`
	DegradedPercent  float64       `yaml:"degraded_percent"  validate:"gte=0,lte=100"`
	UnhealthyPercent float64       `yaml:"unhealthy_percent" validate:"gte=0,lte=100"`
}

// TriggerConfig declares a one-shot recovery trigger. Every clause set in
// When must hold, or any of them when Any is set.
type TriggerConfig struct {
	ID        string          `yaml:"id"        validate:"required"`
	Component string          `yaml:"component"`
	Action    string          `yaml:"action"    validate:"required,recovery_action"`
	When      ConditionConfig `yaml:"when"`
}

// ConditionConfig holds the clauses of a trigger condition.
type ConditionConfig struct {
	Status                []string      `yaml:"status"                   validate:"dive,oneof=healthy degraded unhealthy unknown"`
	ErrorCountAtLeast     int           `yaml:"error_count_at_least"     validate:"gte=0"`
	CriticalErrorsAtLeast int           `yaml:"critical_errors_at_least" validate:"gte=0"`
	ResponseTimeAbove     time.Duration `yaml:"response_time_above"`
	Any                   bool          `yaml:"any"`
}

// PhaseConfig declares a boot phase.
type PhaseConfig struct {
	ID string `yaml:"id" validate:"required"`
	// Role marks the phase the auth or ui-mount severity rules refer to.
	Role     string        `yaml:"role"     validate:"omitempty,oneof=auth ui-mount"`
	Critical bool          `yaml:"critical"`
	Requires []string      `yaml:"requires"`
	Optional []string      `yaml:"optional"`
	Blocking []string      `yaml:"blocking"`
	Timeout  time.Duration `yaml:"timeout"`
	Retry    RetryConfig   `yaml:"retry"`
	Fallback string        `yaml:"fallback" validate:"omitempty,oneof=retry-with-backoff skip-phase degraded-mode emergency-recovery"`
	Body     BodyConfig    `yaml:"body"`
}

// RetryConfig is a phase retry policy. The condition fields build a single
// retry condition when any of them is set.
type RetryConfig struct {
	MaxRetries             int           `yaml:"max_retries"              validate:"gte=0"`
	Backoff                string        `yaml:"backoff"                  validate:"omitempty,oneof=linear exponential fixed"`
	BaseDelay              time.Duration `yaml:"base_delay"`
	MaxDelay               time.Duration `yaml:"max_delay"`
	Categories             []string      `yaml:"categories"`
	Pattern                string        `yaml:"pattern"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures" validate:"gte=0"`
}

// BodyConfig selects a built-in phase body.
type BodyConfig struct {
	Kind          string           `yaml:"kind"           validate:"required,oneof=fetch http-check grpc-health worker-register mount-check ready"`
	URL           string           `yaml:"url"            validate:"required_if=Kind http-check"`
	Target        string           `yaml:"target"         validate:"required_if=Kind grpc-health"`
	Service       string           `yaml:"service"`
	DegradedAbove time.Duration    `yaml:"degraded_above"`
	Resources     []ResourceConfig `yaml:"resources"      validate:"required_if=Kind fetch,dive"`
	Optional      []ResourceConfig `yaml:"optional"       validate:"dive"`
}

// ResourceConfig declares a resource fetched by a fetch body.
type ResourceConfig struct {
	ID          string        `yaml:"id"`
	URL         string        `yaml:"url"          validate:"required,url"`
	Priority    string        `yaml:"priority"     validate:"omitempty,oneof=critical high medium low"`
	FallbackURL string        `yaml:"fallback_url" validate:"omitempty,url"`
	Timeout     time.Duration `yaml:"timeout"`
	JSONFields  []string      `yaml:"json_fields"`
	MinBytes    int           `yaml:"min_bytes"    validate:"gte=0"`
	Cache       bool          `yaml:"cache"`
}
