package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/bootwatch/internal/core/domain"
)

// validate is shared by every Load call. Custom tags are registered in init.
var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("cronspec", validateCronSpec)
	_ = validate.RegisterValidation("recovery_action", validateRecoveryAction)
}

func validateCronSpec(fl validator.FieldLevel) bool {
	_, err := cron.ParseStandard(fl.Field().String())
	return err == nil
}

func validateRecoveryAction(fl validator.FieldLevel) bool {
	return domain.RecoveryAction(fl.Field().String()).IsValid()
}

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates YAML configuration. Environment
// variables in the content are expanded first.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Flags.Backend == "" {
		cfg.Flags.Backend = "memory"
	}
	if cfg.Network.ProbePerMinute == 0 {
		cfg.Network.ProbePerMinute = 6
	}
	if cfg.Network.BatchTimeout == 0 {
		cfg.Network.BatchTimeout = 30 * time.Second
	}
	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = 5 * time.Second
	}
	if cfg.Health.ProbeTimeout == 0 {
		cfg.Health.ProbeTimeout = 3 * time.Second
	}
	if cfg.History.Backend == "" {
		cfg.History.Backend = "memory"
		if cfg.Database.URL != "" {
			cfg.History.Backend = "postgres"
		}
	}
	if cfg.History.Retention == 0 {
		cfg.History.Retention = 30 * 24 * time.Hour
	}
	if cfg.History.PruneSchedule == "" {
		cfg.History.PruneSchedule = "@hourly"
	}

	for i := range cfg.Health.Components {
		c := &cfg.Health.Components[i]
		if c.Kind != "memory" {
			continue
		}
		if c.DegradedPercent == 0 {
			c.DegradedPercent = 85
		}
		if c.UnhealthyPercent == 0 {
			c.UnhealthyPercent = 95
		}
	}

	for i := range cfg.Phases {
		p := &cfg.Phases[i]
		if p.Timeout == 0 {
			p.Timeout = 10 * time.Second
		}
		if p.Retry.Backoff == "" {
			p.Retry.Backoff = "exponential"
		}
		if p.Retry.MaxRetries > 0 && p.Retry.BaseDelay == 0 {
			p.Retry.BaseDelay = time.Second
		}
	}
}

// Validate checks struct tags plus the rules tags cannot express.
func (c *AppConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if c.History.Backend == "postgres" && c.Database.URL == "" {
		errs = append(errs, errors.New("history backend postgres needs database.url"))
	}

	seen := make(map[string]bool, len(c.Phases))
	roles := make(map[string]string)
	for _, p := range c.Phases {
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("duplicate phase %q", p.ID))
		}
		seen[p.ID] = true
		if p.Role == "" {
			continue
		}
		if other, ok := roles[p.Role]; ok {
			errs = append(errs, fmt.Errorf("phases %q and %q both have role %s", other, p.ID, p.Role))
		}
		roles[p.Role] = p.ID
	}
	for _, p := range c.Phases {
		for _, dep := range p.Requires {
			if !seen[dep] {
				errs = append(errs, fmt.Errorf("phase %q requires unknown phase %q", p.ID, dep))
			}
		}
		if p.Body.Kind == "worker-register" && c.Platform.WorkerURL == "" {
			errs = append(errs, fmt.Errorf("phase %q needs platform.worker_url", p.ID))
		}
		if p.Body.Kind == "mount-check" && c.Platform.MountURL == "" {
			errs = append(errs, fmt.Errorf("phase %q needs platform.mount_url", p.ID))
		}
	}

	components := make(map[string]bool, len(c.Health.Components))
	for _, comp := range c.Health.Components {
		if components[comp.ID] {
			errs = append(errs, fmt.Errorf("duplicate health component %q", comp.ID))
		}
		components[comp.ID] = true
	}
	for _, t := range c.Health.Triggers {
		if t.Component != "" && !components[t.Component] {
			errs = append(errs, fmt.Errorf("trigger %q watches unknown component %q", t.ID, t.Component))
		}
		if t.When.empty() {
			errs = append(errs, fmt.Errorf("trigger %q has no condition", t.ID))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c ConditionConfig) empty() bool {
	return len(c.Status) == 0 &&
		c.ErrorCountAtLeast == 0 &&
		c.CriticalErrorsAtLeast == 0 &&
		c.ResponseTimeAbove == 0
}
