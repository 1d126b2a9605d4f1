// Package flagstore persists the small set of session flags the boot engine
// relies on (safe mode, emergency mode, first launch, worker handle).
//
// Backends implement Store and may fail. Callers always go through Safe, which
// logs backend failures and degrades to "flag not set" instead of returning
// errors.
package flagstore

import (
	"context"
	"fmt"
	"io"
)

// Well-known flag keys.
const (
	KeySafeMode      = "safe_mode"
	KeyEmergencyMode = "emergency_mode"
	KeyLaunched      = "launched"
	KeyWorkerHandle  = "worker_handle"
	KeyLastRun       = "last_run"
)

// AllKeys lists every key a full reset removes.
var AllKeys = []string{KeySafeMode, KeyEmergencyMode, KeyLaunched, KeyWorkerHandle, KeyLastRun}

// Store is a string key/value store.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Pinger is implemented by backends that can report their availability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config selects and configures a backend.
type Config struct {
	Backend string       `yaml:"backend" validate:"omitempty,oneof=memory redis badger"`
	Prefix  string       `yaml:"prefix"`
	Redis   RedisConfig  `yaml:"redis"`
	Badger  BadgerConfig `yaml:"badger"`
}

// Open creates the configured backend. The returned closer releases it.
func Open(cfg Config) (Store, io.Closer, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), io.NopCloser(nil), nil
	case "redis":
		s, err := NewRedis(cfg.Redis, cfg.Prefix)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "badger":
		s, err := NewBadger(cfg.Badger, cfg.Prefix)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown flag store backend %q", cfg.Backend)
	}
}
