package flagstore

import (
	"context"
	"log/slog"
)

// Safe wraps a Store so that backend failures are logged and degraded instead
// of propagated: reads report "not set", writes are dropped.
type Safe struct {
	backend Store
	logger  *slog.Logger
}

// NewSafe wraps backend. A nil backend behaves as an always-empty store.
func NewSafe(backend Store, logger *slog.Logger) *Safe {
	if logger == nil {
		logger = slog.Default()
	}
	return &Safe{backend: backend, logger: logger}
}

func (s *Safe) Get(ctx context.Context, key string) (string, bool, error) {
	if s.backend == nil {
		return "", false, nil
	}
	v, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		s.logger.Warn("Flag store read failed", "key", key, "error", err)
		return "", false, nil
	}
	return v, ok, nil
}

func (s *Safe) Set(ctx context.Context, key, value string) error {
	if s.backend == nil {
		return nil
	}
	if err := s.backend.Set(ctx, key, value); err != nil {
		s.logger.Warn("Flag store write failed", "key", key, "error", err)
	}
	return nil
}

func (s *Safe) Remove(ctx context.Context, key string) error {
	if s.backend == nil {
		return nil
	}
	if err := s.backend.Remove(ctx, key); err != nil {
		s.logger.Warn("Flag store remove failed", "key", key, "error", err)
	}
	return nil
}

// Ping reports the backend's availability when it supports it.
func (s *Safe) Ping(ctx context.Context) error {
	if p, ok := s.backend.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Value returns the flag value, or "" when unset or unavailable.
func (s *Safe) Value(ctx context.Context, key string) string {
	v, _, _ := s.Get(ctx, key)
	return v
}

// IsSet reports whether key holds a non-empty value.
func (s *Safe) IsSet(ctx context.Context, key string) bool {
	return s.Value(ctx, key) != ""
}

// Enable sets key to "1".
func (s *Safe) Enable(ctx context.Context, key string) {
	_ = s.Set(ctx, key, "1")
}

// Disable removes key.
func (s *Safe) Disable(ctx context.Context, key string) {
	_ = s.Remove(ctx, key)
}
