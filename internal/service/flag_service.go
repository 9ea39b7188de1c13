package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/digkill/NeuroMeter/internal/quota"
)

// knownFlags lists the flags the admin API may toggle, with their defaults.
var knownFlags = map[string]bool{
	quota.FlagUnlimitedLimitsEnabled: true,
}

type FlagService struct {
	settings SettingsStore
	log      *slog.Logger
}

func NewFlagService(settings SettingsStore, log *slog.Logger) *FlagService {
	return &FlagService{settings: settings, log: log}
}

func (s *FlagService) Get(ctx context.Context, key string) (bool, error) {
	def, ok := knownFlags[key]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownFlag, key)
	}
	return s.settings.Bool(ctx, key, def)
}

func (s *FlagService) Set(ctx context.Context, key string, value bool) error {
	if _, ok := knownFlags[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFlag, key)
	}
	if err := s.settings.SetBool(ctx, key, value); err != nil {
		return fmt.Errorf("set flag %s: %w", key, err)
	}
	s.log.Info("feature flag changed", "key", key, "value", value)
	return nil
}
