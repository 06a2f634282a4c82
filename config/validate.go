package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate rejects configurations the daemon cannot safely run with.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress empty")
	}
	if strings.TrimSpace(cfg.Ledger.RPCURL) == "" {
		return fmt.Errorf("config: ledger.RPCURL empty")
	}
	if _, err := url.Parse(cfg.Ledger.RPCURL); err != nil {
		return fmt.Errorf("config: ledger.RPCURL: %w", err)
	}
	if cfg.Identity.BaseURL != "" {
		if _, err := url.Parse(cfg.Identity.BaseURL); err != nil {
			return fmt.Errorf("config: identity.BaseURL: %w", err)
		}
	}
	if cfg.Content.BaseURL != "" {
		if _, err := url.Parse(cfg.Content.BaseURL); err != nil {
			return fmt.Errorf("config: content.BaseURL: %w", err)
		}
	}
	if cfg.Windows.ReviewHours <= 0 {
		return fmt.Errorf("config: windows.ReviewHours <= 0")
	}
	if cfg.Windows.DisputeTimelockHours <= 0 {
		return fmt.Errorf("config: windows.DisputeTimelockHours <= 0")
	}
	if cfg.Windows.JobTTLHours < cfg.Windows.ReviewHours {
		return fmt.Errorf("config: windows.JobTTLHours shorter than review window")
	}
	if cfg.Windows.SweepIntervalMinutes <= 0 {
		return fmt.Errorf("config: windows.SweepIntervalMinutes <= 0")
	}
	return nil
}
