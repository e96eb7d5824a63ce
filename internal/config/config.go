package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Upstream.Name == "" {
		cfg.Upstream.Name = DefaultUpstreamName
	}
	if cfg.Upstream.MessageTimeout == 0 {
		cfg.Upstream.MessageTimeout = DefaultMessageTimeout
	}
	if cfg.Upstream.ReconnectInterval == 0 {
		cfg.Upstream.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.Cache != nil {
		if cfg.Cache.TTL == 0 {
			cfg.Cache.TTL = DefaultCacheTTL
		}
		if cfg.Cache.Size == 0 {
			cfg.Cache.Size = DefaultCacheSize
		}
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if cfg.Upstream.RPCURL == "" && cfg.Upstream.WSURL == "" {
		return fmt.Errorf("upstream requires rpcUrl or wsUrl")
	}
	if cfg.Upstream.PreferWS && cfg.Upstream.WSURL == "" {
		return fmt.Errorf("upstream preferWs requires wsUrl")
	}

	for method, mc := range cfg.Methods {
		if err := validateMethod(&mc); err != nil {
			return fmt.Errorf("method %s: %w", method, err)
		}
	}
	return nil
}

func validateMethod(mc *MethodConfig) error {
	if mc.AggregateParam < 0 {
		return fmt.Errorf("aggregateParam must not be negative")
	}
	if mc.IsDebounce() {
		if mc.WaitMs > 0 {
			return fmt.Errorf("waitMs and minWaitAfterAddMs are mutually exclusive")
		}
		if mc.MaxWaitMs <= 0 {
			return fmt.Errorf("maxWaitMs is required in debounce mode")
		}
		if mc.MinWaitMs > mc.MaxWaitMs {
			return fmt.Errorf("minWaitMs must not exceed maxWaitMs")
		}
		return nil
	}
	if mc.WaitMs <= 0 {
		return fmt.Errorf("waitMs is required in throttle mode")
	}
	return nil
}
