package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// AddressLoopback selects the in-process loopback bus instead of a real
// bus daemon.
const AddressLoopback = "loopback"

type Config struct {
	Bus           BusConfig          `toml:"bus"`
	Subscriptions SubscriptionConfig `toml:"subscriptions"`
	Loopback      LoopbackConfig     `toml:"loopback"`
	Metrics       MetricsConfig      `toml:"metrics"`
}

type BusConfig struct {
	// Mode is "reuse" or "new".
	Mode string `toml:"mode"`
	// Address is a bus address, "" for the system bus or "loopback".
	Address       string `toml:"address"`
	CallTimeoutMS int    `toml:"call_timeout_ms"`
}

type SubscriptionConfig struct {
	PollTimeoutMS int `toml:"poll_timeout_ms"`
}

type LoopbackConfig struct {
	Name            string `toml:"name"`
	MaxMatchRules   int    `toml:"max_match_rules"`
	MaxPayloadBytes uint64 `toml:"max_payload_bytes"`
}

type MetricsConfig struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

func Default() Config {
	return Config{
		Bus: BusConfig{
			Mode:          "reuse",
			CallTimeoutMS: 25000,
		},
		Subscriptions: SubscriptionConfig{PollTimeoutMS: 5000},
		Loopback: LoopbackConfig{
			Name:            "dbusctl",
			MaxMatchRules:   512,
			MaxPayloadBytes: 8 * 1024 * 1024,
		},
		Metrics: MetricsConfig{CorsOrigins: []string{"http://localhost:3000"}},
	}
}

// Load reads path over Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := loadToml(path, &cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func Validate(cfg Config) error {
	if _, err := cfg.BusMode(); err != nil {
		return fmt.Errorf("bus config invalid: %w", err)
	}
	addr := strings.TrimSpace(cfg.Bus.Address)
	if addr != "" && addr != AddressLoopback && !strings.Contains(addr, ":") {
		return fmt.Errorf("bus config address must be a bus address or %q: %s", AddressLoopback, addr)
	}
	if cfg.Bus.CallTimeoutMS <= 0 {
		return fmt.Errorf("bus config call_timeout_ms must be positive")
	}
	if cfg.Subscriptions.PollTimeoutMS <= 0 {
		return fmt.Errorf("subscriptions config poll_timeout_ms must be positive")
	}
	if addr == AddressLoopback {
		if strings.TrimSpace(cfg.Loopback.Name) == "" {
			return fmt.Errorf("loopback config missing name")
		}
		if cfg.Loopback.MaxMatchRules < 0 {
			return fmt.Errorf("loopback config max_match_rules must not be negative")
		}
		if cfg.Loopback.MaxPayloadBytes == 0 {
			return fmt.Errorf("loopback config max_payload_bytes must be positive")
		}
	}
	if metrics := strings.TrimSpace(cfg.Metrics.Addr); metrics != "" && !strings.Contains(metrics, ":") {
		return fmt.Errorf("metrics config addr must be host:port: %s", metrics)
	}
	return nil
}
