package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/dbusctl/internal/config"
)

// settings are per-user CLI preferences layered over the bus config.
type settings struct {
	Config      string
	Service     string
	Timeout     time.Duration
	LogLevel    string
	Matches     []string
	MetricsAddr string
}

type fileSettings struct {
	Config      string   `toml:"config"`
	Service     string   `toml:"service"`
	Timeout     string   `toml:"timeout"`
	TimeoutMS   int64    `toml:"timeout_ms"`
	LogLevel    string   `toml:"log_level"`
	Matches     []string `toml:"matches"`
	MetricsAddr string   `toml:"metrics_addr"`
}

func defaultSettings() settings {
	return settings{
		LogLevel: "info",
		Matches:  []string{"type=signal"},
	}
}

func loadSettings(path string) (settings, error) {
	out := defaultSettings()

	var raw fileSettings
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return settings{}, fmt.Errorf("load busctl settings: %w", err)
	}

	if meta.IsDefined("config") {
		out.Config = strings.TrimSpace(raw.Config)
	}

	if meta.IsDefined("service") {
		out.Service = strings.TrimSpace(raw.Service)
	}

	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return settings{}, fmt.Errorf("parse timeout: %w", err)
		}
		out.Timeout = d
	}

	if meta.IsDefined("timeout_ms") {
		out.Timeout = time.Duration(raw.TimeoutMS) * time.Millisecond
	}

	if meta.IsDefined("log_level") {
		out.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	if meta.IsDefined("matches") {
		out.Matches = normalizeMatches(raw.Matches)
	}

	if meta.IsDefined("metrics_addr") {
		out.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	return out, nil
}

func normalizeMatches(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, rule := range in {
		v := strings.TrimSpace(rule)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// busConfig loads the bus config named by the settings, or defaults.
func (s settings) busConfig() (config.Config, error) {
	if s.Config == "" {
		return config.Default(), nil
	}
	return config.Load(s.Config)
}
