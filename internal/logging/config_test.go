package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		" info ":  zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := ParseLevel(raw)
		if !ok || got != want {
			t.Fatalf("ParseLevel(%q)=%v,%v want %v", raw, got, ok, want)
		}
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Fatalf("expected unknown level to be rejected")
	}
}

func TestEnvOverridesApply(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogBypass, "true")
	t.Setenv(EnvLogTimestamp, "nope")

	cfg := defaultConfig(ProfileTest)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel {
		t.Fatalf("level override not applied: %v", cfg.Level)
	}
	if !cfg.Bypass {
		t.Fatalf("bypass override not applied")
	}
	if cfg.Timestamp {
		t.Fatalf("invalid bool must leave timestamp default")
	}
}

func TestApplyBypassWritesJSON(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	defer func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	}()

	var buf bytes.Buffer
	Apply(Config{Level: zerolog.InfoLevel, Bypass: true, Out: &buf})
	log.Info().Msgf("logging.test value=%d", 7)
	if !strings.Contains(buf.String(), `"message":"logging.test value=7"`) {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestApplyConsoleOmitsMissingTimestamp(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	defer func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	}()

	var buf bytes.Buffer
	Apply(Config{Level: zerolog.InfoLevel, NoColor: true, Out: &buf})
	log.Info().Msg("logging.test console")
	line := buf.String()
	if strings.Contains(line, "<nil>") {
		t.Fatalf("console line renders missing timestamp: %q", line)
	}
	if !strings.HasPrefix(line, "INF") || !strings.Contains(line, "logging.test console") {
		t.Fatalf("unexpected output: %q", line)
	}

	buf.Reset()
	Apply(Config{Level: zerolog.InfoLevel, NoColor: true, Timestamp: true, Out: &buf})
	log.Info().Msg("logging.test stamped")
	if strings.HasPrefix(buf.String(), "INF") || strings.Contains(buf.String(), "<nil>") {
		t.Fatalf("expected a leading timestamp: %q", buf.String())
	}
}
