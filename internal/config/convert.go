package config

import (
	"strings"
	"time"

	"github.com/danmuck/dbusctl/internal/bus"
	"github.com/danmuck/dbusctl/internal/protocol/frame"
	"github.com/danmuck/dbusctl/internal/subscription"
	"github.com/danmuck/dbusctl/internal/transport/loopback"
)

func (c Config) BusMode() (bus.Mode, error) {
	return bus.ParseMode(c.Bus.Mode)
}

func (c Config) UsesLoopback() bool {
	return strings.TrimSpace(c.Bus.Address) == AddressLoopback
}

func (c Config) CallTimeout() time.Duration {
	return time.Duration(c.Bus.CallTimeoutMS) * time.Millisecond
}

func (c Config) RegistryConfig() subscription.Config {
	return subscription.Config{
		PollTimeout: time.Duration(c.Subscriptions.PollTimeoutMS) * time.Millisecond,
	}
}

func (c Config) LoopbackLimits() loopback.Limits {
	limits := loopback.DefaultLimits()
	limits.MaxMatchRules = c.Loopback.MaxMatchRules
	limits.Frame = frame.Limits{
		MaxRouteBytes:   limits.Frame.MaxRouteBytes,
		MaxPayloadBytes: c.Loopback.MaxPayloadBytes,
	}
	return limits
}
