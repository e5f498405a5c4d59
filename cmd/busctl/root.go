package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/dbusctl/internal/config"
	"github.com/danmuck/dbusctl/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// app carries flags and the resolved configuration for one invocation.
type app struct {
	settingsFile string
	configFile   string
	address      string
	mode         string
	loopback     bool
	timeout      time.Duration
	logLevel     string

	settings settings
	cfg      config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "busctl",
		Short:         "Inspect and drive a message bus",
		Long:          `busctl issues method calls, reads and writes properties, enumerates managed objects and monitors signals on the system bus or an in-process loopback bus.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.prepare(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.settingsFile, "settings", "", "busctl settings file (BurntSushi TOML)")
	flags.StringVar(&a.configFile, "config", "", "bus config file")
	flags.StringVar(&a.address, "address", "", "bus address (empty for the system bus)")
	flags.StringVar(&a.mode, "mode", "", "connection mode (reuse, new)")
	flags.BoolVar(&a.loopback, "loopback", false, "use the in-process demo bus")
	flags.DurationVar(&a.timeout, "timeout", 0, "method call timeout")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	root.AddCommand(
		newCallCmd(a),
		newEmitCmd(a),
		newGetCmd(a),
		newSetCmd(a),
		newObjectsCmd(a),
		newMonitorCmd(a),
		newConfigCmd(a),
	)
	return root
}

// prepare resolves settings, bus config and flags, in that order of
// precedence from lowest to highest.
func (a *app) prepare(cmd *cobra.Command) error {
	logging.ConfigureRuntime()

	a.settings = defaultSettings()
	if a.settingsFile != "" {
		s, err := loadSettings(a.settingsFile)
		if err != nil {
			return err
		}
		a.settings = s
	}
	if a.configFile != "" {
		a.settings.Config = a.configFile
	}

	level := a.settings.LogLevel
	if cmd.Flags().Changed("log-level") {
		level = a.logLevel
	}
	if level != "" {
		parsed, ok := logging.ParseLevel(level)
		if !ok {
			return fmt.Errorf("unknown log level: %s", level)
		}
		zerolog.SetGlobalLevel(parsed)
	}

	cfg, err := a.settings.busConfig()
	if err != nil {
		return err
	}
	if a.settings.Timeout > 0 {
		cfg.Bus.CallTimeoutMS = int(a.settings.Timeout / time.Millisecond)
	}
	if cmd.Flags().Changed("address") {
		cfg.Bus.Address = strings.TrimSpace(a.address)
	}
	if cmd.Flags().Changed("mode") {
		cfg.Bus.Mode = a.mode
	}
	if a.loopback {
		cfg.Bus.Address = config.AddressLoopback
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Bus.CallTimeoutMS = int(a.timeout / time.Millisecond)
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// service returns args[0], or the settings' default service when args is
// one short.
func (a *app) service(args []string, want int) (string, []string, error) {
	if len(args) == want {
		return args[0], args[1:], nil
	}
	if len(args) == want-1 && a.settings.Service != "" {
		return a.settings.Service, args, nil
	}
	return "", nil, fmt.Errorf("expected %d arguments, got %d", want, len(args))
}
