package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/dbusctl/internal/observability"
	"github.com/danmuck/dbusctl/internal/protocol/envelope"
	"github.com/danmuck/dbusctl/internal/subscription"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type monitorOptions struct {
	matches     []string
	count       int
	duration    time.Duration
	metricsAddr string
}

func newMonitorCmd(a *app) *cobra.Command {
	opts := &monitorOptions{}
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Subscribe to match rules and print matching messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("match") {
				opts.matches = a.settings.Matches
			}
			if !cmd.Flags().Changed("metrics-addr") {
				opts.metricsAddr = a.settings.MetricsAddr
				if opts.metricsAddr == "" {
					opts.metricsAddr = a.cfg.Metrics.Addr
				}
			}
			return a.monitor(cmd, opts)
		},
	}
	cmd.Flags().StringArrayVar(&opts.matches, "match", nil, "match rule to subscribe (repeatable)")
	cmd.Flags().IntVar(&opts.count, "count", 0, "exit after this many messages (0 runs until interrupted)")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "exit after this long (0 runs until interrupted)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics and /subscriptions on this address")
	return cmd
}

func formatEvent(msg *envelope.Envelope) string {
	h := msg.Header()
	line := fmt.Sprintf("%s sender=%s path=%s interface=%s member=%s", h.Kind, h.Sender, h.Path, h.Interface, h.Member)
	if body := msg.Body(); len(body) > 0 {
		line += " " + envelope.Format(body)
	}
	return line
}

func (a *app) monitor(cmd *cobra.Command, opts *monitorOptions) error {
	if len(opts.matches) == 0 {
		return fmt.Errorf("monitor needs at least one match rule")
	}
	rt, err := openRuntime(a.cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	conn, err := rt.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	reg := subscription.New(conn, a.cfg.RegistryConfig())
	defer reg.Close()

	events := make(chan string, 256)
	failed := make(chan string, len(opts.matches))
	rules := make(map[subscription.ID]string, len(opts.matches))
	for _, rule := range opts.matches {
		id := reg.CreateSignal()
		rules[id] = rule
		reg.MatchRule(id, rule)
		reg.SignalStatusCallback(id, func(id subscription.ID, status subscription.Status) {
			log.Info().Msgf("busctl.monitor id=%s rule=%q status=%s", id, rules[id], status)
			if status == subscription.StatusMatchFailed {
				failed <- rules[id]
			}
		})
		reg.SignalCallback(id, func(id subscription.ID, msg *envelope.Envelope) {
			select {
			case events <- formatEvent(msg):
			default:
				log.Warn().Msgf("busctl.monitor dropped event rule=%q", rules[id])
			}
		})
		reg.Add(id)
	}
	if err := reg.Start(); err != nil {
		return err
	}

	if opts.metricsAddr != "" {
		srv := &http.Server{Addr: opts.metricsAddr, Handler: monitorRouter(reg, rules, a.cfg.Metrics.CorsOrigins)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Msgf("busctl.monitor metrics server err=%v", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
		log.Info().Msgf("busctl.monitor metrics addr=%s", opts.metricsAddr)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	out := cmd.OutOrStdout()
	seen, failures := 0, 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case rule := <-failed:
			failures++
			fmt.Fprintf(cmd.ErrOrStderr(), "match rule rejected: %s\n", rule)
			if failures == len(opts.matches) {
				return fmt.Errorf("no match rule could be installed")
			}
		case line := <-events:
			fmt.Fprintln(out, line)
			seen++
			if opts.count > 0 && seen >= opts.count {
				return nil
			}
		}
	}
}

func monitorRouter(reg *subscription.Registry, rules map[subscription.ID]string, origins []string) *gin.Engine {
	r := observability.NewRouter("busctl", origins)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"state":  reg.State().String(),
		})
	})
	r.GET("/subscriptions", func(c *gin.Context) {
		out := make([]gin.H, 0, len(rules))
		for id, rule := range rules {
			status, ok := reg.Status(id)
			if !ok {
				continue
			}
			out = append(out, gin.H{"id": id.String(), "rule": rule, "status": status.String()})
		}
		c.JSON(http.StatusOK, gin.H{"subscriptions": out, "size": reg.Size()})
	})
	return r
}
