package main

import (
	"fmt"

	"github.com/danmuck/dbusctl/internal/dispatch"
	"github.com/danmuck/dbusctl/internal/protocol/envelope"
	"github.com/spf13/cobra"
)

// withDispatcher opens the runtime and a Dispatcher for one command.
func (a *app) withDispatcher(fn func(d *dispatch.Dispatcher) error) error {
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
	d := dispatch.New(conn)
	defer d.Close()
	return fn(d)
}

func newCallCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "call SERVICE PATH INTERFACE METHOD [SIGNATURE [ARGUMENT...]]",
		Short: "Call a method and print the reply",
		Args:  cobra.MinimumNArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sig string
			if len(args) > 4 {
				sig = args[4]
			}
			var tokens []string
			if len(args) > 5 {
				tokens = args[5:]
			}
			values, err := parseArgs(sig, tokens)
			if err != nil {
				return err
			}
			return a.withDispatcher(func(d *dispatch.Dispatcher) error {
				msg, err := d.MethodCall(args[0], envelope.ObjectPath(args[1]), args[2], args[3])
				if err != nil {
					return err
				}
				defer msg.Release()
				for _, v := range values {
					if err := msg.WriteValue(v); err != nil {
						return err
					}
				}
				reply, err := d.Call(msg)
				if err != nil {
					return err
				}
				defer reply.Release()
				fmt.Fprintln(cmd.OutOrStdout(), envelope.Format(reply.Body()))
				return nil
			})
		},
	}
}

func newEmitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "emit PATH INTERFACE SIGNAL [SIGNATURE [ARGUMENT...]]",
		Short: "Broadcast a signal",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sig string
			if len(args) > 3 {
				sig = args[3]
			}
			var tokens []string
			if len(args) > 4 {
				tokens = args[4:]
			}
			values, err := parseArgs(sig, tokens)
			if err != nil {
				return err
			}
			return a.withDispatcher(func(d *dispatch.Dispatcher) error {
				msg, err := d.Signal(envelope.ObjectPath(args[0]), args[1], args[2])
				if err != nil {
					return err
				}
				defer msg.Release()
				for _, v := range values {
					if err := msg.WriteValue(v); err != nil {
						return err
					}
				}
				return d.Send(msg)
			})
		},
	}
}
