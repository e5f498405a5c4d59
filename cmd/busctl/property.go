package main

import (
	"fmt"
	"sort"

	"github.com/danmuck/dbusctl/internal/dispatch"
	"github.com/danmuck/dbusctl/internal/protocol/envelope"
	"github.com/spf13/cobra"
)

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get [SERVICE] PATH INTERFACE PROPERTY",
		Short: "Read one property",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, rest, err := a.service(args, 4)
			if err != nil {
				return err
			}
			return a.withDispatcher(func(d *dispatch.Dispatcher) error {
				reply, err := d.PropertyGet(service, envelope.ObjectPath(rest[0]), rest[1], rest[2])
				if err != nil {
					return err
				}
				defer reply.Release()
				v, err := reply.ReadValue()
				if err != nil {
					return err
				}
				if err := reply.ExitContainer(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), envelope.Format([]envelope.Value{v}))
				return nil
			})
		},
	}
}

func newSetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set SERVICE PATH INTERFACE PROPERTY SIGNATURE ARGUMENT...",
		Short: "Write one property",
		Args:  cobra.MinimumNArgs(6),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseArgs(args[4], args[5:])
			if err != nil {
				return err
			}
			if len(values) != 1 {
				return fmt.Errorf("property signature must be one complete type: %q", args[4])
			}
			return a.withDispatcher(func(d *dispatch.Dispatcher) error {
				return d.SetProperty(args[0], envelope.ObjectPath(args[1]), args[2], args[3], values[0])
			})
		},
	}
}

func newObjectsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "objects [SERVICE]",
		Short: "List managed objects with their interfaces and properties",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, _, err := a.service(args, 1)
			if err != nil {
				return err
			}
			return a.withDispatcher(func(d *dispatch.Dispatcher) error {
				objects, err := d.Objects(service)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, obj := range objects {
					fmt.Fprintln(out, obj.Path)
					for _, iface := range obj.InterfaceNames() {
						fmt.Fprintf(out, "  %s\n", iface)
						props := obj.Interfaces[iface]
						for _, name := range sortedKeys(props) {
							fmt.Fprintf(out, "    %s %s\n", name, envelope.Format([]envelope.Value{props[name]}))
						}
					}
				}
				return nil
			})
		},
	}
}

func sortedKeys(m map[string]envelope.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
