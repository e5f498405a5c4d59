package main

import (
	"fmt"

	"github.com/danmuck/dbusctl/internal/bus"
	"github.com/danmuck/dbusctl/internal/config"
	"github.com/danmuck/dbusctl/internal/transport"
	"github.com/danmuck/dbusctl/internal/transport/systembus"
)

// runtime owns the bus hub for one command invocation.
type runtime struct {
	cfg  config.Config
	hub  *bus.Hub
	demo *demo
}

func openRuntime(cfg config.Config) (*runtime, error) {
	mode, err := cfg.BusMode()
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg}
	if cfg.UsesLoopback() {
		d, err := startDemo(cfg)
		if err != nil {
			return nil, fmt.Errorf("start loopback bus: %w", err)
		}
		rt.demo = d
		rt.hub = bus.NewHub(func() (transport.Session, error) {
			s, err := d.bus.Connect()
			if err != nil {
				return nil, err
			}
			return s, nil
		})
		return rt, nil
	}

	addr := cfg.Bus.Address
	rt.hub = bus.NewHub(func() (transport.Session, error) {
		var (
			s   *systembus.Session
			err error
		)
		if addr == "" && mode == bus.ModeReuse {
			s, err = systembus.Shared()
		} else {
			s, err = systembus.Open(addr)
		}
		if err != nil {
			return nil, err
		}
		return s, nil
	})
	return rt, nil
}

// connect returns a Connection in the configured mode with the configured
// call timeout.
func (rt *runtime) connect() (*bus.Connection, error) {
	mode, err := rt.cfg.BusMode()
	if err != nil {
		return nil, err
	}
	conn, err := rt.hub.Connect(mode)
	if err != nil {
		return nil, err
	}
	conn.SetTimeout(rt.cfg.CallTimeout())
	return conn, nil
}

func (rt *runtime) Close() error {
	if rt.demo != nil {
		return rt.demo.Close()
	}
	return nil
}
