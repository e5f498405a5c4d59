package main

import (
	"sync"
	"time"

	"github.com/danmuck/dbusctl/internal/config"
	"github.com/danmuck/dbusctl/internal/protocol/envelope"
	"github.com/danmuck/dbusctl/internal/transport/loopback"
	"github.com/rs/zerolog/log"
)

const (
	demoService = "org.dbusctl.Demo"
	demoPath    = envelope.ObjectPath("/org/dbusctl/sensor0")
	demoIface   = "org.dbusctl.Sensor1"

	demoTick = 500 * time.Millisecond
)

// demo is an in-process bus with one sensor object, used by --loopback.
type demo struct {
	bus     *loopback.Bus
	service *loopback.Session

	mu      sync.Mutex
	reading int32

	stop chan struct{}
	done chan struct{}
}

func startDemo(cfg config.Config) (*demo, error) {
	b := loopback.NewBus(cfg.Loopback.Name, cfg.LoopbackLimits())
	svc, err := b.Connect()
	if err != nil {
		b.Close()
		return nil, err
	}
	d := &demo{
		bus:     b,
		service: svc,
		reading: 20,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := d.export(); err != nil {
		b.Close()
		return nil, err
	}
	go d.run()
	log.Debug().Msgf("busctl.demo.start bus=%s service=%s", b.Address(), demoService)
	return d, nil
}

func (d *demo) export() error {
	if err := d.service.RequestName(demoService); err != nil {
		return err
	}
	if err := d.service.ExportObjectManager("/"); err != nil {
		return err
	}
	props := []struct {
		name     string
		value    any
		writable bool
	}{
		{name: "Name", value: "sensor0"},
		{name: "Enabled", value: true, writable: true},
		{name: "Reading", value: d.reading},
		{name: "Unit", value: "celsius", writable: true},
		{name: "Tags", value: []string{"kitchen", "demo"}},
	}
	for _, p := range props {
		if err := d.service.AddProperty(demoPath, demoIface, p.name, p.value, p.writable); err != nil {
			return err
		}
	}
	if err := d.service.Export(demoPath, demoIface, "Echo", echoMethod); err != nil {
		return err
	}
	return d.service.Export(demoPath, demoIface, "Reset", func(call, reply *envelope.Envelope) error {
		return d.set(0)
	})
}

func echoMethod(call, reply *envelope.Envelope) error {
	for !call.AtEnd() {
		v, err := call.ReadValue()
		if err != nil {
			return err
		}
		if err := reply.WriteValue(v); err != nil {
			return err
		}
	}
	return nil
}

func (d *demo) set(reading int32) error {
	d.mu.Lock()
	d.reading = reading
	d.mu.Unlock()
	return d.service.UpdateProperty(demoPath, demoIface, "Reading", reading)
}

func (d *demo) run() {
	defer close(d.done)
	ticker := time.NewTicker(demoTick)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.mu.Lock()
			next := d.reading + 1
			d.mu.Unlock()
			if err := d.set(next); err != nil {
				log.Warn().Msgf("busctl.demo.run update err=%v", err)
				continue
			}
			if err := d.service.Emit(demoPath, demoIface, "Tick", next); err != nil {
				log.Warn().Msgf("busctl.demo.run emit err=%v", err)
			}
		}
	}
}

func (d *demo) Close() error {
	close(d.stop)
	<-d.done
	return d.bus.Close()
}
