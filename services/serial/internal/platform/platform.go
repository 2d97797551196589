// Package platform opens configured serial ports on the running target.
package platform

import (
	"context"
	"time"

	"tinygo.org/x/drivers"

	"uartbridge-go/errcode"
	"uartbridge-go/hw"
	"uartbridge-go/hw/sim"
	"uartbridge-go/transport"
	"uartbridge-go/types"
)

// Port is what the services need from an open serial port.
type Port interface {
	drivers.UART
	WriteByte(b byte) error
	RecvSomeContext(ctx context.Context, p []byte) (int, error)
	Stats() types.SerialStats
	Close() error
}

// Opener opens one configured port.
type Opener func(cfg types.PortConfig) (Port, error)

// Open dispatches on cfg.Backend.
func Open(cfg types.PortConfig) (Port, error) {
	switch cfg.Backend {
	case "sim", "":
		return openSim(cfg)
	case "tty":
		return openTTY(cfg)
	case "uartx":
		return openUARTX(cfg)
	default:
		return nil, &errcode.E{C: errcode.Unsupported, Op: "platform.Open", Msg: "backend " + cfg.Backend}
	}
}

// TransportConfig maps a port config onto transport settings.
func TransportConfig(cfg types.PortConfig) transport.Config {
	tc := transport.DefaultConfig()
	if cfg.Baud > 0 {
		tc.Baud = cfg.Baud
	}
	if cfg.RxSize != 0 {
		tc.RxSize = cfg.RxSize
	}
	if cfg.TxSize != 0 {
		tc.TxSize = cfg.TxSize
	}
	tc.Overflow = cfg.Overflow
	if cfg.WriteTimeoutMs > 0 {
		tc.WriteTimeout = time.Duration(cfg.WriteTimeoutMs) * time.Millisecond
	}
	return tc
}

// Frame is the line format requested by cfg.
func Frame(cfg types.PortConfig) hw.Frame {
	baud := cfg.Baud
	if baud == 0 {
		baud = transport.DefaultConfig().Baud
	}
	f := hw.Frame8N1(baud)
	if cfg.DataBits != 0 {
		f.DataBits = cfg.DataBits
	}
	if cfg.StopBits != 0 {
		f.StopBits = cfg.StopBits
	}
	f.Parity = cfg.Parity
	return f
}

// transportPort closes the peripheral after the transport.
type transportPort struct {
	*transport.Transport
	closer interface{ Close() error }
}

func (p *transportPort) Close() error {
	err := p.Transport.Close()
	if cerr := p.closer.Close(); err == nil {
		err = cerr
	}
	return err
}

type peripheral interface {
	hw.Peripheral
	Close() error
}

// attach builds a transport over dev and applies a non-8N1 format.
func attach(dev peripheral, cfg types.PortConfig) (Port, error) {
	tr, err := transport.New(dev, TransportConfig(cfg))
	if err != nil {
		dev.Close()
		return nil, err
	}
	if f := Frame(cfg); f != hw.Frame8N1(f.Baud) {
		if err := dev.Configure(f); err != nil {
			tr.Close()
			dev.Close()
			return nil, err
		}
	}
	return &transportPort{Transport: tr, closer: dev}, nil
}

func openSim(cfg types.PortConfig) (Port, error) {
	u := sim.New(sim.Config{FlowControl: true})
	if cfg.Loopback {
		sim.Loopback(u)
	}
	return attach(u, cfg)
}
