//go:build rp2040 || rp2350

package platform

import (
	"context"

	uartx "github.com/jangala-dev/tinygo-uartx/uartx"

	"uartbridge-go/errcode"
	"uartbridge-go/types"
)

// rp2Port adapts a uartx UART. The driver keeps its own ring and interrupt
// handler, so only queue occupancy is reported.
type rp2Port struct{ u *uartx.UART }

func (p *rp2Port) Read(b []byte) (int, error)  { return p.u.Read(b) }
func (p *rp2Port) Write(b []byte) (int, error) { return p.u.Write(b) }
func (p *rp2Port) WriteByte(c byte) error      { return p.u.WriteByte(c) }
func (p *rp2Port) Buffered() int               { return p.u.Buffered() }
func (p *rp2Port) Close() error                { return p.u.Close() }

func (p *rp2Port) RecvSomeContext(ctx context.Context, b []byte) (int, error) {
	n, err := p.u.RecvSomeContext(ctx, b)
	if err != nil && ctx.Err() == nil {
		return n, errcode.Wrap(errcode.Closed, "uartx", err)
	}
	return n, err
}

func (p *rp2Port) Stats() types.SerialStats {
	return types.SerialStats{RxQueued: p.u.Buffered(), TxIdle: true}
}

func openUARTX(cfg types.PortConfig) (Port, error) {
	var u *uartx.UART
	switch cfg.Device {
	case "uart0", "":
		u = uartx.UART0
	case "uart1":
		u = uartx.UART1
	default:
		return nil, &errcode.E{C: errcode.UnknownPort, Op: "platform.Open", Msg: cfg.Device}
	}
	// Pins default inside uartx when zero.
	if err := u.Configure(uartx.UARTConfig{BaudRate: cfg.Baud}); err != nil {
		return nil, errcode.Wrap(errcode.ResourceExhausted, "uartx.Configure", err)
	}
	var par uartx.UARTParity
	switch cfg.Parity {
	case types.ParityEven:
		par = uartx.ParityEven
	case types.ParityOdd:
		par = uartx.ParityOdd
	default:
		par = uartx.ParityNone
	}
	f := Frame(cfg)
	if err := u.SetFormat(f.DataBits, f.StopBits, par); err != nil {
		return nil, errcode.Wrap(errcode.InvalidParams, "uartx.SetFormat", err)
	}
	return &rp2Port{u: u}, nil
}
