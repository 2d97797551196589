package transport

import (
	"context"
	"io"

	"tinygo.org/x/drivers"
)

var (
	_ drivers.UART  = (*Transport)(nil)
	_ io.ReadWriter = (*Transport)(nil)
	_ io.ByteReader = (*Transport)(nil)
	_ io.ByteWriter = (*Transport)(nil)
)

// Read waits up to ReadTimeout for the first byte, then returns whatever
// else is already queued.
func (t *Transport) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b, err := t.RecvByte(t.cfg.ReadTimeout)
	if err != nil {
		return 0, err
	}
	p[0] = b
	n := 1 + t.rx.TryPopInto(p[1:])
	t.unthrottle()
	return n, nil
}

// RecvSomeContext is Read bounded by ctx instead of ReadTimeout.
func (t *Transport) RecvSomeContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b, err := t.RecvByteContext(ctx)
	if err != nil {
		return 0, err
	}
	p[0] = b
	n := 1 + t.rx.TryPopInto(p[1:])
	t.unthrottle()
	return n, nil
}

func (t *Transport) ReadByte() (byte, error) { return t.RecvByte(t.cfg.ReadTimeout) }

// Write sends p byte by byte, each bounded by WriteTimeout. On error n
// counts the bytes accepted before it.
func (t *Transport) Write(p []byte) (int, error) {
	for i, b := range p {
		if err := t.SendByte(b, t.cfg.WriteTimeout); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

func (t *Transport) WriteByte(b byte) error { return t.SendByte(b, t.cfg.WriteTimeout) }

// Buffered is the number of received bytes waiting in the rx queue.
func (t *Transport) Buffered() int { return t.rx.Len() }

// Drain waits until every queued byte has been handed to the hardware and
// the transmitter has gone idle.
func (t *Transport) Drain(ctx context.Context) error {
	for {
		if t.closed.Load() {
			return nil
		}
		if t.tx.Len() == 0 && t.TxIdle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return t.ctxErr(ctx)
		case <-t.ctx.Done():
			return nil
		case <-t.idle:
		}
	}
}
