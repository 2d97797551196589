// Package transport moves bytes between a UART-like peripheral and tasks
// through two bounded queues, driven by the peripheral's interrupt.
//
// The interrupt handler never blocks and never allocates: it drains the
// receive register into the rx queue, refills the transmit register from the
// tx queue, and loops while an armed source is still pending. Task wakeups
// are deferred until the loop has finished and are issued once per queue.
//
// Transmission starts from the task side. While the transmitter is idle the
// first byte of a burst is written straight to the data register inside the
// critical section; the transmit-ready interrupt then pulls the rest from the
// tx queue until it runs dry and the transmitter is marked idle again.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"uartbridge-go/errcode"
	"uartbridge-go/hw"
	"uartbridge-go/types"
	"uartbridge-go/x/ringq"
)

// Forever blocks until the operation completes or the transport is closed.
const Forever time.Duration = -1

type Config struct {
	Baud     uint32
	RxSize   int // rx queue capacity in bytes
	TxSize   int // tx queue capacity in bytes
	Overflow types.OverflowPolicy

	// Used by Read, Write, ReadByte and WriteByte.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig is 115200 baud with 64-byte queues and blocking io adapters.
func DefaultConfig() Config {
	return Config{
		Baud:         115200,
		RxSize:       64,
		TxSize:       64,
		Overflow:     types.OverflowDisable,
		ReadTimeout:  Forever,
		WriteTimeout: Forever,
	}
}

type stats struct {
	isr, rxBytes, txBytes, direct atomic.Uint32
	framing, parity, overruns     atomic.Uint32
	rxDropped, throttled, wakes   atomic.Uint32
}

// Transport owns one peripheral and its two queues.
type Transport struct {
	p   hw.Peripheral
	cfg Config
	rx  *ringq.Queue
	tx  *ringq.Queue

	// Guarded by p.Critical (the handler runs under the same lock).
	txIdle bool

	// Written under p.Critical, read anywhere.
	throttled atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
	idle      chan struct{} // transmitter went idle

	st stats
}

// New allocates both queues, configures the peripheral for 8N1 at cfg.Baud,
// installs the interrupt handler and arms the receive and transmit sources.
// Any failure is reported as errcode.ResourceExhausted.
func New(p hw.Peripheral, cfg Config) (*Transport, error) {
	rx, err := ringq.New(cfg.RxSize)
	if err != nil {
		return nil, errcode.Wrap(errcode.ResourceExhausted, "transport.New rx", err)
	}
	tx, err := ringq.New(cfg.TxSize)
	if err != nil {
		return nil, errcode.Wrap(errcode.ResourceExhausted, "transport.New tx", err)
	}
	if err := p.Configure(hw.Frame8N1(cfg.Baud)); err != nil {
		return nil, errcode.Wrap(errcode.ResourceExhausted, "transport.New configure", err)
	}

	t := &Transport{p: p, cfg: cfg, rx: rx, tx: tx, txIdle: true, idle: make(chan struct{}, 1)}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	p.SetHandler(t.serviceInterrupt)
	p.EnableInterrupt(hw.RxReady | hw.TxReady)
	return t, nil
}

// armed is the set of sources the handler is currently servicing.
func (t *Transport) armed() hw.Status {
	if t.throttled.Load() {
		return hw.TxReady
	}
	return hw.RxReady | hw.TxReady
}

// serviceInterrupt runs in interrupt context.
func (t *Transport) serviceInterrupt() {
	t.st.isr.Add(1)
	var wakeRx, wakeTx, wentIdle bool

	for {
		st := t.p.ReadStatus()
		if st&t.armed() == 0 {
			break
		}

		if st.Has(hw.Overrun) {
			t.st.overruns.Add(1)
			t.p.ClearPending(hw.Overrun)
		}

		if st.Has(hw.RxReady) && !t.throttled.Load() {
			switch {
			case st.Has(hw.FramingError | hw.ParityError):
				_ = t.p.ReadData()
				if st.Has(hw.FramingError) {
					t.st.framing.Add(1)
				} else {
					t.st.parity.Add(1)
				}
			case t.rx.Space() == 0 && t.cfg.Overflow == types.OverflowDisable:
				// Leave the byte in hardware until a reader frees a slot.
				t.p.DisableInterrupt(hw.RxReady)
				t.throttled.Store(true)
				t.st.throttled.Add(1)
				// A reader that popped before the flag was set has already
				// passed its unthrottle check.
				if t.rx.Space() > 0 {
					t.throttled.Store(false)
					t.p.EnableInterrupt(hw.RxReady)
				}
			default:
				b := t.p.ReadData()
				if ok, w := t.rx.TryPushFromISR(b); ok {
					t.st.rxBytes.Add(1)
					wakeRx = wakeRx || w
				} else {
					t.st.rxDropped.Add(1)
				}
			}
			t.p.ClearPending(hw.RxReady)
		}

		if st.Has(hw.TxReady) {
			// Clear before refilling so a completion that races the write
			// latches again.
			t.p.ClearPending(hw.TxReady)
			if b, ok, w := t.tx.TryPopFromISR(); ok {
				t.p.WriteData(b)
				t.st.txBytes.Add(1)
				wakeTx = wakeTx || w
			} else if !t.txIdle {
				t.txIdle = true
				wentIdle = true
			}
		}
	}

	if wakeRx {
		t.rx.WakeReaders()
		t.st.wakes.Add(1)
	}
	if wakeTx {
		t.tx.WakeWriters()
		t.st.wakes.Add(1)
	}
	if wentIdle {
		select {
		case t.idle <- struct{}{}:
		default:
		}
	}
}

// Receive

// RecvByte returns the oldest received byte, waiting up to timeout. A zero
// timeout polls; Forever waits until a byte arrives or the transport closes.
func (t *Transport) RecvByte(timeout time.Duration) (byte, error) {
	if timeout == 0 {
		if t.closed.Load() {
			return 0, errcode.Closed
		}
		b, ok := t.rx.TryPop()
		if !ok {
			return 0, errcode.Timeout
		}
		t.unthrottle()
		return b, nil
	}
	ctx, cancel := t.withTimeout(timeout)
	defer cancel()
	return t.RecvByteContext(ctx)
}

// RecvByteContext is RecvByte bounded by ctx. An expired deadline is
// reported as errcode.Timeout.
func (t *Transport) RecvByteContext(ctx context.Context) (byte, error) {
	for {
		if t.closed.Load() {
			return 0, errcode.Closed
		}
		if b, ok := t.rx.TryPop(); ok {
			t.unthrottle()
			return b, nil
		}
		select {
		case <-ctx.Done():
			return 0, t.ctxErr(ctx)
		case <-t.ctx.Done():
			return 0, errcode.Closed
		case <-t.rx.Readable():
		}
	}
}

// unthrottle re-arms the receive interrupt once a slot has been freed.
func (t *Transport) unthrottle() {
	if !t.throttled.Load() {
		return
	}
	t.p.Critical(func() {
		if t.throttled.Load() && !t.closed.Load() {
			t.throttled.Store(false)
			t.p.EnableInterrupt(hw.RxReady)
		}
	})
}

// Transmit

// trySend hands b to the hardware if the transmitter is idle, otherwise to
// the tx queue. Both happen under the critical section so a byte can never
// be queued behind an idle transmitter.
func (t *Transport) trySend(b byte) bool {
	ok := false
	t.p.Critical(func() {
		if t.txIdle {
			t.txIdle = false
			t.p.WriteData(b)
			t.st.txBytes.Add(1)
			t.st.direct.Add(1)
			ok = true
			return
		}
		ok = t.tx.TryPush(b)
	})
	return ok
}

// SendByte queues b for transmission, waiting up to timeout for space. With
// a zero timeout a full queue yields errcode.Full.
func (t *Transport) SendByte(b byte, timeout time.Duration) error {
	if timeout == 0 {
		if t.closed.Load() {
			return errcode.Closed
		}
		if !t.trySend(b) {
			return errcode.Full
		}
		return nil
	}
	ctx, cancel := t.withTimeout(timeout)
	defer cancel()
	return t.SendByteContext(ctx, b)
}

// SendByteContext is SendByte bounded by ctx.
func (t *Transport) SendByteContext(ctx context.Context, b byte) error {
	for {
		if t.closed.Load() {
			return errcode.Closed
		}
		if t.trySend(b) {
			return nil
		}
		select {
		case <-ctx.Done():
			return t.ctxErr(ctx)
		case <-t.ctx.Done():
			return errcode.Closed
		case <-t.tx.Writable():
		}
	}
}

// SendString sends s without waiting. Bytes that find the queue full are
// dropped; the return value counts those accepted.
func (t *Transport) SendString(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if t.SendByte(s[i], 0) == nil {
			n++
		}
	}
	return n
}

// Close disarms the interrupt sources, removes the handler and releases
// blocked callers with errcode.Closed. Queued bytes are discarded.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.p.DisableInterrupt(hw.RxReady | hw.TxReady)
		t.p.SetHandler(nil)
		t.closed.Store(true)
		t.cancel()
	})
	return nil
}

// Introspection

// TxIdle reports whether the transmitter is waiting for a byte.
func (t *Transport) TxIdle() bool {
	idle := false
	t.p.Critical(func() { idle = t.txIdle })
	return idle
}

// RxThrottled reports whether the receive interrupt is masked because the
// rx queue filled up.
func (t *Transport) RxThrottled() bool { return t.throttled.Load() }

func (t *Transport) Config() Config { return t.cfg }

func (t *Transport) Stats() types.SerialStats {
	return types.SerialStats{
		ISR:       t.st.isr.Load(),
		RxBytes:   t.st.rxBytes.Load(),
		TxBytes:   t.st.txBytes.Load(),
		Direct:    t.st.direct.Load(),
		Framing:   t.st.framing.Load(),
		Parity:    t.st.parity.Load(),
		Overruns:  t.st.overruns.Load(),
		RxDropped: t.st.rxDropped.Load(),
		Throttled: t.st.throttled.Load(),
		Wakes:     t.st.wakes.Load(),
		RxQueued:  t.rx.Len(),
		TxQueued:  t.tx.Len(),
		TxIdle:    t.TxIdle(),
	}
}

func (t *Transport) withTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	if d < 0 {
		return context.WithCancel(t.ctx)
	}
	return context.WithTimeout(t.ctx, d)
}

func (t *Transport) ctxErr(ctx context.Context) error {
	if t.closed.Load() {
		return errcode.Closed
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errcode.Timeout
	}
	return ctx.Err()
}
