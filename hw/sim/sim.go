// Package sim is a register-level software UART.
//
// It models a receive FIFO whose entries carry per-byte line errors, a
// one-byte transmit holding register, a latched transmit-empty flag, a
// sticky overrun flag and the interrupt line. RxReady is level-sensitive:
// it stays set while the receive FIFO holds data.
//
// In Manual mode nothing moves by itself; tests call Shift to complete a
// transmission and Fire to raise the interrupt line. Otherwise a controller
// goroutine shifts transmitted bytes onto the wire and dispatches the
// handler whenever an enabled condition is pending.
package sim

import (
	"sync"
	"time"

	"uartbridge-go/hw"
)

const DefaultRxDepth = 16

type Config struct {
	RxDepth  int           // hardware receive FIFO depth; default 16
	Manual   bool          // no controller goroutine
	ByteTime time.Duration // per-character shift time in automatic mode; 0 shifts immediately

	// FlowControl holds the transmitter while the peer's receive FIFO is
	// full, as RTS/CTS wiring would.
	FlowControl bool
}

type entry struct {
	b    byte
	errs hw.Status
}

// UART implements hw.Peripheral.
type UART struct {
	hw.Line

	cfg Config

	mu      sync.Mutex // registers
	frame   hw.Frame
	rx      []entry
	thr     byte
	thrFull bool
	latched hw.Status // TxReady, Overrun
	wire    []byte
	peer    *UART
	stalled *UART // sender held by our full FIFO

	kick chan struct{}
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// New returns an unconfigured UART. In automatic mode its controller runs
// until Close.
func New(cfg Config) *UART {
	if cfg.RxDepth <= 0 {
		cfg.RxDepth = DefaultRxDepth
	}
	u := &UART{
		cfg:  cfg,
		rx:   make([]entry, 0, cfg.RxDepth),
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if !cfg.Manual {
		u.wg.Add(1)
		go u.run()
	}
	return u
}

// Loopback wires the transmitter back into the receiver.
func Loopback(u *UART) {
	u.mu.Lock()
	u.peer = u
	u.mu.Unlock()
}

// Connect wires two UARTs as a null-modem pair.
func Connect(a, b *UART) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

// Registers

func (u *UART) Configure(f hw.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	u.mu.Lock()
	u.frame = f
	u.rx = u.rx[:0]
	u.latched = 0
	u.mu.Unlock()
	return nil
}

func (u *UART) ReadStatus() hw.Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.statusLocked()
}

func (u *UART) statusLocked() hw.Status {
	s := u.latched
	if len(u.rx) > 0 {
		s |= hw.RxReady | u.rx[0].errs
	}
	return s
}

// ClearPending acknowledges latched conditions. RxReady cannot be cleared
// while the receive FIFO holds data.
func (u *UART) ClearPending(s hw.Status) {
	u.mu.Lock()
	u.latched &^= s & (hw.TxReady | hw.Overrun)
	u.mu.Unlock()
}

// ReadData pops the head of the receive FIFO. Reading an empty FIFO yields 0.
func (u *UART) ReadData() byte {
	u.mu.Lock()
	if len(u.rx) == 0 {
		u.mu.Unlock()
		return 0
	}
	e := u.rx[0]
	copy(u.rx, u.rx[1:])
	u.rx = u.rx[:len(u.rx)-1]
	w := u.stalled
	u.stalled = nil
	u.mu.Unlock()
	if w != nil {
		w.poke()
	}
	return e.b
}

// WriteData loads the transmit holding register. A byte already waiting
// there is overwritten.
func (u *UART) WriteData(b byte) {
	u.mu.Lock()
	u.thr = b
	u.thrFull = true
	u.latched &^= hw.TxReady
	u.mu.Unlock()
	u.poke()
}

func (u *UART) EnableInterrupt(s hw.Status) {
	u.Line.EnableInterrupt(s)
	u.poke()
}

// Line side

// Inject delivers a byte to the receiver as if it arrived on the wire.
func (u *UART) Inject(b byte) { u.InjectError(b, 0) }

// InjectError delivers a byte flagged with FramingError and/or ParityError.
func (u *UART) InjectError(b byte, errs hw.Status) {
	u.mu.Lock()
	if len(u.rx) == u.cfg.RxDepth {
		u.latched |= hw.Overrun
	} else {
		u.rx = append(u.rx, entry{b: b, errs: errs & (hw.FramingError | hw.ParityError)})
	}
	u.mu.Unlock()
	u.poke()
}

// Shift completes transmission of the holding register, latching TxReady.
// It reports whether a byte was sent. With FlowControl it refuses while the
// peer cannot take the byte.
func (u *UART) Shift() bool {
	u.mu.Lock()
	full, peer := u.thrFull, u.peer
	u.mu.Unlock()
	if !full {
		return false
	}
	if u.cfg.FlowControl && peer != nil && !peer.clearToSend(u) {
		return false
	}

	u.mu.Lock()
	b := u.thr
	u.thrFull = false
	u.latched |= hw.TxReady
	u.wire = append(u.wire, b)
	u.mu.Unlock()

	if peer != nil {
		peer.Inject(b)
	}
	return true
}

// clearToSend reports whether the receive FIFO has room, remembering from
// when it is full so a later read can restart it.
func (u *UART) clearToSend(from *UART) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.rx) < u.cfg.RxDepth {
		return true
	}
	u.stalled = from
	return false
}

// Fire raises the interrupt line once and reports how many times the
// handler was entered.
func (u *UART) Fire() int { return u.Dispatch(u.ReadStatus) }

// Observation

// Wire returns a copy of every byte shifted out so far.
func (u *UART) Wire() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]byte(nil), u.wire...)
}

// THR returns the transmit holding register and whether it is loaded.
func (u *UART) THR() (byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.thr, u.thrFull
}

// Pending is the status the interrupt line would currently act on.
func (u *UART) Pending() hw.Status { return u.ReadStatus() & u.Enabled() }

// RxLevel is the number of bytes waiting in the hardware receive FIFO.
func (u *UART) RxLevel() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.rx)
}

func (u *UART) Frame() hw.Frame {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.frame
}

// Close stops the controller.
func (u *UART) Close() error {
	u.once.Do(func() { close(u.done) })
	u.wg.Wait()
	return nil
}

// Controller

func (u *UART) poke() {
	if u.cfg.Manual {
		return
	}
	select {
	case u.kick <- struct{}{}:
	default:
	}
}

func (u *UART) run() {
	defer u.wg.Done()
	for {
		select {
		case <-u.done:
			return
		case <-u.kick:
		}
		for {
			u.Fire()
			if _, full := u.THR(); !full {
				break
			}
			if u.cfg.ByteTime > 0 {
				select {
				case <-u.done:
					return
				case <-time.After(u.cfg.ByteTime):
				}
			}
			if !u.Shift() {
				break
			}
		}
	}
}
