// Package reader turns a port's byte stream into bounded rx events.
package reader

import (
	"context"
	"errors"
	"sync"
	"time"

	"uartbridge-go/errcode"
	"uartbridge-go/x/mathx"
)

type Event struct {
	DevID string
	Dir   string // "rx" | "tx"
	Data  []byte
	TS    time.Time

	pool *sync.Pool
}

// Release returns Data to the worker's pool. Data must not be used after.
func (e *Event) Release() {
	if e.pool == nil || e.Data == nil {
		return
	}
	b := e.Data[:0]
	e.Data = nil
	e.pool.Put(&b)
}

// Port is the receive half the reader needs.
type Port interface {
	RecvSomeContext(ctx context.Context, p []byte) (int, error)
}

type ReaderCfg struct {
	DevID     string
	Port      Port
	Mode      string        // "bytes" | "lines"
	MaxFrame  int           // clamp 1..4096
	IdleFlush time.Duration // clamp 0..2s (lines mode)
}

type Worker struct {
	outQ chan *Event

	mu    sync.Mutex
	pools map[int]*sync.Pool
	frame map[string]int // devID -> max frame, for EmitTX
}

func New(outBuf int) *Worker {
	if outBuf <= 0 {
		outBuf = 64
	}
	return &Worker{
		outQ:  make(chan *Event, outBuf),
		pools: make(map[int]*sync.Pool),
		frame: make(map[string]int),
	}
}

func (w *Worker) Events() <-chan *Event { return w.outQ }

func (w *Worker) pool(size int) *sync.Pool {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pools[size]
	if !ok {
		p = &sync.Pool{New: func() any {
			b := make([]byte, 0, size)
			return &b
		}}
		w.pools[size] = p
	}
	return p
}

// emit copies data into a pooled buffer and queues it, dropping the event
// if the consumer is slow.
func (w *Worker) emit(devID, dir string, data []byte, size int, now time.Time) {
	p := w.pool(size)
	bp := p.Get().(*[]byte)
	ev := &Event{DevID: devID, Dir: dir, Data: append((*bp)[:0], data...), TS: now, pool: p}
	select {
	case w.outQ <- ev:
	default:
		ev.Release()
	}
}

// Register starts a bounded reader goroutine for a port. Returns cancel.
func (w *Worker) Register(ctx context.Context, cfg ReaderCfg) (func(), error) {
	if cfg.Port == nil {
		return nil, errcode.InvalidParams
	}
	max := mathx.Clamp(cfg.MaxFrame, 1, 4096)
	idle := mathx.Clamp(cfg.IdleFlush, 0, 2*time.Second)
	lines := cfg.Mode == "lines"

	w.mu.Lock()
	w.frame[cfg.DevID] = max
	w.mu.Unlock()

	cctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		buf := make([]byte, max)
		line := make([]byte, 0, max)

		flush := func(now time.Time) {
			if len(line) == 0 {
				return
			}
			w.emit(cfg.DevID, "rx", line, max, now)
			line = line[:0]
		}

		for {
			// Bound the wait by the idle flush while a partial line is held.
			rctx, rcancel := cctx, context.CancelFunc(func() {})
			pending := lines && len(line) > 0 && idle > 0
			if pending {
				rctx, rcancel = context.WithTimeout(cctx, idle)
			}
			n, err := cfg.Port.RecvSomeContext(rctx, buf)
			idleHit := pending && errors.Is(rctx.Err(), context.DeadlineExceeded)
			rcancel()

			if cctx.Err() != nil {
				return
			}
			now := time.Now()
			if n > 0 {
				if !lines {
					// Raw chunk (binary-safe).
					w.emit(cfg.DevID, "rx", buf[:n], max, now)
					continue
				}
				// Accumulate lines; ignore CR; split on LF.
				for _, b := range buf[:n] {
					switch b {
					case '\n':
						flush(now)
					case '\r':
					default:
						line = append(line, b)
						if len(line) == max {
							flush(now)
						}
					}
				}
				continue
			}
			if idleHit {
				flush(now)
				continue
			}
			if errors.Is(err, errcode.Closed) {
				flush(now)
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

// EmitTX publishes a TX echo event, chunked by the device's max frame.
func (w *Worker) EmitTX(devID string, data []byte) {
	w.mu.Lock()
	max, ok := w.frame[devID]
	w.mu.Unlock()
	if !ok {
		max = 128
	}
	now := time.Now()
	for len(data) > 0 {
		n := len(data)
		if n > max {
			n = max
		}
		w.emit(devID, "tx", data[:n], max, now)
		data = data[n:]
	}
}
