// Command loopback exercises the transport over simulated UARTs: a smoke
// test, an FNV-1a integrity check and a concurrent throughput run.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"hash/fnv"
	"log/slog"
	"os"
	"time"

	"uartbridge-go/hw"
	"uartbridge-go/hw/sim"
	"uartbridge-go/transport"
	"uartbridge-go/types"
	"uartbridge-go/x/logx"
	"uartbridge-go/x/timex"
)

type options struct {
	Baud      uint32
	RxSize    int
	TxSize    int
	Overflow  types.OverflowPolicy
	Wire      bool // pace shifts at the baud rate
	Flow      bool // hold the transmitter while the receiver is full
	NullModem bool // two UARTs instead of one looped back
	Total     int
	Chunk     int
	Duration  time.Duration
}

// link is one sending and one receiving transport, possibly the same.
type link struct {
	tx, rx *transport.Transport
	close  func()
}

func main() {
	var o options
	overflow := flag.String("overflow", "disable", "rx overflow policy: disable or drop_newest")
	baud := flag.Uint("baud", 115200, "baud rate")
	flag.IntVar(&o.RxSize, "rx", 64, "rx queue capacity")
	flag.IntVar(&o.TxSize, "tx", 64, "tx queue capacity")
	flag.BoolVar(&o.Wire, "wire", false, "pace transmission at the baud rate")
	flag.BoolVar(&o.Flow, "flow", true, "simulate RTS/CTS flow control")
	flag.BoolVar(&o.NullModem, "null-modem", false, "use a cross-wired pair instead of a looped-back UART")
	flag.IntVar(&o.Total, "bytes", 4096, "integrity test size")
	flag.IntVar(&o.Chunk, "chunk", 64, "write chunk size")
	flag.DurationVar(&o.Duration, "duration", 2*time.Second, "throughput test duration")
	flag.Parse()
	o.Baud = uint32(*baud)

	log := logx.New(os.Stderr, logx.Options{})
	if err := o.Overflow.UnmarshalJSON([]byte(`"` + *overflow + `"`)); err != nil {
		log.Error("bad -overflow", "err", err)
		os.Exit(2)
	}

	if err := runAll(log, o); err != nil {
		log.Error("FAIL", "err", err)
		os.Exit(1)
	}
	log.Info("PASS")
}

func runAll(log *slog.Logger, o options) error {
	l, err := open(o)
	if err != nil {
		return err
	}
	defer l.close()

	log.Info("smoke", "msg", "hello-uart")
	if err := smoke(l, []byte("hello-uart"), 3*time.Second); err != nil {
		return err
	}

	log.Info("integrity", "bytes", o.Total, "chunk", o.Chunk)
	txHash, rxHash, err := integrity(l, o.Total, o.Chunk, 10*time.Second)
	log.Info("integrity", "tx_hash", txHash, "rx_hash", rxHash)
	if err != nil {
		return err
	}

	log.Info("throughput", "duration", o.Duration, "chunk", o.Chunk)
	w, r, elapsed := throughput(l, o.Duration, o.Chunk)
	secs := elapsed.Seconds()
	log.Info("throughput", "tx_bytes", w, "rx_bytes", r,
		"tx_bps", int64(float64(w)/secs), "rx_bps", int64(float64(r)/secs))

	st := l.rx.Stats()
	log.Info("stats", "isr", st.ISR, "wakes", st.Wakes, "throttled", st.Throttled,
		"dropped", st.RxDropped, "direct", l.tx.Stats().Direct)
	if o.Flow && o.Overflow == types.OverflowDisable && w != r {
		return errors.New("lossless policy lost bytes")
	}
	return nil
}

func open(o options) (*link, error) {
	var byteTime time.Duration
	if o.Wire {
		byteTime = timex.FrameTime(o.Baud, hw.Frame8N1(o.Baud).Bits())
	}
	cfg := transport.DefaultConfig()
	cfg.Baud = o.Baud
	cfg.RxSize, cfg.TxSize = o.RxSize, o.TxSize
	cfg.Overflow = o.Overflow

	ua := sim.New(sim.Config{ByteTime: byteTime, FlowControl: o.Flow})
	if !o.NullModem {
		sim.Loopback(ua)
		t, err := transport.New(ua, cfg)
		if err != nil {
			ua.Close()
			return nil, err
		}
		return &link{tx: t, rx: t, close: func() { t.Close(); ua.Close() }}, nil
	}

	ub := sim.New(sim.Config{ByteTime: byteTime, FlowControl: o.Flow})
	sim.Connect(ua, ub)
	ta, err := transport.New(ua, cfg)
	if err != nil {
		ua.Close()
		ub.Close()
		return nil, err
	}
	tb, err := transport.New(ub, cfg)
	if err != nil {
		ta.Close()
		ua.Close()
		ub.Close()
		return nil, err
	}
	return &link{tx: ta, rx: tb, close: func() {
		ta.Close()
		tb.Close()
		ua.Close()
		ub.Close()
	}}, nil
}

// smoke sends msg and waits to see it come back.
func smoke(l *link, msg []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := l.tx.Write(msg)
		errCh <- err
	}()

	got := make([]byte, 0, len(msg))
	buf := make([]byte, 64)
	for !bytes.Contains(got, msg) {
		n, err := l.rx.RecvSomeContext(ctx, buf)
		if err != nil {
			return errors.Join(errors.New("smoke: "+string(got)), err)
		}
		got = append(got, buf[:n]...)
	}
	return <-errCh
}

// integrity streams total pattern bytes and compares FNV-1a hashes of what
// was written and what came back.
func integrity(l *link, total, chunk int, timeout time.Duration) (uint32, uint32, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	txHash, rxHash := fnv.New32a(), fnv.New32a()
	errCh := make(chan error, 1)
	go func() {
		gen := patternGenerator(0xA5)
		out := make([]byte, chunk)
		for sent := 0; sent < total; {
			n := min(chunk, total-sent)
			fillPattern(out[:n], &gen)
			for _, b := range out[:n] {
				if err := l.tx.SendByteContext(ctx, b); err != nil {
					errCh <- err
					return
				}
			}
			txHash.Write(out[:n])
			sent += n
		}
		errCh <- nil
	}()

	in := make([]byte, 128)
	for received := 0; received < total; {
		n, err := l.rx.RecvSomeContext(ctx, in)
		if err != nil {
			return txHash.Sum32(), rxHash.Sum32(), err
		}
		rxHash.Write(in[:n])
		received += n
	}
	if err := <-errCh; err != nil {
		return txHash.Sum32(), rxHash.Sum32(), err
	}
	if txHash.Sum32() != rxHash.Sum32() {
		return txHash.Sum32(), rxHash.Sum32(), errors.New("integrity: hash mismatch")
	}
	return txHash.Sum32(), rxHash.Sum32(), nil
}

// throughput runs a writer and a reader concurrently for d, then lets the
// reader drain for a short grace period.
func throughput(l *link, d time.Duration, chunk int) (written, received int, elapsed time.Duration) {
	out := make([]byte, chunk)
	gen := patternGenerator(0x42)
	fillPattern(out, &gen)

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	doneW := make(chan struct{})
	go func() {
		defer close(doneW)
		for ctx.Err() == nil {
			out[0] ^= gen.next()
			for _, b := range out {
				if l.tx.SendByteContext(ctx, b) != nil {
					return
				}
				written++
			}
		}
	}()

	in := make([]byte, 256)
	for ctx.Err() == nil {
		n, _ := l.rx.RecvSomeContext(ctx, in)
		received += n
	}
	<-doneW

	// Grace drain.
	for {
		gctx, gcancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		n, err := l.rx.RecvSomeContext(gctx, in)
		gcancel()
		received += n
		if err != nil {
			break
		}
	}
	return written, received, time.Since(start)
}

// Simple deterministic pattern generator (xorshift8 over byte).
type patGen struct{ s byte }

func patternGenerator(seed byte) patGen { return patGen{s: seed} }
func (g *patGen) next() byte {
	x := g.s
	x ^= x << 3
	x ^= x >> 5
	x ^= x << 1
	g.s = x
	return x
}
func fillPattern(dst []byte, g *patGen) {
	for i := range dst {
		dst[i] = g.next()
	}
}
