// bridge/bridge.go
package bridge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"uartbridge-go/bus"
	"uartbridge-go/errcode"
	"uartbridge-go/types"
	"uartbridge-go/x/jsonx"
	"uartbridge-go/x/timex"
)

// -----------------------------------------------------------------------------
// Public entry point
// -----------------------------------------------------------------------------

var (
	topicConfig = bus.T("config", "bridge")
	topicState  = bus.T("bridge", "state")
	topicOut    = bus.T("bridge", "out", bus.MultiWild)
	prefixIn    = bus.T("bridge", "in")
)

// Link is the byte stream a bridge runs over, usually a claimed serial port.
type Link interface {
	io.Writer
	RecvSomeContext(ctx context.Context, p []byte) (int, error)
}

// Dialer opens the link for a configured port id.
type Dialer func(ctx context.Context, port string) (Link, error)

// Start runs the bridge service until ctx is cancelled. It (re)configures
// the link from types.BridgeConfig published on config/bridge.
func Start(ctx context.Context, conn *bus.Connection, dial Dialer, log *slog.Logger) {
	s := &Service{
		conn: conn,
		dial: dial,
		log:  log.With("service", "bridge"),
	}
	s.run(ctx)
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

type Service struct {
	conn *bus.Connection
	dial Dialer
	log  *slog.Logger

	mu      sync.Mutex
	curRun  context.CancelFunc
	curDone chan struct{}
	port    string
}

// run waits for config and supervises a single link instance.
func (s *Service) run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(topicConfig)
	defer s.conn.Unsubscribe(cfgSub)

	s.publishState(types.LinkDown, "awaiting_config", 0)

	for {
		select {
		case <-ctx.Done():
			s.stopCurrent()
			return
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				s.publishState(types.LinkDown, "config_subscription_closed", 0)
				return
			}
			var cfg types.BridgeConfig
			if err := jsonx.Decode(msg.Payload, &cfg); err != nil {
				s.log.Warn("bad config", "err", err)
				s.publishState(types.LinkDown, "config_decode_failed", 0)
				continue
			}
			s.reconfigure(ctx, cfg)
		}
	}
}

func (s *Service) stopCurrent() {
	s.mu.Lock()
	cancel, done := s.curRun, s.curDone
	s.curRun, s.curDone = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Service) reconfigure(parent context.Context, cfg types.BridgeConfig) {
	s.stopCurrent()
	s.mu.Lock()
	s.port = cfg.Port
	s.mu.Unlock()
	if !cfg.Enabled {
		s.publishState(types.LinkDown, "disabled", 0)
		return
	}
	if s.dial == nil || cfg.Port == "" {
		s.publishState(types.LinkDown, "no_port", 0)
		return
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	s.mu.Lock()
	s.curRun, s.curDone = cancel, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.runLink(ctx, cfg)
	}()
}

// -----------------------------------------------------------------------------
// Link supervision and I/O
// -----------------------------------------------------------------------------

var (
	errDead       = errors.New("peer silent")
	errPeerClosed = errors.New("peer closed link")
)

func (s *Service) runLink(ctx context.Context, cfg types.BridgeConfig) {
	log := s.log.With("port", cfg.Port)
	backoff := backoffSeq(timex.Ms(cfg.BackoffMin), timex.Ms(cfg.BackoffMax))
	for {
		if ctx.Err() != nil {
			return
		}

		link, err := s.dial(ctx, cfg.Port)
		if err != nil {
			delay := backoff()
			log.Warn("dial failed", "err", err, "retry", delay)
			s.publishState(types.LinkDegraded, "dial_failed_retrying", 0)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		drain(ctx, link)
		up, err := s.handleLink(ctx, link, cfg)
		if ctx.Err() != nil {
			return
		}
		if up {
			backoff = backoffSeq(timex.Ms(cfg.BackoffMin), timex.Ms(cfg.BackoffMax))
		}
		delay := backoff()
		log.Warn("link lost", "err", err, "retry", delay)
		s.publishState(types.LinkDegraded, "link_lost_retrying", 0)
		if !sleep(ctx, delay) {
			return
		}
	}
}

// handleLink owns the active link lifetime. It reports whether the peer was
// ever heard from.
func (s *Service) handleLink(ctx context.Context, link Link, cfg types.BridgeConfig) (bool, error) {
	lctx, cancel := context.WithCancel(ctx)
	rdone := make(chan struct{})
	defer func() {
		cancel()
		<-rdone
	}()

	rd := newFramedReader(&ctxReader{ctx: lctx, l: link}, cfg.MaxFrame)
	wr := newFramedWriter(link)

	frames := make(chan Frame, 8)
	errCh := make(chan error, 1)
	go func() {
		defer close(rdone)
		for {
			f, err := rd.ReadFrame()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case frames <- f:
			case <-lctx.Done():
				return
			}
		}
	}()

	outSub := s.conn.Subscribe(topicOut)
	defer s.conn.Unsubscribe(outSub)

	dead := timex.Ms(cfg.DeadMs)
	deadT := time.NewTimer(dead)
	defer deadT.Stop()
	tick := time.NewTicker(timex.Ms(cfg.PingMs))
	defer tick.Stop()

	if err := wr.WriteFrame(pingFrame(time.Now())); err != nil {
		return false, err
	}

	up, rttKnown := false, false
	for {
		select {
		case <-ctx.Done():
			// Best-effort close.
			_ = wr.WriteFrame(Frame{Type: frameClose})
			return up, nil

		case err := <-errCh:
			return up, err

		case <-deadT.C:
			return up, errDead

		case <-tick.C:
			if err := wr.WriteFrame(pingFrame(time.Now())); err != nil {
				return up, err
			}

		case m, ok := <-outSub.Channel():
			if !ok {
				return up, errors.New("out subscription closed")
			}
			f, err := encodePub(m, cfg.MaxFrame)
			if err != nil {
				s.log.Warn("not forwarded", "topic", m.Topic.String(), "err", err)
				continue
			}
			if err := wr.WriteFrame(f); err != nil {
				return up, err
			}

		case f := <-frames:
			timex.ResetTimer(deadT, dead)
			var rtt time.Duration
			switch f.Type {
			case framePing:
				if err := wr.WriteFrame(Frame{Type: framePong, Payload: f.Payload}); err != nil {
					return up, err
				}
			case framePong:
				if len(f.Payload) == 8 {
					sent := int64(binary.BigEndian.Uint64(f.Payload))
					rtt = time.Duration(time.Now().UnixNano() - sent)
				}
			case framePub:
				if err := s.deliver(f.Payload); err != nil {
					s.log.Warn("bad publish frame", "err", err)
				}
			case frameClose:
				return up, errPeerClosed
			}
			if !up || (rtt > 0 && !rttKnown) {
				up = true
				rttKnown = rttKnown || rtt > 0
				s.publishState(types.LinkUp, "link_established", rtt.Milliseconds())
			}
		}
	}
}

// deliver republishes a forwarded message under bridge/in.
func (s *Service) deliver(payload []byte) error {
	var w wirePub
	if err := json.Unmarshal(payload, &w); err != nil {
		return err
	}
	topic := prefixIn
	for _, tok := range w.T {
		topic = topic.Append(tok)
	}
	var v any
	if len(w.P) > 0 {
		if err := json.Unmarshal(w.P, &v); err != nil {
			return err
		}
	}
	s.conn.Publish(s.conn.NewMessage(topic, v, w.R))
	return nil
}

// drain discards stale bytes until the line has been quiet briefly.
func drain(ctx context.Context, l Link) {
	const quiet = 5 * time.Millisecond
	const maxTotal = 50 * time.Millisecond

	buf := make([]byte, 64)
	deadline := time.Now().Add(maxTotal)
	for time.Now().Before(deadline) {
		qctx, cancel := context.WithTimeout(ctx, quiet)
		n, _ := l.RecvSomeContext(qctx, buf)
		cancel()
		if n == 0 {
			return
		}
	}
}

type ctxReader struct {
	ctx context.Context
	l   Link
}

func (r *ctxReader) Read(p []byte) (int, error) {
	n, err := r.l.RecvSomeContext(r.ctx, p)
	if n > 0 {
		return n, nil
	}
	return n, err
}

// -----------------------------------------------------------------------------
// Framing
// -----------------------------------------------------------------------------

const (
	framePing  byte = 0x01
	framePong  byte = 0x02
	framePub   byte = 0x10
	frameClose byte = 0x7f
)

// Frame is a length-prefixed frame: type, 16-bit big-endian length, payload.
type Frame struct {
	Type    byte
	Payload []byte
}

type wirePub struct {
	T []string        `json:"t"`
	P json.RawMessage `json:"p,omitempty"`
	R bool            `json:"r,omitempty"`
}

func pingFrame(now time.Time) Frame {
	p := make([]byte, 8)
	binary.BigEndian.PutUint64(p, uint64(now.UnixNano()))
	return Frame{Type: framePing, Payload: p}
}

// encodePub maps bridge/out/<rest> onto a publish frame carrying <rest>.
func encodePub(m *bus.Message, max int) (Frame, error) {
	rest := m.Topic[len(topicOut)-1:]
	w := wirePub{T: make([]string, len(rest)), R: m.Retained}
	for i, tok := range rest {
		w.T[i] = fmt.Sprint(tok)
	}
	if m.Payload != nil {
		p, err := json.Marshal(m.Payload)
		if err != nil {
			return Frame{}, &errcode.E{C: errcode.InvalidPayload, Op: "bridge", Err: err}
		}
		w.P = p
	}
	b, err := json.Marshal(w)
	if err != nil {
		return Frame{}, err
	}
	if len(b) > max {
		return Frame{}, &errcode.E{C: errcode.ResourceExhausted, Op: "bridge", Msg: fmt.Sprintf("frame %d > %d", len(b), max)}
	}
	return Frame{Type: framePub, Payload: b}, nil
}

type framedReader struct {
	r   io.Reader
	max int
}
type framedWriter struct{ w io.Writer }

func newFramedReader(r io.Reader, max int) *framedReader {
	if max <= 0 || max > 0xFFFF {
		max = 0xFFFF
	}
	return &framedReader{r: r, max: max}
}
func newFramedWriter(w io.Writer) *framedWriter { return &framedWriter{w: w} }

// ReadFrame returns the next frame. Frames longer than the reader's limit
// are consumed and skipped.
func (fr *framedReader) ReadFrame() (Frame, error) {
	for {
		var hdr [3]byte
		if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
			return Frame{}, err
		}
		typ := hdr[0]
		n := int(hdr[1])<<8 | int(hdr[2])
		if n > fr.max {
			if _, err := io.CopyN(io.Discard, fr.r, int64(n)); err != nil {
				return Frame{}, err
			}
			continue
		}
		var buf []byte
		if n > 0 {
			buf = make([]byte, n)
			if _, err := io.ReadFull(fr.r, buf); err != nil {
				return Frame{}, err
			}
		}
		return Frame{Type: typ, Payload: buf}, nil
	}
}

func (fw *framedWriter) WriteFrame(f Frame) error {
	if len(f.Payload) > 0xFFFF {
		return fmt.Errorf("frame too large: %d", len(f.Payload))
	}
	buf := make([]byte, 3+len(f.Payload))
	buf[0] = f.Type
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(f.Payload)))
	copy(buf[3:], f.Payload)
	_, err := fw.w.Write(buf)
	return err
}

// -----------------------------------------------------------------------------
// Utilities
// -----------------------------------------------------------------------------

func (s *Service) publishState(link types.Link, reason string, rttMs int64) {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	st := types.BridgeState{
		Link:   link,
		Port:   port,
		RTTMs:  rttMs,
		TS:     timex.NowMs(),
		Reason: reason,
	}
	s.log.Debug("state", "link", link, "reason", reason)
	s.conn.Publish(s.conn.NewMessage(topicState, st, true))
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	var cur = min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
