// Package serial owns the configured ports. It publishes what they receive
// on the bus and serves write and stats controls.
//
// Topics:
//
//	serial/<id>/info              retained types.SerialInfo
//	serial/<id>/event/rx          types.SerialRx
//	serial/<id>/event/tx          types.SerialRx (echo_tx only)
//	serial/<id>/control/write     types.SerialWrite or string -> types.SerialWriteReply
//	serial/<id>/control/stats     -> types.SerialStats
package serial

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"uartbridge-go/bus"
	"uartbridge-go/errcode"
	"uartbridge-go/services/serial/internal/platform"
	"uartbridge-go/services/serial/internal/reader"
	"uartbridge-go/types"
	"uartbridge-go/x/jsonx"
	"uartbridge-go/x/timex"
)

const (
	tokSerial  = "serial"
	tokInfo    = "info"
	tokEvent   = "event"
	tokControl = "control"

	ctrlWrite = "write"
	ctrlStats = "stats"
)

var topicCtrl = bus.T(tokSerial, bus.SingleWild, tokControl, bus.SingleWild)

type (
	Port   = platform.Port
	Opener = platform.Opener
)

// OpenPort is the platform's default opener.
var OpenPort Opener = platform.Open

// writeDepth bounds the write requests waiting on one port.
const writeDepth = 4

type portEntry struct {
	cfg     types.PortConfig
	port    Port
	stop    func() // reader cancel; nil once claimed
	claimed bool

	writes chan writeReq
	quit   chan struct{}
}

type writeReq struct {
	msg     *bus.Message
	data    []byte
	timeout time.Duration
}

type Service struct {
	conn *bus.Connection
	open Opener
	log  *slog.Logger
	rd   *reader.Worker

	mu    sync.RWMutex
	ports map[string]*portEntry

	done chan struct{}
}

// New builds the service. A nil open uses OpenPort.
func New(conn *bus.Connection, open Opener, log *slog.Logger) *Service {
	if open == nil {
		open = OpenPort
	}
	return &Service{
		conn:  conn,
		open:  open,
		log:   log.With("service", tokSerial),
		rd:    reader.New(64),
		ports: map[string]*portEntry{},
		done:  make(chan struct{}),
	}
}

// Start opens every port, starts its reader and runs the control loop until
// ctx ends. Ports that fail to open are skipped and reported in the
// returned error.
func (s *Service) Start(ctx context.Context, ports []types.PortConfig) error {
	var errs []error
	for _, pc := range ports {
		if err := s.add(ctx, pc); err != nil {
			s.log.Error("open failed", "port", pc.ID, "backend", pc.Backend, "err", err)
			errs = append(errs, err)
			continue
		}
		s.log.Info("port open", "port", pc.ID, "backend", pc.Backend, "baud", pc.Baud,
			"rx", pc.RxSize, "tx", pc.TxSize, "overflow", pc.Overflow)
	}
	ctrlSub := s.conn.Subscribe(topicCtrl)
	go s.run(ctx, ctrlSub)
	return errors.Join(errs...)
}

func (s *Service) add(ctx context.Context, pc types.PortConfig) error {
	s.mu.Lock()
	_, dup := s.ports[pc.ID]
	s.mu.Unlock()
	if dup {
		return &errcode.E{C: errcode.PortInUse, Op: "serial.Start", Msg: pc.ID}
	}
	p, err := s.open(pc)
	if err != nil {
		return &errcode.E{C: errcode.Of(err), Op: "open " + pc.ID, Err: err}
	}
	stop, err := s.rd.Register(ctx, reader.ReaderCfg{
		DevID:     pc.ID,
		Port:      p,
		Mode:      pc.Mode,
		MaxFrame:  pc.MaxFrame,
		IdleFlush: timex.Ms(pc.IdleFlushMs),
	})
	if err != nil {
		p.Close()
		return err
	}
	e := &portEntry{
		cfg:    pc,
		port:   p,
		stop:   stop,
		writes: make(chan writeReq, writeDepth),
		quit:   make(chan struct{}),
	}
	s.mu.Lock()
	s.ports[pc.ID] = e
	s.mu.Unlock()
	go s.writer(pc.ID, e)

	s.conn.Publish(s.conn.NewMessage(bus.T(tokSerial, pc.ID, tokInfo), types.SerialInfo{
		ID:       pc.ID,
		Backend:  pc.Backend,
		Device:   pc.Device,
		Baud:     pc.Baud,
		RxSize:   pc.RxSize,
		TxSize:   pc.TxSize,
		Overflow: pc.Overflow,
		Mode:     pc.Mode,
	}, true))
	return nil
}

// Port returns an open port without claiming it.
func (s *Service) Port(id string) (Port, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.ports[id]
	if !ok {
		return nil, false
	}
	return e.port, true
}

// Claim hands a port to a single consumer such as the console or the
// bridge. Its bus reader stops; writes through control/write still work.
func (s *Service) Claim(id string) (Port, error) {
	s.mu.Lock()
	e, ok := s.ports[id]
	if !ok {
		s.mu.Unlock()
		return nil, &errcode.E{C: errcode.UnknownPort, Op: "serial.Claim", Msg: id}
	}
	if e.claimed {
		s.mu.Unlock()
		return nil, &errcode.E{C: errcode.PortInUse, Op: "serial.Claim", Msg: id}
	}
	e.claimed = true
	stop := e.stop
	e.stop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.log.Debug("port claimed", "port", id)
	return e.port, nil
}

// IDs lists the open ports in order.
func (s *Service) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.ports))
	for id := range s.ports {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Stats snapshots one port's counters.
func (s *Service) Stats(id string) (types.SerialStats, bool) {
	p, ok := s.Port(id)
	if !ok {
		return types.SerialStats{}, false
	}
	return p.Stats(), true
}

// Close stops the readers, closes every port and clears the info topics.
func (s *Service) Close() {
	s.mu.Lock()
	ports := s.ports
	s.ports = map[string]*portEntry{}
	s.mu.Unlock()

	for id, e := range ports {
		close(e.quit)
		if e.stop != nil {
			e.stop()
		}
		if err := e.port.Close(); err != nil {
			s.log.Warn("close failed", "port", id, "err", err)
		}
		s.conn.Publish(s.conn.NewMessage(bus.T(tokSerial, id, tokInfo), nil, true))
	}
}

// Done is closed when the control loop exits.
func (s *Service) Done() <-chan struct{} { return s.done }

func (s *Service) run(ctx context.Context, ctrlSub *bus.Subscription) {
	defer close(s.done)
	defer s.conn.Unsubscribe(ctrlSub)
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case ev := <-s.rd.Events():
			s.conn.Publish(s.conn.NewMessage(bus.T(tokSerial, ev.DevID, tokEvent, ev.Dir),
				types.SerialRx{Data: string(ev.Data), TS: ev.TS.UnixMilli()}, false))
			ev.Release()
		case msg, ok := <-ctrlSub.Channel():
			if !ok {
				return
			}
			s.control(msg)
		}
	}
}

func (s *Service) control(msg *bus.Message) {
	id, _ := msg.Topic[1].(string)
	method, _ := msg.Topic[3].(string)

	s.mu.RLock()
	e, ok := s.ports[id]
	s.mu.RUnlock()
	if !ok {
		s.replyErr(msg, errcode.UnknownPort)
		return
	}

	switch method {
	case ctrlWrite:
		var req types.SerialWrite
		if str, isStr := msg.Payload.(string); isStr {
			req.Data = str
		} else if err := jsonx.Decode(msg.Payload, &req); err != nil {
			s.replyErr(msg, errcode.InvalidPayload)
			return
		}
		timeout := timex.Ms(req.TimeoutMs)
		if timeout <= 0 {
			timeout = timex.Ms(e.cfg.WriteTimeoutMs)
		}
		select {
		case e.writes <- writeReq{msg: msg, data: []byte(req.Data), timeout: timeout}:
		default:
			s.replyErr(msg, errcode.Busy)
		}
	case ctrlStats:
		s.conn.Reply(msg, e.port.Stats(), false)
	default:
		s.replyErr(msg, errcode.Unsupported)
	}
}

// writer performs one port's write requests in order, off the control loop.
func (s *Service) writer(id string, e *portEntry) {
	for {
		select {
		case <-e.quit:
			return
		case r := <-e.writes:
			n, err := write(e.port, r.data, r.timeout)
			if n > 0 && e.cfg.EchoTX {
				s.rd.EmitTX(id, r.data[:n])
			}
			rep := types.SerialWriteReply{OK: err == nil, Written: n}
			if err != nil {
				rep.Error = string(errcode.Of(err))
				s.log.Debug("write failed", "port", id, "written", n, "err", err)
			}
			s.conn.Reply(r.msg, rep, false)
		}
	}
}

// write sends b, giving up with errcode.Timeout once timeout has elapsed
// across the whole request. A zero timeout leaves the per-byte write
// timeout in charge.
func write(p Port, b []byte, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return p.Write(b)
	}
	deadline := time.Now().Add(timeout)
	for i, c := range b {
		if time.Now().After(deadline) {
			return i, errcode.Timeout
		}
		if err := p.WriteByte(c); err != nil {
			return i, err
		}
	}
	return len(b), nil
}

func (s *Service) replyErr(msg *bus.Message, code errcode.Code) {
	s.conn.Reply(msg, types.ErrorReply{OK: false, Error: string(code)}, false)
}
