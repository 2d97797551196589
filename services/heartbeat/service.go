package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"uartbridge-go/bus"
	"uartbridge-go/types"
	"uartbridge-go/x/jsonx"
	"uartbridge-go/x/logx"
	"uartbridge-go/x/timex"
)

var (
	topicConfigHeartbeat = bus.T("config", "heartbeat")
	topicHeartbeat       = bus.T("heartbeat")
)

const defaultInterval = 2 * time.Second

// Stats is the view of the serial ports reported on each beat.
type Stats interface {
	IDs() []string
	Stats(id string) (types.SerialStats, bool)
}

type Service struct {
	Stats Stats // optional
	Log   *slog.Logger

	start time.Time
	seq   uint32
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection, cfgSub *bus.Subscription) {
	defer conn.Unsubscribe(cfgSub)

	tick := time.NewTicker(defaultInterval)
	defer tick.Stop()

	// loop until context is cancelled, respond to tick and config changes
	for {
		select {
		case <-ctx.Done():
			s.Log.Info("heartbeat service stopping")
			return
		case <-tick.C:
			s.beat(conn)
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				return
			}
			var cfg types.HeartbeatConfig
			if err := jsonx.Decode(msg.Payload, &cfg); err != nil || cfg.IntervalMs <= 0 {
				s.Log.Warn("ignoring heartbeat config", "payload", msg.Payload, "err", err)
				continue
			}
			tick.Reset(timex.Ms(cfg.IntervalMs))
			s.Log.Debug("heartbeat interval set", "interval", timex.Ms(cfg.IntervalMs))
		}
	}
}

func (s *Service) beat(conn *bus.Connection) {
	s.seq++
	hb := types.Heartbeat{
		Seq:    s.seq,
		TS:     timex.NowMs(),
		Uptime: time.Since(s.start).Milliseconds(),
	}
	attrs := []any{"seq", hb.Seq, "uptime", logx.Elapsed(time.Since(s.start))}
	if s.Stats != nil {
		hb.Ports = map[string]types.SerialStats{}
		for _, id := range s.Stats.IDs() {
			st, ok := s.Stats.Stats(id)
			if !ok {
				continue
			}
			hb.Ports[id] = st
			attrs = append(attrs, slog.Group(id, "rx", st.RxBytes, "tx", st.TxBytes, "isr", st.ISR, "dropped", st.RxDropped+st.Framing+st.Parity))
		}
	}
	s.Log.Info("heartbeat", attrs...)
	conn.Publish(conn.NewMessage(topicHeartbeat, hb, true))
}

// Start the heartbeat service.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	if s.Log == nil {
		s.Log = logx.Discard()
	}
	s.Log = s.Log.With("service", "heartbeat")
	s.start = time.Now()
	go s.serviceLoop(ctx, conn, conn.Subscribe(topicConfigHeartbeat))
	return nil
}
