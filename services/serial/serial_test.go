package serial

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"uartbridge-go/bus"
	"uartbridge-go/errcode"
	"uartbridge-go/types"
	"uartbridge-go/x/logx"
)

func loopPort(id, mode string) types.PortConfig {
	return types.PortConfig{
		ID:             id,
		Backend:        "sim",
		Baud:           115200,
		RxSize:         64,
		TxSize:         64,
		Loopback:       true,
		Mode:           mode,
		MaxFrame:       32,
		IdleFlushMs:    20,
		WriteTimeoutMs: 100,
	}
}

func startService(t *testing.T, ports ...types.PortConfig) (*Service, *bus.Connection) {
	t.Helper()
	b := bus.NewBus(16)
	ctx, cancel := context.WithCancel(context.Background())
	s := New(b.NewConnection("serial"), nil, logx.Discard())
	require.NoError(t, s.Start(ctx, ports))
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	return s, b.NewConnection("client")
}

func request(t *testing.T, c *bus.Connection, id, method string, payload any) any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rep, err := c.RequestWait(ctx, c.NewMessage(bus.T("serial", id, "control", method), payload, false))
	require.NoError(t, err)
	return rep.Payload
}

func nextRx(t *testing.T, sub *bus.Subscription) types.SerialRx {
	t.Helper()
	select {
	case m := <-sub.Channel():
		rx, ok := m.Payload.(types.SerialRx)
		require.True(t, ok, "payload %T", m.Payload)
		return rx
	case <-time.After(time.Second):
		t.Fatal("no rx event")
		return types.SerialRx{}
	}
}

func TestInfoIsRetained(t *testing.T) {
	_, c := startService(t, loopPort("uart0", "bytes"))

	sub := c.Subscribe(bus.T("serial", "uart0", "info"))
	select {
	case m := <-sub.Channel():
		info := m.Payload.(types.SerialInfo)
		require.Equal(t, "uart0", info.ID)
		require.Equal(t, "sim", info.Backend)
		require.True(t, m.Retained)
	case <-time.After(time.Second):
		t.Fatal("no retained info")
	}
}

func TestWriteLoopsBackAsLines(t *testing.T) {
	_, c := startService(t, loopPort("uart0", "lines"))
	rxSub := c.Subscribe(bus.T("serial", "uart0", "event", "rx"))

	rep := request(t, c, "uart0", "write", types.SerialWrite{Data: "hello\r\nworld\n"})
	require.Equal(t, types.SerialWriteReply{OK: true, Written: 13}, rep)

	require.Equal(t, "hello", nextRx(t, rxSub).Data)
	require.Equal(t, "world", nextRx(t, rxSub).Data)
}

func TestWriteAcceptsStringAndEchoes(t *testing.T) {
	pc := loopPort("uart0", "lines")
	pc.EchoTX = true
	_, c := startService(t, pc)
	txSub := c.Subscribe(bus.T("serial", "uart0", "event", "tx"))

	rep := request(t, c, "uart0", "write", "ping\n")
	require.Equal(t, types.SerialWriteReply{OK: true, Written: 5}, rep)
	require.Equal(t, "ping\n", nextRx(t, txSub).Data)
}

func TestStatsControl(t *testing.T) {
	_, c := startService(t, loopPort("uart0", "bytes"))
	rxSub := c.Subscribe(bus.T("serial", "uart0", "event", "rx"))

	request(t, c, "uart0", "write", "abc")
	got := ""
	for len(got) < 3 {
		got += nextRx(t, rxSub).Data
	}
	require.Equal(t, "abc", got)

	st, ok := request(t, c, "uart0", "stats", nil).(types.SerialStats)
	require.True(t, ok)
	require.Equal(t, uint32(3), st.TxBytes)
	require.Equal(t, uint32(3), st.RxBytes)
}

func TestControlErrors(t *testing.T) {
	_, c := startService(t, loopPort("uart0", "bytes"))

	require.Equal(t, types.ErrorReply{Error: string(errcode.UnknownPort)}, request(t, c, "nope", "write", "x"))
	require.Equal(t, types.ErrorReply{Error: string(errcode.Unsupported)}, request(t, c, "uart0", "flush", nil))
	require.Equal(t, types.ErrorReply{Error: string(errcode.InvalidPayload)}, request(t, c, "uart0", "write", 42))
}

func TestClaimStopsReaderAndIsExclusive(t *testing.T) {
	s, _ := startService(t, loopPort("uart0", "bytes"), loopPort("uart1", "bytes"))
	require.Equal(t, []string{"uart0", "uart1"}, s.IDs())

	p, err := s.Claim("uart1")
	require.NoError(t, err)
	_, err = s.Claim("uart1")
	require.Equal(t, errcode.PortInUse, errcode.Of(err))
	_, err = s.Claim("uart9")
	require.Equal(t, errcode.UnknownPort, errcode.Of(err))

	// The claimant now sees the looped-back bytes.
	_, err = p.Write([]byte("xy"))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got := []byte{}
	buf := make([]byte, 4)
	for len(got) < 2 {
		n, err := p.RecvSomeContext(ctx, buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	require.Equal(t, "xy", string(got))
}

func TestStartReportsOpenFailures(t *testing.T) {
	b := bus.NewBus(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(b.NewConnection("serial"), nil, logx.Discard())
	bad := loopPort("bad", "bytes")
	bad.Backend = "can"
	err := s.Start(ctx, []types.PortConfig{loopPort("ok", "bytes"), bad})
	require.Equal(t, errcode.Unsupported, errcode.Of(err))
	_, ok := s.Port("ok")
	require.True(t, ok)
	cancel()
	<-s.Done()
}

// stuckPort accepts a byte only every hold, like a transmitter held off by
// flow control.
type stuckPort struct {
	hold   time.Duration
	closed chan struct{}
	once   sync.Once
}

func newStuckPort(hold time.Duration) *stuckPort {
	return &stuckPort{hold: hold, closed: make(chan struct{})}
}

func (p *stuckPort) WriteByte(byte) error {
	select {
	case <-time.After(p.hold):
		return nil
	case <-p.closed:
		return errcode.Closed
	}
}

func (p *stuckPort) Write(b []byte) (int, error) {
	for i, c := range b {
		if err := p.WriteByte(c); err != nil {
			return i, err
		}
	}
	return len(b), nil
}

func (p *stuckPort) RecvSomeContext(ctx context.Context, _ []byte) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.closed:
		return 0, errcode.Closed
	}
}

func (p *stuckPort) Read([]byte) (int, error)  { <-p.closed; return 0, errcode.Closed }
func (p *stuckPort) Buffered() int             { return 0 }
func (p *stuckPort) Stats() types.SerialStats { return types.SerialStats{} }
func (p *stuckPort) Close() error             { p.once.Do(func() { close(p.closed) }); return nil }

func TestStalledWriteDoesNotHoldOtherPorts(t *testing.T) {
	stuck := newStuckPort(400 * time.Millisecond)
	open := func(pc types.PortConfig) (Port, error) {
		if pc.ID == "stuck" {
			return stuck, nil
		}
		return OpenPort(pc)
	}
	b := bus.NewBus(16)
	ctx, cancel := context.WithCancel(context.Background())
	s := New(b.NewConnection("serial"), open, logx.Discard())
	stuckCfg := loopPort("stuck", "bytes")
	stuckCfg.WriteTimeoutMs = 100
	require.NoError(t, s.Start(ctx, []types.PortConfig{stuckCfg, loopPort("loop", "bytes")}))
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	c := b.NewConnection("client")
	rx := c.Subscribe(bus.T("serial", "loop", "event", "rx"))

	start := time.Now()
	stuckReply := c.Request(c.NewMessage(bus.T("serial", "stuck", "control", "write"), "abcdefgh", false))
	defer c.Unsubscribe(stuckReply)

	rep := request(t, c, "loop", "write", "hi")
	require.Equal(t, types.SerialWriteReply{OK: true, Written: 2}, rep)
	require.Equal(t, "hi", nextRx(t, rx).Data)
	require.Less(t, time.Since(start), 300*time.Millisecond, "loop port waited on the stuck one")

	// The whole request is bounded by the port's write timeout, not each byte.
	select {
	case m := <-stuckReply.Channel():
		r, ok := m.Payload.(types.SerialWriteReply)
		require.True(t, ok, "payload %T", m.Payload)
		require.False(t, r.OK)
		require.Equal(t, string(errcode.Timeout), r.Error)
		require.Equal(t, 1, r.Written)
	case <-time.After(2 * time.Second):
		t.Fatal("stuck write never answered")
	}
}

func TestWriteQueueFullIsBusy(t *testing.T) {
	stuck := newStuckPort(time.Second)
	open := func(types.PortConfig) (Port, error) { return stuck, nil }
	b := bus.NewBus(16)
	ctx, cancel := context.WithCancel(context.Background())
	s := New(b.NewConnection("serial"), open, logx.Discard())
	require.NoError(t, s.Start(ctx, []types.PortConfig{loopPort("stuck", "bytes")}))
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	c := b.NewConnection("client")

	// One in flight plus a full queue.
	for i := 0; i < writeDepth+1; i++ {
		sub := c.Request(c.NewMessage(bus.T("serial", "stuck", "control", "write"), "x", false))
		defer c.Unsubscribe(sub)
		time.Sleep(5 * time.Millisecond)
	}
	rep := request(t, c, "stuck", "write", "x")
	require.Equal(t, types.ErrorReply{OK: false, Error: string(errcode.Busy)}, rep)
}
