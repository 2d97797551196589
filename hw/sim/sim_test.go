package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"uartbridge-go/errcode"
	"uartbridge-go/hw"
)

func TestConfigureValidatesFrame(t *testing.T) {
	u := New(Config{Manual: true})
	defer u.Close()
	require.ErrorIs(t, u.Configure(hw.Frame{}), errcode.InvalidParams)
	require.NoError(t, u.Configure(hw.Frame8N1(9600)))
	require.Equal(t, uint32(9600), u.Frame().Baud)
}

func TestRxReadyIsLevelAndOverrunIsSticky(t *testing.T) {
	u := New(Config{Manual: true, RxDepth: 2})
	defer u.Close()

	require.Zero(t, u.ReadStatus())
	u.Inject(1)
	u.InjectError(2, hw.FramingError)
	u.Inject(3) // FIFO full

	s := u.ReadStatus()
	require.True(t, s.Has(hw.RxReady))
	require.True(t, s.Has(hw.Overrun))
	require.False(t, s.Has(hw.FramingError), "error belongs to the second byte")

	u.ClearPending(hw.RxReady)
	require.True(t, u.ReadStatus().Has(hw.RxReady), "RxReady cleared while data waits")
	require.Equal(t, byte(1), u.ReadData())
	require.True(t, u.ReadStatus().Has(hw.FramingError), "head error flag")
	u.ReadData()
	u.ClearPending(hw.Overrun)
	require.Zero(t, u.ReadStatus())
}

func TestShiftLatchesTxReady(t *testing.T) {
	u := New(Config{Manual: true})
	defer u.Close()

	require.False(t, u.Shift(), "empty holding register")
	u.WriteData('a')
	require.False(t, u.ReadStatus().Has(hw.TxReady))
	require.True(t, u.Shift())
	require.True(t, u.ReadStatus().Has(hw.TxReady))
	u.WriteData('b')
	require.False(t, u.ReadStatus().Has(hw.TxReady), "WriteData must clear TxReady")
	require.Equal(t, "a", string(u.Wire()))
}

func TestConnectDeliversToPeer(t *testing.T) {
	a := New(Config{Manual: true})
	b := New(Config{Manual: true})
	defer a.Close()
	defer b.Close()
	Connect(a, b)

	a.WriteData('z')
	a.Shift()
	require.Equal(t, 1, b.RxLevel())
	require.Equal(t, byte('z'), b.ReadData())
	require.Zero(t, a.RxLevel(), "null modem looped back")
}

func TestPendingIsMasked(t *testing.T) {
	u := New(Config{Manual: true})
	defer u.Close()
	u.Inject(1)
	require.Zero(t, u.Pending())
	u.EnableInterrupt(hw.RxReady)
	require.Equal(t, hw.RxReady, u.Pending())
}

func TestAutomaticModeDispatchesHandler(t *testing.T) {
	u := New(Config{ByteTime: time.Millisecond})
	defer u.Close()
	Loopback(u)

	got := make(chan byte, 4)
	u.SetHandler(func() {
		for u.ReadStatus().Has(hw.RxReady) {
			got <- u.ReadData()
		}
		u.ClearPending(hw.TxReady)
	})
	u.EnableInterrupt(hw.RxReady | hw.TxReady)
	u.Critical(func() { u.WriteData(7) })

	select {
	case b := <-got:
		require.Equal(t, byte(7), b)
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestFlowControlHoldsTransmitter(t *testing.T) {
	a := New(Config{Manual: true, FlowControl: true})
	b := New(Config{Manual: true, RxDepth: 1})
	defer a.Close()
	defer b.Close()
	Connect(a, b)

	a.WriteData(1)
	require.True(t, a.Shift(), "first byte")
	a.WriteData(2)
	require.False(t, a.Shift(), "sent into a full FIFO")
	_, full := a.THR()
	require.True(t, full, "held byte stays in the holding register")
	require.False(t, a.ReadStatus().Has(hw.TxReady))

	require.Equal(t, byte(1), b.ReadData())
	require.True(t, a.Shift(), "released after read")
	require.Equal(t, byte(2), b.ReadData())
	require.False(t, b.ReadStatus().Has(hw.Overrun))
}

func TestFlowControlRestartsController(t *testing.T) {
	a := New(Config{FlowControl: true})
	b := New(Config{Manual: true, RxDepth: 2})
	defer a.Close()
	defer b.Close()
	Connect(a, b)

	a.SetHandler(func() { a.ClearPending(hw.TxReady) })
	a.EnableInterrupt(hw.TxReady)

	var got []byte
	next := byte(1)
	deadline := time.Now().Add(time.Second)
	for len(got) < 5 {
		require.True(t, time.Now().Before(deadline), "stalled with % x", got)
		if next <= 5 {
			a.Critical(func() {
				if _, full := a.THR(); !full {
					a.WriteData(next)
					next++
				}
			})
		}
		// Read only once the FIFO is full so the transmitter has to wait.
		if b.RxLevel() == 2 || (next > 5 && b.RxLevel() > 0) {
			got = append(got, b.ReadData())
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, []byte{1, 2, 3, 4, 5}, got)
	require.False(t, b.ReadStatus().Has(hw.Overrun))
}
