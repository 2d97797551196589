package hw

import (
	"testing"

	"github.com/stretchr/testify/require"

	"uartbridge-go/errcode"
	"uartbridge-go/types"
)

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		0:                      "none",
		RxReady:                "rx",
		RxReady | TxReady:      "rx|tx",
		RxReady | FramingError: "rx|framing",
		Overrun | ParityError:  "parity|overrun",
	}
	for s, want := range cases {
		require.Equal(t, want, s.String(), "status %d", s)
	}
}

func TestFrameBits(t *testing.T) {
	require.Equal(t, 10, Frame8N1(9600).Bits())
	f := Frame{Baud: 9600, DataBits: 7, StopBits: 2, Parity: types.ParityEven}
	require.Equal(t, 11, f.Bits())
}

func TestFrameValidate(t *testing.T) {
	require.NoError(t, Frame8N1(115200).Validate())
	for _, f := range []Frame{
		{Baud: 0, DataBits: 8, StopBits: 1},
		{Baud: 9600, DataBits: 9, StopBits: 1},
		{Baud: 9600, DataBits: 8, StopBits: 3},
	} {
		require.ErrorIs(t, f.Validate(), errcode.InvalidParams, "%+v", f)
	}
}

func TestLineDispatchLoopsWhilePending(t *testing.T) {
	var l Line
	pending := 3
	status := func() Status {
		if pending > 0 {
			return RxReady
		}
		return 0
	}
	l.SetHandler(func() { pending-- })

	require.Zero(t, l.Dispatch(status), "source disabled")
	l.EnableInterrupt(RxReady | Overrun)
	require.Equal(t, RxReady, l.Enabled(), "only interrupt sources can be armed")
	require.Equal(t, 3, l.Dispatch(status))
	l.DisableInterrupt(RxReady)
	pending = 1
	require.Zero(t, l.Dispatch(status), "after disable")
}
