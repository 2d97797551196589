package console

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"uartbridge-go/errcode"
	"uartbridge-go/types"
)

// fakePort feeds queued input and records output.
type fakePort struct {
	in chan []byte

	mu  sync.Mutex
	out bytes.Buffer
}

func newFakePort() *fakePort { return &fakePort{in: make(chan []byte, 8)} }

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.Write(p)
}

func (f *fakePort) RecvSomeContext(ctx context.Context, p []byte) (int, error) {
	select {
	case b, ok := <-f.in:
		if !ok {
			return 0, errcode.Closed
		}
		return copy(p, b), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *fakePort) output() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.String()
}

type fakeStats map[string]types.SerialStats

func (f fakeStats) IDs() []string { return []string{"uart0", "uart1"} }
func (f fakeStats) Stats(id string) (types.SerialStats, bool) {
	st, ok := f[id]
	return st, ok
}

func run(c *Console, line string) (string, error) {
	var b strings.Builder
	err := c.Execute(line, &b)
	return b.String(), err
}

func TestEchoThreeParams(t *testing.T) {
	c := New(newFakePort())
	out, err := run(c, "echo-3-params a b c")
	require.NoError(t, err)
	require.Equal(t, "The three parameters were:\r\n1: a\r\n2: b\r\n3: c\r\n", out)
}

func TestParameterCountIsChecked(t *testing.T) {
	c := New(newFakePort())
	out, err := run(c, "echo-3-params a b")
	require.Equal(t, errcode.InvalidParams, errcode.Of(err))
	require.Equal(t, msgArgs, out)

	_, err = run(c, "help extra")
	require.Equal(t, errcode.InvalidParams, errcode.Of(err))
}

func TestVariadicKeepsQuotedWords(t *testing.T) {
	c := New(newFakePort())
	out, err := run(c, `echo-params "hello world" x`)
	require.NoError(t, err)
	require.Equal(t, "The parameters were:\r\n1: hello world\r\n2: x\r\n", out)

	out, err = run(c, "echo-params")
	require.NoError(t, err)
	require.Equal(t, "The parameters were:\r\n", out)
}

func TestUnknownAndEmpty(t *testing.T) {
	c := New(newFakePort())
	out, err := run(c, "frobnicate")
	require.Equal(t, errcode.UnknownCommand, errcode.Of(err))
	require.Equal(t, msgUnknown, out)

	out, err = run(c, "   ")
	require.NoError(t, err)
	require.Empty(t, out)

	_, err = run(c, `echo-params "unterminated`)
	require.Equal(t, errcode.InvalidParams, errcode.Of(err))
}

func TestRegisterAndHelp(t *testing.T) {
	c := New(newFakePort())
	require.Equal(t, errcode.InvalidParams, errcode.Of(c.Register(Command{Name: "x"})))
	require.NoError(t, c.Register(Command{
		Name: "add",
		Help: "add <a> <b>",
		Args: 2,
		Run: func(w io.Writer, args []string) error {
			_, err := io.WriteString(w, args[0]+args[1])
			return err
		},
	}))
	out, err := run(c, "add 1 2")
	require.NoError(t, err)
	require.Equal(t, "12", out)

	out, err = run(c, "help")
	require.NoError(t, err)
	for _, name := range []string{"add <a> <b>", "echo-3-params", "echo-params", "log-level", "runtime", "stats"} {
		require.Contains(t, out, name)
	}
	require.Less(t, strings.Index(out, "add"), strings.Index(out, "help:"))
}

func TestStatsCommand(t *testing.T) {
	c := New(newFakePort(), WithStats(fakeStats{
		"uart0": {ISR: 3, RxBytes: 10},
		"uart1": {TxBytes: 7, TxIdle: true},
	}))
	out, err := run(c, "stats uart0")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "uart0: isr=3 rx=10 tx=0"), out)

	out, err = run(c, "stats")
	require.NoError(t, err)
	require.Contains(t, out, "uart1: isr=0 rx=0 tx=7")
	require.Contains(t, out, "idle=true")

	_, err = run(c, "stats uart7")
	require.Equal(t, errcode.UnknownPort, errcode.Of(err))

	_, err = run(New(newFakePort()), "stats")
	require.Equal(t, errcode.Unsupported, errcode.Of(err))
}

func TestLogLevelAndRuntime(t *testing.T) {
	lv := new(slog.LevelVar)
	c := New(newFakePort(), WithLevel(lv), WithStart(time.Now().Add(-90*time.Second)))

	_, err := run(c, "log-level debug")
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, lv.Level())

	_, err = run(c, "log-level loud")
	require.Equal(t, errcode.InvalidParams, errcode.Of(err))
	require.Equal(t, slog.LevelDebug, lv.Level())

	out, err := run(c, "runtime")
	require.NoError(t, err)
	require.Contains(t, out, "uptime     01:30")
	require.Contains(t, out, "goroutines ")
}

func TestServeEditsAndExecutesLines(t *testing.T) {
	p := newFakePort()
	c := New(p, WithPrompt("$ "))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx) }()

	p.in <- []byte("echo-params hx\x7fi\r\n")
	p.in <- []byte("nope\n")
	close(p.in)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return on close")
	}
	want := "$ echo-params hx\b \bi\r\n" +
		"The parameters were:\r\n1: hi\r\n" +
		"$ nope\r\n" + msgUnknown +
		"$ "
	require.Equal(t, want, p.output())
}
