// Package console is a line-oriented command interpreter served over a
// serial port.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/google/shlex"

	"uartbridge-go/errcode"
	"uartbridge-go/types"
	"uartbridge-go/x/logx"
)

const (
	maxLine = 256
	nl      = "\r\n"

	msgUnknown = "Command not recognised.  Enter 'help' to view a list of available commands." + nl
	msgArgs    = "Incorrect command parameter(s).  Enter 'help' to view a list of available commands." + nl
)

// Variadic marks a command that takes any number of parameters.
const Variadic = -1

type Command struct {
	Name string
	Help string
	Args int // expected parameter count, or Variadic
	Run  func(w io.Writer, args []string) error
}

// Port is the duplex stream the console is served on.
type Port interface {
	io.Writer
	RecvSomeContext(ctx context.Context, p []byte) (int, error)
}

// Stats is the view of the serial ports used by the stats command.
type Stats interface {
	IDs() []string
	Stats(id string) (types.SerialStats, bool)
}

type Option func(*Console)

func WithPrompt(p string) Option         { return func(c *Console) { c.prompt = p } }
func WithLogger(l *slog.Logger) Option   { return func(c *Console) { c.log = l } }
func WithLevel(lv *slog.LevelVar) Option { return func(c *Console) { c.level = lv } }
func WithStats(s Stats) Option           { return func(c *Console) { c.stats = s } }
func WithStart(t time.Time) Option       { return func(c *Console) { c.start = t } }

type Console struct {
	port   Port
	prompt string
	log    *slog.Logger
	level  *slog.LevelVar
	stats  Stats
	start  time.Time

	mu   sync.RWMutex
	cmds map[string]Command
}

// New returns a console with the built-in commands registered.
func New(port Port, opts ...Option) *Console {
	c := &Console{
		port:   port,
		prompt: "> ",
		log:    logx.Discard(),
		start:  time.Now(),
		cmds:   map[string]Command{},
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("service", "console")
	for _, cmd := range c.builtins() {
		c.Register(cmd)
	}
	return c
}

// Register adds or replaces a command.
func (c *Console) Register(cmd Command) error {
	if cmd.Name == "" || cmd.Run == nil || cmd.Args < Variadic {
		return &errcode.E{C: errcode.InvalidParams, Op: "console.Register", Msg: cmd.Name}
	}
	c.mu.Lock()
	c.cmds[cmd.Name] = cmd
	c.mu.Unlock()
	return nil
}

// Execute runs one command line, writing its output to w. An empty line
// does nothing.
func (c *Console) Execute(line string, w io.Writer) error {
	words, err := shlex.Split(line)
	if err != nil {
		io.WriteString(w, msgArgs)
		return &errcode.E{C: errcode.InvalidParams, Op: "console", Err: err}
	}
	if len(words) == 0 {
		return nil
	}
	c.mu.RLock()
	cmd, ok := c.cmds[words[0]]
	c.mu.RUnlock()
	if !ok {
		io.WriteString(w, msgUnknown)
		return &errcode.E{C: errcode.UnknownCommand, Op: "console", Msg: words[0]}
	}
	args := words[1:]
	if cmd.Args != Variadic && len(args) != cmd.Args {
		io.WriteString(w, msgArgs)
		return &errcode.E{C: errcode.InvalidParams, Op: cmd.Name, Msg: fmt.Sprintf("want %d parameters, got %d", cmd.Args, len(args))}
	}
	if err := cmd.Run(w, args); err != nil {
		fmt.Fprintf(w, "error: %v%s", err, nl)
		return err
	}
	return nil
}

// Serve reads lines from the port and executes them until ctx ends or the
// port closes.
func (c *Console) Serve(ctx context.Context) error {
	c.log.Info("console ready")
	io.WriteString(c.port, c.prompt)

	buf := make([]byte, 32)
	line := make([]byte, 0, maxLine)
	var last byte
	for {
		n, err := c.port.RecvSomeContext(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, errcode.Closed) {
				return nil
			}
			continue
		}
		for _, b := range buf[:n] {
			switch {
			case b == '\n' && last == '\r':
			case b == '\r' || b == '\n':
				io.WriteString(c.port, nl)
				if err := c.Execute(string(line), c.port); err != nil {
					c.log.Debug("command failed", "line", string(line), "err", err)
				}
				line = line[:0]
				io.WriteString(c.port, c.prompt)
			case b == 0x08 || b == 0x7f:
				if len(line) > 0 {
					line = line[:len(line)-1]
					io.WriteString(c.port, "\b \b")
				}
			case b >= 0x20 && b < 0x7f:
				if len(line) < maxLine {
					line = append(line, b)
					c.port.Write([]byte{b})
				}
			}
			last = b
		}
	}
}

// Built-in commands

func (c *Console) builtins() []Command {
	return []Command{
		{Name: "help", Help: "help:" + nl + " Lists all the registered commands", Args: 0, Run: c.help},
		{Name: "echo-3-params", Help: "echo-3-params <p1> <p2> <p3>:" + nl + " Expects three parameters, echos each in turn", Args: 3, Run: func(w io.Writer, args []string) error {
			return echo(w, "The three parameters were:", args)
		}},
		{Name: "echo-params", Help: "echo-params <...>:" + nl + " Take variable number of parameters, echos each in turn", Args: Variadic, Run: func(w io.Writer, args []string) error {
			return echo(w, "The parameters were:", args)
		}},
		{Name: "stats", Help: "stats [port]:" + nl + " Shows transport counters for one or every port", Args: Variadic, Run: c.statsCmd},
		{Name: "runtime", Help: "runtime:" + nl + " Shows uptime, goroutines and heap use", Args: 0, Run: c.runtimeCmd},
		{Name: "log-level", Help: "log-level debug|info|warn|error:" + nl + " Sets the log threshold", Args: 1, Run: c.logLevel},
	}
}

func (c *Console) help(w io.Writer, _ []string) error {
	c.mu.RLock()
	names := make([]string, 0, len(c.cmds))
	for name := range c.cmds {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s%s%s", nl, c.cmds[name].Help, nl)
	}
	c.mu.RUnlock()
	return nil
}

func echo(w io.Writer, header string, args []string) error {
	io.WriteString(w, header+nl)
	for i, a := range args {
		fmt.Fprintf(w, "%d: %s%s", i+1, a, nl)
	}
	return nil
}

func (c *Console) statsCmd(w io.Writer, args []string) error {
	if c.stats == nil {
		return errcode.Unsupported
	}
	ids := args
	if len(ids) == 0 {
		ids = c.stats.IDs()
	}
	for _, id := range ids {
		st, ok := c.stats.Stats(id)
		if !ok {
			return &errcode.E{C: errcode.UnknownPort, Msg: id}
		}
		fmt.Fprintf(w, "%s: isr=%d rx=%d tx=%d direct=%d framing=%d parity=%d overrun=%d dropped=%d throttled=%d wakes=%d rxq=%d txq=%d idle=%t%s",
			id, st.ISR, st.RxBytes, st.TxBytes, st.Direct, st.Framing, st.Parity, st.Overruns,
			st.RxDropped, st.Throttled, st.Wakes, st.RxQueued, st.TxQueued, st.TxIdle, nl)
	}
	return nil
}

func (c *Console) runtimeCmd(w io.Writer, _ []string) error {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	fmt.Fprintf(w, "uptime     %s%s", logx.Elapsed(time.Since(c.start)), nl)
	fmt.Fprintf(w, "goroutines %d%s", runtime.NumGoroutine(), nl)
	fmt.Fprintf(w, "heap       %d/%d bytes%s", ms.HeapInuse, ms.HeapSys, nl)
	fmt.Fprintf(w, "platform   %s/%s%s", runtime.GOOS, runtime.GOARCH, nl)
	return nil
}

func (c *Console) logLevel(w io.Writer, args []string) error {
	if c.level == nil {
		return errcode.Unsupported
	}
	l, err := logx.ParseLevel(args[0])
	if err != nil {
		return &errcode.E{C: errcode.InvalidParams, Op: "log-level", Err: err}
	}
	c.level.Set(l)
	fmt.Fprintf(w, "log level %s%s", l, nl)
	return nil
}
