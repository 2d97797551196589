//go:build linux

// Package tty presents a Linux serial device as an hw.Peripheral.
//
// A poll loop stands in for the interrupt controller: it pulls whatever the
// kernel has buffered into a small receive FIFO, then dispatches the
// handler while an enabled condition is pending. It stops reading from the
// device while the FIFO holds unconsumed bytes, so a masked receive
// interrupt pushes back into the kernel buffer.
//
// The data register never blocks. A byte the kernel will not take yet stays
// in a one-byte holding register until the poll loop sees the descriptor
// writable; TxReady latches only once the kernel has accepted it.
//
// Line errors are read with PARMRK: the kernel marks a byte that failed its
// parity or stop bit as 0xff 0x00 <byte> and escapes a genuine 0xff as
// 0xff 0xff. Marked bytes reach ReadStatus as ParityError when parity is
// enabled and as FramingError otherwise.
package tty

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"uartbridge-go/errcode"
	"uartbridge-go/hw"
	"uartbridge-go/types"
)

const fifoDepth = 16

type entry struct {
	b    byte
	errs hw.Status
}

// Port implements hw.Peripheral over a tty file descriptor.
type Port struct {
	hw.Line

	path  string
	fd    int
	pipeR int // self-pipe read fd
	pipeW int // self-pipe write fd

	mu      sync.Mutex
	rx      []entry
	mark    []byte // unfinished PARMRK sequence from the previous read
	latched hw.Status
	frame   hw.Frame
	hup     bool
	txb     [1]byte
	thrFull bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open opens path without configuring it; call Configure (transport.New
// does) before use.
func Open(path string) (*Port, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("pipe: %w", err)
	}
	p := &Port{
		path:  path,
		fd:    fd,
		pipeR: pipeFds[0],
		pipeW: pipeFds[1],
		rx:    make([]entry, 0, fifoDepth),
		done:  make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p, nil
}

func (p *Port) Path() string { return p.path }

// Configure puts the line in raw mode with the requested format.
func (p *Port) Configure(f hw.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	speed, ok := baudToUnix(f.Baud)
	if !ok {
		return &errcode.E{C: errcode.Unsupported, Op: "tty.Configure", Msg: fmt.Sprintf("baud %d", f.Baud)}
	}
	t, err := unix.IoctlGetTermios(p.fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	// Raw mode
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.IGNPAR | unix.INPCK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Iflag |= unix.PARMRK
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB | unix.CBAUD
	t.Cflag |= unix.CREAD | unix.CLOCAL | speed

	switch f.DataBits {
	case 5:
		t.Cflag |= unix.CS5
	case 6:
		t.Cflag |= unix.CS6
	case 7:
		t.Cflag |= unix.CS7
	default:
		t.Cflag |= unix.CS8
	}
	switch f.Parity {
	case types.ParityEven:
		t.Cflag |= unix.PARENB
		t.Iflag |= unix.INPCK
	case types.ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
		t.Iflag |= unix.INPCK
	}
	if f.StopBits == 2 {
		t.Cflag |= unix.CSTOPB
	}

	// Non-blocking reads; the poll loop decides when to read.
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(p.fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	p.mu.Lock()
	p.frame = f
	p.rx = p.rx[:0]
	p.mark = p.mark[:0]
	p.latched = 0
	p.thrFull = false
	p.mu.Unlock()
	return nil
}

func (p *Port) Frame() hw.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frame
}

func (p *Port) ReadStatus() hw.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.latched
	if len(p.rx) > 0 {
		s |= hw.RxReady | p.rx[0].errs
	}
	return s
}

func (p *Port) ClearPending(s hw.Status) {
	p.mu.Lock()
	p.latched &^= s & (hw.TxReady | hw.Overrun)
	p.mu.Unlock()
}

func (p *Port) ReadData() byte {
	p.mu.Lock()
	if len(p.rx) == 0 {
		p.mu.Unlock()
		return 0
	}
	e := p.rx[0]
	copy(p.rx, p.rx[1:])
	p.rx = p.rx[:len(p.rx)-1]
	empty := len(p.rx) == 0
	p.mu.Unlock()
	if empty {
		p.kick()
	}
	return e.b
}

// WriteData loads the holding register and offers it to the kernel once.
// If the kernel is full the byte waits for the poll loop; a byte already
// waiting is overwritten.
func (p *Port) WriteData(b byte) {
	p.mu.Lock()
	p.latched &^= hw.TxReady
	p.txb[0] = b
	p.thrFull = true
	p.flushLocked()
	p.mu.Unlock()
	p.kick()
}

// flushLocked tries to hand the holding register to the kernel. A write
// error other than EAGAIN discards the byte so a dead line cannot stall the
// transmitter.
func (p *Port) flushLocked() {
	if !p.thrFull {
		return
	}
	n, err := unix.Write(p.fd, p.txb[:])
	if n <= 0 && (errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)) {
		return
	}
	p.thrFull = false
	p.latched |= hw.TxReady
}

// THR reports whether a byte is waiting for the kernel to accept it.
func (p *Port) THR() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.thrFull
}

func (p *Port) EnableInterrupt(s hw.Status) {
	p.Line.EnableInterrupt(s)
	p.kick()
}

func (p *Port) kick() {
	unix.Write(p.pipeW, []byte{1})
}

func (p *Port) run() {
	defer p.wg.Done()
	var buf [fifoDepth]byte
	for {
		p.Dispatch(p.ReadStatus)

		p.mu.Lock()
		var events int16
		if len(p.rx) == 0 && !p.hup {
			events |= unix.POLLIN
		}
		if p.thrFull {
			events |= unix.POLLOUT
		}
		p.mu.Unlock()

		fds := []unix.PollFd{{Fd: int32(p.pipeR), Events: unix.POLLIN}}
		if events != 0 {
			fds = append(fds, unix.PollFd{Fd: int32(p.fd), Events: events})
		}
		_, err := unix.Poll(fds, -1)
		if err != nil && !errors.Is(err, unix.EINTR) {
			return
		}
		select {
		case <-p.done:
			return
		default:
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			var drain [16]byte
			for {
				if n, _ := unix.Read(p.pipeR, drain[:]); n <= 0 {
					break
				}
			}
		}
		if events == 0 || fds[1].Revents == 0 {
			continue
		}
		p.mu.Lock()
		if p.thrFull && fds[1].Revents&(unix.POLLOUT|unix.POLLERR|unix.POLLHUP) != 0 {
			p.flushLocked()
		}
		if events&unix.POLLIN != 0 && fds[1].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			n, err := unix.Read(p.fd, buf[:])
			if n > 0 {
				p.rx, p.mark = unmark(p.rx, p.mark, buf[:n], p.frame.Parity != types.ParityNone)
			} else if err != nil && !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
				// Hung up (a pty whose other end closed reports EIO).
				p.hup = true
			}
		}
		p.mu.Unlock()
	}
}

// Close stops the poll loop and releases the descriptors.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		p.kick()
		p.wg.Wait()
		err = unix.Close(p.fd)
		unix.Close(p.pipeR)
		unix.Close(p.pipeW)
	})
	return err
}

// unmark decodes PARMRK input into FIFO entries. mark carries an unfinished
// 0xff sequence between reads and is returned updated.
func unmark(rx []entry, mark, in []byte, parity bool) ([]entry, []byte) {
	flag := hw.FramingError
	if parity {
		flag = hw.ParityError
	}
	for _, c := range in {
		switch len(mark) {
		case 0:
			if c == 0xff {
				mark = append(mark, c)
				continue
			}
			rx = append(rx, entry{b: c})
		case 1:
			if c == 0xff {
				rx = append(rx, entry{b: 0xff})
				mark = mark[:0]
				continue
			}
			if c != 0 {
				// Not a mark; pass both through.
				rx = append(rx, entry{b: 0xff}, entry{b: c})
				mark = mark[:0]
				continue
			}
			mark = append(mark, c)
		default:
			rx = append(rx, entry{b: c, errs: flag})
			mark = mark[:0]
		}
	}
	return rx, mark
}

func baudToUnix(baud uint32) (uint32, bool) {
	switch baud {
	case 1200:
		return unix.B1200, true
	case 2400:
		return unix.B2400, true
	case 4800:
		return unix.B4800, true
	case 9600:
		return unix.B9600, true
	case 19200:
		return unix.B19200, true
	case 38400:
		return unix.B38400, true
	case 57600:
		return unix.B57600, true
	case 115200:
		return unix.B115200, true
	case 230400:
		return unix.B230400, true
	case 460800:
		return unix.B460800, true
	case 921600:
		return unix.B921600, true
	default:
		return 0, false
	}
}
