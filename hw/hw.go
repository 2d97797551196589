// Package hw describes the byte-oriented peripheral that the transport
// drives: a status register, a one-byte data register, an interrupt enable
// mask and an interrupt line with a critical section.
package hw

import (
	"strings"

	"uartbridge-go/errcode"
	"uartbridge-go/types"
)

// Status is a snapshot of the peripheral's status register.
type Status uint8

const (
	RxReady      Status = 1 << iota // a received byte is waiting in the data register
	TxReady                         // transmit holding register emptied since last clear
	FramingError                    // the byte at the head of RX failed its stop bit
	ParityError                     // the byte at the head of RX failed its parity check
	Overrun                         // a byte was lost because the hardware FIFO was full

	// Sources that can raise the interrupt.
	IRQMask = RxReady | TxReady
)

func (s Status) Has(f Status) bool { return s&f != 0 }

func (s Status) String() string {
	if s == 0 {
		return "none"
	}
	var parts []string
	for _, f := range []struct {
		bit  Status
		name string
	}{
		{RxReady, "rx"},
		{TxReady, "tx"},
		{FramingError, "framing"},
		{ParityError, "parity"},
		{Overrun, "overrun"},
	} {
		if s&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// Frame is the line format.
type Frame struct {
	Baud     uint32
	DataBits uint8
	StopBits uint8
	Parity   types.Parity
}

// Frame8N1 returns the default format at baud.
func Frame8N1(baud uint32) Frame {
	return Frame{Baud: baud, DataBits: 8, StopBits: 1, Parity: types.ParityNone}
}

// Bits is the number of bit times one character occupies on the wire.
func (f Frame) Bits() int {
	n := 1 + int(f.DataBits) + int(f.StopBits)
	if f.Parity != types.ParityNone {
		n++
	}
	return n
}

func (f Frame) Validate() error {
	if f.Baud == 0 {
		return &errcode.E{C: errcode.InvalidParams, Op: "frame", Msg: "baud must be positive"}
	}
	if f.DataBits < 5 || f.DataBits > 8 {
		return &errcode.E{C: errcode.InvalidParams, Op: "frame", Msg: "data bits out of range"}
	}
	if f.StopBits != 1 && f.StopBits != 2 {
		return &errcode.E{C: errcode.InvalidParams, Op: "frame", Msg: "stop bits must be 1 or 2"}
	}
	return nil
}

// Peripheral is the register-level view of a UART-like device.
//
// ReadStatus, ClearPending, ReadData, WriteData, EnableInterrupt and
// DisableInterrupt are safe to call from the interrupt handler and from
// inside Critical. SetHandler must not be called from either.
type Peripheral interface {
	Configure(f Frame) error
	ReadStatus() Status
	ClearPending(s Status)
	ReadData() byte
	WriteData(b byte)
	EnableInterrupt(s Status)
	DisableInterrupt(s Status)
	SetHandler(fn func())
	Critical(fn func())
}
