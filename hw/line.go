package hw

import (
	"sync"
	"sync/atomic"
)

// Line is an interrupt line shared by software peripherals: the enable
// mask, the registered handler and the lock that both the handler and
// Critical run under. Embedding it supplies the interrupt half of
// Peripheral.
type Line struct {
	mu      sync.Mutex
	handler func()
	enabled atomic.Uint32
}

func (l *Line) SetHandler(fn func()) {
	l.mu.Lock()
	l.handler = fn
	l.mu.Unlock()
}

// Critical runs fn with the interrupt held off.
func (l *Line) Critical(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn()
}

func (l *Line) EnableInterrupt(s Status)  { l.enabled.Or(uint32(s & IRQMask)) }
func (l *Line) DisableInterrupt(s Status) { l.enabled.And(^uint32(s & IRQMask)) }
func (l *Line) Enabled() Status           { return Status(l.enabled.Load()) }

// Dispatch raises the line: the handler is entered whenever status reports
// an enabled source, and re-entered if one is still pending after it
// returns. It reports how many times the handler ran.
func (l *Line) Dispatch(status func() Status) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for l.handler != nil && status()&l.Enabled() != 0 {
		l.handler()
		n++
	}
	return n
}
