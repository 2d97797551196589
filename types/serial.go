package types

import (
	"encoding/json"
	"fmt"
)

// ------------------------
// Serial
// ------------------------

type Parity uint8

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

func (p Parity) String() string {
	switch p {
	case ParityEven:
		return "even"
	case ParityOdd:
		return "odd"
	default:
		return "none"
	}
}

func (p Parity) MarshalJSON() ([]byte, error) { return []byte(`"` + p.String() + `"`), nil }

func (p *Parity) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "", "none", "n":
		*p = ParityNone
	case "even", "e":
		*p = ParityEven
	case "odd", "o":
		*p = ParityOdd
	default:
		return fmt.Errorf("parity %q", s)
	}
	return nil
}

// OverflowPolicy decides what the receive interrupt does when the receive
// queue is full.
type OverflowPolicy uint8

const (
	// OverflowDisable leaves the byte in hardware and masks the receive
	// interrupt until a reader frees a slot. Nothing is lost in software;
	// the hardware FIFO may overrun if the reader stalls long enough.
	OverflowDisable OverflowPolicy = iota
	// OverflowDropNewest reads and discards the byte that found the queue
	// full, keeping what is already queued.
	OverflowDropNewest
)

func (o OverflowPolicy) String() string {
	if o == OverflowDropNewest {
		return "drop_newest"
	}
	return "disable"
}

func (o OverflowPolicy) MarshalJSON() ([]byte, error) { return []byte(`"` + o.String() + `"`), nil }

func (o *OverflowPolicy) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "", "disable":
		*o = OverflowDisable
	case "drop_newest", "drop":
		*o = OverflowDropNewest
	default:
		return fmt.Errorf("overflow policy %q", s)
	}
	return nil
}

// Retained on serial/<id>/info.
type SerialInfo struct {
	ID       string         `json:"id"`
	Backend  string         `json:"backend"`
	Device   string         `json:"device,omitempty"`
	Baud     uint32         `json:"baud"`
	RxSize   int            `json:"rx_size"`
	TxSize   int            `json:"tx_size"`
	Overflow OverflowPolicy `json:"overflow"`
	Mode     string         `json:"mode"`
}

// SerialStats is a point-in-time copy of a port's counters.
type SerialStats struct {
	ISR       uint32 `json:"isr"`
	RxBytes   uint32 `json:"rx_bytes"`
	TxBytes   uint32 `json:"tx_bytes"`
	Direct    uint32 `json:"tx_direct"`
	Framing   uint32 `json:"err_framing"`
	Parity    uint32 `json:"err_parity"`
	Overruns  uint32 `json:"overruns"`
	RxDropped uint32 `json:"rx_dropped"`
	Throttled uint32 `json:"throttled"`
	Wakes     uint32 `json:"wakes"`
	RxQueued  int    `json:"rx_queued"`
	TxQueued  int    `json:"tx_queued"`
	TxIdle    bool   `json:"tx_idle"`
}

// Request on serial/<id>/control/write. A bare JSON string is accepted as Data.
type SerialWrite struct {
	Data      string `json:"data"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

type SerialWriteReply struct {
	OK      bool   `json:"ok"`
	Written int    `json:"written"`
	Error   string `json:"error,omitempty"`
}

// Event on serial/<id>/event/rx and serial/<id>/event/tx.
type SerialRx struct {
	Data string `json:"data"`
	TS   int64  `json:"ts_ms"`
}
