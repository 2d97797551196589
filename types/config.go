package types

// Configuration documents published retained on config/<key>.

// PortConfig describes one serial port.
type PortConfig struct {
	ID       string         `json:"id"`
	Backend  string         `json:"backend"` // "sim", "tty" or "uartx"
	Device   string         `json:"device,omitempty"`
	Baud     uint32         `json:"baud"`
	DataBits uint8          `json:"data_bits,omitempty"`
	StopBits uint8          `json:"stop_bits,omitempty"`
	Parity   Parity         `json:"parity,omitempty"`
	RxSize   int            `json:"rx_size"`
	TxSize   int            `json:"tx_size"`
	Overflow OverflowPolicy `json:"overflow"`
	Loopback bool           `json:"loopback,omitempty"` // sim only

	// Reader
	Mode        string `json:"mode"` // "bytes" or "lines"
	MaxFrame    int    `json:"max_frame"`
	IdleFlushMs int    `json:"idle_flush_ms"`
	EchoTX      bool   `json:"echo_tx,omitempty"`

	WriteTimeoutMs int `json:"write_timeout_ms"`
}

type ConsoleConfig struct {
	Enabled bool   `json:"enabled"`
	Port    string `json:"port"`
	Prompt  string `json:"prompt"`
}

type BridgeConfig struct {
	Enabled    bool   `json:"enabled"`
	Port       string `json:"port"`
	PingMs     int    `json:"ping_ms"`
	DeadMs     int    `json:"dead_ms"`
	MaxFrame   int    `json:"max_frame"`
	BackoffMin int    `json:"backoff_min_ms"`
	BackoffMax int    `json:"backoff_max_ms"`
}

type HeartbeatConfig struct {
	IntervalMs int `json:"interval_ms"`
}

type LogConfig struct {
	Level string `json:"level"`
	Color bool   `json:"color"`
}
