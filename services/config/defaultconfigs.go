package config

// -----------------------------------------------------------------------------
// Embedded configuration
//
// Key: device ID (same value placed in ctx under CtxDeviceKey)
// Val: raw JSON bytes for that device
// -----------------------------------------------------------------------------

// Two simulated ports wired back to back: the console talks on one, the
// bridge on a loopback of the other.
const cfgHost = `{
  "ports": [
    {"id": "uart0", "backend": "sim", "loopback": true, "mode": "lines"},
    {"id": "uart1", "backend": "sim", "loopback": true, "rx_size": 256, "tx_size": 256}
  ],
  "console": {"enabled": false},
  "bridge": {"enabled": true, "port": "uart1", "ping_ms": 1000},
  "heartbeat": {"interval_ms": 5000},
  "log": {"level": "info", "color": true}
}`

const cfgPico = `{
  "ports": [
    {"id": "uart0", "backend": "uartx", "baud": 115200, "rx_size": 128, "tx_size": 128},
    {"id": "uart1", "backend": "uartx", "baud": 115200, "rx_size": 256, "tx_size": 256}
  ],
  "console": {"enabled": true, "port": "uart0", "prompt": "pico> "},
  "bridge": {"enabled": true, "port": "uart1"},
  "heartbeat": {"interval_ms": 2000},
  "log": {"level": "info"}
}`

var embeddedConfigs = map[string][]byte{
	"host": []byte(cfgHost),
	"pico": []byte(cfgPico),
}
