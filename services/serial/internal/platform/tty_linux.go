//go:build linux && !baremetal

package platform

import (
	"uartbridge-go/hw/tty"
	"uartbridge-go/types"
)

func openTTY(cfg types.PortConfig) (Port, error) {
	p, err := tty.Open(cfg.Device)
	if err != nil {
		return nil, err
	}
	return attach(p, cfg)
}
