//go:build !linux || baremetal

package platform

import (
	"uartbridge-go/errcode"
	"uartbridge-go/types"
)

func openTTY(types.PortConfig) (Port, error) {
	return nil, &errcode.E{C: errcode.Unsupported, Op: "platform.Open", Msg: "tty backend needs linux"}
}
