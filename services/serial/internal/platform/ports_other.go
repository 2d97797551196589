//go:build !(rp2040 || rp2350)

package platform

import (
	"uartbridge-go/errcode"
	"uartbridge-go/types"
)

func openUARTX(types.PortConfig) (Port, error) {
	return nil, &errcode.E{C: errcode.Unsupported, Op: "platform.Open", Msg: "uartx backend needs rp2040 or rp2350"}
}
