//go:build !(rp2040 || rp2350)

package main

import (
	"fmt"
	"io"

	"go.bug.st/serial"
)

const defaultDevice = "host"

func listPorts(w io.Writer) error {
	ports, err := serial.GetPortsList()
	if err != nil {
		return fmt.Errorf("list ports: %w", err)
	}
	if len(ports) == 0 {
		fmt.Fprintln(w, "no serial ports found")
	}
	for _, p := range ports {
		fmt.Fprintln(w, p)
	}
	return nil
}
