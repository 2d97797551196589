//go:build rp2040 || rp2350

package main

import (
	"errors"
	"io"
)

const defaultDevice = "pico"

func listPorts(io.Writer) error { return errors.New("port listing is not available on this target") }
