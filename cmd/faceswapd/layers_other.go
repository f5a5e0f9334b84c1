//go:build !darwin

package main

import (
	"errors"
	"io"
)

func printLayers(io.Writer, string) error {
	return errors.New("layer listing needs go-metal, which only runs on macOS")
}
