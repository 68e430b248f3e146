// Command tinyserver runs the reactor-based static file and form
// server. This is the external driver that wires config.New into
// app.New and reports a non-zero exit code on startup failure.
package main

import (
	"fmt"
	"os"

	"github.com/nullsock/tinyserver/app"
	"github.com/nullsock/tinyserver/config"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, "tinyserver:", err)
		os.Exit(1)
	}

	a, err := app.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tinyserver:", err)
		os.Exit(1)
	}

	if err := a.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "tinyserver:", err)
		os.Exit(1)
	}
}
