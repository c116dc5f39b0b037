//go:build !windows

package main

import (
	"os"
	"syscall"
)

// terminationSignals lists the signals that should trigger a graceful shutdown.
// SIGTERM is used by most process managers (systemd, kubernetes) to request shutdown.
// These are plain OS signal constants, identical across any process built on
// this run loop regardless of domain — there's nothing taskforge-specific to vary here.
var terminationSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
