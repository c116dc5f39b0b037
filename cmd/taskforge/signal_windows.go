//go:build windows

package main

import (
	"os"
)

// terminationSignals lists the signals that should trigger a graceful shutdown.
// Windows primarily uses os.Interrupt (Ctrl+C). Domain-agnostic OS constants,
// same as signal_unix.go — not an oversight that the two files only differ in the set.
var terminationSignals = []os.Signal{os.Interrupt}
