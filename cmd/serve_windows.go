//go:build windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// setDaemonAttrs is a no-op; Windows has no session-detach equivalent.
func setDaemonAttrs(_ *exec.Cmd) {}

// shutdownSignals lists the signals that trigger a graceful daemon stop.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

func sigTERM() syscall.Signal { return syscall.SIGTERM }

func sigKILL() syscall.Signal { return syscall.SIGKILL }
