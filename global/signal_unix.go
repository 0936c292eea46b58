//go:build !windows

package global

import (
	"os"
	"syscall"
)

var dumpSignals = []os.Signal{syscall.SIGUSR1}
