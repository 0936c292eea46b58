//go:build windows

package global

import "os"

var dumpSignals []os.Signal
