//go:build !windows

package launcher

import "syscall"

var exitSignal = syscall.SIGTERM
