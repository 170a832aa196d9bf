//go:build windows

package launcher

import "os"

var exitSignal = os.Kill
