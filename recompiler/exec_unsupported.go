//go:build !linux || !amd64

package recompiler

import (
	"fmt"

	"github.com/colorfulnotion/psxrec/log"
)

func executeBlock(code uintptr) error {
	log.Error(log.ExecModule, "block execution is not supported on this platform")
	return fmt.Errorf("block execution is not supported on this platform")
}

func helperTable() HelperTable {
	log.Error(log.ExecModule, "host helpers are not available on this platform")
	return HelperTable{}
}
