//go:build !linux

package main

import (
	"runtime"

	"github.com/criyle/go-sudoexec/types"
)

func run() (types.CommandStatus, int) {
	logger.Error("the supervisor is not supported", "os", runtime.GOOS)
	return nil, 1
}

func mirrorSignal(types.CommandStatus) {}
