//go:build !linux

package main

import "runtime"

func check([]string) int {
	logger.Error("interception is not supported", "os", runtime.GOOS)
	return exitError
}
