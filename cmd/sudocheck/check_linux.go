package main

import (
	"fmt"
	"os"

	"github.com/criyle/go-sudoexec/intercept"
)

// checker is the client side of the interception channel
type checker interface {
	Check(argv []string) (bool, error)
}

func check(argv []string) int {
	c, err := intercept.FromEnv()
	if err != nil {
		logger.Error("connect to supervisor", "error", err)
		return exitError
	}
	defer c.Close()
	return verdict(c, argv)
}

func verdict(c checker, argv []string) int {
	ok, err := c.Check(argv)
	if err != nil {
		logger.Error("check", "argv", argv, "error", err)
		return exitError
	}
	logger.Debug("check", "argv", argv, "allowed", ok)
	if !ok {
		if !quiet {
			fmt.Fprintf(os.Stderr, "sudocheck: %s: command not allowed\n", argv[0])
		}
		return exitDenied
	}
	return exitAllowed
}
