//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"os/exec"
)

var Default = Build

// build the publisher and the test endpoint
func Build() error {
	for _, c := range []string{"publisher", "whiptest"} {
		fmt.Println("building", c)
		cmd := exec.Command("go", "build", "-o", "bin/"+c, "./cmd/"+c)
		connectStd(cmd)
		if err := cmd.Run(); err != nil {
			return err
		}
	}
	return nil
}

// run unit tests
func Test() error {
	cmd := exec.Command("go", "test", "-race", "./pkg/...")
	connectStd(cmd)
	return cmd.Run()
}

// run the publisher against a local pion endpoint
func Integration() error {
	cmd := exec.Command("go", "test", "-v", "-tags", "integration", "-timeout", "5m", "./test/...")
	connectStd(cmd)
	return cmd.Run()
}

// helpers

func connectStd(cmd *exec.Cmd) {
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
}
