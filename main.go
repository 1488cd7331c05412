package main

import (
	"os"

	"usbloopback/cmd"
)

var version = "1.0.0"

func main() {
	if err := cmd.Execute(version); err != nil {
		os.Exit(1)
	}
}
