package main

import (
	"os"
)

func main() {
	if err := startApp(); err != nil {
		os.Exit(1)
	}
}
