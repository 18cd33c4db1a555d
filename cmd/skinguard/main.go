// Package main provides the skinguard command line tool. It analyzes
// ingredient lists, manages the local scan store and syncs it with the
// server.
package main

import (
	"fmt"
	"os"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
