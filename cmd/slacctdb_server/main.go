//go:build cgo
// +build cgo

package main

import (
	"log"
	"os"

	"github.com/slurm-tools/slacctdb/pkg/acct/cli"
)

// Main entry point for `slacctdb_server` app.
func main() {
	// Create a new app
	acctServer, err := cli.NewAcctServer()
	if err != nil {
		panic("Failed to create an instance of Acct Server App")
	}

	// Main entrypoint of the app
	if err := acctServer.Main(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
