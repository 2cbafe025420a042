// Command interplex-worker hosts one interpreter group and serves the worker
// RPC protocol. It runs as an ordinary process under the local launcher and
// as init inside a microVM under the firecracker launcher.
//
// Build the guest binary with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o interplex-worker ./cmd/interplex-worker
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
