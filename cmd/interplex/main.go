// Command interplex runs the interpreter coordinator: it launches one worker
// per interpreter group, proxies paragraph execution to it over RPC and
// reattaches to surviving workers after a restart.
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
