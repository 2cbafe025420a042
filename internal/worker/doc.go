// Package worker hosts the RPC endpoint that runs inside each interpreter
// worker process. The server owns one interpreter group, dispatches every
// call to the addressed interpreter's scheduler, and shuts itself down when
// its lifecycle manager decides the process is idle.
package worker
