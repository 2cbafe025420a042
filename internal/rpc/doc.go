// Package rpc is the wire protocol between the coordinator and worker
// processes: length-prefixed JSON frames carrying request/response envelopes,
// a pooled client, and a connection-per-goroutine server.
package rpc
