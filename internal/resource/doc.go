// Package resource implements the shared, queryable namespace of named values
// that interpreters use to hand results to one another. A Pool belongs to one
// interpreter group; a DistributedPool adds visibility into the pools of other
// worker processes through a Connector.
package resource
