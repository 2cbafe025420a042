// Package scheduler provides the per-interpreter execution queue. A Scheduler
// runs submitted Jobs on its own goroutines under a FIFO or bounded-parallel
// policy and exposes cooperative cancellation by job id.
package scheduler
