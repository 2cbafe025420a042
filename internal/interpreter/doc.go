// Package interpreter defines the capability every execution engine adapter
// implements, the registry that maps class names to adapter factories, and the
// session/group bookkeeping that owns interpreter instances inside a worker.
package interpreter
